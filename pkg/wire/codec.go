package wire

import (
	"encoding/binary"
	"fmt"
)

// frameSize is the fixed on-wire size of a Message: 1 (kind) + 4 (seq) +
// 4 (node id) + 2 (content length) + ContentMax (content, zero padded).
const frameSize = 1 + 4 + 4 + 2 + ContentMax

// Encode serializes a Message into its fixed-layout wire representation.
// Multi-byte fields are always little-endian, whatever the host byte
// order, so the frame does not depend on the host.
func Encode(m Message) []byte {
	buf := make([]byte, frameSize)
	buf[0] = byte(m.Kind)
	binary.LittleEndian.PutUint32(buf[1:5], m.SequenceNumber)
	binary.LittleEndian.PutUint32(buf[5:9], m.NodeID)
	n := len(m.Content)
	if n > ContentMax {
		n = ContentMax
	}
	binary.LittleEndian.PutUint16(buf[9:11], uint16(n))
	copy(buf[11:11+n], m.Content[:n])
	return buf
}

// Decode parses a wire frame produced by Encode. It returns an error
// for frames that are too short or claim a content length exceeding
// ContentMax; callers treat a decode error as a drop, never a panic.
func Decode(data []byte) (Message, error) {
	if len(data) < 11 {
		return Message{}, fmt.Errorf("wire: frame too short: %d bytes", len(data))
	}
	kind := Kind(data[0])
	seq := binary.LittleEndian.Uint32(data[1:5])
	node := binary.LittleEndian.Uint32(data[5:9])
	n := int(binary.LittleEndian.Uint16(data[9:11]))
	if n > ContentMax {
		return Message{}, fmt.Errorf("wire: content length %d exceeds max %d", n, ContentMax)
	}
	if len(data) < 11+n {
		return Message{}, fmt.Errorf("wire: truncated content: want %d have %d", n, len(data)-11)
	}
	content := make([]byte, n)
	copy(content, data[11:11+n])
	return Message{Kind: kind, SequenceNumber: seq, NodeID: node, Content: content}, nil
}

// EncodeNackRange formats a NACK body as ASCII "start end", inclusive.
func EncodeNackRange(start, end uint32) []byte {
	return []byte(fmt.Sprintf("%d %d", start, end))
}

// DecodeNackRange parses a NACK body produced by EncodeNackRange.
func DecodeNackRange(content []byte) (start, end uint32, err error) {
	_, err = fmt.Sscanf(string(content), "%d %d", &start, &end)
	if err != nil {
		return 0, 0, fmt.Errorf("wire: malformed NACK range %q: %w", content, err)
	}
	return start, end, nil
}
