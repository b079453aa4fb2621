package sender

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"reliable-mcast/internal/metrics"
	"reliable-mcast/pkg/transport"
	"reliable-mcast/pkg/wire"
)

func newTestSender(t *testing.T, cfg Config) (*Sender, transport.Transport, *transport.FakeClock) {
	t.Helper()
	a, b := transport.NewPipe(256)
	clock := transport.NewFakeClock(time.Unix(0, 0))
	reg := metrics.New(prometheus.NewRegistry(), t.Name())
	s := New(a, clock, cfg, reg)
	return s, b, clock
}

func ackMsg(nodeID, seq uint32) wire.Message {
	return wire.New(wire.KindAck, seq, nodeID, nil)
}

func nackMsg(nodeID, start, end uint32) wire.Message {
	return wire.New(wire.KindNack, 0, nodeID, wire.EncodeNackRange(start, end))
}

func TestSendMessageAssignsMonotonicSequence(t *testing.T) {
	s, _, _ := newTestSender(t, Config{})

	for i := 0; i < 5; i++ {
		ok := s.SendMessage([]byte("x"))
		require.True(t, ok)
	}

	require.Len(t, s.sendQueue, 5)
	for i, msg := range s.sendQueue {
		require.Equal(t, uint32(i), msg.SequenceNumber)
	}
	require.Equal(t, uint32(5), s.nextSeq)
}

func TestHandleAckIsMonotonePerReceiver(t *testing.T) {
	s, _, _ := newTestSender(t, Config{})

	s.handleAck(ackMsg(1, 10))
	require.Equal(t, uint32(10), s.receivers[1].ackSeq)

	// Stale ACK is ignored.
	s.handleAck(ackMsg(1, 3))
	require.Equal(t, uint32(10), s.receivers[1].ackSeq)

	s.handleAck(ackMsg(1, 15))
	require.Equal(t, uint32(15), s.receivers[1].ackSeq)
}

func TestRequestAckTrimsToSlowestReceiver(t *testing.T) {
	s, _, _ := newTestSender(t, Config{DeleteCount: 1000})

	for i := 0; i < 20; i++ {
		s.SendMessage([]byte("x"))
	}

	s.handleAck(ackMsg(1, 15))
	s.handleAck(ackMsg(2, 5))

	s.requestAck()

	require.Equal(t, uint32(5), s.lastAckExchange)
	require.Len(t, s.sendQueue, 14) // sequences 6..19 survive
	require.Equal(t, uint32(6), s.sendQueue[0].SequenceNumber)
}

func TestRequestAckNoTrimWhenQueueAlreadyPastAck(t *testing.T) {
	s, _, _ := newTestSender(t, Config{DeleteCount: 1000})

	for i := 0; i < 5; i++ {
		s.SendMessage([]byte("x"))
	}
	// Trim the front so the queue head is already ahead of the receiver's ack.
	s.sendQueue = s.sendQueue[3:]
	s.handleAck(ackMsg(1, 1)) // behind the queue's surviving head (3)

	before := len(s.sendQueue)
	s.requestAck()

	require.Equal(t, before, len(s.sendQueue), "no message in queue is covered by the slowest ack, so nothing trims")
}

func TestStragglerEvictedAfterDeleteCount(t *testing.T) {
	s, _, _ := newTestSender(t, Config{DeleteCount: 5})

	for i := 0; i < 20; i++ {
		s.SendMessage([]byte("x"))
	}
	s.handleAck(ackMsg(1, 19))
	s.handleAck(ackMsg(2, 0)) // straggler, never advances
	// Seq 0 is already trimmed, so no queued message is covered by the
	// straggler's ack and requestAck takes the eviction branch.
	s.sendQueue = s.sendQueue[1:]

	s.mu.Lock()
	s.sendPointer = 10
	s.mu.Unlock()

	s.requestAck()

	_, stillPresent := s.receivers[2]
	require.False(t, stillPresent, "straggler should be evicted once pointer exceeds ack_seq + DeleteCount")
	_, survivorPresent := s.receivers[1]
	require.True(t, survivorPresent)
}

func TestHandleNackRetransmitsRangeAsRepair(t *testing.T) {
	s, peer, _ := newTestSender(t, Config{})

	for i := 0; i < 10; i++ {
		s.SendMessage([]byte("payload"))
	}

	s.handleNack(nackMsg(1, 4, 4))

	data, err := peer.Recv()
	require.NoError(t, err)
	repair, err := wire.Decode(data)
	require.NoError(t, err)
	require.Equal(t, wire.KindRepair, repair.Kind)
	require.Equal(t, uint32(4), repair.SequenceNumber)
}

func TestHandleNackBurstRangeRetransmitsAllThree(t *testing.T) {
	s, peer, _ := newTestSender(t, Config{})

	for i := 0; i < 20; i++ {
		s.SendMessage([]byte("payload"))
	}

	s.handleNack(nackMsg(1, 5, 7))

	for _, want := range []uint32{5, 6, 7} {
		data, err := peer.Recv()
		require.NoError(t, err)
		repair, err := wire.Decode(data)
		require.NoError(t, err)
		require.Equal(t, wire.KindRepair, repair.Kind)
		require.Equal(t, want, repair.SequenceNumber)
	}
}

func TestHandleNackUnsatisfiableRangeEmitsEvent(t *testing.T) {
	s, _, _ := newTestSender(t, Config{})

	var got Event
	s.SetCallback(func(ev Event) { got = ev })

	for i := 0; i < 5; i++ {
		s.SendMessage([]byte("x"))
	}

	s.handleNack(nackMsg(1, 0, 100)) // end >= nextSeq

	require.Equal(t, EventNackOutOfQueue, got.Type)
}

// TestSenderEndToEndPublishAndRepair drives a real Sender.Start()
// worker loop over a transport.Pipe: the test plays a receiver on the
// peer end, reading the DATA frames the pacing step publishes on its
// own and replying with a NACK to trigger a REPAIR, exactly as
// cmd/mcast-sender's worker would see a real receiver. No private
// method is called; everything goes through the wire.
func TestSenderEndToEndPublishAndRepair(t *testing.T) {
	s, peer, _ := newTestSender(t, Config{
		SendCount:      10,
		PacingInterval: time.Millisecond,
		SendAckCount:   1000,
		AckTimeout:     time.Hour,
	})

	s.Start()
	defer s.Stop()

	for i := 0; i < 5; i++ {
		require.True(t, s.SendMessage([]byte("x")))
	}

	// The worker's pacing step publishes the queued DATA frames on its
	// own, with no Recv from the peer required to prompt it.
	var data []wire.Message
	require.Eventually(t, func() bool {
		for {
			frame, err := peer.Recv()
			if err != nil {
				break
			}
			msg, err := wire.Decode(frame)
			require.NoError(t, err)
			if msg.Kind == wire.KindData {
				data = append(data, msg)
			}
		}
		return len(data) >= 5
	}, time.Second, time.Millisecond)
	for i, msg := range data {
		require.Equal(t, uint32(i), msg.SequenceNumber)
	}

	// Peer reports a gap at seq 2; the worker replies with a REPAIR.
	require.NoError(t, peer.Send(wire.Encode(nackMsg(1, 2, 2))))

	var repair wire.Message
	require.Eventually(t, func() bool {
		frame, err := peer.Recv()
		if err != nil {
			return false
		}
		msg, err := wire.Decode(frame)
		require.NoError(t, err)
		if msg.Kind != wire.KindRepair {
			return false
		}
		repair = msg
		return true
	}, time.Second, time.Millisecond)
	require.Equal(t, uint32(2), repair.SequenceNumber)
}

func TestTransmitPendingAdvancesSendPointer(t *testing.T) {
	s, peer, _ := newTestSender(t, Config{SendCount: 3})

	for i := 0; i < 10; i++ {
		s.SendMessage([]byte("x"))
	}

	s.transmitPending()

	require.Equal(t, uint32(3), s.sendPointer)
	for i := 0; i < 3; i++ {
		data, err := peer.Recv()
		require.NoError(t, err)
		msg, err := wire.Decode(data)
		require.NoError(t, err)
		require.Equal(t, uint32(i), msg.SequenceNumber)
	}
}
