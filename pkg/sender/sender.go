// Package sender implements the CORE's sender-side state: the
// sequence-ordered send queue, the receiver acknowledgment table, the
// ACK-solicitation pacing step, and the NACK-driven selective
// retransmit path.
//
// Grounded on the original C++ MulticastSender (original_source/src/
// MulticastSender.cpp, original_source/include/MulticastSender.h) and
// adapted to the teacher's mutex-guarded-struct-plus-worker-goroutine
// shape (source/protocol/raknet.go's Session).
package sender

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"reliable-mcast/internal/metrics"
	"reliable-mcast/pkg/rlog"
	"reliable-mcast/pkg/transport"
	"reliable-mcast/pkg/wire"
)

// EventType identifies what an Event callback reports.
type EventType int

const (
	EventInqueueError EventType = iota
	EventNackOutOfQueue
)

// Event is the single notification type delivered to a registered callback.
type Event struct {
	Type    EventType
	Message string
}

// receiverNode is the sender's view of one receiver: the highest ACK
// seen from it. Kept in a map keyed by node id, per spec.md §9's
// explicit rejection of the original's nodeId-only struct-equality
// anti-pattern.
type receiverNode struct {
	nodeID uint32
	ackSeq uint32
}

// Config holds the sender's tunables, mirroring spec.md §6.
type Config struct {
	SendAckCount   uint32
	SendCount      int
	AckTimeout     time.Duration
	DeleteCount    uint32
	PacingInterval time.Duration
	QueueCapacity  int // 0 means unbounded, matching the original source.
}

// Sender is the publish/pacing/recovery engine described in spec.md §4.2.
type Sender struct {
	transport transport.Transport
	clock     transport.Clock
	cfg       Config
	metrics   *metrics.Registry

	mu              sync.Mutex
	nextSeq         uint32
	lastAckExchange uint32
	sendQueue       []wire.Message // monotonic, contiguous by SequenceNumber
	sendPointer     uint32         // absolute sequence number, not an index (spec.md §9)
	receivers       map[uint32]receiverNode
	lastAckSolicit  time.Time

	callbackMu sync.Mutex
	callback   func(Event)

	running atomic.Bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New constructs a Sender with an empty queue starting at sequence 0.
func New(t transport.Transport, clock transport.Clock, cfg Config, reg *metrics.Registry) *Sender {
	if cfg.SendCount <= 0 {
		cfg.SendCount = 50
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 2 * time.Second
	}
	if cfg.SendAckCount == 0 {
		cfg.SendAckCount = 32
	}
	if cfg.DeleteCount == 0 {
		cfg.DeleteCount = 1000
	}
	if cfg.PacingInterval <= 0 {
		cfg.PacingInterval = 20 * time.Millisecond
	}
	return &Sender{
		transport: t,
		clock:     clock,
		cfg:       cfg,
		metrics:   reg,
		receivers: make(map[uint32]receiverNode),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
}

// SetCallback registers the single event sink for INQUEUE_ERROR/NACK_OUT_QUEUE.
func (s *Sender) SetCallback(f func(Event)) {
	s.callbackMu.Lock()
	defer s.callbackMu.Unlock()
	s.callback = f
}

func (s *Sender) emitEvent(ev Event) {
	s.callbackMu.Lock()
	cb := s.callback
	s.callbackMu.Unlock()
	if cb != nil {
		cb(ev)
	}
}

// SendMessage appends a new DATA message with the next sequence number.
// Returns false iff the bounded queue (when configured) rejects the
// insert; the original source used an unbounded queue, so the default
// QueueCapacity of 0 never rejects.
func (s *Sender) SendMessage(payload []byte) bool {
	s.mu.Lock()

	if s.cfg.QueueCapacity > 0 && len(s.sendQueue) >= s.cfg.QueueCapacity {
		s.mu.Unlock()
		s.metrics.InqueueErrors.Inc()
		s.emitEvent(Event{Type: EventInqueueError, Message: "send queue full"})
		return false
	}

	msg := wire.New(wire.KindData, s.nextSeq, 0, payload)
	s.sendQueue = append(s.sendQueue, msg)
	s.nextSeq++
	s.mu.Unlock()
	return true
}

// Start launches the worker goroutine.
func (s *Sender) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return
	}
	go s.run()
}

// Stop requests the worker exit and waits for it to do so. Idempotent.
func (s *Sender) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return
	}
	close(s.stopCh)
	<-s.doneCh
}

func (s *Sender) run() {
	defer close(s.doneCh)
	for s.running.Load() {
		select {
		case <-s.stopCh:
			return
		default:
		}

		readable := s.transport.WaitReadable(s.cfg.PacingInterval)
		if !readable {
			s.pacingStep()
			continue
		}

		data, err := s.transport.Recv()
		if err != nil {
			if err == transport.ErrWouldBlock {
				s.pacingStep()
				continue
			}
			rlog.Error("sender: recv error", rlog.Fields{"error": err.Error()})
			continue
		}

		msg, err := wire.Decode(data)
		if err != nil {
			rlog.Debug("sender: dropping undecodable frame", rlog.Fields{"error": err.Error()})
			continue
		}

		switch msg.Kind {
		case wire.KindAck:
			s.handleAck(msg)
		case wire.KindNack:
			s.handleNack(msg)
		default:
			s.pacingStep()
		}
	}
}

// pacingStep runs the ACK-solicitation check and transmits up to
// SendCount queued messages, per spec.md §4.2. Runs at most once per
// loop iteration, on every idle wakeup and on receipt of any frame
// that is neither ACK nor NACK.
func (s *Sender) pacingStep() {
	s.mu.Lock()
	now := s.clock.Now()
	outstanding := s.nextSeq - s.lastAckExchange + 1
	needsSolicit := outstanding >= s.cfg.SendAckCount || now.Sub(s.lastAckSolicit) >= s.cfg.AckTimeout
	s.mu.Unlock()

	if needsSolicit {
		s.requestAck()
		s.mu.Lock()
		s.lastAckSolicit = now
		s.mu.Unlock()
	}

	s.transmitPending()
}

// transmitPending sends up to SendCount messages starting at
// sendPointer, advancing it past each.
func (s *Sender) transmitPending() {
	s.mu.Lock()
	var batch []wire.Message
	idx := s.indexOfSeqLocked(s.sendPointer)
	for len(batch) < s.cfg.SendCount && idx >= 0 && idx < len(s.sendQueue) {
		batch = append(batch, s.sendQueue[idx])
		s.sendPointer++
		idx++
	}
	s.mu.Unlock()

	for _, msg := range batch {
		if err := s.transport.Send(wire.Encode(msg)); err != nil {
			rlog.Error("sender: failed to send DATA", rlog.Fields{"error": err.Error(), "seq": msg.SequenceNumber})
			continue
		}
		s.metrics.DataSent.Inc()
	}
}

// indexOfSeqLocked maps an absolute sequence number to its index in
// sendQueue, or -1 if it has been trimmed away or not yet enqueued.
// Called with s.mu held. The queue is contiguous and monotonic, so the
// offset from the head is constant time.
func (s *Sender) indexOfSeqLocked(seq uint32) int {
	if len(s.sendQueue) == 0 {
		return -1
	}
	head := s.sendQueue[0].SequenceNumber
	if seq < head {
		return -1
	}
	idx := int(seq - head)
	if idx >= len(s.sendQueue) {
		return -1
	}
	return idx
}

// requestAck is the window-trim and solicitation step of spec.md §4.2.
func (s *Sender) requestAck() {
	s.mu.Lock()

	if len(s.receivers) == 0 {
		s.mu.Unlock()
		s.sendAckRequest()
		return
	}

	var minNode receiverNode
	first := true
	for _, rn := range s.receivers {
		if first || rn.ackSeq < minNode.ackSeq {
			minNode = rn
			first = false
		}
	}
	s.lastAckExchange = minNode.ackSeq

	if len(s.sendQueue) > 0 && s.sendQueue[0].SequenceNumber <= minNode.ackSeq {
		cut := 0
		for cut < len(s.sendQueue) && s.sendQueue[cut].SequenceNumber <= minNode.ackSeq {
			cut++
		}
		s.sendQueue = s.sendQueue[cut:]
		s.metrics.WindowTrims.Inc()
	} else if s.sendPointer > minNode.ackSeq+s.cfg.DeleteCount {
		delete(s.receivers, minNode.nodeID)
		s.metrics.ReceiversEvicted.Inc()
		rlog.Warn("sender: evicted straggling receiver", rlog.Fields{
			"node_id": minNode.nodeID,
			"ack_seq": minNode.ackSeq,
			"pointer": s.sendPointer,
		})
	}

	s.mu.Unlock()
	s.sendAckRequest()
}

func (s *Sender) sendAckRequest() {
	req := wire.New(wire.KindAckRequest, 0, 0, nil)
	if err := s.transport.Send(wire.Encode(req)); err != nil {
		rlog.Error("sender: failed to send ACK_REQUEST", rlog.Fields{"error": err.Error()})
		return
	}
	s.metrics.AckRequestsSent.Inc()
}

// handleAck keeps, per node_id, the max of the existing and incoming
// ack_seq. ACKs are monotone per receiver; stale ACKs are ignored.
func (s *Sender) handleAck(msg wire.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.receivers[msg.NodeID]
	if !ok {
		s.receivers[msg.NodeID] = receiverNode{nodeID: msg.NodeID, ackSeq: msg.SequenceNumber}
	} else if msg.SequenceNumber > existing.ackSeq {
		existing.ackSeq = msg.SequenceNumber
		s.receivers[msg.NodeID] = existing
	}
	s.metrics.AcksReceived.Inc()
}

// handleNack is the selective retransmit path of spec.md §4.2.
func (s *Sender) handleNack(msg wire.Message) {
	start, end, err := wire.DecodeNackRange(msg.Content)
	if err != nil {
		rlog.Debug("sender: dropping malformed NACK", rlog.Fields{"error": err.Error()})
		return
	}

	s.mu.Lock()
	if len(s.sendQueue) == 0 || start < s.sendQueue[0].SequenceNumber || end >= s.nextSeq {
		s.mu.Unlock()
		s.metrics.NackOutOfQueue.Inc()
		s.emitEvent(Event{Type: EventNackOutOfQueue, Message: "NACK range unsatisfiable"})
		return
	}

	lo := sort.Search(len(s.sendQueue), func(i int) bool {
		return s.sendQueue[i].SequenceNumber >= start
	})
	var repairs []wire.Message
	for i := lo; i < len(s.sendQueue) && s.sendQueue[i].SequenceNumber <= end; i++ {
		orig := s.sendQueue[i]
		repairs = append(repairs, wire.New(wire.KindRepair, orig.SequenceNumber, 0, orig.Content))
	}
	s.mu.Unlock()

	for _, r := range repairs {
		if err := s.transport.Send(wire.Encode(r)); err != nil {
			rlog.Error("sender: failed to send REPAIR", rlog.Fields{"error": err.Error(), "seq": r.SequenceNumber})
			continue
		}
		s.metrics.RepairsSent.Inc()
	}
}
