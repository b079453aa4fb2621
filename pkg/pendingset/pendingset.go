// Package pendingset implements the receiver's key-ordered buffer of
// out-of-sequence messages awaiting gap fill.
//
// The teacher's protocol layer (source/protocol) keeps its own
// sequence-ordered state as plain maps and slices; the CORE's pending
// set needs the same O(log n) insert/min-peek/min-pop guarantee the
// original C++ source reached for with a B+-tree. github.com/google/btree
// is the idiomatic Go stand-in for that structure.
package pendingset

import (
	"github.com/google/btree"

	"reliable-mcast/pkg/wire"
)

const degree = 32

// item adapts a wire.Message to the btree.Item interface, ordering
// solely by SequenceNumber.
type item struct {
	msg wire.Message
}

func (a item) Less(than btree.Item) bool {
	return a.msg.SequenceNumber < than.(item).msg.SequenceNumber
}

// Set is an ordered, idempotent buffer of messages keyed by
// SequenceNumber. It is not safe for concurrent use; callers hold
// their own mutex around it, matching the CORE's ownership model.
type Set struct {
	tree    *btree.BTree
	present map[uint32]struct{}
}

// New returns an empty Set.
func New() *Set {
	return &Set{
		tree:    btree.New(degree),
		present: make(map[uint32]struct{}),
	}
}

// Insert adds msg if its sequence number is not already present.
// A duplicate key is a no-op, preserving the first insert.
func (s *Set) Insert(msg wire.Message) {
	if _, ok := s.present[msg.SequenceNumber]; ok {
		return
	}
	s.present[msg.SequenceNumber] = struct{}{}
	s.tree.ReplaceOrInsert(item{msg})
}

// PeekMin returns the message with the lowest sequence number without
// removing it. The second return is false when the set is empty.
func (s *Set) PeekMin() (wire.Message, bool) {
	min := s.tree.Min()
	if min == nil {
		return wire.Message{}, false
	}
	return min.(item).msg, true
}

// PopMin removes and returns the message with the lowest sequence
// number. The second return is false when the set is empty.
func (s *Set) PopMin() (wire.Message, bool) {
	min := s.tree.DeleteMin()
	if min == nil {
		return wire.Message{}, false
	}
	msg := min.(item).msg
	delete(s.present, msg.SequenceNumber)
	return msg, true
}

// IsEmpty reports whether the set holds no messages.
func (s *Set) IsEmpty() bool {
	return s.tree.Len() == 0
}

// Len returns the number of buffered messages.
func (s *Set) Len() int {
	return s.tree.Len()
}

// Contains reports whether seq is currently buffered.
func (s *Set) Contains(seq uint32) bool {
	_, ok := s.present[seq]
	return ok
}
