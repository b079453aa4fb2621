package pendingset

import (
	"testing"

	"reliable-mcast/pkg/wire"
)

func msg(seq uint32) wire.Message {
	return wire.New(wire.KindData, seq, 0, nil)
}

func TestInsertPeekPopOrder(t *testing.T) {
	s := New()
	s.Insert(msg(5))
	s.Insert(msg(2))
	s.Insert(msg(9))

	if s.IsEmpty() {
		t.Fatal("Expected non-empty set")
	}

	min, ok := s.PeekMin()
	if !ok || min.SequenceNumber != 2 {
		t.Fatalf("Expected peek min 2, got %d (ok=%v)", min.SequenceNumber, ok)
	}

	popped, ok := s.PopMin()
	if !ok || popped.SequenceNumber != 2 {
		t.Fatalf("Expected pop min 2, got %d (ok=%v)", popped.SequenceNumber, ok)
	}

	min, ok = s.PeekMin()
	if !ok || min.SequenceNumber != 5 {
		t.Fatalf("Expected peek min 5 after pop, got %d (ok=%v)", min.SequenceNumber, ok)
	}
}

func TestInsertIsIdempotentOnDuplicateKey(t *testing.T) {
	s := New()
	s.Insert(wire.New(wire.KindData, 3, 0, []byte("first")))
	s.Insert(wire.New(wire.KindData, 3, 0, []byte("second")))

	if s.Len() != 1 {
		t.Fatalf("Expected 1 entry after duplicate insert, got %d", s.Len())
	}

	min, _ := s.PeekMin()
	if string(min.Content) != "first" {
		t.Errorf("Expected first insert preserved, got %q", min.Content)
	}
}

func TestIsEmpty(t *testing.T) {
	s := New()
	if !s.IsEmpty() {
		t.Error("Expected new set to be empty")
	}

	s.Insert(msg(1))
	if s.IsEmpty() {
		t.Error("Expected non-empty set after insert")
	}

	s.PopMin()
	if !s.IsEmpty() {
		t.Error("Expected empty set after popping only element")
	}
}

func TestPopMinOnEmptySet(t *testing.T) {
	s := New()
	_, ok := s.PopMin()
	if ok {
		t.Error("Expected PopMin on empty set to return ok=false")
	}
}

func TestContains(t *testing.T) {
	s := New()
	s.Insert(msg(7))

	if !s.Contains(7) {
		t.Error("Expected Contains(7) to be true")
	}
	if s.Contains(8) {
		t.Error("Expected Contains(8) to be false")
	}

	s.PopMin()
	if s.Contains(7) {
		t.Error("Expected Contains(7) to be false after pop")
	}
}
