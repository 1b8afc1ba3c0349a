package queue

import (
	"testing"
	"time"
)

func TestQueuePushPop(t *testing.T) {
	q := New[int]()
	q.Push(1)
	q.Push(2)
	if got := q.Pop(); got != 1 {
		t.Errorf("expected 1, got %d", got)
	}
	if got := q.Pop(); got != 2 {
		t.Errorf("expected 2, got %d", got)
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := New[string]()
	done := make(chan string, 1)
	go func() {
		done <- q.Pop()
	}()

	select {
	case <-done:
		t.Fatal("Pop returned before any Push")
	case <-time.After(50 * time.Millisecond):
	}

	q.Push("hello")
	select {
	case got := <-done:
		if got != "hello" {
			t.Errorf("expected hello, got %q", got)
		}
	case <-time.After(time.Second):
		t.Fatal("Pop never woke up after Push")
	}
}

func TestQueueTryPop(t *testing.T) {
	q := New[int]()
	if _, ok := q.TryPop(); ok {
		t.Fatal("TryPop on empty queue should return false")
	}
	q.Push(42)
	got, ok := q.TryPop()
	if !ok || got != 42 {
		t.Fatalf("expected (42, true), got (%d, %v)", got, ok)
	}
}

func TestBoundedPushBlocksWhenFull(t *testing.T) {
	b := NewBounded[int](2)
	b.Push(1)
	b.Push(2)
	if !b.Full() {
		t.Fatal("expected queue to be full")
	}

	pushed := make(chan struct{})
	go func() {
		b.Push(3)
		close(pushed)
	}()

	select {
	case <-pushed:
		t.Fatal("Push on full queue should block")
	case <-time.After(50 * time.Millisecond):
	}

	b.Pop()
	select {
	case <-pushed:
	case <-time.After(time.Second):
		t.Fatal("Push never unblocked after Pop")
	}
}
