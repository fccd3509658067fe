package mailbox

import (
	"sync"
	"testing"
	"time"
)

func TestPutOverwrites(t *testing.T) {
	m := New[int]()
	m.Put(1)
	m.Put(2)
	m.Put(3)

	v, ok := m.TryTake()
	if !ok || v != 3 {
		t.Fatalf("expected latest value 3, got %d (ok=%v)", v, ok)
	}
	if m.Drops() != 2 {
		t.Fatalf("expected 2 drops, got %d", m.Drops())
	}
	if _, ok := m.TryTake(); ok {
		t.Fatal("mailbox should be empty after take")
	}
}

func TestTakeBlocksUntilPut(t *testing.T) {
	m := New[string]()

	done := make(chan string, 1)
	go func() {
		v, _ := m.Take()
		done <- v
	}()

	// Give the consumer time to block.
	time.Sleep(20 * time.Millisecond)
	m.Put("frame")

	select {
	case v := <-done:
		if v != "frame" {
			t.Fatalf("got %q", v)
		}
	case <-time.After(time.Second):
		t.Fatal("Take did not wake up")
	}
}

func TestCloseWakesConsumer(t *testing.T) {
	m := New[int]()

	done := make(chan bool, 1)
	go func() {
		_, ok := m.Take()
		done <- ok
	}()

	time.Sleep(20 * time.Millisecond)
	m.Close()

	select {
	case ok := <-done:
		if ok {
			t.Fatal("Take should report closed")
		}
	case <-time.After(time.Second):
		t.Fatal("Take did not return after Close")
	}

	if m.Put(1) {
		t.Fatal("Put should fail on closed mailbox")
	}
}

func TestConcurrentPublishers(t *testing.T) {
	m := New[int]()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				m.Put(n*100 + j)
			}
		}(i)
	}
	wg.Wait()

	if _, ok := m.TryTake(); !ok {
		t.Fatal("expected a value after concurrent puts")
	}
}
