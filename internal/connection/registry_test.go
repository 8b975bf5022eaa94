package connection

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeTransport struct {
	mu      sync.Mutex
	written [][]byte
	closed  bool
}

func (f *fakeTransport) Write(data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrConnectionClosed
	}
	f.written = append(f.written, data)
	return nil
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) RemoteAddr() string { return "fake" }

func (f *fakeTransport) frames() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.written)
}

func TestRegistryAddRemove(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	c1 := NewConnection("c1", "u1", &fakeTransport{}, 4, now)
	c2 := NewConnection("c2", "u1", &fakeTransport{}, 4, now)

	if !r.Add(c1) || !r.Add(c2) {
		t.Fatal("expected both connections to be added")
	}
	if r.Add(NewConnection("c1", "u2", &fakeTransport{}, 4, now)) {
		t.Fatal("duplicate id must be rejected")
	}
	if r.Len() != 2 || r.CountUID("u1") != 2 {
		t.Fatalf("unexpected counts len=%d uid=%d", r.Len(), r.CountUID("u1"))
	}
	if _, ok := r.Remove("c1"); !ok {
		t.Fatal("expected c1 removal")
	}
	if _, ok := r.Remove("c1"); ok {
		t.Fatal("second removal must report false")
	}
	if r.Len() != 1 {
		t.Fatalf("expected 1 connection, got %d", r.Len())
	}
	if len(r.Snapshot()) != 1 {
		t.Fatal("snapshot size mismatch")
	}
}

func TestRecordPongMonotonic(t *testing.T) {
	start := time.Unix(1000, 0)
	c := NewConnection("c1", "", &fakeTransport{}, 1, start)
	c.RecordPong(start.Add(5 * time.Second))
	c.RecordPong(start.Add(2 * time.Second))
	if got := c.LastPong(); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("last pong moved backwards: %v", got)
	}
	c.Touch(start.Add(7 * time.Second))
	if got := c.LastPong(); !got.Equal(start.Add(5 * time.Second)) {
		t.Fatalf("activity must not update last pong: %v", got)
	}
	if c.Stats().Received != 1 {
		t.Fatalf("expected one received message")
	}
}

func TestEnqueueAndWriteLoop(t *testing.T) {
	transport := &fakeTransport{}
	c := NewConnection("c1", "", transport, 2, time.Now())
	r := NewRegistry()
	r.Add(c)

	if err := r.SendMessage("c1", []byte("a")); err != nil {
		t.Fatalf("send a: %v", err)
	}
	if err := r.SendMessage("c1", []byte("b")); err != nil {
		t.Fatalf("send b: %v", err)
	}
	if err := r.SendMessage("c1", []byte("c")); !errors.Is(err, ErrSendQueueFull) {
		t.Fatalf("expected queue full, got %v", err)
	}
	if err := r.SendMessage("missing", []byte("x")); !errors.Is(err, ErrConnectionUnknown) {
		t.Fatalf("expected unknown connection, got %v", err)
	}

	go c.WriteLoop()
	deadline := time.Now().Add(2 * time.Second)
	for transport.frames() < 2 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if transport.frames() != 2 {
		t.Fatalf("expected 2 frames written, got %d", transport.frames())
	}

	c.Close()
	c.Close()
	if err := c.Enqueue([]byte("late")); !errors.Is(err, ErrConnectionClosed) {
		t.Fatalf("expected closed error, got %v", err)
	}
	if c.Stats().Dropped != 1 {
		t.Fatalf("expected one dropped frame, got %d", c.Stats().Dropped)
	}
}

func TestRegisterConcurrentFirstPerUID(t *testing.T) {
	r := NewRegistry()
	now := time.Now()
	const n = 32
	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			isFirst, ok := r.Register(NewConnection(fmt.Sprintf("c%d", i), "u1", &fakeTransport{}, 4, now))
			if !ok {
				t.Errorf("register c%d failed", i)
			}
			if isFirst {
				firsts.Add(1)
			}
		}(i)
	}
	wg.Wait()
	if got := firsts.Load(); got != 1 {
		t.Fatalf("expected exactly one first connection, got %d", got)
	}
	if r.CountUID("u1") != n {
		t.Fatalf("expected %d connections for u1, got %d", n, r.CountUID("u1"))
	}

	for i := 0; i < n; i++ {
		r.Remove(fmt.Sprintf("c%d", i))
	}
	if r.CountUID("u1") != 0 {
		t.Fatalf("uid count not released")
	}
	if isFirst, _ := r.Register(NewConnection("c-next", "u1", &fakeTransport{}, 4, now)); !isFirst {
		t.Fatalf("connection after all closed must be first")
	}
}
