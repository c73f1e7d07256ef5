package worker

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func startQueue(t *testing.T, name string) *Queue {
	t.Helper()
	q := New(name)
	if err := q.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { q.Stop() })
	return q
}

// TestQueueRunsInOrder submits from one goroutine and checks jobs run in
// submission order.
func TestQueueRunsInOrder(t *testing.T) {
	q := startQueue(t, "order")

	var mu sync.Mutex
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		q.Submit(func(context.Context) {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		})
	}
	q.Flush()

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	mu.Lock()
	defer mu.Unlock()
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("run order (-want +got):\n%s", diff)
	}
}

func TestQueueStartTwice(t *testing.T) {
	q := startQueue(t, "twice")
	if err := q.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start = %v, want ErrAlreadyStarted", err)
	}
}

// TestStopDrainsPending checks queued jobs still run during Stop and later
// submissions are rejected.
func TestStopDrainsPending(t *testing.T) {
	q := New("drain")
	if err := q.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	gate := make(chan struct{})
	ran := 0
	q.Submit(func(context.Context) { <-gate })
	for i := 0; i < 5; i++ {
		q.Submit(func(context.Context) { ran++ })
	}

	stopped := make(chan struct{})
	go func() {
		q.Stop()
		close(stopped)
	}()
	close(gate)
	<-stopped

	if ran != 5 {
		t.Fatalf("ran %d queued jobs during Stop, want 5", ran)
	}
	if q.Submit(func(context.Context) {}) {
		t.Fatal("Submit after Stop accepted a job")
	}
	if err := q.Stop(); err != nil {
		t.Fatalf("second Stop: %v", err)
	}

	s := q.Stats()
	if s.Processed != 6 || s.Rejected != 1 {
		t.Errorf("stats = %+v, want processed 6 rejected 1", s)
	}
}

func TestMaxDepthTracksPendingAndRunning(t *testing.T) {
	q := startQueue(t, "depth")

	for i := 0; i < 3; i++ {
		q.Submit(func(context.Context) {})
		q.Flush()
	}
	if got := q.Stats().MaxDepth; got != 1 {
		t.Fatalf("MaxDepth with serialized submits = %d, want 1", got)
	}

	gate := make(chan struct{})
	q.Submit(func(context.Context) { <-gate })
	q.Submit(func(context.Context) {})
	if got := q.Stats().MaxDepth; got != 2 {
		t.Fatalf("MaxDepth = %d, want 2", got)
	}
	close(gate)
	q.Flush()
	if q.Busy() {
		t.Fatal("queue busy after Flush")
	}
}

func TestFlushOnStoppedQueue(t *testing.T) {
	q := New("idle")
	q.Flush()
}
