package taskqueue

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmit_RunsTasksInSubmissionOrder(t *testing.T) {
	q := New()
	var mu sync.Mutex
	var order []int
	var wg sync.WaitGroup
	wg.Add(5)

	for i := 0; i < 5; i++ {
		i := i
		q.Submit(func() {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			wg.Done()
		})
	}

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("tasks did not complete in time")
	}

	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestSubmit_PanicInOneTaskDoesNotStopTheWorker(t *testing.T) {
	q := New()
	var caught error
	q.OnTaskError = func(err error) { caught = err }

	second := make(chan struct{})
	q.Submit(func() { panic("boom") })
	q.Submit(func() { close(second) })

	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second task never ran after first panicked")
	}
	require.Eventually(t, func() bool { return caught != nil }, time.Second, time.Millisecond)
}

func TestSubmit_StartsFreshWorkerAfterDraining(t *testing.T) {
	q := New()
	first := make(chan struct{})
	q.Submit(func() { close(first) })
	<-first
	require.Eventually(t, func() bool {
		q.mu.Lock()
		defer q.mu.Unlock()
		return !q.running
	}, time.Second, time.Millisecond)

	second := make(chan struct{})
	q.Submit(func() { close(second) })
	select {
	case <-second:
	case <-time.After(time.Second):
		t.Fatal("second submission after drain never ran")
	}
}
