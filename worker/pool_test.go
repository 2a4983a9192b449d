package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brant.roofing.org/model"
	"brant.roofing.org/queue"
)

type fakeConsumer struct {
	deliveries chan queue.Delivery
	err        error
}

func (f *fakeConsumer) Consume(consumerTag string) (<-chan queue.Delivery, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.deliveries, nil
}

type recordingProcessor struct {
	mu        sync.Mutex
	processed []string
	failIDs   map[string]bool
	inFlight  int
	peak      int
}

func (r *recordingProcessor) Process(ctx context.Context, job model.Job) error {
	r.mu.Lock()
	r.inFlight++
	if r.inFlight > r.peak {
		r.peak = r.inFlight
	}
	r.mu.Unlock()

	time.Sleep(2 * time.Millisecond)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight--
	r.processed = append(r.processed, job.DocumentID)
	if r.failIDs[job.DocumentID] {
		return errors.New("processing failed")
	}
	return nil
}

func (r *recordingProcessor) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.processed...)
}

// TestPoolProcessesAllDeliveries tests that the pool drains the channel and
// exits once the broker closes it
func TestPoolProcessesAllDeliveries(t *testing.T) {
	deliveries := make(chan queue.Delivery, 8)
	for _, id := range []string{"a", "b", "c", "d", "e"} {
		deliveries <- queue.Delivery{Job: model.Job{DocumentID: id}}
	}
	close(deliveries)

	proc := &recordingProcessor{}
	p := NewPool(&fakeConsumer{deliveries: deliveries}, proc, 3)

	done := make(chan error, 1)
	go func() { done <- p.Run(context.Background(), "pool-test") }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not exit after the delivery channel closed")
	}
	assert.ElementsMatch(t, []string{"a", "b", "c", "d", "e"}, proc.ids())
}

// TestPoolStopsOnContextCancel tests shutdown via context
func TestPoolStopsOnContextCancel(t *testing.T) {
	deliveries := make(chan queue.Delivery) // never closed, never fed
	p := NewPool(&fakeConsumer{deliveries: deliveries}, &recordingProcessor{}, 2)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, "pool-test") }()

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop on context cancellation")
	}
}

// TestPoolSurfacesConsumeFailure tests startup error propagation
func TestPoolSurfacesConsumeFailure(t *testing.T) {
	p := NewPool(&fakeConsumer{err: errors.New("channel closed")}, &recordingProcessor{}, 2)
	err := p.Run(context.Background(), "pool-test")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "channel closed")
}

// TestPoolBoundsConcurrency tests that no more than the configured number of
// jobs run at once
func TestPoolBoundsConcurrency(t *testing.T) {
	deliveries := make(chan queue.Delivery, 16)
	for i := 0; i < 16; i++ {
		deliveries <- queue.Delivery{Job: model.Job{DocumentID: "doc"}}
	}
	close(deliveries)

	proc := &recordingProcessor{}
	p := NewPool(&fakeConsumer{deliveries: deliveries}, proc, 2)
	require.NoError(t, p.Run(context.Background(), "pool-test"))

	assert.LessOrEqual(t, proc.peak, 2)
	assert.Len(t, proc.ids(), 16)
}

// TestPoolContinuesAfterProcessorFailure tests that one failed job does not
// take a worker down
func TestPoolContinuesAfterProcessorFailure(t *testing.T) {
	deliveries := make(chan queue.Delivery, 4)
	for _, id := range []string{"bad", "good"} {
		deliveries <- queue.Delivery{Job: model.Job{DocumentID: id}}
	}
	close(deliveries)

	proc := &recordingProcessor{failIDs: map[string]bool{"bad": true}}
	p := NewPool(&fakeConsumer{deliveries: deliveries}, proc, 1)
	require.NoError(t, p.Run(context.Background(), "pool-test"))

	assert.Equal(t, []string{"bad", "good"}, proc.ids())
}
