package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanRunner struct {
	ran chan string
}

func (r *chanRunner) Run(ctx context.Context, pass string) (PassResult, error) {
	r.ran <- pass
	return PassResult{Worker: pass}, nil
}

func TestPool_EnqueueDedupesAndDropsWhenFull(t *testing.T) {
	runner := &chanRunner{ran: make(chan string, 10)}
	pool := NewPool(runner, 1, 2, nil, testLogger())

	assert.True(t, pool.Enqueue(PaymentVerification))
	assert.False(t, pool.Enqueue(PaymentVerification), "already queued")
	assert.True(t, pool.Enqueue(CirxTransfer))
	assert.False(t, pool.Enqueue(Recovery), "queue full")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- pool.Run(ctx) }()

	var ran []string
	for len(ran) < 2 {
		select {
		case pass := <-runner.ran:
			ran = append(ran, pass)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for passes")
		}
	}
	assert.ElementsMatch(t, []string{PaymentVerification, CirxTransfer}, ran)

	// Consumed passes can be queued again.
	assert.True(t, pool.Enqueue(Recovery))
	select {
	case pass := <-runner.ran:
		assert.Equal(t, Recovery, pass)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for recovery pass")
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("pool did not stop")
	}
}

func TestScheduler_SamplesRecovery(t *testing.T) {
	requeue := &recordingRequeuer{}
	s, err := NewScheduler(requeue, time.Minute, 3, testLogger())
	require.NoError(t, err)

	assert.Equal(t, []string{PaymentVerification, CirxTransfer}, s.Tick())
	assert.Equal(t, []string{PaymentVerification, CirxTransfer}, s.Tick())
	assert.Equal(t, []string{PaymentVerification, CirxTransfer, Recovery}, s.Tick())
	assert.Len(t, requeue.passes(), 7)

	requeue.reject = true
	assert.Empty(t, s.Tick())
}

func TestScheduler_RejectsBadInterval(t *testing.T) {
	_, err := NewScheduler(&recordingRequeuer{}, 0, 1, testLogger())
	assert.Error(t, err)
}

func TestRunner_ForwardsRequeue(t *testing.T) {
	store := newStoreWithPending(t)
	runner := NewRunner(store, &mockVerifier{}, unconfirmed(), testConfig(), nil, testLogger())
	pool := NewPool(runner, 1, 4, nil, testLogger())
	runner.SetRequeuer(pool)

	result, err := runner.RunPaymentVerificationPass(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, result.Succeeded)
	assert.False(t, pool.Enqueue(CirxTransfer), "transfer pass should already be queued")
}
