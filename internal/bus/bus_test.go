package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/reelforge/internal/models"
)

func testLogger() arbor.ILogger {
	return arbor.NewLogger()
}

func TestPublishDeliversToGlobalAndJobSubscribers(t *testing.T) {
	b := New(testLogger(), 16)
	defer b.Close()

	var mu sync.Mutex
	var globalCount, jobCount int
	done := make(chan struct{}, 2)

	b.Subscribe("", func(ctx context.Context, event Event) {
		mu.Lock()
		globalCount++
		mu.Unlock()
		done <- struct{}{}
	})
	b.Subscribe("job_1", func(ctx context.Context, event Event) {
		mu.Lock()
		jobCount++
		mu.Unlock()
		done <- struct{}{}
	})

	b.Publish(context.Background(), "job_1", Event{
		Kind: EventJobUpdate,
		Job:  &models.Job{ID: "job_1"},
	})

	for i := 0; i < 2; i++ {
		select {
		case <-done:
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for subscriber delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, globalCount)
	assert.Equal(t, 1, jobCount)
}

func TestPublishDoesNotDeliverJobSubscriberToOtherJob(t *testing.T) {
	b := New(testLogger(), 16)
	defer b.Close()

	delivered := make(chan struct{}, 1)
	b.Subscribe("job_1", func(ctx context.Context, event Event) { delivered <- struct{}{} })

	b.Publish(context.Background(), "job_2", Event{Kind: EventJobUpdate, Job: &models.Job{ID: "job_2"}})

	select {
	case <-delivered:
		t.Fatal("job_1 subscriber should not receive job_2 events")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	b := New(testLogger(), 16)
	defer b.Close()

	delivered := make(chan struct{}, 1)
	unsubscribe := b.Subscribe("", func(ctx context.Context, event Event) { delivered <- struct{}{} })
	unsubscribe()

	b.Publish(context.Background(), "", Event{Kind: EventSubjectUpdate})

	select {
	case <-delivered:
		t.Fatal("unsubscribed handler should not receive events")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestScheduleForegroundInlineWhenMarked(t *testing.T) {
	b := New(testLogger(), 16)
	defer b.Close()

	ran := false
	ctx := WithForeground(context.Background())
	b.ScheduleForeground(ctx, func() { ran = true })

	assert.True(t, ran, "ScheduleForeground should run inline on a foreground-marked context")
}

func TestScheduleForegroundEnqueuesWhenNotMarked(t *testing.T) {
	b := New(testLogger(), 16)
	defer b.Close()

	ran := make(chan struct{}, 1)
	b.ScheduleForeground(context.Background(), func() { ran <- struct{}{} })

	runCtx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	go b.RunForeground(runCtx)

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("RunForeground should have drained the scheduled delivery")
	}
}

func TestCloseStopsForegroundLoop(t *testing.T) {
	b := New(testLogger(), 16)

	loopDone := make(chan struct{})
	go func() {
		b.RunForeground(context.Background())
		close(loopDone)
	}()

	b.Close()

	select {
	case <-loopDone:
	case <-time.After(time.Second):
		t.Fatal("RunForeground should return after Close")
	}
}

func TestSubscribeRejectsNilSafely(t *testing.T) {
	b := New(testLogger(), 16)
	defer b.Close()

	require.NotPanics(t, func() {
		b.Publish(context.Background(), "", Event{Kind: EventSubjectUpdate})
	})
}
