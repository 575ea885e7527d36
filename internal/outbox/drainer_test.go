package outbox

import (
	"context"
	"testing"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/domain"
	"courier/internal/logging"
)

func TestDrainerPokeTriggersDrain(t *testing.T) {
	store := newMemTaskStore(queuedTask("t1", t0, "bob"))
	tr := &fakeTransport{}
	d := NewDrainer(newEngine(store, tr), "alice", aliceKeys, time.Hour, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	d.Poke()
	d.Poke() // collapses into the pending one
	require.Eventually(t, func() bool { return len(tr.sentTo()) == 1 }, time.Second, 5*time.Millisecond)

	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)
}

func TestDrainerFallbackInterval(t *testing.T) {
	store := newMemTaskStore(queuedTask("t1", t0, "bob"))
	tr := &fakeTransport{}
	d := NewDrainer(newEngine(store, tr), "alice", aliceKeys, 10*time.Millisecond, logging.Discard())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = d.Run(ctx) }()

	require.Eventually(t, func() bool {
		task, _ := store.GetTask(context.Background(), "t1")
		return task.Status == domain.TaskCompleted
	}, time.Second, 5*time.Millisecond)
}

func TestSchedulePurge(t *testing.T) {
	c := cron.New()
	e := newEngine(newMemTaskStore(), &fakeTransport{})

	_, err := SchedulePurge(c, "@every 1h", e, time.Hour, logging.Discard())
	require.NoError(t, err)
	assert.Len(t, c.Entries(), 1)

	_, err = SchedulePurge(c, "not a schedule", e, time.Hour, logging.Discard())
	assert.Error(t, err)
}
