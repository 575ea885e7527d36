package outbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"courier/internal/domain"
)

// Drainer runs ProcessQueue whenever it is poked and on a fallback interval,
// so a missed poke (e.g. while offline) is picked up eventually.
type Drainer struct {
	Engine   *Engine
	SenderID string
	Keys     domain.KeyPair
	Interval time.Duration
	Logger   *slog.Logger

	poke chan struct{}
}

func NewDrainer(e *Engine, senderID string, keys domain.KeyPair, interval time.Duration, logger *slog.Logger) *Drainer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Drainer{
		Engine:   e,
		SenderID: senderID,
		Keys:     keys,
		Interval: interval,
		Logger:   logger,
		poke:     make(chan struct{}, 1),
	}
}

// Poke requests a drain. It never blocks; pokes arriving while one is
// pending collapse into it.
func (d *Drainer) Poke() {
	select {
	case d.poke <- struct{}{}:
	default:
	}
}

func (d *Drainer) Run(ctx context.Context) error {
	interval := d.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-d.poke:
		case <-ticker.C:
		}
		if err := d.Engine.ProcessQueue(ctx, d.SenderID, d.Keys); err != nil && ctx.Err() == nil {
			d.Logger.Error("outbox drain failed", "err", err)
		}
	}
}

// SchedulePurge registers a cron job deleting completed tasks older than
// retention.
func SchedulePurge(c *cron.Cron, spec string, e *Engine, retention time.Duration, logger *slog.Logger) (cron.EntryID, error) {
	if logger == nil {
		logger = slog.Default()
	}
	return c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		n, err := e.Purge(ctx, e.now().Add(-retention))
		if err != nil {
			logger.Error("outbox purge failed", "err", err)
			return
		}
		if n > 0 {
			logger.Info("outbox purged completed tasks", "count", n)
		}
	})
}
