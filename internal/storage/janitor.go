package storage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/plexhub/crucible/internal/log"
)

// Janitor purges expired kv entries on a cron schedule so reads don't have to
// pay for tombstones forever.
type Janitor struct {
	kv     *KV
	cron   *cron.Cron
	logger *slog.Logger
}

// NewJanitor builds a janitor running schedule (cron syntax, "@every 5m"
// style accepted).
func NewJanitor(kv *KV, schedule string) (*Janitor, error) {
	j := &Janitor{
		kv:     kv,
		cron:   cron.New(),
		logger: log.WithComponent("janitor"),
	}
	if _, err := j.cron.AddFunc(schedule, j.purge); err != nil {
		return nil, fmt.Errorf("invalid purge schedule %q: %w", schedule, err)
	}
	return j, nil
}

// Start begins running the schedule in the background.
func (j *Janitor) Start() {
	j.cron.Start()
}

// Stop halts the schedule and waits for an in-flight purge to finish.
func (j *Janitor) Stop() {
	<-j.cron.Stop().Done()
}

func (j *Janitor) purge() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	n, err := j.kv.PurgeExpired(ctx)
	if err != nil {
		j.logger.Error("purge failed", "error", err)
		return
	}
	if n > 0 {
		j.logger.Info("purged expired entries", "count", n)
	}
}
