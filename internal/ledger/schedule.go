package ledger

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// Parser accepts standard five-field expressions and descriptors such as
// "@daily" or "@every 1h".
var Parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// SchedulePrune registers a retention job on c.
func (s *Store) SchedulePrune(c *cron.Cron, spec string, retention time.Duration) (cron.EntryID, error) {
	sched, err := Parser.Parse(spec)
	if err != nil {
		return 0, fmt.Errorf("invalid prune schedule %q: %w", spec, err)
	}
	id := c.Schedule(sched, cron.FuncJob(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if _, err := s.Prune(ctx, retention); err != nil {
			log.Printf("[Ledger] %v", err)
		}
	}))
	log.Printf("[Ledger] Pruning scheduled (cron: %s, retention: %s)", spec, retention)
	return id, nil
}
