package pgkv

import (
	"context"

	"github.com/nimbusrun/nimbus/internal/obs/log"
	"github.com/robfig/cron/v3"
)

// Sweeper periodically deletes expired conflict_ranges rows, per
// design note (c): the GC window must stay larger than the longest
// transaction timeout in use, or a slow transaction could miss a
// conflict that already aged out.
type Sweeper struct {
	driver *Driver
	cron   *cron.Cron
}

// NewSweeper schedules Driver.Sweep to run every few seconds.
func NewSweeper(d *Driver) *Sweeper {
	c := cron.New(cron.WithSeconds())
	s := &Sweeper{driver: d, cron: c}
	_, _ = c.AddFunc("*/5 * * * * *", s.run)
	return s
}

func (s *Sweeper) run() {
	n, err := s.driver.Sweep(context.Background())
	if err != nil {
		return
	}
	if n > 0 {
		log.WithComponent("pgkv-sweeper").Debug().Int64("rows", n).Msg("swept expired conflict ranges")
	}
}

// Start begins the sweeper's schedule.
func (s *Sweeper) Start() { s.cron.Start() }

// Stop halts the sweeper, waiting for any in-flight run to finish.
func (s *Sweeper) Stop() { <-s.cron.Stop().Done() }
