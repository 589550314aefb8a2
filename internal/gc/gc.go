// Package gc runs the periodic sweep over the TTL-bearing stores.
package gc

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Sweeper is any store that can discard its expired entries. Latency is not
// critical; a missed tick only delays reclamation.
type Sweeper interface {
	Sweep(now time.Time)
}

// Start schedules a sweep of every store on the given cron spec (the server
// uses "@every 60s") and returns the running scheduler so shutdown can stop
// it.
func Start(spec string, sweepers ...Sweeper) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		now := time.Now()
		for _, s := range sweepers {
			s.Sweep(now)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	return c, nil
}
