package discovery

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/redpencil/rpio/internal/hosts"
)

// DefaultSchedule re-scans every five minutes.
const DefaultSchedule = "@every 5m"

// Refresher keeps the latest scan of a registry and re-scans on a cron
// schedule or on demand. Each refresh replaces the previous result.
type Refresher struct {
	engine   *Engine
	registry *hosts.Registry
	timeout  time.Duration

	// serialises refreshes
	scanMu sync.Mutex

	mu       sync.RWMutex
	latest   *Result
	snapshot *hosts.Registry

	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRefresher returns a refresher for registry. No scan runs until Start or
// Refresh is called.
func NewRefresher(engine *Engine, registry *hosts.Registry, timeout time.Duration) *Refresher {
	ctx, cancel := context.WithCancel(context.Background())
	return &Refresher{
		engine:   engine,
		registry: registry,
		timeout:  timeout,
		snapshot: registry,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start schedules periodic refreshes. The first scheduled run happens after
// one period; call Refresh for an immediate scan.
func (r *Refresher) Start(schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}
	c := cron.New()
	if _, err := c.AddFunc(schedule, func() {
		if _, err := r.Refresh(r.ctx); err != nil {
			logger.Warningf("scheduled scan: %v", err)
		}
	}); err != nil {
		return fmt.Errorf("invalid refresh schedule %q: %w", schedule, err)
	}
	r.mu.Lock()
	r.cron = c
	r.mu.Unlock()
	c.Start()
	logger.Infof("inventory refresher started (schedule: %s)", schedule)
	return nil
}

// Stop cancels any running scan and waits for scheduled jobs to finish.
func (r *Refresher) Stop() {
	r.cancel()
	r.mu.RLock()
	c := r.cron
	r.mu.RUnlock()
	if c != nil {
		<-c.Stop().Done()
	}
}

// Refresh scans now and replaces the latest result. A scan cut short by ctx
// is returned but not stored, so the previous result stays current.
func (r *Refresher) Refresh(ctx context.Context) (*Result, error) {
	r.scanMu.Lock()
	defer r.scanMu.Unlock()

	res, err := r.engine.Scan(ctx, r.registry.Hosts(), r.timeout)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		logger.Infof("scan cancelled, keeping previous inventory")
		return res, fmt.Errorf("refresh: %w", err)
	}
	snap := r.registry.WithReachability(res.Reachability())

	r.mu.Lock()
	r.latest = res
	r.snapshot = snap
	r.mu.Unlock()
	return res, nil
}

// Latest returns the most recent result, or nil before the first scan.
func (r *Refresher) Latest() *Result {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.latest
}

// Registry returns the registry snapshot carrying the reachability seen by
// the latest scan.
func (r *Refresher) Registry() *hosts.Registry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshot
}
