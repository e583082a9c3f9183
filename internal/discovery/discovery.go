// Package discovery scans a set of hosts concurrently and aggregates the
// running application instances into one result.
package discovery

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/juju/loggo"
	"golang.org/x/sync/errgroup"

	"github.com/redpencil/rpio/internal/failure"
	"github.com/redpencil/rpio/internal/hosts"
	"github.com/redpencil/rpio/internal/inventory"
)

var logger = loggo.GetLogger("rpio.discovery")

// DefaultWorkers bounds concurrent probes when Engine.Workers is zero.
const DefaultWorkers = 8

// ErrNoHosts is returned by Scan when there is nothing to scan.
var ErrNoHosts = errors.New("no hosts to scan")

// Result is the outcome of one scan. It is never merged with another scan.
type Result struct {
	Instances []inventory.Instance        `json:"instances"`
	Errors    map[hosts.ID]*failure.Error `json:"errors,omitempty"`
	Skipped   map[hosts.ID]int            `json:"skipped,omitempty"`
	Hosts     []hosts.ID                  `json:"hosts"`
	StartedAt time.Time                   `json:"started_at"`
	Duration  time.Duration               `json:"duration"`
}

// Reachability returns the reachability each scanned host showed. A host
// that answered, even with a protocol error, is reachable.
func (r *Result) Reachability() map[hosts.ID]hosts.Reachability {
	out := make(map[hosts.ID]hosts.Reachability, len(r.Hosts))
	for _, id := range r.Hosts {
		out[id] = hosts.Reachable
		if fe, ok := r.Errors[id]; ok && fe.Kind != failure.ProtocolError {
			out[id] = hosts.Unreachable
		}
	}
	return out
}

// FailedHosts returns the IDs of hosts with errors in registry order.
func (r *Result) FailedHosts() []hosts.ID {
	var out []hosts.ID
	for _, id := range r.Hosts {
		if _, ok := r.Errors[id]; ok {
			out = append(out, id)
		}
	}
	return out
}

// SkippedTotal returns the number of malformed records across all hosts.
func (r *Result) SkippedTotal() int {
	n := 0
	for _, c := range r.Skipped {
		n += c
	}
	return n
}

// Observer is notified after every scan.
type Observer interface {
	ObserveScan(res *Result)
}

// Engine fans probes out across hosts.
type Engine struct {
	Prober   inventory.Prober
	Workers  int
	Observer Observer
}

type outcome struct {
	res  inventory.ProbeResult
	err  *failure.Error
	done bool
}

// Scan probes every host with at most Workers probes in flight. Each probe
// has its own timeout. Failing hosts are recorded in Result.Errors; hosts
// still pending when ctx ends are recorded as Timeout. The only error
// returned is ErrNoHosts.
func (e *Engine) Scan(ctx context.Context, list []hosts.Host, timeout time.Duration) (*Result, error) {
	if len(list) == 0 {
		return nil, ErrNoHosts
	}
	workers := e.Workers
	if workers <= 0 {
		workers = DefaultWorkers
	}

	start := time.Now()
	outcomes := make([]outcome, len(list))

	var g errgroup.Group
	g.SetLimit(workers)
	for i, h := range list {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			probeCtx := ctx
			if timeout > 0 {
				var cancel context.CancelFunc
				probeCtx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			res, err := e.Prober.Probe(probeCtx, h)
			outcomes[i] = outcome{res: res, err: classify(probeCtx, h, err), done: true}
			return nil
		})
	}
	g.Wait()

	result := &Result{
		Errors:    make(map[hosts.ID]*failure.Error),
		Skipped:   make(map[hosts.ID]int),
		Hosts:     make([]hosts.ID, 0, len(list)),
		StartedAt: start,
	}
	for i, h := range list {
		result.Hosts = append(result.Hosts, h.ID)
		o := outcomes[i]
		switch {
		case !o.done:
			result.Errors[h.ID] = failure.Wrap(failure.Timeout, ctx.Err(), "scan cancelled before probe finished").WithHost(h.Alias)
		case o.err != nil:
			result.Errors[h.ID] = o.err
		default:
			result.Instances = append(result.Instances, o.res.Instances...)
			if o.res.Skipped > 0 {
				result.Skipped[h.ID] = o.res.Skipped
			}
		}
	}
	inventory.SortInstances(result.Instances)
	result.Duration = time.Since(start)

	for _, id := range result.FailedHosts() {
		logger.Infof("host %s: %v", id, result.Errors[id])
	}
	logger.Debugf("scanned %d hosts in %s: %d instances, %d failed",
		len(list), result.Duration, len(result.Instances), len(result.Errors))

	if e.Observer != nil {
		e.Observer.ObserveScan(result)
	}
	return result, nil
}

// classify turns a probe error into a failure, mapping an expired probe
// deadline to Timeout whatever the prober reported.
func classify(ctx context.Context, h hosts.Host, err error) *failure.Error {
	if err == nil {
		return nil
	}
	fe, ok := failure.As(err)
	switch {
	case ctx.Err() != nil && (!ok || fe.Kind != failure.Timeout):
		fe = failure.Wrap(failure.Timeout, err, "probe deadline exceeded")
	case !ok:
		fe = failure.Wrap(failure.ProtocolError, err, "probe")
	}
	if fe.Host == "" {
		fe = fe.WithHost(h.Alias)
	}
	return fe
}

// Apps returns the distinct app:host keys of the result in sorted order.
func (r *Result) Apps() []string {
	seen := make(map[string]bool)
	var out []string
	for _, i := range r.Instances {
		k := i.Key()
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}
