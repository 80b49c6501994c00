// SPDX-License-Identifier: AGPL-3.0-only

package endpoint

import (
	"container/list"
	"context"
	"flag"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/flagext"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ErrTimeout   = errors.New("timed out waiting for a free endpoint")
	ErrNotLeased = errors.New("endpoint is not leased")
)

// Endpoint is a telephony endpoint (a SIP line, a trunk channel) that can carry one call at a time.
type Endpoint interface {
	Address() string
}

// Pool hands out endpoints for the duration of one call.
type Pool interface {
	// RequestEndpoint leases a free endpoint, waiting up to waitTimeout for one to be released.
	// Waiters with a higher priority are served first.
	RequestEndpoint(ctx context.Context, owner string, priority int, waitTimeout time.Duration) (Endpoint, error)

	// ReleaseEndpoint returns a leased endpoint to the pool.
	ReleaseEndpoint(e Endpoint) error
}

type Config struct {
	Addresses flagext.StringSliceCSV `yaml:"addresses"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Var(&cfg.Addresses, "endpoints.addresses", "Comma-separated list of telephony endpoint addresses available for outbound operator calls.")
}

func (cfg *Config) Validate() error {
	if len(cfg.Addresses) == 0 {
		return errors.New("at least one endpoint address must be configured")
	}
	seen := map[string]struct{}{}
	for _, addr := range cfg.Addresses {
		if addr == "" {
			return errors.New("endpoint address must not be empty")
		}
		if _, ok := seen[addr]; ok {
			return errors.Errorf("duplicate endpoint address %q", addr)
		}
		seen[addr] = struct{}{}
	}
	return nil
}

type staticEndpoint string

func (e staticEndpoint) Address() string { return string(e) }

func (e staticEndpoint) String() string { return string(e) }

type waiter struct {
	owner    string
	priority int
	ready    chan Endpoint // Buffered, receives exactly one endpoint.
}

// StaticPool is a Pool over a fixed set of endpoint addresses.
type StaticPool struct {
	logger log.Logger

	mu      sync.Mutex
	free    *list.List                // of staticEndpoint
	leased  map[staticEndpoint]string // endpoint -> owner
	waiters *list.List                // of *waiter, ordered by priority desc then arrival

	leasedEndpoints prometheus.Gauge
	waitingLeases   prometheus.Gauge
	leaseTimeouts   prometheus.Counter
	leaseWait       prometheus.Histogram
}

func NewStaticPool(cfg Config, logger log.Logger, reg prometheus.Registerer) *StaticPool {
	p := &StaticPool{
		logger:  log.With(logger, "component", "endpoint-pool"),
		free:    list.New(),
		leased:  map[staticEndpoint]string{},
		waiters: list.New(),

		leasedEndpoints: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "callqueue_endpoints_leased",
			Help: "Number of telephony endpoints currently leased for operator calls.",
		}),
		waitingLeases: promauto.With(reg).NewGauge(prometheus.GaugeOpts{
			Name: "callqueue_endpoint_lease_waiters",
			Help: "Number of callers blocked waiting for a free endpoint.",
		}),
		leaseTimeouts: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "callqueue_endpoint_lease_timeouts_total",
			Help: "Total number of endpoint lease requests that gave up before an endpoint was freed.",
		}),
		leaseWait: promauto.With(reg).NewHistogram(prometheus.HistogramOpts{
			Name:    "callqueue_endpoint_lease_wait_seconds",
			Help:    "Time spent waiting for an endpoint lease, successful or not.",
			Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 2.5, 5, 10},
		}),
	}

	for _, addr := range cfg.Addresses {
		p.free.PushBack(staticEndpoint(addr))
	}
	return p
}

func (p *StaticPool) RequestEndpoint(ctx context.Context, owner string, priority int, waitTimeout time.Duration) (Endpoint, error) {
	start := time.Now()
	defer func() { p.leaseWait.Observe(time.Since(start).Seconds()) }()

	p.mu.Lock()
	if front := p.free.Front(); front != nil {
		e := p.free.Remove(front).(staticEndpoint)
		p.leaseLocked(e, owner)
		p.mu.Unlock()
		return e, nil
	}

	w := &waiter{owner: owner, priority: priority, ready: make(chan Endpoint, 1)}
	elem := p.enqueueWaiterLocked(w)
	p.waitingLeases.Inc()
	p.mu.Unlock()

	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()

	var err error
	select {
	case e := <-w.ready:
		return e, nil
	case <-timer.C:
		err = ErrTimeout
	case <-ctx.Done():
		err = ctx.Err()
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	select {
	case e := <-w.ready:
		// An endpoint was handed over while we were giving up. Rather than trying to give it to
		// the next waiter from here, just pretend we didn't notice the timeout.
		return e, nil
	default:
		p.waiters.Remove(elem)
		p.waitingLeases.Dec()
	}

	if errors.Is(err, ErrTimeout) {
		p.leaseTimeouts.Inc()
	}
	return nil, err
}

func (p *StaticPool) ReleaseEndpoint(ep Endpoint) error {
	if ep == nil {
		return ErrNotLeased
	}
	e, ok := ep.(staticEndpoint)
	if !ok {
		return errors.Wrapf(ErrNotLeased, "endpoint %s does not belong to this pool", ep.Address())
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	owner, ok := p.leased[e]
	if !ok {
		level.Warn(p.logger).Log("msg", "releasing endpoint which is not leased", "endpoint", e)
		return errors.Wrapf(ErrNotLeased, "endpoint %s", e)
	}
	delete(p.leased, e)
	p.leasedEndpoints.Dec()
	level.Debug(p.logger).Log("msg", "endpoint released", "endpoint", e, "owner", owner)

	if front := p.waiters.Front(); front != nil {
		w := p.waiters.Remove(front).(*waiter)
		p.waitingLeases.Dec()
		p.leaseLocked(e, w.owner)
		w.ready <- e
		return nil
	}

	p.free.PushBack(e)
	return nil
}

// Free returns the number of endpoints not currently leased.
func (p *StaticPool) Free() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.free.Len()
}

// Waiters returns how many callers are blocked waiting for an endpoint.
func (p *StaticPool) Waiters() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.waiters.Len()
}

func (p *StaticPool) leaseLocked(e staticEndpoint, owner string) {
	p.leased[e] = owner
	p.leasedEndpoints.Inc()
	level.Debug(p.logger).Log("msg", "endpoint leased", "endpoint", e, "owner", owner)
}

func (p *StaticPool) enqueueWaiterLocked(w *waiter) *list.Element {
	for elem := p.waiters.Back(); elem != nil; elem = elem.Prev() {
		if elem.Value.(*waiter).priority >= w.priority {
			return p.waiters.InsertAfter(w, elem)
		}
	}
	return p.waiters.PushFront(w)
}
