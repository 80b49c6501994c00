// SPDX-License-Identifier: AGPL-3.0-only

// Package traffic places simulated abonent calls into the call queue.
package traffic

import (
	"context"
	"flag"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/time/rate"

	"github.com/grafana/callqueue/pkg/callqueue"
	"github.com/grafana/callqueue/pkg/telephony"
	"github.com/grafana/callqueue/pkg/telephony/fake"
)

type Config struct {
	CallsPerSecond float64       `yaml:"calls_per_second"`
	Patience       time.Duration `yaml:"patience"`
	TalkDuration   time.Duration `yaml:"talk_duration"`
	PruneInterval  time.Duration `yaml:"prune_interval"`
	Seed           int64         `yaml:"seed"`
}

func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.Float64Var(&cfg.CallsPerSecond, "traffic.calls-per-second", 0, "Rate of simulated abonent calls placed into the queues. 0 to disable.")
	f.DurationVar(&cfg.Patience, "traffic.patience", 2*time.Minute, "How long a simulated abonent waits to be connected before hanging up.")
	f.DurationVar(&cfg.TalkDuration, "traffic.talk-duration", time.Minute, "How long a simulated abonent talks once connected to an operator.")
	f.DurationVar(&cfg.PruneInterval, "traffic.prune-interval", time.Minute, "How often finished simulated calls are forgotten.")
	f.Int64Var(&cfg.Seed, "traffic.seed", 0, "Random seed used to pick queues and priorities. 0 seeds from the current time.")
}

func (cfg *Config) Enabled() bool {
	return cfg.CallsPerSecond > 0
}

func (cfg *Config) Validate() error {
	if !cfg.Enabled() {
		return nil
	}
	if cfg.Patience <= 0 || cfg.TalkDuration <= 0 || cfg.PruneInterval <= 0 {
		return errors.New("traffic patience, talk duration and prune interval must be positive")
	}
	return nil
}

// Target is a queue and the priorities requests may be submitted with.
type Target struct {
	Queue      string
	Priorities []int
}

// TargetsFromConfig returns one target per configured queue, with its tier priorities.
func TargetsFromConfig(cfg callqueue.Config) []Target {
	out := make([]Target, 0, len(cfg.Queues))
	for _, q := range cfg.Queues {
		t := Target{Queue: q.Name}
		for _, tier := range q.Tiers {
			t.Priorities = append(t.Priorities, tier.Priority)
		}
		out = append(out, t)
	}
	return out
}

// Submitter admits requests.
type Submitter interface {
	QueueCall(r *callqueue.Request) error
}

// Generator is a service placing abonent calls at a fixed rate. Each abonent waits up to its
// patience to be connected, talks for the configured duration, then hangs up.
type Generator struct {
	services.Service

	cfg     Config
	targets []Target
	queue   Submitter
	tel     *fake.Telephony
	limiter *rate.Limiter
	logger  log.Logger

	rndMu sync.Mutex
	rnd   *rand.Rand
	seq   int

	calls *prometheus.CounterVec
}

func NewGenerator(cfg Config, targets []Target, queue Submitter, tel *fake.Telephony, logger log.Logger, reg prometheus.Registerer) (*Generator, error) {
	if len(targets) == 0 {
		return nil, errors.New("no queue to place calls into")
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	g := &Generator{
		cfg:     cfg,
		targets: targets,
		queue:   queue,
		tel:     tel,
		limiter: rate.NewLimiter(rate.Limit(cfg.CallsPerSecond), 1),
		logger:  log.With(logger, "component", "traffic"),
		rnd:     rand.New(rand.NewSource(seed)),
		calls: promauto.With(reg).NewCounterVec(prometheus.CounterOpts{
			Name: "callqueue_simulated_calls_total",
			Help: "Total number of simulated abonent calls, by outcome.",
		}, []string{"outcome"}),
	}
	g.Service = services.NewBasicService(nil, g.running, nil).WithName("traffic generator")
	return g, nil
}

func (g *Generator) running(ctx context.Context) error {
	prune := time.NewTicker(g.cfg.PruneInterval)
	defer prune.Stop()

	for {
		select {
		case <-prune.C:
			g.tel.Prune()
		default:
		}

		if err := g.limiter.Wait(ctx); err != nil {
			// Canceled on shutdown.
			return nil
		}
		g.PlaceCall()
	}
}

// PlaceCall submits one simulated abonent call and returns its request.
func (g *Generator) PlaceCall() *callqueue.Request {
	target, priority, number := g.next()

	a := &abonent{g: g}
	a.call = g.tel.NewConversation(number, a)
	r := callqueue.NewRequest(target.Queue, priority, a.call, a)
	a.setRequest(r)

	if err := g.queue.QueueCall(r); err != nil {
		g.calls.WithLabelValues("refused").Inc()
		// The rejection already hung up the abonent.
		level.Debug(g.logger).Log("msg", "simulated call refused", "queue", target.Queue, "priority", priority, "err", err)
		return r
	}
	a.arm(g.cfg.Patience, func() {
		if r.State() != callqueue.Bridged {
			g.calls.WithLabelValues("abandoned").Inc()
			a.call.Hangup(telephony.CompletedNormally)
		}
	})
	return r
}

func (g *Generator) next() (Target, int, string) {
	g.rndMu.Lock()
	defer g.rndMu.Unlock()

	g.seq++
	t := g.targets[g.rnd.Intn(len(g.targets))]
	priority := 0
	if len(t.Priorities) > 0 {
		priority = t.Priorities[g.rnd.Intn(len(t.Priorities))]
	}
	return t, priority, fmt.Sprintf("abonent-%d", g.seq)
}

// abonent drives one simulated caller: it is ready to talk as soon as the operator greeted it,
// and hangs up when the call ends on the queue's side.
type abonent struct {
	callqueue.NopListener

	g    *Generator
	call *fake.Call

	mu    sync.Mutex
	req   *callqueue.Request
	timer *time.Timer
	done  bool
}

func (a *abonent) setRequest(r *callqueue.Request) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.req = r
}

func (a *abonent) arm(d time.Duration, fn func()) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.done {
		return
	}
	if a.timer != nil {
		a.timer.Stop()
	}
	a.timer = time.AfterFunc(d, fn)
}

func (a *abonent) finish() *callqueue.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.done = true
	if a.timer != nil {
		a.timer.Stop()
	}
	return a.req
}

func (a *abonent) OperatorGreeting(r *callqueue.Request) {
	if err := r.OperatorReadyToCommutate(); err != nil {
		level.Debug(a.g.logger).Log("msg", "operator not ready", "request", r.ID(), "err", err)
	}
	if err := r.AbonentReadyToCommutate(); err != nil {
		level.Debug(a.g.logger).Log("msg", "abonent not ready", "request", r.ID(), "err", err)
	}
}

func (a *abonent) Commutated(*callqueue.Request) {
	a.g.calls.WithLabelValues("connected").Inc()
	a.arm(a.g.cfg.TalkDuration, func() { a.call.Hangup(telephony.CompletedNormally) })
}

func (a *abonent) Disconnected(*callqueue.Request) {
	a.finish()
	a.call.Hangup(telephony.CompletedNormally)
}

func (a *abonent) Rejected(*callqueue.Request, string) {
	a.finish()
	a.call.Hangup(telephony.CompletedNormally)
}

func (a *abonent) ConversationStarted(telephony.Conversation)  {}
func (a *abonent) IncomingMediaStarted(telephony.Conversation) {}
func (a *abonent) OutgoingMediaStarted(telephony.Conversation) {}

func (a *abonent) ConversationStopped(telephony.Conversation, telephony.CompletionCode) {
	// The request is nil if the call ended before it was created.
	if r := a.finish(); r != nil {
		r.AbonentConversationStopped()
	}
}
