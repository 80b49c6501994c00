// SPDX-License-Identifier: AGPL-3.0-only

// Package cdr writes call detail records: one row per lifecycle event of every queued call.
package cdr

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/grafana/dskit/services"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/grafana/callqueue/pkg/callqueue"
	util_log "github.com/grafana/callqueue/pkg/util/log"
)

// Event kinds.
const (
	KindQueued           = "queued"
	KindAssigned         = "assigned"
	KindOperatorGreeting = "operator_greeting"
	KindReadyToCommutate = "ready_to_commutate"
	KindCommutated       = "commutated"
	KindDisconnected     = "disconnected"
	KindRejected         = "rejected"
)

type Event struct {
	RequestID string
	Queue     string
	Priority  int
	Kind      string
	Operator  string
	Reason    string
	At        time.Time
}

// Recorder is a callqueue.Listener persisting every event it receives. Listener methods never
// block: events are buffered and written by the service loop.
type Recorder struct {
	services.Service

	cfg        Config
	logger     log.Logger
	dropLogger log.Logger
	db         *sql.DB
	retryable  failsafe.Executor[any]
	events     chan Event

	written       prometheus.Counter
	dropped       prometheus.Counter
	writeFailures prometheus.Counter
}

var _ callqueue.Listener = (*Recorder)(nil)

// New opens (or creates) the database at cfg.Path.
func New(cfg Config, logger log.Logger, reg prometheus.Registerer) (*Recorder, error) {
	dsn := cfg.Path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open cdr database")
	}
	// The service loop is the only writer.
	db.SetMaxOpenConns(2)

	logger = log.With(logger, "component", "cdr")
	r := &Recorder{
		cfg:        cfg,
		logger:     logger,
		dropLogger: util_log.NewSampledLogger(logger, util_log.NewSampler(100)),
		db:         db,
		events:     make(chan Event, cfg.BufferSize),
		written: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "callqueue_cdr_events_written_total",
			Help: "Total number of call events written to the call detail records database.",
		}),
		dropped: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "callqueue_cdr_events_dropped_total",
			Help: "Total number of call events dropped because the write buffer was full.",
		}),
		writeFailures: promauto.With(reg).NewCounter(prometheus.CounterOpts{
			Name: "callqueue_cdr_write_failures_total",
			Help: "Total number of call events which could not be written after retrying.",
		}),
	}

	r.retryable = failsafe.With(retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return isTransient(err)
		}).
		WithBackoff(cfg.RetryMinBackoff, cfg.RetryMaxBackoff).
		WithJitter(cfg.RetryMinBackoff / 2).
		WithMaxAttempts(cfg.WriteAttempts).
		Build())

	if err := r.migrate(); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "migrate cdr database")
	}

	r.Service = services.NewBasicService(nil, r.running, r.stopping).WithName("cdr recorder")
	return r, nil
}

func (r *Recorder) migrate() error {
	const schema = `
	CREATE TABLE IF NOT EXISTS call_events (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		request_id TEXT NOT NULL,
		queue      TEXT NOT NULL,
		priority   INTEGER NOT NULL,
		kind       TEXT NOT NULL,
		operator   TEXT,
		reason     TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_call_events_request ON call_events(request_id, id);
	CREATE INDEX IF NOT EXISTS idx_call_events_queue_kind ON call_events(queue, kind);
	`
	_, err := r.db.Exec(schema)
	return err
}

func (r *Recorder) running(ctx context.Context) error {
	for {
		select {
		case ev := <-r.events:
			r.write(ctx, ev)
		case <-ctx.Done():
			return nil
		}
	}
}

func (r *Recorder) stopping(_ error) error {
	// Flush what's already buffered. Writers racing with shutdown may still drop events.
	for {
		select {
		case ev := <-r.events:
			r.write(context.Background(), ev)
		default:
			return errors.Wrap(r.db.Close(), "close cdr database")
		}
	}
}

func (r *Recorder) write(ctx context.Context, ev Event) {
	err := r.retryable.WithContext(ctx).Run(func() error {
		_, err := r.db.ExecContext(ctx,
			`INSERT INTO call_events (request_id, queue, priority, kind, operator, reason, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			ev.RequestID, ev.Queue, ev.Priority, ev.Kind, ev.Operator, ev.Reason, ev.At.UTC().Format(time.RFC3339Nano),
		)
		return err
	})
	if err != nil {
		r.writeFailures.Inc()
		level.Warn(r.logger).Log("msg", "failed to write call event", "request", ev.RequestID, "kind", ev.Kind, "err", err)
		return
	}
	r.written.Inc()
}

// Events returns the recorded events of a request, oldest first.
func (r *Recorder) Events(ctx context.Context, requestID string) ([]Event, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT request_id, queue, priority, kind, COALESCE(operator, ''), COALESCE(reason, ''), created_at
		 FROM call_events WHERE request_id = ? ORDER BY id`,
		requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var (
			ev Event
			at string
		)
		if err := rows.Scan(&ev.RequestID, &ev.Queue, &ev.Priority, &ev.Kind, &ev.Operator, &ev.Reason, &at); err != nil {
			return nil, err
		}
		if ev.At, err = time.Parse(time.RFC3339Nano, at); err != nil {
			return nil, errors.Wrapf(err, "parse timestamp of event %s/%s", ev.RequestID, ev.Kind)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// CountByKind returns how many events of each kind were recorded for a queue.
func (r *Recorder) CountByKind(ctx context.Context, queue string) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT kind, COUNT(*) FROM call_events WHERE queue = ? GROUP BY kind`, queue)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var (
			kind  string
			count int
		)
		if err := rows.Scan(&kind, &count); err != nil {
			return nil, err
		}
		out[kind] = count
	}
	return out, rows.Err()
}

func (r *Recorder) Queued(req *callqueue.Request) { r.record(req, KindQueued, "", "") }

func (r *Recorder) AssignedToOperator(req *callqueue.Request, operator string) {
	r.record(req, KindAssigned, operator, "")
}

func (r *Recorder) OperatorGreeting(req *callqueue.Request) {
	r.record(req, KindOperatorGreeting, req.Operator(), "")
}

func (r *Recorder) ReadyToCommutate(req *callqueue.Request) {
	r.record(req, KindReadyToCommutate, req.Operator(), "")
}

func (r *Recorder) Commutated(req *callqueue.Request) {
	r.record(req, KindCommutated, req.Operator(), "")
}

func (r *Recorder) Disconnected(req *callqueue.Request) {
	r.record(req, KindDisconnected, req.Operator(), "")
}

func (r *Recorder) Rejected(req *callqueue.Request, reason string) {
	r.record(req, KindRejected, req.Operator(), reason)
}

func (r *Recorder) record(req *callqueue.Request, kind, operator, reason string) {
	ev := Event{
		RequestID: req.ID(),
		Queue:     req.QueueName(),
		Priority:  req.Priority(),
		Kind:      kind,
		Operator:  operator,
		Reason:    reason,
		At:        time.Now(),
	}

	select {
	case r.events <- ev:
	default:
		r.dropped.Inc()
		level.Warn(r.dropLogger).Log("msg", "call event buffer is full, dropping event", "request", ev.RequestID, "kind", kind)
	}
}

// isTransient reports whether a write failed only because the database was locked by another
// connection.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return strings.Contains(err.Error(), "database is locked")
}
