// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

import (
	"flag"
	"time"

	"github.com/pkg/errors"
)

const (
	stepWait        = "wait"
	stepRetry       = "retry"
	stepHold        = "hold"
	stepMoveToQueue = "move_to_queue"
	stepReject      = "reject"
	stepReplaceBy   = "replace_by"
)

type Config struct {
	RetryInterval         time.Duration `yaml:"retry_interval"`
	RequeueTimeout        time.Duration `yaml:"requeue_timeout"`
	EndpointWaitTimeout   time.Duration `yaml:"endpoint_wait_timeout"`
	InviteTimeout         time.Duration `yaml:"invite_timeout"`
	MaxCallDuration       time.Duration `yaml:"max_call_duration"`
	MaxConcurrentAttempts int           `yaml:"max_concurrent_attempts"`

	OperatorFailureThreshold uint          `yaml:"operator_failure_threshold"`
	OperatorBackoff          time.Duration `yaml:"operator_backoff"`
	OperatorScript           string        `yaml:"operator_script"`

	Operators []OperatorConfig `yaml:"operators"`
	Queues    []QueueConfig    `yaml:"queues"`
}

type OperatorConfig struct {
	Name    string   `yaml:"name"`
	Numbers []string `yaml:"numbers"`
}

type QueueConfig struct {
	Name             string       `yaml:"name"`
	MaxSize          int          `yaml:"max_size"`
	MaxAdmissionRate float64      `yaml:"max_admission_rate"`
	AdmissionBurst   int          `yaml:"admission_burst"`
	Tiers            []TierConfig `yaml:"tiers"`
}

type TierConfig struct {
	Priority  int          `yaml:"priority"`
	Operators []string     `yaml:"operators"`
	OnBusy    []StepConfig `yaml:"on_busy"`
}

// StepConfig describes one busy-handling step. Which fields apply depends on Type.
type StepConfig struct {
	Type      string        `yaml:"type"`
	Timeout   time.Duration `yaml:"timeout,omitempty"`
	Queue     string        `yaml:"queue,omitempty"`
	Priority  *int          `yaml:"priority,omitempty"`
	Reason    string        `yaml:"reason,omitempty"`
	ReplaceBy []StepConfig  `yaml:"replace_by,omitempty"`
}

// RegisterFlags registers the scalar settings. Operators and queues can only be set in the
// configuration file.
func (cfg *Config) RegisterFlags(f *flag.FlagSet) {
	f.DurationVar(&cfg.RetryInterval, "callqueue.retry-interval", time.Second, "How long a dispatcher waits before trying again once every queued request failed to find an operator, unless woken up earlier by a new request or a freed operator.")
	f.DurationVar(&cfg.RequeueTimeout, "callqueue.requeue-timeout", 5*time.Second, "How long to wait for room when putting a request back in its queue before rejecting it.")
	f.DurationVar(&cfg.EndpointWaitTimeout, "callqueue.endpoint-wait-timeout", 2*time.Second, "How long to wait for a free endpoint before trying the next operator.")
	f.DurationVar(&cfg.InviteTimeout, "callqueue.invite-timeout", 30*time.Second, "How long an operator phone rings before the call is considered unanswered.")
	f.DurationVar(&cfg.MaxCallDuration, "callqueue.max-call-duration", time.Hour, "Maximum duration of an operator call.")
	f.IntVar(&cfg.MaxConcurrentAttempts, "callqueue.max-concurrent-attempts", 64, "Maximum number of endpoint leases and operator invites in progress at once, across all queues.")
	f.UintVar(&cfg.OperatorFailureThreshold, "callqueue.operator-failure-threshold", 3, "Number of consecutive unanswered calls after which an operator is skipped for the backoff period. 0 to disable.")
	f.DurationVar(&cfg.OperatorBackoff, "callqueue.operator-backoff", time.Minute, "How long an operator is skipped after reaching the failure threshold.")
	f.StringVar(&cfg.OperatorScript, "callqueue.operator-script", "operator-greeting", "IVR script run on the operator leg once the call is answered.")
}

func (cfg *Config) Validate() error {
	if cfg.RetryInterval <= 0 {
		return errors.New("retry interval must be positive")
	}
	if cfg.EndpointWaitTimeout <= 0 {
		return errors.New("endpoint wait timeout must be positive")
	}
	if cfg.InviteTimeout <= 0 || cfg.MaxCallDuration <= 0 {
		return errors.New("invite timeout and max call duration must be positive")
	}
	if cfg.MaxConcurrentAttempts <= 0 {
		return errors.New("max concurrent attempts must be positive")
	}
	if cfg.OperatorFailureThreshold > 0 && cfg.OperatorBackoff <= 0 {
		return errors.New("operator backoff must be positive when the operator failure threshold is enabled")
	}

	operators := map[string]struct{}{}
	for _, op := range cfg.Operators {
		if op.Name == "" {
			return errors.New("operator name must not be empty")
		}
		if _, ok := operators[op.Name]; ok {
			return errors.Errorf("duplicate operator %q", op.Name)
		}
		if len(op.Numbers) == 0 {
			return errors.Errorf("operator %q has no phone numbers", op.Name)
		}
		operators[op.Name] = struct{}{}
	}

	if len(cfg.Queues) == 0 {
		return errors.New("at least one queue must be configured")
	}
	tiers := map[string]map[int]struct{}{}
	for _, q := range cfg.Queues {
		if q.Name == "" {
			return errors.New("queue name must not be empty")
		}
		if _, ok := tiers[q.Name]; ok {
			return errors.Errorf("duplicate queue %q", q.Name)
		}
		tiers[q.Name] = map[int]struct{}{}
		for _, t := range q.Tiers {
			if _, ok := tiers[q.Name][t.Priority]; ok {
				return errors.Errorf("queue %q: duplicate tier priority %d", q.Name, t.Priority)
			}
			tiers[q.Name][t.Priority] = struct{}{}
		}
	}

	for _, q := range cfg.Queues {
		if err := q.validate(operators, tiers); err != nil {
			return errors.Wrapf(err, "queue %q", q.Name)
		}
	}
	return nil
}

func (q *QueueConfig) validate(operators map[string]struct{}, tiers map[string]map[int]struct{}) error {
	if q.MaxSize <= 0 {
		return errors.New("max size must be positive")
	}
	if q.MaxAdmissionRate < 0 || q.AdmissionBurst < 0 {
		return errors.New("admission rate and burst must not be negative")
	}
	if len(q.Tiers) == 0 {
		return errors.New("at least one tier must be configured")
	}

	for _, t := range q.Tiers {
		if len(t.Operators) == 0 {
			return errors.Errorf("tier %d has no operators", t.Priority)
		}
		for _, name := range t.Operators {
			if _, ok := operators[name]; !ok {
				return errors.Errorf("tier %d references unknown operator %q", t.Priority, name)
			}
		}
		if err := validateSteps(t.OnBusy, tiers); err != nil {
			return errors.Wrapf(err, "tier %d", t.Priority)
		}
	}
	return nil
}

func validateSteps(steps []StepConfig, tiers map[string]map[int]struct{}) error {
	for i, s := range steps {
		switch s.Type {
		case stepWait:
			if s.Timeout <= 0 {
				return errors.Errorf("step %d: wait timeout must be positive", i)
			}
		case stepRetry, stepHold:
		case stepMoveToQueue:
			target, ok := tiers[s.Queue]
			if !ok {
				return errors.Errorf("step %d: unknown target queue %q", i, s.Queue)
			}
			if s.Priority != nil {
				if _, ok := target[*s.Priority]; !ok {
					return errors.Errorf("step %d: target queue %q has no tier with priority %d", i, s.Queue, *s.Priority)
				}
			}
		case stepReject:
			if s.Reason == "" {
				return errors.Errorf("step %d: reject reason must not be empty", i)
			}
		case stepReplaceBy:
			if len(s.ReplaceBy) == 0 {
				return errors.Errorf("step %d: replacement chain must not be empty", i)
			}
			if err := validateSteps(s.ReplaceBy, tiers); err != nil {
				return errors.Wrapf(err, "step %d", i)
			}
		default:
			return errors.Errorf("step %d: unknown step type %q", i, s.Type)
		}
	}
	return nil
}

// BuildBusyChain turns validated step configs into a chain.
func BuildBusyChain(steps []StepConfig) *BusyChain {
	out := make([]Step, 0, len(steps))
	for _, s := range steps {
		switch s.Type {
		case stepWait:
			out = append(out, WaitForOperatorStep{Timeout: s.Timeout})
		case stepRetry:
			out = append(out, RetryStep{})
		case stepHold:
			out = append(out, HoldStep{})
		case stepMoveToQueue:
			out = append(out, MoveToQueueStep{Queue: s.Queue, Priority: s.Priority})
		case stepReject:
			out = append(out, RejectStep{Reason: s.Reason})
		case stepReplaceBy:
			out = append(out, ReplaceByStep{Chain: BuildBusyChain(s.ReplaceBy)})
		}
	}
	return NewBusyChain(out...)
}
