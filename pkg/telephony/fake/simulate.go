// SPDX-License-Identifier: AGPL-3.0-only

package fake

import (
	"flag"
	"math/rand"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/grafana/callqueue/pkg/telephony"
)

// SimulationConfig describes how simulated operators react to incoming calls.
type SimulationConfig struct {
	AnswerProbability float64       `yaml:"answer_probability"`
	AnswerDelay       time.Duration `yaml:"answer_delay"`
	TalkDuration      time.Duration `yaml:"talk_duration"`
	Seed              int64         `yaml:"seed"`
}

func (cfg *SimulationConfig) RegisterFlags(f *flag.FlagSet) {
	f.Float64Var(&cfg.AnswerProbability, "simulator.answer-probability", 0.8, "Probability that a simulated operator answers a call.")
	f.DurationVar(&cfg.AnswerDelay, "simulator.answer-delay", 2*time.Second, "How long a simulated operator phone rings before it is answered or rejected.")
	f.DurationVar(&cfg.TalkDuration, "simulator.talk-duration", 30*time.Second, "How long a simulated operator stays on an answered call.")
	f.Int64Var(&cfg.Seed, "simulator.seed", 0, "Random seed of the simulation. 0 seeds from the current time.")
}

func (cfg *SimulationConfig) Validate() error {
	if cfg.AnswerProbability < 0 || cfg.AnswerProbability > 1 {
		return errors.Errorf("simulator answer probability must be within [0, 1], got %v", cfg.AnswerProbability)
	}
	if cfg.AnswerDelay < 0 || cfg.TalkDuration < 0 {
		return errors.New("simulator delays must not be negative")
	}
	return nil
}

// Simulate answers a share of the calls after a fixed ring time and rejects the rest as
// unanswered.
func Simulate(cfg SimulationConfig) Behaviour {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	var (
		mu  sync.Mutex
		rnd = rand.New(rand.NewSource(seed))
	)
	return func(string) (Outcome, bool) {
		mu.Lock()
		answer := rnd.Float64() < cfg.AnswerProbability
		mu.Unlock()

		if !answer {
			return Outcome{Delay: cfg.AnswerDelay, Code: telephony.NoAnswer}, true
		}
		return Outcome{Delay: cfg.AnswerDelay, Answer: true, TalkDuration: cfg.TalkDuration}, true
	}
}
