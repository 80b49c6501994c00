// SPDX-License-Identifier: AGPL-3.0-only

package callqueue

import (
	"sort"
)

type QueueStatus struct {
	Name     string `json:"name"`
	Length   int    `json:"length"`
	Capacity int    `json:"capacity"`
}

type OperatorStatus struct {
	Name       string `json:"name"`
	Busy       bool   `json:"busy"`
	BackingOff bool   `json:"backing_off"`
}

// Status is a point in time snapshot of the queues and operators, sorted by name.
type Status struct {
	Queues    []QueueStatus    `json:"queues"`
	Operators []OperatorStatus `json:"operators"`
}

func (cq *CallQueue) Status() Status {
	s := Status{
		Queues:    make([]QueueStatus, 0, len(cq.queues)),
		Operators: make([]OperatorStatus, 0, len(cq.operators)),
	}
	for _, q := range cq.queues {
		s.Queues = append(s.Queues, QueueStatus{
			Name:     q.name,
			Length:   q.bpq.Len(),
			Capacity: q.bpq.Capacity(),
		})
	}
	for _, op := range cq.operators {
		s.Operators = append(s.Operators, OperatorStatus{
			Name:       op.name,
			Busy:       op.Busy(),
			BackingOff: op.backingOff(),
		})
	}

	sort.Slice(s.Queues, func(i, j int) bool { return s.Queues[i].Name < s.Queues[j].Name })
	sort.Slice(s.Operators, func(i, j int) bool { return s.Operators[i].Name < s.Operators[j].Name })
	return s
}

// QueueStatus returns the status of the named queue.
func (cq *CallQueue) QueueStatus(name string) (QueueStatus, bool) {
	for _, q := range cq.Status().Queues {
		if q.Name == name {
			return q, true
		}
	}
	return QueueStatus{}, false
}
