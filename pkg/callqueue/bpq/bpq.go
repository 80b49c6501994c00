// SPDX-License-Identifier: AGPL-3.0-only

// Package bpq implements a bounded blocking queue whose dequeue order is a weighted
// random choice among priority buckets.
//
// Elements are bucketed by integer priority and each bucket is FIFO. Dequeuing does not
// always pick the highest priority bucket: a bucket is picked with probability proportional
// to the weight of its priority, so high priorities are strongly favoured while lower ones
// keep a bounded, non-zero chance of being served even under sustained high priority load.
package bpq

import (
	"container/list"
	"context"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
)

var (
	ErrFull      = errors.New("queue is full")
	ErrEmpty     = errors.New("queue is empty")
	ErrDuplicate = errors.New("element is already queued")
)

// WeightFunc maps a bucket priority to its selection weight. It must be positive and
// monotonically non-decreasing in priority.
type WeightFunc func(priority int) float64

// LinearWeight weights a bucket by its priority, shifted so that priority 0 (and anything
// below) still has weight 1.
func LinearWeight(priority int) float64 {
	if priority < 0 {
		return 1
	}
	return float64(priority) + 1
}

type Option func(*options)

type options struct {
	weight WeightFunc
	rnd    *rand.Rand
}

// WithWeight overrides the bucket weighting function.
func WithWeight(w WeightFunc) Option {
	return func(o *options) { o.weight = w }
}

// WithRand sets the random source used for bucket selection. The source is only used
// while holding the queue lock.
func WithRand(rnd *rand.Rand) Option {
	return func(o *options) { o.rnd = rnd }
}

// Queue is a bounded priority queue. T is compared by identity: an element can be queued at
// most once at a time and can be removed directly with RemoveElement.
type Queue[T comparable] struct {
	capacity   int
	priorityOf func(T) int
	weight     WeightFunc
	rnd        *rand.Rand

	mu         sync.Mutex
	buckets    map[int]*list.List
	priorities []int // Priorities of non-empty buckets, ascending.
	elements   map[T]*list.Element
	size       int

	// changed is closed and replaced on every mutation, waking up all blocked callers.
	changed chan struct{}
}

func New[T comparable](capacity int, priorityOf func(T) int, opts ...Option) *Queue[T] {
	if capacity <= 0 {
		panic("bpq: capacity must be positive")
	}

	o := options{weight: LinearWeight}
	for _, opt := range opts {
		opt(&o)
	}
	if o.rnd == nil {
		o.rnd = rand.New(rand.NewSource(time.Now().UnixNano()))
	}

	return &Queue[T]{
		capacity:   capacity,
		priorityOf: priorityOf,
		weight:     o.weight,
		rnd:        o.rnd,
		buckets:    map[int]*list.List{},
		elements:   map[T]*list.Element{},
		changed:    make(chan struct{}),
	}
}

// Add inserts e, failing immediately with ErrFull if the queue is at capacity.
func (q *Queue[T]) Add(e T) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.insertLocked(e)
}

// Offer inserts e if there is room, and reports whether it did.
func (q *Queue[T]) Offer(e T) bool {
	return q.Add(e) == nil
}

// OfferTimeout waits up to timeout for room to insert e. It returns false if no capacity
// became available in time or if e is already queued.
func (q *Queue[T]) OfferTimeout(e T, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return q.Put(ctx, e) == nil
}

// Put blocks until there is room to insert e. The context only bounds the wait for shutdown
// purposes; its error is returned if it is done before e could be inserted.
func (q *Queue[T]) Put(ctx context.Context, e T) error {
	for {
		q.mu.Lock()
		err := q.insertLocked(e)
		if !errors.Is(err, ErrFull) {
			q.mu.Unlock()
			return err
		}
		changed := q.changed
		q.mu.Unlock()

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Poll removes and returns the selected element, if any.
func (q *Queue[T]) Poll() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.selectLocked()
}

// PollTimeout waits up to timeout for an element to become available.
func (q *Queue[T]) PollTimeout(timeout time.Duration) (T, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	e, err := q.Take(ctx)
	return e, err == nil
}

// Take blocks until an element is available, or returns the context error.
func (q *Queue[T]) Take(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		e, ok := q.selectLocked()
		changed := q.changed
		q.mu.Unlock()

		if ok {
			return e, nil
		}

		select {
		case <-changed:
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		}
	}
}

// Remove removes and returns the selected element, or ErrEmpty.
func (q *Queue[T]) Remove() (T, error) {
	e, ok := q.Poll()
	if !ok {
		return e, ErrEmpty
	}
	return e, nil
}

// RemoveElement removes e if it is queued and reports whether it was found.
func (q *Queue[T]) RemoveElement(e T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	elem, ok := q.elements[e]
	if !ok {
		return false
	}
	q.unlinkLocked(q.priorityOf(e), elem)
	return true
}

func (q *Queue[T]) Contains(e T) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, ok := q.elements[e]
	return ok
}

func (q *Queue[T]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.size
}

func (q *Queue[T]) Capacity() int {
	return q.capacity
}

func (q *Queue[T]) RemainingCapacity() int {
	q.mu.Lock()
	defer q.mu.Unlock()

	return q.capacity - q.size
}

// Drain removes every element, highest priority first and FIFO within a priority.
func (q *Queue[T]) Drain() []T {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]T, 0, q.size)
	for i := len(q.priorities) - 1; i >= 0; i-- {
		for elem := q.buckets[q.priorities[i]].Front(); elem != nil; elem = elem.Next() {
			out = append(out, elem.Value.(T))
		}
	}

	q.buckets = map[int]*list.List{}
	q.priorities = nil
	q.elements = map[T]*list.Element{}
	q.size = 0
	q.notifyLocked()

	return out
}

func (q *Queue[T]) insertLocked(e T) error {
	if _, ok := q.elements[e]; ok {
		return ErrDuplicate
	}
	if q.size >= q.capacity {
		return ErrFull
	}

	p := q.priorityOf(e)
	bucket, ok := q.buckets[p]
	if !ok {
		bucket = list.New()
		q.buckets[p] = bucket

		i := sort.SearchInts(q.priorities, p)
		q.priorities = append(q.priorities, 0)
		copy(q.priorities[i+1:], q.priorities[i:])
		q.priorities[i] = p
	}

	q.elements[e] = bucket.PushBack(e)
	q.size++
	q.notifyLocked()
	return nil
}

func (q *Queue[T]) selectLocked() (T, bool) {
	var zero T
	if q.size == 0 {
		return zero, false
	}

	p := q.pickPriorityLocked()
	elem := q.buckets[p].Front()
	q.unlinkLocked(p, elem)
	return elem.Value.(T), true
}

// pickPriorityLocked draws a non-empty bucket with probability weight(p) / sum(weights).
func (q *Queue[T]) pickPriorityLocked() int {
	if len(q.priorities) == 1 {
		return q.priorities[0]
	}

	total := 0.0
	for _, p := range q.priorities {
		total += q.weight(p)
	}

	r := q.rnd.Float64() * total
	for i := len(q.priorities) - 1; i >= 0; i-- {
		p := q.priorities[i]
		r -= q.weight(p)
		if r < 0 {
			return p
		}
	}
	// Floating point rounding can leave r at exactly zero.
	return q.priorities[0]
}

func (q *Queue[T]) unlinkLocked(p int, elem *list.Element) {
	bucket := q.buckets[p]
	bucket.Remove(elem)
	delete(q.elements, elem.Value.(T))
	q.size--

	if bucket.Len() == 0 {
		delete(q.buckets, p)
		i := sort.SearchInts(q.priorities, p)
		q.priorities = append(q.priorities[:i], q.priorities[i+1:]...)
	}
	q.notifyLocked()
}

func (q *Queue[T]) notifyLocked() {
	close(q.changed)
	q.changed = make(chan struct{})
}
