// Package scheduler runs the daemon's single-threaded evaluation loop: a
// min-heap of rules keyed by when each is next due, with exactly two
// suspension points - waiting for the next timer and waiting for a child
// process to exit.
package scheduler

import (
	"container/heap"
	"context"
	"time"

	"github.com/smprather/kicker/internal/domain"
)

// ruleItem is one entry in the scheduler's due-time heap.
type ruleItem struct {
	rule    *domain.Rule
	state   *domain.RuleRuntimeState
	nextDue time.Time
	index   int // heap.Interface bookkeeping
}

// dueHeap orders ruleItems by nextDue, breaking ties by rule ID so two
// rules scheduled for the same instant run in a deterministic order.
type dueHeap []*ruleItem

func (h dueHeap) Len() int { return len(h) }

func (h dueHeap) Less(i, j int) bool {
	if h[i].nextDue.Equal(h[j].nextDue) {
		return h[i].rule.ID < h[j].rule.ID
	}
	return h[i].nextDue.Before(h[j].nextDue)
}

func (h dueHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *dueHeap) Push(x any) {
	item := x.(*ruleItem)
	item.index = len(*h)
	*h = append(*h, item)
}

func (h *dueHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// PassFunc runs one check/evaluate/act pass for a rule and reports what
// happened. It is the scheduler's only dependency on the rest of the
// daemon, which keeps the heap bookkeeping testable in isolation from
// script execution, logging, and rate limiting.
type PassFunc func(ctx context.Context, rule *domain.Rule, state *domain.RuleRuntimeState, now time.Time) domain.PassOutcome

// Scheduler drives the per-rule heap: at any moment, it knows which rule
// is due soonest and for how long it can safely sleep before that rule
// needs attention.
type Scheduler struct {
	heap        dueHeap
	byID        map[int]*ruleItem
	defaultPoll time.Duration
	runPass     PassFunc
}

// New creates a scheduler over the given rules, due immediately, using
// runPass to execute each rule's check/trigger/action logic.
func New(rules []domain.Rule, states map[int]*domain.RuleRuntimeState, defaultPoll time.Duration, now time.Time, runPass PassFunc) *Scheduler {
	s := &Scheduler{
		byID:        make(map[int]*ruleItem, len(rules)),
		defaultPoll: defaultPoll,
		runPass:     runPass,
	}

	for i := range rules {
		r := &rules[i]
		state, ok := states[r.ID]
		if !ok {
			state = &domain.RuleRuntimeState{}
			states[r.ID] = state
		}
		item := &ruleItem{rule: r, state: state, nextDue: now}
		s.byID[r.ID] = item
		s.heap = append(s.heap, item)
	}
	heap.Init(&s.heap)

	return s
}

// NextDue returns the time the soonest-due rule is due, or the zero value
// if the scheduler holds no rules.
func (s *Scheduler) NextDue() (time.Time, bool) {
	if s.heap.Len() == 0 {
		return time.Time{}, false
	}
	return s.heap[0].nextDue, true
}

// RunDue runs every rule whose due time is at or before now, rescheduling
// each from now - the start of this round of passes - rather than from the
// moment its pass finished, so a slow action script does not compound drift
// into the next cadence. Once ctx is cancelled no further pass starts; a
// pass already running gets a context that ctx's cancellation does not
// reach, so its scripts run to completion or to their own timeout.
func (s *Scheduler) RunDue(ctx context.Context, now time.Time) []domain.PassOutcome {
	var outcomes []domain.PassOutcome
	passCtx := context.WithoutCancel(ctx)

	for s.heap.Len() > 0 && !s.heap[0].nextDue.After(now) {
		if ctx.Err() != nil {
			break
		}
		item := heap.Pop(&s.heap).(*ruleItem)
		passStart := now

		outcome := s.runPass(passCtx, item.rule, item.state, passStart)
		outcomes = append(outcomes, outcome)

		if outcome.RuleRemoved {
			delete(s.byID, item.rule.ID)
			continue
		}

		interval := item.rule.EffectivePollInterval(s.defaultPoll)
		item.nextDue = passStart.Add(interval)
		item.state.NextDueAt = item.nextDue
		heap.Push(&s.heap, item)
	}

	return outcomes
}

// RemoveRule drops a rule from the schedule immediately, used when the
// rule store reloads with that rule no longer present.
func (s *Scheduler) RemoveRule(id int) {
	item, ok := s.byID[id]
	if !ok {
		return
	}
	heap.Remove(&s.heap, item.index)
	delete(s.byID, id)
}

// Len reports how many rules the scheduler currently holds.
func (s *Scheduler) Len() int {
	return s.heap.Len()
}
