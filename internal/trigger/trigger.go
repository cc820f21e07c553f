// Package trigger decides whether a rule's action should fire, given the
// previous and current exit codes its check script produced.
package trigger

import "github.com/smprather/kicker/internal/domain"

// Matcher is a single trigger mode's predicate over a check's previous and
// current exit codes. prev is nil on a rule's first ever check.
type Matcher func(prev, curr *int, triggerCode *int) bool

// Registry maps each domain.TriggerMode to its Matcher, following the
// same map-based strategy shape used for picking a policy elsewhere in
// this codebase's lineage, generalized here to trigger predicates instead
// of enforcement policies.
type Registry struct {
	matchers map[domain.TriggerMode]Matcher
}

// NewRegistry builds the registry of every trigger mode kicker supports.
func NewRegistry() *Registry {
	return &Registry{
		matchers: map[domain.TriggerMode]Matcher{
			domain.OnZero:                 matchOnZero,
			domain.OnNonZero:              matchOnNonZero,
			domain.OnTransitionFailToPass: matchTransitionFailToPass,
			domain.OnTransitionPassToFail: matchTransitionPassToFail,
			domain.OnCodeN:                matchOnCodeN,
		},
	}
}

// Evaluate reports whether rule's trigger condition is satisfied by the
// transition from prev to curr. It returns false for an unregistered
// trigger mode rather than panicking, since rule.Validate should already
// have rejected that rule before it ever reaches the scheduler.
func (r *Registry) Evaluate(rule *domain.Rule, prev, curr *int) bool {
	m, ok := r.matchers[rule.TriggerMode]
	if !ok {
		return false
	}
	return m(prev, curr, rule.TriggerCode)
}

func matchOnZero(prev, curr *int, triggerCode *int) bool {
	return curr != nil && *curr == 0
}

func matchOnNonZero(prev, curr *int, triggerCode *int) bool {
	return curr != nil && *curr != 0
}

func matchTransitionFailToPass(prev, curr *int, triggerCode *int) bool {
	return prev != nil && curr != nil && *prev != 0 && *curr == 0
}

func matchTransitionPassToFail(prev, curr *int, triggerCode *int) bool {
	return prev != nil && curr != nil && *prev == 0 && *curr != 0
}

func matchOnCodeN(prev, curr *int, triggerCode *int) bool {
	return curr != nil && triggerCode != nil && *curr == *triggerCode
}
