package infra

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/smprather/kicker/internal/domain"
)

// persistedRuleState is the on-disk shape of the scheduler's per-rule state,
// kept separate from domain.RuleRuntimeState because exit codes and fire
// timestamps need explicit nullability and unit conversion across the
// JSON boundary that the in-memory struct does not carry.
type persistedRuleState struct {
	PrevExitCode *int      `json:"prev_exit_code,omitempty"`
	CurrExitCode *int      `json:"curr_exit_code,omitempty"`
	RecentFires  []float64 `json:"recent_fires,omitempty"`
	Checks       int       `json:"checks"`
	Actions      int       `json:"actions"`
}

type persistedState struct {
	Rules   map[string]persistedRuleState `json:"rules"`
	LogTrim map[string]int64              `json:"log_trim,omitempty"`
}

// RuntimeStateStore persists domain.RuleRuntimeState across restarts, so a
// rate limit window or a fail-to-pass transition detector does not reset
// every time the daemon is restarted by systemd.
type RuntimeStateStore struct {
	path string
}

// NewRuntimeStateStore creates a store backed by the given file path.
func NewRuntimeStateStore(path string) *RuntimeStateStore {
	return &RuntimeStateStore{path: path}
}

// Load reads the persisted per-rule state, keyed by rule ID, along with
// the per-stream log trim timestamps. A missing file yields empty maps
// rather than an error.
func (s *RuntimeStateStore) Load() (map[int]*domain.RuleRuntimeState, map[string]time.Time, error) {
	out := make(map[int]*domain.RuleRuntimeState)
	logTrim := make(map[string]time.Time)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return out, logTrim, nil
		}
		return nil, nil, fmt.Errorf("read runtime state: %w", err)
	}
	if len(data) == 0 {
		return out, logTrim, nil
	}

	var raw persistedState
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, nil, fmt.Errorf("parse runtime state: %w", err)
	}

	for idStr, rs := range raw.Rules {
		var id int
		if _, err := fmt.Sscanf(idStr, "%d", &id); err != nil {
			continue
		}
		state := &domain.RuleRuntimeState{
			PrevExitCode: rs.PrevExitCode,
			CurrExitCode: rs.CurrExitCode,
			Totals:       domain.RuleTotals{Checks: rs.Checks, Actions: rs.Actions},
		}
		for _, unixSeconds := range rs.RecentFires {
			state.RecentFires = append(state.RecentFires, time.Unix(0, int64(unixSeconds*float64(time.Second))))
		}
		out[id] = state
	}

	for stream, unixSeconds := range raw.LogTrim {
		logTrim[stream] = time.Unix(unixSeconds, 0)
	}

	return out, logTrim, nil
}

// Save atomically persists the per-rule state map and the per-stream log
// trim timestamps.
func (s *RuntimeStateStore) Save(states map[int]*domain.RuleRuntimeState, logTrim map[string]time.Time) error {
	raw := persistedState{
		Rules:   make(map[string]persistedRuleState, len(states)),
		LogTrim: make(map[string]int64, len(logTrim)),
	}

	for id, state := range states {
		rs := persistedRuleState{
			PrevExitCode: state.PrevExitCode,
			CurrExitCode: state.CurrExitCode,
			Checks:       state.Totals.Checks,
			Actions:      state.Totals.Actions,
		}
		for _, ts := range state.RecentFires {
			rs.RecentFires = append(rs.RecentFires, float64(ts.UnixNano())/float64(time.Second))
		}
		raw.Rules[fmt.Sprintf("%d", id)] = rs
	}

	for stream, at := range logTrim {
		raw.LogTrim[stream] = at.Unix()
	}

	data, err := json.MarshalIndent(raw, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal runtime state: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp runtime state: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename runtime state into place: %w", err)
	}
	return nil
}
