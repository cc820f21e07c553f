// Package supervisor owns the daemon's main loop: acquiring the leader
// lease, loading rules, driving the scheduler, and refreshing the lease
// on a cadence independent of rule due times.
package supervisor

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/smprather/kicker/internal/domain"
	"github.com/smprather/kicker/internal/ratelimit"
	"github.com/smprather/kicker/internal/scheduler"
	"github.com/smprather/kicker/internal/trigger"
)

// minSleep and maxSleep bound how long the main loop ever sleeps between
// checking whether a rule has come due, keeping the loop responsive to a
// reload signal or shutdown without busy-waiting.
const (
	minSleep = 50 * time.Millisecond
	maxSleep = 500 * time.Millisecond
)

// Config bundles the values a Supervisor needs beyond its collaborators.
type Config struct {
	DefaultPollInterval time.Duration
	LeaseDuration        time.Duration
	LeaseGrace           time.Duration
}

// Supervisor wires the scheduler to the lease store, rule store, script
// runner, log writer, and history store, and runs the loop that ties them
// together for the lifetime of one daemon process.
type Supervisor struct {
	cfg Config

	lease   domain.LeaseStore
	rules   domain.RuleStore
	runner  domain.ScriptRunner
	logs    domain.LogWriter
	history domain.HistoryStore
	clock   domain.Clock
	watcher domain.RuleStoreWatcher

	stateStore interface {
		Load() (map[int]*domain.RuleRuntimeState, map[string]time.Time, error)
		Save(map[int]*domain.RuleRuntimeState, map[string]time.Time) error
	}

	triggers *trigger.Registry
	logger   *zap.Logger
}

// New constructs a Supervisor. watcher may be nil, in which case the
// daemon never reloads its rule set mid-run.
func New(
	cfg Config,
	lease domain.LeaseStore,
	rules domain.RuleStore,
	runner domain.ScriptRunner,
	logs domain.LogWriter,
	history domain.HistoryStore,
	clock domain.Clock,
	watcher domain.RuleStoreWatcher,
	stateStore interface {
		Load() (map[int]*domain.RuleRuntimeState, map[string]time.Time, error)
		Save(map[int]*domain.RuleRuntimeState, map[string]time.Time) error
	},
	logger *zap.Logger,
) *Supervisor {
	return &Supervisor{
		cfg:        cfg,
		lease:      lease,
		rules:      rules,
		runner:     runner,
		logs:       logs,
		history:    history,
		clock:      clock,
		watcher:    watcher,
		stateStore: stateStore,
		triggers:   trigger.NewRegistry(),
		logger:     logger,
	}
}

// Run acquires the lease and drives the scheduler until ctx is cancelled
// or the lease is lost to a foreign process.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.lease.TryAcquire(ctx, s.cfg.LeaseDuration, s.cfg.LeaseGrace); err != nil {
		return err
	}

	ownLease := true
	defer func() {
		if ownLease {
			if err := s.lease.Release(context.Background()); err != nil {
				s.logger.Warn("failed to release lease on shutdown", zap.Error(err))
			}
		}
	}()

	cfg, err := s.rules.Load(ctx)
	if err != nil {
		return err
	}

	states, logTrim, err := s.stateStore.Load()
	if err != nil {
		return err
	}
	s.logs.LoadTrimState(logTrim)

	now := s.clock.Now()
	sched := scheduler.New(cfg.Rules, states, effectivePollInterval(cfg, s.cfg.DefaultPollInterval), now, s.runPass)

	var reloadCh <-chan struct{}
	if s.watcher != nil {
		reloadCh, err = s.watcher.Watch(ctx)
		if err != nil {
			s.logger.Warn("rule reload watch unavailable, continuing without it", zap.Error(err))
		}
	}

	refreshInterval := s.cfg.LeaseDuration / 3
	if refreshInterval < time.Second {
		refreshInterval = time.Second
	}
	nextLeaseRefresh := now.Add(refreshInterval)

	defer func() {
		if err := s.stateStore.Save(states, s.logs.TrimState()); err != nil {
			s.logger.Warn("failed to persist runtime state on shutdown", zap.Error(err))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-reloadCh:
			if err := s.reload(ctx, &sched, states); err != nil {
				s.logger.Error("rule reload failed, continuing with previous rule set", zap.Error(err))
			}
			continue
		default:
		}

		now = s.clock.Now()
		if !now.Before(nextLeaseRefresh) {
			if err := s.lease.Refresh(ctx, s.cfg.LeaseDuration); err != nil {
				var foreign domain.ErrForeignLease
				if errors.As(err, &foreign) {
					s.logger.Error("lease claimed by a foreign process; shutting down without releasing",
						zap.String("foreign_hostname", foreign.Meta.Hostname), zap.Int("foreign_pid", foreign.Meta.PID))
					ownLease = false
					return err
				}
				return err
			}
			nextLeaseRefresh = now.Add(refreshInterval)
		}

		outcomes := sched.RunDue(ctx, now)
		for _, outcome := range outcomes {
			s.logOutcome(outcome)
			if outcome.RuleRemoved {
				delete(states, outcome.RuleID)
				s.removeOnceRule(ctx, outcome.RuleID)
			}
		}

		due, ok := sched.NextDue()
		sleepFor := maxSleep
		if ok {
			sleepFor = due.Sub(s.clock.Now())
			if sleepFor < minSleep {
				sleepFor = minSleep
			}
			if sleepFor > maxSleep {
				sleepFor = maxSleep
			}
		}
		s.clock.Sleep(ctx, sleepFor)
	}
}

// runPass executes one rule's check, evaluates its trigger, enforces its
// rate limit, and dispatches its action if all three permit it.
func (s *Supervisor) runPass(ctx context.Context, rule *domain.Rule, state *domain.RuleRuntimeState, now time.Time) domain.PassOutcome {
	outcome := domain.PassOutcome{RuleID: rule.ID}
	timeout := rule.EffectiveTimeout(s.cfg.DefaultPollInterval)

	checkResult, err := s.runner.Run(ctx, rule.CheckScript, nil, timeout)
	if err != nil {
		s.logger.Error("check script could not be started", zap.Int("rule_id", rule.ID), zap.Error(err))
		return outcome
	}

	checkCode := checkResult.ExitCode
	checkRec := recordFor(rule, domain.PhaseCheck, checkResult, now)
	s.writeRecord(ctx, checkRec)
	state.Totals.Checks++

	prev := state.CurrExitCode
	state.PrevExitCode = prev
	state.CurrExitCode = &checkCode
	outcome.CheckExitCode = checkCode

	if !s.triggers.Evaluate(rule, prev, &checkCode) {
		return outcome
	}
	outcome.TriggerMatched = true

	rl := rule.EffectiveRateLimit(s.cfg.DefaultPollInterval)
	window := ratelimit.SlidingWindow{Count: rl.Count, Window: rl.Window}
	allowed, kept := window.Allow(now, state.RecentFires)
	state.RecentFires = kept
	if !allowed {
		outcome.RateLimited = true
		return outcome
	}

	actionResult, err := s.runner.Run(ctx, rule.ActionScript, nil, timeout)
	if err != nil {
		s.logger.Error("action script could not be started", zap.Int("rule_id", rule.ID), zap.Error(err))
		return outcome
	}

	state.RecentFires = append(state.RecentFires, now)
	actionCode := actionResult.ExitCode
	actionRec := recordFor(rule, domain.PhaseAction, actionResult, now)
	s.writeRecord(ctx, actionRec)
	state.Totals.Actions++

	outcome.ActionExecuted = true
	outcome.ActionExitCode = &actionCode

	if cutoffCount, err := s.history.ActionsSince(ctx, rule.ID, now.Add(-24*time.Hour)); err == nil {
		state.Totals.ActionsLast24h = cutoffCount
	}

	if rule.Once {
		outcome.RuleRemoved = true
	}

	return outcome
}

func (s *Supervisor) writeRecord(ctx context.Context, rec domain.LogRecord) {
	var err error
	if rec.Phase == domain.PhaseCheck {
		err = s.logs.LogCheck(rec)
	} else {
		err = s.logs.LogAction(rec)
	}
	if err != nil {
		s.logger.Warn("failed to append log record", zap.Int("rule_id", rec.RuleID), zap.Error(err))
	}
	if err := s.history.RecordExecution(ctx, rec); err != nil {
		s.logger.Warn("failed to record execution history", zap.Int("rule_id", rec.RuleID), zap.Error(err))
	}
}

func (s *Supervisor) removeOnceRule(ctx context.Context, ruleID int) {
	cfg, err := s.rules.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to reload rule config to drop a once rule", zap.Int("rule_id", ruleID), zap.Error(err))
		return
	}

	filtered := cfg.Rules[:0:0]
	for _, r := range cfg.Rules {
		if r.ID != ruleID {
			filtered = append(filtered, r)
		}
	}
	cfg.Rules = filtered

	if err := s.rules.Save(ctx, cfg); err != nil {
		s.logger.Warn("failed to persist removal of a once rule", zap.Int("rule_id", ruleID), zap.Error(err))
	}
}

func (s *Supervisor) reload(ctx context.Context, sched **scheduler.Scheduler, states map[int]*domain.RuleRuntimeState) error {
	cfg, err := s.rules.Load(ctx)
	if err != nil {
		return err
	}

	present := make(map[int]bool, len(cfg.Rules))
	for _, r := range cfg.Rules {
		present[r.ID] = true
	}
	for id := range states {
		if !present[id] {
			delete(states, id)
		}
	}

	now := s.clock.Now()
	*sched = scheduler.New(cfg.Rules, states, effectivePollInterval(cfg, s.cfg.DefaultPollInterval), now, s.runPass)
	s.logger.Info("rule set reloaded", zap.Int("rule_count", len(cfg.Rules)))
	return nil
}

func (s *Supervisor) logOutcome(o domain.PassOutcome) {
	fields := []zap.Field{
		zap.Int("rule_id", o.RuleID),
		zap.Int("check_exit_code", o.CheckExitCode),
		zap.Bool("trigger_matched", o.TriggerMatched),
		zap.Bool("rate_limited", o.RateLimited),
		zap.Bool("action_executed", o.ActionExecuted),
	}
	s.logger.Debug("rule pass completed", fields...)
}

func recordFor(rule *domain.Rule, phase domain.LogPhase, result domain.ScriptResult, now time.Time) domain.LogRecord {
	return domain.LogRecord{
		Timestamp:  now,
		RuleID:     rule.ID,
		ScriptName: scriptNameFor(phase, rule),
		Phase:      phase,
		ExitCode:   result.ExitCode,
		DurationMs: result.Duration().Milliseconds(),
		Stdout:     string(result.Stdout),
		Stderr:     string(result.Stderr),
		TimedOut:   result.TimedOut,
	}
}

func scriptNameFor(phase domain.LogPhase, rule *domain.Rule) string {
	if phase == domain.PhaseCheck {
		return rule.CheckScript
	}
	return rule.ActionScript
}

func effectivePollInterval(cfg *domain.RuleConfig, fallback time.Duration) time.Duration {
	if cfg.DefaultPollIntervalSeconds > 0 {
		return time.Duration(cfg.DefaultPollIntervalSeconds * float64(time.Second))
	}
	return fallback
}
