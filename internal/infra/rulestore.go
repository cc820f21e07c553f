package infra

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/smprather/kicker/internal/domain"
	"github.com/smprather/kicker/internal/ratelimit"
)

// yamlRule mirrors domain.Rule for YAML (de)serialization. Pointer fields
// are kept optional so an unset poll_interval/timeout/rate_limit round
// trips as absent rather than zero.
type yamlRule struct {
	ID             int     `yaml:"id"`
	Check          string  `yaml:"check"`
	Action         string  `yaml:"action"`
	TriggerMode    string  `yaml:"trigger_mode"`
	TriggerCode    *int    `yaml:"trigger_code,omitempty"`
	PollInterval   *float64 `yaml:"poll_interval_seconds,omitempty"`
	RateLimit      string  `yaml:"rate_limit,omitempty"`
	Timeout        *float64 `yaml:"timeout_seconds,omitempty"`
	Once           bool    `yaml:"once,omitempty"`
	OriginalSpec   string  `yaml:"original_spec,omitempty"`
}

type yamlRuleConfig struct {
	Version                    int        `yaml:"version"`
	DefaultPollIntervalSeconds float64    `yaml:"default_poll_interval_seconds"`
	Rules                      []yamlRule `yaml:"rules"`
}

// YAMLRuleStore implements domain.RuleStore, persisting the rule set as
// YAML with an atomic write to guard against a reader observing a
// half-written file.
type YAMLRuleStore struct {
	path string
}

// NewYAMLRuleStore creates a rule store backed by the given file path.
func NewYAMLRuleStore(path string) *YAMLRuleStore {
	return &YAMLRuleStore{path: path}
}

// Path returns the backing file path.
func (s *YAMLRuleStore) Path() string {
	return s.path
}

// Load reads the current rule configuration. A missing file is not an
// error; it yields an empty, version-1 configuration.
func (s *YAMLRuleStore) Load(ctx context.Context) (*domain.RuleConfig, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return &domain.RuleConfig{Version: 1, DefaultPollIntervalSeconds: 60.0}, nil
		}
		return nil, fmt.Errorf("read rule config: %w", err)
	}

	if len(data) == 0 {
		return &domain.RuleConfig{Version: 1, DefaultPollIntervalSeconds: 60.0}, nil
	}

	var raw yamlRuleConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse rule config: %w", err)
	}

	cfg := &domain.RuleConfig{
		Version:                    raw.Version,
		DefaultPollIntervalSeconds: raw.DefaultPollIntervalSeconds,
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	if cfg.DefaultPollIntervalSeconds == 0 {
		cfg.DefaultPollIntervalSeconds = 60.0
	}

	for _, yr := range raw.Rules {
		rule, err := fromYAMLRule(yr)
		if err != nil {
			return nil, err
		}
		if err := rule.Validate(); err != nil {
			return nil, fmt.Errorf("rule %d: %w", rule.ID, err)
		}
		cfg.Rules = append(cfg.Rules, *rule)
	}

	return cfg, nil
}

// Save atomically persists the rule configuration.
func (s *YAMLRuleStore) Save(ctx context.Context, cfg *domain.RuleConfig) error {
	raw := yamlRuleConfig{
		Version:                    cfg.Version,
		DefaultPollIntervalSeconds: cfg.DefaultPollIntervalSeconds,
	}
	for _, r := range cfg.Rules {
		raw.Rules = append(raw.Rules, toYAMLRule(r))
	}

	data, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal rule config: %w", err)
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.path, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write temp rule config: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename rule config into place: %w", err)
	}
	return nil
}

func secondsToDuration(seconds float64) time.Duration {
	return time.Duration(seconds * float64(time.Second))
}

func fromYAMLRule(yr yamlRule) (*domain.Rule, error) {
	r := &domain.Rule{
		ID:           yr.ID,
		CheckScript:  yr.Check,
		ActionScript: yr.Action,
		TriggerMode:  domain.TriggerMode(yr.TriggerMode),
		TriggerCode:  yr.TriggerCode,
		Once:         yr.Once,
		OriginalSpec: yr.OriginalSpec,
	}

	if yr.PollInterval != nil {
		d := secondsToDuration(*yr.PollInterval)
		r.PollInterval = &d
	}
	if yr.Timeout != nil {
		d := secondsToDuration(*yr.Timeout)
		r.Timeout = &d
	}
	if yr.RateLimit != "" {
		count, window, err := ratelimit.ParseRateLimit(yr.RateLimit)
		if err != nil {
			return nil, fmt.Errorf("rule %d: %w", yr.ID, err)
		}
		r.RateLimit = &domain.RateLimit{Count: count, Window: window}
	}

	return r, nil
}

func toYAMLRule(r domain.Rule) yamlRule {
	yr := yamlRule{
		ID:           r.ID,
		Check:        r.CheckScript,
		Action:       r.ActionScript,
		TriggerMode:  string(r.TriggerMode),
		TriggerCode:  r.TriggerCode,
		Once:         r.Once,
		OriginalSpec: r.OriginalSpec,
	}
	if r.PollInterval != nil {
		s := r.PollInterval.Seconds()
		yr.PollInterval = &s
	}
	if r.Timeout != nil {
		s := r.Timeout.Seconds()
		yr.Timeout = &s
	}
	if r.RateLimit != nil {
		yr.RateLimit = fmt.Sprintf("%d/%d", r.RateLimit.Count, int64(r.RateLimit.Window.Seconds()))
	}
	return yr
}

// FSNotifyRuleStoreWatcher implements domain.RuleStoreWatcher using
// fsnotify to watch the rule store's backing file for changes, so a
// running daemon can reload its rule set without a restart.
type FSNotifyRuleStoreWatcher struct {
	path    string
	watcher *fsnotify.Watcher
}

// NewFSNotifyRuleStoreWatcher creates a watcher for the given rule store
// path. The parent directory is watched rather than the file itself, since
// editors commonly replace a file via rename rather than in-place write.
func NewFSNotifyRuleStoreWatcher(path string) (*FSNotifyRuleStoreWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := w.Add(dir); err != nil {
		w.Close()
		return nil, fmt.Errorf("watch rule config directory: %w", err)
	}
	return &FSNotifyRuleStoreWatcher{path: path, watcher: w}, nil
}

// Watch starts forwarding change notifications for the backing file.
func (w *FSNotifyRuleStoreWatcher) Watch(ctx context.Context) (<-chan struct{}, error) {
	out := make(chan struct{}, 1)

	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if event.Name != w.path {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				select {
				case out <- struct{}{}:
				default:
				}
			case _, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()

	return out, nil
}

// Close stops the underlying fsnotify watcher.
func (w *FSNotifyRuleStoreWatcher) Close() error {
	return w.watcher.Close()
}

// Ensure both types implement their domain interfaces.
var _ domain.RuleStore = (*YAMLRuleStore)(nil)
var _ domain.RuleStoreWatcher = (*FSNotifyRuleStoreWatcher)(nil)
