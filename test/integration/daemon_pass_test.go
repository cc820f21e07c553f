//go:build integration

package integration

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"go.uber.org/zap"

	"github.com/smprather/kicker/internal/domain"
	"github.com/smprather/kicker/internal/infra"
	"github.com/smprather/kicker/internal/supervisor"
)

var _ = Describe("Daemon rule pass", func() {
	var home string

	BeforeEach(func() {
		var err error
		home, err = os.MkdirTemp("", "kicker-daemon-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(home)
	})

	Context("a rule with on_transition_fail_to_pass", func() {
		It("fires its action script exactly once, on the pass that follows the first failure", func() {
			paths := infra.NewPathSetWithHome(home)
			Expect(paths.EnsureStateDir()).To(Succeed())
			Expect(paths.EnsureConfigDir()).To(Succeed())

			scriptsDir := paths.ScriptsDir()
			markerPath := filepath.Join(home, "seen")
			writeExecutable(filepath.Join(scriptsDir, "check.sh"), `#!/bin/sh
if [ -f "`+markerPath+`" ]; then
  exit 0
fi
touch "`+markerPath+`"
exit 1
`)
			firedPath := filepath.Join(home, "fired")
			writeExecutable(filepath.Join(scriptsDir, "act.sh"), `#!/bin/sh
echo fired >> "`+firedPath+`"
exit 0
`)

			cfg := &domain.RuleConfig{
				Version:                    1,
				DefaultPollIntervalSeconds: 0.05,
				Rules: []domain.Rule{{
					ID: 1, CheckScript: "check.sh", ActionScript: "act.sh",
					TriggerMode: domain.OnTransitionFailToPass,
				}},
			}
			ruleStore := infra.NewYAMLRuleStore(paths.ConfigFile())
			Expect(ruleStore.Save(context.Background(), cfg)).To(Succeed())

			runner := infra.NewProcessScriptRunner(scriptsDir, home)
			logWriter, err := infra.NewFileLogWriter(domain.FormatJSON, paths.ChecksLogFile(), paths.ActionsLogFile())
			Expect(err).NotTo(HaveOccurred())
			defer logWriter.Close()

			history, err := infra.NewSQLiteHistoryStore(paths)
			Expect(err).NotTo(HaveOccurred())
			defer history.Close()

			sup := supervisor.New(
				supervisor.Config{DefaultPollInterval: 50 * time.Millisecond, LeaseDuration: 5 * time.Second, LeaseGrace: 5 * time.Second},
				infra.NewFileLeaseStore(paths),
				ruleStore,
				runner,
				logWriter,
				history,
				infra.RealClock{},
				nil,
				infra.NewRuntimeStateStore(paths.RuntimeStateFile()),
				zap.NewNop(),
			)

			ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancel()

			done := make(chan error, 1)
			go func() { done <- sup.Run(ctx) }()

			Eventually(func() bool {
				data, err := os.ReadFile(firedPath)
				return err == nil && strings.Contains(string(data), "fired")
			}, 2*time.Second, 20*time.Millisecond).Should(BeTrue())

			cancel()
			Eventually(done, time.Second).Should(Receive())

			data, err := os.ReadFile(firedPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.Count(string(data), "fired")).To(Equal(1))
		})
	})
})

func writeExecutable(path, body string) {
	Expect(os.MkdirAll(filepath.Dir(path), 0o755)).To(Succeed())
	Expect(os.WriteFile(path, []byte(body), 0o755)).To(Succeed())
}
