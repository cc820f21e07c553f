//go:build integration

package integration

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/smprather/kicker/internal/domain"
	"github.com/smprather/kicker/internal/infra"
)

var _ = Describe("Check log rotation", func() {
	var (
		tmpDir      string
		checksPath  string
		actionsPath string
	)

	BeforeEach(func() {
		var err error
		tmpDir, err = os.MkdirTemp("", "kicker-logrotate-*")
		Expect(err).NotTo(HaveOccurred())
		checksPath = filepath.Join(tmpDir, "kicker_checks.log")
		actionsPath = filepath.Join(tmpDir, "kicker_actions.log")
	})

	AfterEach(func() {
		os.RemoveAll(tmpDir)
	})

	Context("when the check log exceeds the size threshold", func() {
		It("trims it down at a record boundary rather than mid-line", func() {
			// Pre-seed a file above the rotation threshold made entirely of
			// newline-terminated lines of known width.
			line := strings.Repeat("y", 999) + "\n"
			var sb strings.Builder
			for sb.Len() < 10*1024*1024+4096 {
				sb.WriteString(line)
			}
			Expect(os.WriteFile(checksPath, []byte(sb.String()), 0o600)).To(Succeed())
			originalSize := sb.Len()

			writer, err := infra.NewFileLogWriter(domain.FormatPlainText, checksPath, actionsPath)
			Expect(err).NotTo(HaveOccurred())
			defer writer.Close()

			Expect(writer.LogCheck(domain.LogRecord{
				Timestamp: time.Now(), RuleID: 1, ScriptName: "disk-check", Phase: domain.PhaseCheck, ExitCode: 0,
			})).To(Succeed())

			info, err := os.Stat(checksPath)
			Expect(err).NotTo(HaveOccurred())
			Expect(int(info.Size())).To(BeNumerically("<", originalSize))
			Expect(info.Size()).To(BeNumerically("<=", 5*1024*1024))

			data, err := os.ReadFile(checksPath)
			Expect(err).NotTo(HaveOccurred())

			// Every retained line is either a full "y"-run or the freshly
			// appended record; none is a partial line cut mid-record.
			for _, l := range strings.Split(strings.TrimRight(string(data), "\n"), "\n") {
				isFullRun := l == strings.Repeat("y", 999)
				isAppended := strings.Contains(l, "disk-check") || strings.Contains(l, "[return_code]")
				Expect(isFullRun || isAppended).To(BeTrue(), "unexpected partial line: %q", l)
			}
		})
	})
})
