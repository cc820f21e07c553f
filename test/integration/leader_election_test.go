//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/smprather/kicker/internal/domain"
	"github.com/smprather/kicker/internal/infra"
)

var _ = Describe("Leader election", func() {
	var home string

	BeforeEach(func() {
		var err error
		home, err = os.MkdirTemp("", "kicker-leader-*")
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(home)
	})

	Describe("TryAcquire", func() {
		Context("when a second process tries to acquire an already-held lease", func() {
			It("is rejected with ErrLeaseHeld", func() {
				paths := infra.NewPathSetWithHome(home)
				holder := infra.NewFileLeaseStore(paths)
				challenger := infra.NewFileLeaseStore(paths)

				Expect(holder.TryAcquire(context.Background(), time.Minute, 5*time.Second)).To(Succeed())

				err := challenger.TryAcquire(context.Background(), time.Minute, 5*time.Second)
				Expect(err).To(HaveOccurred())
				var held domain.ErrLeaseHeld
				Expect(errors.As(err, &held)).To(BeTrue())
			})
		})

		Context("when the lease is held by a process that has long since exited", func() {
			It("reclaims the stale lease", func() {
				paths := infra.NewPathSetWithHome(home)
				crashed := infra.NewFileLeaseStore(paths)
				successor := infra.NewFileLeaseStore(paths)

				// A lease duration of -1h with no grace simulates a holder
				// whose lease expired long ago and never refreshed.
				Expect(crashed.TryAcquire(context.Background(), -time.Hour, 0)).To(Succeed())

				Expect(successor.TryAcquire(context.Background(), time.Minute, 5*time.Second)).To(Succeed())

				meta, err := successor.Read(context.Background())
				Expect(err).NotTo(HaveOccurred())
				Expect(meta.PID).To(Equal(os.Getpid()))
			})
		})
	})

	Describe("Refresh", func() {
		Context("when the on-disk metadata names a different holder", func() {
			It("returns ErrForeignLease so the caller shuts down without releasing", func() {
				paths := infra.NewPathSetWithHome(home)
				store := infra.NewFileLeaseStore(paths)
				Expect(store.TryAcquire(context.Background(), time.Minute, 5*time.Second)).To(Succeed())

				// Simulate another process clobbering the lease metadata
				// (e.g. after reclaiming a lease this process believed it
				// still held).
				foreign := domain.LeaderMetadata{
					Hostname:           "a-different-host",
					PID:                999999,
					LeaseExpiresAtUnix: time.Now().Add(time.Hour).Unix(),
				}
				writeForeignMeta(paths.LeaseMetaFile(), foreign)

				err := store.Refresh(context.Background(), time.Minute)
				Expect(err).To(HaveOccurred())
				var foreignErr domain.ErrForeignLease
				Expect(errors.As(err, &foreignErr)).To(BeTrue())
			})
		})
	})
})

func writeForeignMeta(path string, meta domain.LeaderMetadata) {
	data, err := json.Marshal(meta)
	Expect(err).NotTo(HaveOccurred())
	Expect(os.MkdirAll(filepath.Dir(path), 0o700)).To(Succeed())
	Expect(os.WriteFile(path, data, 0o600)).To(Succeed())
}
