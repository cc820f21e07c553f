package infra

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/smprather/kicker/internal/domain"
)

// FileLeaseStore implements domain.LeaseStore using atomic directory
// creation as the mutual-exclusion primitive. A plain exclusive file open
// is not dependable across every NFS client kicker may run against;
// os.Mkdir on a shared directory is.
type FileLeaseStore struct {
	leaseDir  string
	metaFile  string
	hostname  string
	pid       int
	startedAt int64
	liveness  domain.ProcessLiveness
}

// NewFileLeaseStore creates a lease store rooted at the given state
// directory's leader.lock path.
func NewFileLeaseStore(paths *PathSet) *FileLeaseStore {
	hostname, _ := os.Hostname()
	return &FileLeaseStore{
		leaseDir:  paths.LeaseDir(),
		metaFile:  paths.LeaseMetaFile(),
		hostname:  hostname,
		pid:       os.Getpid(),
		startedAt: time.Now().Unix(),
		liveness:  NewProcessLiveness(),
	}
}

// TryAcquire attempts to claim the lease, reclaiming it first if it is
// stale (its lease window plus grace period has elapsed).
func (s *FileLeaseStore) TryAcquire(ctx context.Context, leaseDuration, grace time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := s.mkdirAndWrite(leaseDuration); err == nil {
		return nil
	} else if !os.IsExist(err) {
		return fmt.Errorf("create lease directory: %w", err)
	}

	meta, readErr := s.readMeta()
	if readErr != nil {
		return fmt.Errorf("read existing lease metadata: %w", readErr)
	}
	if meta == nil {
		// The directory exists but carries no metadata yet - another
		// process is mid-acquisition. Treat as held, not stale.
		return domain.ErrLeaseHeld{}
	}

	if !s.stale(meta, grace) {
		return domain.ErrLeaseHeld{Meta: *meta}
	}

	// Stale: reclaim by removing the lock directory and retrying once.
	if err := os.RemoveAll(s.leaseDir); err != nil {
		return fmt.Errorf("remove stale lease directory: %w", err)
	}
	if err := s.mkdirAndWrite(leaseDuration); err != nil {
		if os.IsExist(err) {
			meta, _ := s.readMeta()
			if meta != nil {
				return domain.ErrLeaseHeld{Meta: *meta}
			}
			return domain.ErrLeaseHeld{}
		}
		return fmt.Errorf("create lease directory after reclaim: %w", err)
	}
	return nil
}

// stale reports whether the recorded holder's lease window plus grace has
// elapsed, or - as an additional sanity check possible only when the
// holder is recorded on this host - its PID is no longer a live process,
// catching a crash well before the timestamp-based window would.
func (s *FileLeaseStore) stale(meta *domain.LeaderMetadata, grace time.Duration) bool {
	if meta.Expired(time.Now(), grace) {
		return true
	}
	return meta.Hostname == s.hostname && !s.liveness.IsRunning(meta.PID)
}

// Refresh extends the lease expiry. A foreign holder found in the metadata
// file signals a split-brain condition: the caller has lost ownership and
// must stop without calling Release.
func (s *FileLeaseStore) Refresh(ctx context.Context, leaseDuration time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	meta, err := s.readMeta()
	if err != nil {
		return fmt.Errorf("read lease metadata: %w", err)
	}
	if meta == nil || meta.Hostname != s.hostname || meta.PID != s.pid {
		if meta == nil {
			meta = &domain.LeaderMetadata{}
		}
		return domain.ErrForeignLease{Meta: *meta}
	}

	return s.writeMeta(leaseDuration)
}

// Release removes the lease directory if this process currently owns it.
func (s *FileLeaseStore) Release(ctx context.Context) error {
	meta, err := s.readMeta()
	if err != nil {
		return fmt.Errorf("read lease metadata: %w", err)
	}
	if meta == nil || meta.Hostname != s.hostname || meta.PID != s.pid {
		return nil
	}
	return os.RemoveAll(s.leaseDir)
}

// Read returns the currently persisted lease metadata, if any.
func (s *FileLeaseStore) Read(ctx context.Context) (*domain.LeaderMetadata, error) {
	return s.readMeta()
}

func (s *FileLeaseStore) mkdirAndWrite(leaseDuration time.Duration) error {
	if err := os.MkdirAll(filepath.Dir(s.leaseDir), 0o700); err != nil {
		return err
	}
	if err := os.Mkdir(s.leaseDir, 0o700); err != nil {
		return err
	}
	if err := s.writeMeta(leaseDuration); err != nil {
		os.RemoveAll(s.leaseDir)
		return err
	}
	return nil
}

func (s *FileLeaseStore) writeMeta(leaseDuration time.Duration) error {
	meta := domain.LeaderMetadata{
		Hostname:           s.hostname,
		PID:                s.pid,
		StartTimeUnix:      s.startedAt,
		LeaseExpiresAtUnix: time.Now().Add(leaseDuration).Unix(),
	}

	data, err := json.Marshal(meta)
	if err != nil {
		return err
	}

	tmpPath := fmt.Sprintf("%s.%d.tmp", s.metaFile, os.Getpid())
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	if err := os.Rename(tmpPath, s.metaFile); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

func (s *FileLeaseStore) readMeta() (*domain.LeaderMetadata, error) {
	data, err := os.ReadFile(s.metaFile)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var meta domain.LeaderMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, err
	}
	return &meta, nil
}

// Ensure FileLeaseStore implements domain.LeaseStore.
var _ domain.LeaseStore = (*FileLeaseStore)(nil)
