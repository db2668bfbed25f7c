// Package lock provides per-record advisory file locks for the swarm store.
//
// The coordination service, the worker supervisor, and every worker
// subprocess mutate the same record files, so mutual exclusion must hold
// across OS processes. Each lock is a sidecar file created with O_EXCL;
// creation either succeeds atomically or fails because a holder exists.
// Locks left behind by dead processes are detected as stale and reclaimed.
package lock

import (
	"fmt"
	"os"
	"time"

	"github.com/swarm-dev/swarm/internal/errors"
	"gopkg.in/yaml.v3"
)

const (
	// DefaultTTL is how long a lock may go without refresh before any
	// other process may treat it as stale, even when the holder PID
	// cannot be checked (cross-host stores on shared filesystems).
	DefaultTTL = 60 * time.Second

	// DefaultRetries is the number of acquisition retries after the
	// first attempt fails with contention.
	DefaultRetries = 3

	// DefaultBackoff is the base delay between acquisition retries.
	// The delay grows linearly: backoff, 2*backoff, 3*backoff.
	DefaultBackoff = 100 * time.Millisecond
)

// Lock is the on-disk body of a lock file.
type Lock struct {
	Owner    string    `yaml:"owner"`
	PID      int       `yaml:"pid"`
	Acquired time.Time `yaml:"acquired"`
	TTL      string    `yaml:"ttl"`
}

// ttl parses the TTL field, falling back to DefaultTTL.
func (l *Lock) ttl() time.Duration {
	d, err := time.ParseDuration(l.TTL)
	if err != nil {
		return DefaultTTL
	}
	return d
}

// IsStale reports whether the lock may be reclaimed: the holding process is
// gone, or the lock has outlived its TTL.
func (l *Lock) IsStale() bool {
	if !IsPIDAlive(l.PID) {
		return true
	}
	return time.Since(l.Acquired) > l.ttl()
}

// FileLock guards a single record file. The lock file lives next to the
// record at <path>.lock.
type FileLock struct {
	path    string
	owner   string
	retries int
	backoff time.Duration
}

// Option configures a FileLock.
type Option func(*FileLock)

// WithRetries overrides the retry count.
func WithRetries(n int) Option {
	return func(l *FileLock) { l.retries = n }
}

// WithBackoff overrides the base backoff.
func WithBackoff(d time.Duration) Option {
	return func(l *FileLock) { l.backoff = d }
}

// New creates a FileLock for the record at recordPath.
func New(recordPath, owner string, opts ...Option) *FileLock {
	l := &FileLock{
		path:    recordPath + ".lock",
		owner:   owner,
		retries: DefaultRetries,
		backoff: DefaultBackoff,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Acquire takes the lock, retrying with linear backoff on contention and
// reclaiming stale locks. Returns a LOCK_CONTENDED error when every attempt
// finds a live holder.
func (l *FileLock) Acquire() error {
	var lastHolder string
	for attempt := 0; attempt <= l.retries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(attempt) * l.backoff)
		}

		ok, holder, err := l.tryAcquire()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		lastHolder = holder
	}
	return errors.Newf(errors.CodeLockContended, "lock held on %s", l.path).
		WithWhy(fmt.Sprintf("held by %s after %d attempts", lastHolder, l.retries+1))
}

// tryAcquire makes one acquisition attempt. Returns (false, holder, nil) on
// live contention.
func (l *FileLock) tryAcquire() (bool, string, error) {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err == nil {
		body, merr := yaml.Marshal(&Lock{
			Owner:    l.owner,
			PID:      os.Getpid(),
			Acquired: time.Now().UTC(),
			TTL:      DefaultTTL.String(),
		})
		if merr != nil {
			f.Close()
			os.Remove(l.path)
			return false, "", fmt.Errorf("marshal lock: %w", merr)
		}
		if _, werr := f.Write(body); werr != nil {
			f.Close()
			os.Remove(l.path)
			return false, "", fmt.Errorf("write lock: %w", werr)
		}
		return true, "", f.Close()
	}
	if !os.IsExist(err) {
		return false, "", fmt.Errorf("create lock: %w", err)
	}

	// Lock file exists. Read it to decide whether the holder is live.
	existing, rerr := l.read()
	if rerr != nil {
		if os.IsNotExist(rerr) {
			// Released between our create and read; retry immediately.
			return l.tryAcquire()
		}
		// Unreadable body counts as stale: the writer died mid-write.
		if !l.reclaim(nil) {
			return false, "unknown", nil
		}
		return l.tryAcquire()
	}
	if existing.IsStale() {
		if !l.reclaim(existing) {
			return false, existing.Owner, nil
		}
		return l.tryAcquire()
	}
	return false, existing.Owner, nil
}

// reclaim removes a stale lock without letting two reclaimers delete each
// other's fresh locks. The rename is atomic, so exactly one contender takes
// ownership of the file; everyone else fails the rename and retries. After
// the rename the moved file is inspected: if it is not the stale body the
// caller decided on but a live lock another reclaimer just installed, it is
// put back (Link refuses to clobber anything newer) and this attempt counts
// as contention. stale may be nil when the on-disk body was unreadable.
// Returns true when the stale lock is gone and the path may be recreated.
func (l *FileLock) reclaim(stale *Lock) bool {
	aside := fmt.Sprintf("%s.reclaim.%d.%d", l.path, os.Getpid(), time.Now().UnixNano())
	if err := os.Rename(l.path, aside); err != nil {
		return false
	}
	moved, err := readLockFile(aside)
	if err == nil && !sameLock(moved, stale) && !moved.IsStale() {
		if lerr := os.Link(aside, l.path); lerr == nil {
			_ = os.Remove(aside)
			return false
		}
	}
	_ = os.Remove(aside)
	return err != nil || sameLock(moved, stale) || moved.IsStale()
}

func sameLock(a, b *Lock) bool {
	if a == nil || b == nil {
		return false
	}
	return a.Owner == b.Owner && a.PID == b.PID && a.Acquired.Equal(b.Acquired)
}

// Release removes the lock file. Releasing a lock that is not held is a
// no-op so crash-recovery paths can release unconditionally.
func (l *FileLock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock: %w", err)
	}
	return nil
}

// Holder returns the current lock body, or nil when unlocked.
func (l *FileLock) Holder() (*Lock, error) {
	lk, err := l.read()
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	if lk.IsStale() {
		return nil, nil
	}
	return lk, nil
}

func (l *FileLock) read() (*Lock, error) {
	return readLockFile(l.path)
}

func readLockFile(path string) (*Lock, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var lk Lock
	if err := yaml.Unmarshal(data, &lk); err != nil {
		return nil, fmt.Errorf("parse lock file: %w", err)
	}
	return &lk, nil
}

// WithLock runs fn while holding the lock.
func (l *FileLock) WithLock(fn func() error) error {
	if err := l.Acquire(); err != nil {
		return err
	}
	defer l.Release()
	return fn()
}
