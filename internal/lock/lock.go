// Package lock provides per-identity advisory file locks. Generating a leaf
// or creating a CA for the same identity from two processes at once must be
// serialized; the lock is an flock(2) on a file under a shared lock directory.
package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	perrors "github.com/coral-mesh/portalca/internal/errors"
)

// Locker hands out locks named after the identity they protect.
type Locker struct {
	dir    string
	logger zerolog.Logger
}

// Lock is a held advisory lock.
type Lock struct {
	name   string
	file   *os.File
	logger zerolog.Logger
}

// New returns a Locker storing lock files in dir.
func New(dir string, logger zerolog.Logger) *Locker {
	return &Locker{
		dir:    dir,
		logger: logger.With().Str("component", "lock").Logger(),
	}
}

// Path returns the lock file used for name.
func (l *Locker) Path(name string) string {
	return filepath.Join(l.dir, sanitize(name)+".lock")
}

// Lock blocks until the exclusive lock for name is held.
func (l *Locker) Lock(name string) (*Lock, error) {
	f, err := l.open(name)
	if err != nil {
		return nil, err
	}

	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX); err != nil {
		_ = f.Close()
		return nil, perrors.Persistence(fmt.Sprintf("lock %s", name), err)
	}

	l.logger.Debug().Str("lock", name).Msg("Lock acquired")
	return &Lock{name: name, file: f, logger: l.logger}, nil
}

// With runs fn while holding the lock for name.
func (l *Locker) With(name string, fn func() error) error {
	lk, err := l.Lock(name)
	if err != nil {
		return err
	}
	defer lk.Unlock()

	return fn()
}

// Unlock releases the lock. Closing the descriptor drops the flock even if
// the explicit unlock fails.
func (lk *Lock) Unlock() {
	if err := unix.Flock(int(lk.file.Fd()), unix.LOCK_UN); err != nil {
		lk.logger.Warn().Err(err).Str("lock", lk.name).Msg("Failed to release lock")
	}
	if err := lk.file.Close(); err != nil {
		lk.logger.Warn().Err(err).Str("lock", lk.name).Msg("Failed to close lock file")
	}
}

func (l *Locker) open(name string) (*os.File, error) {
	if err := os.MkdirAll(l.dir, 0o700); err != nil {
		return nil, perrors.Persistence(fmt.Sprintf("create lock directory %s", l.dir), err)
	}

	path := l.Path(name)
	// #nosec G304 - path is built from the configured lock directory and a sanitized name.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, perrors.Persistence(fmt.Sprintf("open lock file %s", path), err)
	}
	return f, nil
}

// sanitize maps name onto a single safe path element.
func sanitize(name string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			return r
		case r == '-' || r == '_' || r == '.':
			return r
		default:
			return '_'
		}
	}, strings.TrimLeft(name, "."))
}
