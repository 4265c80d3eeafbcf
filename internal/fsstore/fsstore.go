// Package fsstore enforces the on-disk policy for certificate material:
// owner-only directories, owner-read-only private keys, readable
// certificates, atomic replacement and optional re-ownership.
package fsstore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"golang.org/x/sys/unix"

	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/privilege"
)

// Permission bits applied to certificate material.
const (
	// DirMode is used for every directory holding keys.
	DirMode os.FileMode = 0o700

	// PublicDirMode is used for a directory that only holds certificates.
	PublicDirMode os.FileMode = 0o755

	// KeyMode is used for private keys, encrypted or not.
	KeyMode os.FileMode = 0o400

	// CertMode is used for certificates, which TLS peers must be able to read.
	CertMode os.FileMode = 0o644
)

// ErrUnsafePath is returned when a directory that should hold certificate
// material is a symlink or not a directory at all.
var ErrUnsafePath = errors.New("refusing symlink or non-directory")

// Chowner applies a filesystem identity to a path.
type Chowner interface {
	Chown(path string, uid, gid int) error
}

// OwnerReader is implemented by a Chowner that can report the owner of a
// path. Store.Owner falls back to lstat for Chowners that do not.
type OwnerReader interface {
	OwnerOf(path string) (uid, gid int, err error)
}

// OSChowner changes ownership with lchown so a planted symlink is re-owned
// rather than its target.
type OSChowner struct{}

// Chown implements Chowner.
func (OSChowner) Chown(path string, uid, gid int) error {
	return os.Lchown(path, uid, gid)
}

// OwnerOf implements OwnerReader.
func (OSChowner) OwnerOf(path string) (int, int, error) {
	return DiskOwner(path)
}

// DiskOwner returns the uid and gid of path itself, not of a symlink target.
func DiskOwner(path string) (int, int, error) {
	info, err := os.Lstat(path)
	if err != nil {
		return 0, 0, err
	}
	st, ok := info.Sys().(*syscall.Stat_t)
	if !ok {
		return 0, 0, fmt.Errorf("no ownership information for %s", path)
	}
	return int(st.Uid), int(st.Gid), nil
}

// Store writes certificate material under the policy above.
type Store struct {
	chowner Chowner
	logger  zerolog.Logger
}

// New returns a Store. A nil chowner means OSChowner.
func New(chowner Chowner, logger zerolog.Logger) *Store {
	if chowner == nil {
		chowner = OSChowner{}
	}
	return &Store{
		chowner: chowner,
		logger:  logger.With().Str("component", "fsstore").Logger(),
	}
}

// EnsureDir creates path and its parents and forces mode on path itself.
// An existing path must be a real directory; a symlink or a file is refused
// with ErrUnsafePath. The mode is applied through a descriptor opened with
// O_NOFOLLOW, so a symlink swapped in after the check is refused too.
func (s *Store) EnsureDir(path string, mode os.FileMode) error {
	info, err := os.Lstat(path)
	switch {
	case err == nil:
		if !info.IsDir() {
			return perrors.Persistence(fmt.Sprintf("use directory %s", path), ErrUnsafePath)
		}
	case errors.Is(err, fs.ErrNotExist):
		if err := os.MkdirAll(path, mode); err != nil {
			return perrors.Persistence(fmt.Sprintf("create directory %s", path), err)
		}
	default:
		return perrors.Persistence(fmt.Sprintf("inspect directory %s", path), err)
	}

	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_DIRECTORY|unix.O_NOFOLLOW|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ELOOP) || errors.Is(err, unix.ENOTDIR) {
			err = fmt.Errorf("%w: %w", ErrUnsafePath, err)
		}
		return perrors.Persistence(fmt.Sprintf("open directory %s", path), err)
	}
	defer func() { _ = unix.Close(fd) }()

	if err := unix.Fchmod(fd, uint32(mode.Perm())); err != nil {
		return perrors.Persistence(fmt.Sprintf("chmod directory %s", path), err)
	}
	return nil
}

// WriteFile atomically replaces path with data. The content is written to a
// temporary file in the same directory, synced, given mode and renamed over
// path, so readers never observe a partially written PEM and a read-only
// previous version does not block the update.
func (s *Store) WriteFile(path string, data []byte, mode os.FileMode) error {
	b := s.NewBatch()
	defer b.Discard()

	if err := b.Add(path, data, mode); err != nil {
		return err
	}
	return b.Commit()
}

type staged struct {
	tmp  string
	path string
}

// Batch replaces several files as a unit. Every file is staged as a synced
// temporary file next to its destination before any of them is renamed into
// place, and a failed rename removes the files already renamed, so a key is
// never left beside a certificate from another generation.
type Batch struct {
	store     *Store
	staged    []staged
	committed []string
}

// NewBatch returns an empty Batch.
func (s *Store) NewBatch() *Batch {
	return &Batch{store: s}
}

// Add stages data for path with mode. Nothing is visible at path until Commit.
func (b *Batch) Add(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return perrors.Persistence(fmt.Sprintf("create temporary file for %s", path), err)
	}
	tmpPath := tmp.Name()

	fail := func(op string, err error) error {
		_ = tmp.Close()
		b.store.remove(tmpPath)
		return perrors.Persistence(fmt.Sprintf("%s %s", op, path), err)
	}

	if _, err := tmp.Write(data); err != nil {
		return fail("write", err)
	}
	if err := tmp.Sync(); err != nil {
		return fail("sync", err)
	}
	if err := tmp.Chmod(mode); err != nil {
		return fail("chmod", err)
	}
	if err := tmp.Close(); err != nil {
		return fail("close", err)
	}

	b.staged = append(b.staged, staged{tmp: tmpPath, path: path})
	return nil
}

// Commit renames every staged file into place in the order added. On failure
// the destinations already renamed and the remaining temporary files are
// removed.
func (b *Batch) Commit() error {
	for len(b.staged) > 0 {
		next := b.staged[0]
		if err := os.Rename(next.tmp, next.path); err != nil {
			b.Discard()
			b.Rollback()
			return perrors.Persistence(fmt.Sprintf("rename into %s", next.path), err)
		}
		b.staged = b.staged[1:]
		b.committed = append(b.committed, next.path)
	}
	return nil
}

// Discard removes staged files that were never renamed. It is a no-op after
// a successful Commit.
func (b *Batch) Discard() {
	for _, st := range b.staged {
		b.store.remove(st.tmp)
	}
	b.staged = nil
}

// Rollback removes every file this batch renamed into place. Callers use it
// when a step after Commit, such as re-owning, fails.
func (b *Batch) Rollback() {
	for _, path := range b.committed {
		b.store.remove(path)
	}
	if len(b.committed) > 0 {
		b.store.logger.Warn().Strs("paths", b.committed).Msg("Removed partially installed files")
	}
	b.committed = nil
}

func (s *Store) remove(path string) {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.logger.Warn().Err(err).Str("path", path).Msg("Failed to remove file")
	}
}

// Chown re-owns paths to owner. A nil owner is a no-op: the material stays
// with the service account running this process.
func (s *Store) Chown(owner *privilege.Identity, paths ...string) error {
	if owner == nil {
		return nil
	}

	for _, path := range paths {
		if err := s.chowner.Chown(path, owner.UID, owner.GID); err != nil {
			return perrors.Persistence(fmt.Sprintf("chown %s to %d:%d", path, owner.UID, owner.GID), err)
		}
	}

	s.logger.Debug().
		Str("owner", owner.Username).
		Int("uid", owner.UID).
		Int("gid", owner.GID).
		Int("paths", len(paths)).
		Msg("Applied file ownership")

	return nil
}

// Owner returns the uid and gid currently owning path, as reported by the
// configured Chowner when it can, otherwise from the filesystem.
func (s *Store) Owner(path string) (uid, gid int, err error) {
	if r, ok := s.chowner.(OwnerReader); ok {
		return r.OwnerOf(path)
	}
	return DiskOwner(path)
}

// FilesExist reports whether every path is present. Nothing is read.
func FilesExist(paths ...string) bool {
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			return false
		}
	}
	return true
}
