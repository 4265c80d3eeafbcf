// Package safe reads key and certificate material with guards against
// symlink substitution and oversized inputs.
package safe

import (
	"fmt"
	"os"
	"path/filepath"
)

// DefaultMaxFileSize caps reads at 1MB. A PEM bundle is a few KB.
const DefaultMaxFileSize = 1 << 20

// Options configures ReadFile.
type Options struct {
	// MaxSize is the maximum allowed file size in bytes. Zero means DefaultMaxFileSize.
	MaxSize int64
	// AllowSymlinks follows a symlinked path. Default is false.
	AllowSymlinks bool
}

// ReadFile reads path after checking it is a regular file within the size
// limit. Symlinks are rejected unless opts.AllowSymlinks is set, so a user who
// controls a directory cannot point a key path at another user's file.
func ReadFile(path string, opts *Options) ([]byte, error) {
	if opts == nil {
		opts = &Options{}
	}
	maxSize := opts.MaxSize
	if maxSize == 0 {
		maxSize = DefaultMaxFileSize
	}

	cleanPath := filepath.Clean(path)

	info, err := os.Lstat(cleanPath)
	if err != nil {
		return nil, err
	}

	if info.Mode()&os.ModeSymlink != 0 {
		if !opts.AllowSymlinks {
			return nil, fmt.Errorf("file %q is a symlink, which is not allowed for security reasons", path)
		}
		info, err = os.Stat(cleanPath)
		if err != nil {
			return nil, err
		}
	}

	if !info.Mode().IsRegular() {
		return nil, fmt.Errorf("path %q is not a regular file", path)
	}

	if info.Size() > maxSize {
		return nil, fmt.Errorf("file %q exceeds maximum allowed size of %d bytes", path, maxSize)
	}

	// #nosec G304 - the path has been validated above.
	return os.ReadFile(cleanPath)
}

// Exists reports whether path names a regular file (symlinks are not followed).
func Exists(path string) bool {
	info, err := os.Lstat(filepath.Clean(path))
	return err == nil && info.Mode().IsRegular()
}
