package testutil

import (
	"fmt"
	"os"
	"sync"
	"syscall"
)

// Ownership is one recorded chown.
type Ownership struct {
	UID int
	GID int
}

// Chowner records ownership changes instead of applying them, so tests can
// check re-owning without root.
type Chowner struct {
	mu    sync.Mutex
	owned map[string]Ownership

	// Err, when set, is returned by every call.
	Err error
}

// NewChowner returns an empty recording Chowner.
func NewChowner() *Chowner {
	return &Chowner{owned: make(map[string]Ownership)}
}

func (c *Chowner) Chown(path string, uid, gid int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Err != nil {
		return c.Err
	}
	c.owned[path] = Ownership{UID: uid, GID: gid}
	return nil
}

// Owner returns the last ownership recorded for path.
func (c *Chowner) Owner(path string) (Ownership, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	o, ok := c.owned[path]
	return o, ok
}

// OwnerOf reports the recorded ownership of path, or its real owner on disk
// when nothing was recorded.
func (c *Chowner) OwnerOf(path string) (int, int, error) {
	if o, ok := c.Owner(path); ok {
		return o.UID, o.GID, nil
	}
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

// Owned returns a copy of every recorded path.
func (c *Chowner) Owned() map[string]Ownership {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]Ownership, len(c.owned))
	for k, v := range c.owned {
		out[k] = v
	}
	return out
}
