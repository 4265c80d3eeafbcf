// Package privilege resolves the operating-system identities that own
// certificate material: the per-user identity a leaf is issued for and the
// service account that consumes the proxy leaf.
package privilege

import (
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
)

// Identity is an operating-system account. It is supplied by the caller and
// only used to derive paths and to re-own files; this module never creates or
// removes accounts.
type Identity struct {
	Username string
	UID      int
	GID      int
	HomeDir  string
}

// String returns the username.
func (i *Identity) String() string {
	return i.Username
}

// Lookup resolves an account by name through the system user database.
func Lookup(username string) (*Identity, error) {
	if err := ValidateUsername(username); err != nil {
		return nil, err
	}

	u, err := user.Lookup(username)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup user %s: %w", username, err)
	}

	return fromUser(u)
}

// Current returns the identity of the running process.
func Current() (*Identity, error) {
	u, err := user.Current()
	if err != nil {
		return nil, fmt.Errorf("failed to get current user: %w", err)
	}

	return &Identity{
		Username: u.Username,
		UID:      os.Getuid(),
		GID:      os.Getgid(),
		HomeDir:  u.HomeDir,
	}, nil
}

// DetectInvokingUser returns the user who invoked the process. Under sudo
// that is SUDO_USER with SUDO_UID/SUDO_GID, otherwise the current user.
func DetectInvokingUser() (*Identity, error) {
	sudoUser := os.Getenv("SUDO_USER")
	if sudoUser == "" {
		return Current()
	}

	uidStr := os.Getenv("SUDO_UID")
	gidStr := os.Getenv("SUDO_GID")
	if uidStr == "" || gidStr == "" {
		return nil, fmt.Errorf("SUDO_USER set but SUDO_UID or SUDO_GID missing")
	}

	uid, err := strconv.Atoi(uidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_UID: %w", err)
	}

	gid, err := strconv.Atoi(gidStr)
	if err != nil {
		return nil, fmt.Errorf("invalid SUDO_GID: %w", err)
	}

	u, err := user.Lookup(sudoUser)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup user %s: %w", sudoUser, err)
	}

	return &Identity{
		Username: sudoUser,
		UID:      uid,
		GID:      gid,
		HomeDir:  u.HomeDir,
	}, nil
}

// IsRoot reports whether the process runs with euid 0.
func IsRoot() bool {
	return os.Geteuid() == 0
}

// ValidateUsername rejects names that cannot be used as a single path element.
// Usernames are interpolated into CA and leaf directories.
func ValidateUsername(username string) error {
	switch {
	case username == "":
		return fmt.Errorf("username cannot be empty")
	case username == "." || username == "..":
		return fmt.Errorf("invalid username %q", username)
	case strings.ContainsAny(username, "/\\\x00"):
		return fmt.Errorf("username %q contains a path separator", username)
	}
	return nil
}

func fromUser(u *user.User) (*Identity, error) {
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return nil, fmt.Errorf("non-numeric uid %q for %s: %w", u.Uid, u.Username, err)
	}

	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return nil, fmt.Errorf("non-numeric gid %q for %s: %w", u.Gid, u.Username, err)
	}

	return &Identity{
		Username: u.Username,
		UID:      uid,
		GID:      gid,
		HomeDir:  u.HomeDir,
	}, nil
}
