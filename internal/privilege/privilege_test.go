package privilege

import (
	"os"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsRoot(t *testing.T) {
	assert.Equal(t, os.Geteuid() == 0, IsRoot())
}

func TestCurrent(t *testing.T) {
	id, err := Current()
	require.NoError(t, err)

	assert.Equal(t, os.Getuid(), id.UID)
	assert.Equal(t, os.Getgid(), id.GID)
	assert.NotEmpty(t, id.Username)
	assert.Equal(t, id.Username, id.String())
}

func TestLookup(t *testing.T) {
	current, err := Current()
	require.NoError(t, err)

	t.Run("current user by name", func(t *testing.T) {
		id, err := Lookup(current.Username)
		require.NoError(t, err)
		assert.Equal(t, current.UID, id.UID)
		assert.Equal(t, current.GID, id.GID)
	})

	t.Run("unknown user", func(t *testing.T) {
		_, err := Lookup("portalca-no-such-user")
		assert.Error(t, err)
	})

	t.Run("rejects path traversal", func(t *testing.T) {
		_, err := Lookup("../root")
		assert.Error(t, err)
	})
}

func TestDetectInvokingUser(t *testing.T) {
	current, err := Current()
	require.NoError(t, err)

	tests := []struct {
		name     string
		sudoUser string
		sudoUID  string
		sudoGID  string
		wantErr  bool
		wantUID  int
	}{
		{
			name:    "not running under sudo",
			wantUID: current.UID,
		},
		{
			name:     "valid sudo environment",
			sudoUser: current.Username,
			sudoUID:  "4242",
			sudoGID:  "4343",
			wantUID:  4242,
		},
		{
			name:     "sudo user without UID",
			sudoUser: current.Username,
			sudoGID:  "1000",
			wantErr:  true,
		},
		{
			name:     "invalid GID format",
			sudoUser: current.Username,
			sudoUID:  "1000",
			sudoGID:  "invalid",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SUDO_USER", tt.sudoUser)
			t.Setenv("SUDO_UID", tt.sudoUID)
			t.Setenv("SUDO_GID", tt.sudoGID)

			id, err := DetectInvokingUser()
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantUID, id.UID)
			if tt.sudoGID != "" {
				gid, _ := strconv.Atoi(tt.sudoGID)
				assert.Equal(t, gid, id.GID)
			}
		})
	}
}

func TestValidateUsername(t *testing.T) {
	tests := []struct {
		username string
		wantErr  bool
	}{
		{"alice", false},
		{"svc-portal", false},
		{"first.last", false},
		{"", true},
		{".", true},
		{"..", true},
		{"a/b", true},
		{"a\\b", true},
	}

	for _, tt := range tests {
		t.Run(tt.username, func(t *testing.T) {
			err := ValidateUsername(tt.username)
			assert.Equal(t, tt.wantErr, err != nil, "ValidateUsername(%q) = %v", tt.username, err)
		})
	}
}
