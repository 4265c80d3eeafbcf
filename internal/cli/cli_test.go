package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/ledger"
	"github.com/coral-mesh/portalca/internal/provision"
)

func writeConfig(t *testing.T, withLedger bool) string {
	t.Helper()
	dir := t.TempDir()

	t.Setenv("PORTALCA_TEST_INFRA_PASS", "infra secret")
	t.Setenv("PORTALCA_TEST_USER_PASS", "user secret")
	t.Setenv("SUDO_USER", "")

	ledgerPath := ""
	if withLedger {
		ledgerPath = filepath.Join(dir, "ledger.duckdb")
	}

	content := fmt.Sprintf(`infrastructure_ca:
  dir: %[1]s/infra
  passphrase_source: env:PORTALCA_TEST_INFRA_PASS
user_ca:
  root: %[1]s/user_cas
  passphrase_source: env:PORTALCA_TEST_USER_PASS
user_leaf:
  tmp_root: %[1]s/tmp/{user}
proxy:
  cert_dir: %[1]s/proxy
lock_dir: %[1]s/locks
ledger_path: %[2]q
log:
  level: error
`, dir, ledgerPath)

	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestProxyWatchCreatesMissingCADir(t *testing.T) {
	path := writeConfig(t, false)
	content, err := os.ReadFile(path)
	require.NoError(t, err)
	managed := strings.Replace(string(content), "infrastructure_ca:\n", "infrastructure_ca:\n  managed: true\n", 1)
	require.NoError(t, os.WriteFile(path, []byte(managed), 0o600))

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	cmd := NewRootCmd()
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs([]string{"--config", path, "proxy", "watch", "--interval", "50ms"})
	require.NoError(t, cmd.ExecuteContext(ctx))

	assert.DirExists(t, filepath.Join(filepath.Dir(path), "infra"))
}

func TestVersionCmd(t *testing.T) {
	out, err := run(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "portalca version")
	assert.Contains(t, out, "Go version:")
}

func TestCAStatusWithoutCAs(t *testing.T) {
	cfg := writeConfig(t, false)

	out, err := run(t, "--config", cfg, "ca", "status")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "infrastructure")

	out, err = run(t, "--config", cfg, "ca", "status", "-o", "json")
	require.NoError(t, err)
	var statuses []provision.CAStatus
	require.NoError(t, json.Unmarshal([]byte(out), &statuses))
	require.Len(t, statuses, 1)
	assert.False(t, statuses[0].Present)
}

func TestCheckRotationNothingDue(t *testing.T) {
	cfg := writeConfig(t, false)

	out, err := run(t, "--config", cfg, "ca", "check-rotation")
	require.NoError(t, err)
	assert.Contains(t, out, "No CA is due for rotation")
}

func TestCommandErrors(t *testing.T) {
	cfg := writeConfig(t, false)

	tests := []struct {
		name    string
		args    []string
		wantIs  error
		wantMsg string
	}{
		{
			name:   "unknown CA role",
			args:   []string{"ca", "create", "--role", "intermediate"},
			wantIs: perrors.ErrConfiguration,
		},
		{
			name:   "subject with user role",
			args:   []string{"ca", "create", "--role", "user", "--user", "root", "--subject", "CN=x"},
			wantIs: perrors.ErrConfiguration,
		},
		{
			name:   "history without ledger",
			args:   []string{"history"},
			wantIs: perrors.ErrConfiguration,
		},
		{
			name:    "unsupported format",
			args:    []string{"ca", "status", "-o", "yaml"},
			wantMsg: "unsupported format",
		},
		{
			name:    "role is required",
			args:    []string{"ca", "create"},
			wantMsg: "required flag",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, append([]string{"--config", cfg}, tt.args...)...)
			require.Error(t, err)
			if tt.wantIs != nil {
				assert.ErrorIs(t, err, tt.wantIs)
			}
			if tt.wantMsg != "" {
				assert.Contains(t, err.Error(), tt.wantMsg)
			}
		})
	}
}

func TestInvalidConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policy:\n  key_bits: 1024\n"), 0o600))

	_, err := run(t, "--config", path, "ca", "status")
	assert.ErrorIs(t, err, perrors.ErrConfiguration)
}

func TestExitCode(t *testing.T) {
	assert.Equal(t, 0, ExitCode(nil))
	assert.Equal(t, ExitRotationDue, ExitCode(fmt.Errorf("%w: 1 CA(s)", ErrRotationDue)))
	assert.Equal(t, ExitFailure, ExitCode(perrors.ErrCrypto))
}

func TestLeafLifecycle(t *testing.T) {
	if testing.Short() {
		t.Skip("generates 4096-bit keys")
	}
	cfg := writeConfig(t, true)

	out, err := run(t, "--config", cfg, "leaf", "ensure", "-o", "json")
	require.NoError(t, err)
	var first provision.Result
	require.NoError(t, json.Unmarshal([]byte(out), &first))
	assert.False(t, first.Reused)
	assert.True(t, first.CACreated)
	assert.FileExists(t, first.CertPath)

	out, err = run(t, "--config", cfg, "leaf", "ensure")
	require.NoError(t, err)
	assert.Contains(t, out, "reused")
	assert.Contains(t, out, first.Serial)

	out, err = run(t, "--config", cfg, "leaf", "status", "-o", "json")
	require.NoError(t, err)
	assert.Contains(t, out, `"status": "valid"`)

	out, err = run(t, "--config", cfg, "history", "-o", "json")
	require.NoError(t, err)
	var events []ledger.Event
	require.NoError(t, json.Unmarshal([]byte(out), &events))
	require.Len(t, events, 2)
	kinds := []string{events[0].Kind, events[1].Kind}
	assert.ElementsMatch(t, []string{ledger.KindCACreated, ledger.KindLeafIssued}, kinds)

	out, err = run(t, "--config", cfg, "history", "--kind", ledger.KindLeafIssued)
	require.NoError(t, err)
	assert.Equal(t, 2, strings.Count(out, "\n"), "header and one row")

	_, err = run(t, "--config", cfg, "ca", "check-rotation")
	require.NoError(t, err)
}

func TestConfigView(t *testing.T) {
	cfg := writeConfig(t, false)

	out, err := run(t, "--config", cfg, "config", "view")
	require.NoError(t, err)
	assert.Contains(t, out, "# File: "+cfg+" (--config)")
	assert.Contains(t, out, "env:PORTALCA_TEST_INFRA_PASS")
	assert.Contains(t, out, "leaf_validity_days: 42")

	out, err = run(t, "--config", cfg, "config", "view", "--raw")
	require.NoError(t, err)
	assert.NotContains(t, out, "# File:")
}

func TestConfigValidate(t *testing.T) {
	out, err := run(t, "--config", writeConfig(t, false), "config", "validate")
	require.NoError(t, err)
	assert.Contains(t, out, "valid")

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("policy:\n  key_bits: 1024\n  signature_algorithm: sha1\n"), 0o600))

	out, err = run(t, "--config", path, "config", "validate")
	require.Error(t, err)
	assert.Contains(t, out, "policy.key_bits")
	assert.Contains(t, out, "policy.signature_algorithm")
	assert.Contains(t, out, "2 invalid setting(s)")
}
