package errors

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubLedger struct {
	err    error
	closes int
}

func (s *stubLedger) Close() error {
	s.closes++
	return s.err
}

func TestDeferCloseSilentOnSuccess(t *testing.T) {
	var buf bytes.Buffer
	l := &stubLedger{}

	DeferClose(zerolog.New(&buf), l, "Failed to close issuance ledger")

	assert.Equal(t, 1, l.closes)
	assert.Zero(t, buf.Len())
}

func TestDeferCloseLogsFailure(t *testing.T) {
	var buf bytes.Buffer
	l := &stubLedger{err: errors.New("database is locked")}

	DeferClose(zerolog.New(&buf), l, "Failed to close issuance ledger")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "warn", entry["level"])
	assert.Equal(t, "Failed to close issuance ledger", entry["message"])
	assert.Equal(t, "database is locked", entry["error"])
}

func TestDeferCloseNil(t *testing.T) {
	var buf bytes.Buffer
	assert.NotPanics(t, func() { DeferClose(zerolog.New(&buf), nil, "unused") })
	assert.Zero(t, buf.Len())
}
