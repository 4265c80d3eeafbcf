// Package ledger keeps an append-only DuckDB record of CA creations and leaf
// issuances so operators can answer "what was issued, to whom and when".
package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/coral-mesh/portalca/internal/duckdb"
	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/retry"
)

const tableName = "issuance_events"

var schema = []string{`
CREATE TABLE IF NOT EXISTS issuance_events (
	id          VARCHAR PRIMARY KEY,
	kind        VARCHAR NOT NULL,
	role        VARCHAR NOT NULL,
	subject     VARCHAR NOT NULL,
	issuer      VARCHAR,
	serial      VARCHAR,
	not_before  TIMESTAMP,
	not_after   TIMESTAMP,
	cert_path   VARCHAR,
	recorded_at TIMESTAMP NOT NULL
)`,
	`CREATE INDEX IF NOT EXISTS idx_issuance_events_subject ON issuance_events (subject)`,
}

// Event kinds.
const (
	// KindCACreated records a CA created by this tool.
	KindCACreated = "ca_created"

	// KindLeafIssued records a leaf written by an issuer.
	KindLeafIssued = "leaf_issued"
)

// Event is one ledger row.
type Event struct {
	ID         string    `duckdb:"id,pk" json:"id"`
	Kind       string    `duckdb:"kind" json:"kind"`
	Role       string    `duckdb:"role" json:"role"`
	Subject    string    `duckdb:"subject" json:"subject"`
	Issuer     string    `duckdb:"issuer" json:"issuer"`
	Serial     string    `duckdb:"serial" json:"serial"`
	NotBefore  time.Time `duckdb:"not_before" json:"not_before"`
	NotAfter   time.Time `duckdb:"not_after" json:"not_after"`
	CertPath   string    `duckdb:"cert_path" json:"cert_path"`
	RecordedAt time.Time `duckdb:"recorded_at" json:"recorded_at"`
}

// Filter narrows List. Empty fields match everything.
type Filter struct {
	Subject string
	Kind    string
	Role    string
	Since   time.Time
	Limit   int
}

// Ledger is an open issuance ledger.
type Ledger struct {
	db     *sql.DB
	table  *duckdb.Table[Event]
	now    func() time.Time
	logger zerolog.Logger
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the clock used for RecordedAt.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(l *Ledger) { l.logger = logger.With().Str("component", "ledger").Logger() }
}

// lockRetry waits for another portalca process to release the database file.
var lockRetry = retry.Config{
	MaxRetries:     8,
	InitialBackoff: 50 * time.Millisecond,
	MaxBackoff:     time.Second,
	Jitter:         0.2,
}

// Open opens or creates the ledger at path; an empty path is in-memory.
func Open(ctx context.Context, path string, opts ...Option) (*Ledger, error) {
	l := &Ledger{now: time.Now, logger: zerolog.Nop()}
	for _, opt := range opts {
		opt(l)
	}

	err := retry.Do(ctx, lockRetry, func() error {
		db, err := duckdb.OpenDB(path)
		if err != nil {
			return err
		}
		for _, stmt := range schema {
			if _, err := db.ExecContext(ctx, stmt); err != nil {
				_ = db.Close()
				return err
			}
		}
		l.db = db
		return nil
	}, duckdb.IsLocked)
	if err != nil {
		return nil, perrors.Persistence(fmt.Sprintf("open ledger %q", path), err)
	}

	l.table = duckdb.NewTable[Event](l.db, tableName)
	l.logger.Debug().Str("path", path).Msg("Opened issuance ledger")
	return l, nil
}

// Close releases the database.
func (l *Ledger) Close() error {
	return l.db.Close()
}

// Record appends ev, filling ID and RecordedAt when unset.
func (l *Ledger) Record(ctx context.Context, ev Event) (Event, error) {
	if ev.Kind == "" || ev.Subject == "" {
		return ev, perrors.Configuration("ledger event requires a kind and a subject")
	}
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.RecordedAt.IsZero() {
		ev.RecordedAt = l.now()
	}
	ev.RecordedAt = normalize(ev.RecordedAt)
	ev.NotBefore = normalize(ev.NotBefore)
	ev.NotAfter = normalize(ev.NotAfter)

	if err := l.table.Insert(ctx, &ev); err != nil {
		return ev, perrors.Persistence("record ledger event", err)
	}

	l.logger.Debug().
		Str("kind", ev.Kind).
		Str("subject", ev.Subject).
		Str("serial", ev.Serial).
		Msg("Recorded issuance event")
	return ev, nil
}

// List returns matching events, newest first.
func (l *Ledger) List(ctx context.Context, f Filter) ([]Event, error) {
	b := duckdb.NewQueryBuilder(tableName).
		Eq("subject", f.Subject).
		Eq("kind", f.Kind).
		Eq("role", f.Role).
		Since("recorded_at", normalize(f.Since)).
		OrderBy("-recorded_at", "id").
		Limit(f.Limit)

	rows, err := l.table.Query(ctx, b)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		return nil, perrors.Persistence("list ledger events", err)
	}

	events := make([]Event, len(rows))
	for i, row := range rows {
		events[i] = *row
	}
	return events, nil
}

// Recorder is the write side of the ledger used by provisioning.
type Recorder interface {
	Record(ctx context.Context, ev Event) (Event, error)
}

// Discard is a Recorder that drops every event.
var Discard Recorder = discard{}

type discard struct{}

func (discard) Record(_ context.Context, ev Event) (Event, error) { return ev, nil }

// TIMESTAMP has microsecond precision and no zone.
func normalize(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return t.UTC().Truncate(time.Microsecond)
}
