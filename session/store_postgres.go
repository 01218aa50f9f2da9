package session

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists the descriptor as a single JSONB row keyed by
// profile name.
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
//
// Expected table (created by the host application's migrations):
//
//	CREATE TABLE <schema>.session_state (
//	    profile    text PRIMARY KEY,
//	    descriptor jsonb NOT NULL,
//	    updated_at timestamptz NOT NULL DEFAULT now()
//	);
type PostgresStore struct {
	pool    *pgxpool.Pool
	schema  string
	profile string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "atrium").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("session: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("session: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// WithProfile sets the row key (default: "default"). Distinct profiles keep
// independent persisted sessions in the same table.
func WithProfile(profile string) PostgresOption {
	return func(s *PostgresStore) error {
		profile = strings.TrimSpace(profile)
		if profile == "" {
			return errors.New("session: empty profile")
		}
		s.profile = profile
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:    pool,
		schema:  "atrium",
		profile: "default",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("session: nil pool")
	}
	return st, nil
}

// Load fetches the persisted descriptor for the profile, or (nil, nil) when
// no row exists.
func (s *PostgresStore) Load(ctx context.Context) (*Descriptor, error) {
	table := pgIdent(s.schema, "session_state")

	var d Descriptor
	err := s.pool.QueryRow(ctx,
		`SELECT descriptor FROM `+table+` WHERE profile = $1`,
		s.profile,
	).Scan(&d)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return &d, nil
}

// Save upserts the descriptor row for the profile.
func (s *PostgresStore) Save(ctx context.Context, d *Descriptor) error {
	table := pgIdent(s.schema, "session_state")

	if _, err := s.pool.Exec(ctx,
		`INSERT INTO `+table+` (profile, descriptor, updated_at)
		 VALUES ($1, $2, now())
		 ON CONFLICT (profile) DO UPDATE
		    SET descriptor = EXCLUDED.descriptor,
		        updated_at = now()`,
		s.profile, d,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

// Clear deletes the profile row. Deleting an absent row is a no-op.
func (s *PostgresStore) Clear(ctx context.Context) error {
	table := pgIdent(s.schema, "session_state")

	if _, err := s.pool.Exec(ctx,
		`DELETE FROM `+table+` WHERE profile = $1`,
		s.profile,
	); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
