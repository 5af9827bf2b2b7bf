package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/natea/claimflow/pkg/models"
)

// schema is applied idempotently at startup. The claimant is stored in
// its compact encoded form ("agent:<id>:<type>" / "human:<id>:<name>").
const schema = `
CREATE TABLE IF NOT EXISTS claims (
	id          TEXT PRIMARY KEY,
	issue_id    TEXT NOT NULL UNIQUE,
	source      TEXT NOT NULL,
	source_ref  TEXT NOT NULL DEFAULT '',
	title       TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	status      TEXT NOT NULL,
	claimant    TEXT,
	progress    INT  NOT NULL DEFAULT 0,
	context     TEXT NOT NULL DEFAULT '',
	metadata    JSONB,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS claims_status_idx ON claims (status);
`

const claimColumns = `id, issue_id, source, source_ref, title, description, status, claimant, progress, context, metadata, created_at, updated_at`

// PostgresStore is a pgx-backed ClaimsStorage. Change events are emitted
// to local subscribers after each successful mutation; a single dashboard
// instance owns the store, so local fan-out is sufficient.
type PostgresStore struct {
	pool *pgxpool.Pool

	mu     sync.RWMutex
	subs   map[int]func(ChangeEvent)
	nextID int
}

var _ ClaimsStorage = (*PostgresStore)(nil)

// NewPostgresStore connects to the database, retrying with exponential
// backoff (the database may still be starting), and applies the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := backoff.Retry(ctx, func() (*pgxpool.Pool, error) {
		p, err := pgxpool.New(ctx, databaseURL)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		if err := p.Ping(ctx); err != nil {
			p.Close()
			return nil, err
		}
		return p, nil
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxElapsedTime(30*time.Second))
	if err != nil {
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("applying schema: %w", err)
	}

	return &PostgresStore{pool: pool, subs: make(map[int]func(ChangeEvent))}, nil
}

// Close releases the connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Health pings the database.
func (s *PostgresStore) Health(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

type claimRow struct {
	ID          string
	IssueID     string
	Source      string
	SourceRef   string
	Title       string
	Description string
	Status      string
	Claimant    *string
	Progress    int
	Context     string
	Metadata    []byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

func scanClaimRow(row pgx.Row) (*models.Claim, error) {
	var r claimRow
	err := row.Scan(
		&r.ID, &r.IssueID, &r.Source, &r.SourceRef, &r.Title, &r.Description,
		&r.Status, &r.Claimant, &r.Progress, &r.Context, &r.Metadata, &r.CreatedAt, &r.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return r.toClaim()
}

func (r *claimRow) toClaim() (*models.Claim, error) {
	c := &models.Claim{
		ID:          r.ID,
		IssueID:     r.IssueID,
		Source:      models.ClaimSource(r.Source),
		SourceRef:   r.SourceRef,
		Title:       r.Title,
		Description: r.Description,
		Status:      models.ClaimStatus(r.Status),
		Progress:    r.Progress,
		Context:     r.Context,
		CreatedAt:   r.CreatedAt,
		UpdatedAt:   r.UpdatedAt,
	}
	if r.Claimant != nil && *r.Claimant != "" {
		claimant, err := models.ParseClaimant(*r.Claimant)
		if err != nil {
			return nil, fmt.Errorf("decoding claimant for %s: %w", r.IssueID, err)
		}
		c.Claimant = claimant
	}
	if len(r.Metadata) > 0 {
		if err := json.Unmarshal(r.Metadata, &c.Metadata); err != nil {
			return nil, fmt.Errorf("decoding metadata for %s: %w", r.IssueID, err)
		}
	}
	return c, nil
}

func encodeClaimant(c *models.Claimant) *string {
	if c == nil {
		return nil
	}
	s := c.Encode()
	return &s
}

func encodeMetadata(m map[string]string) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// GetClaim fetches a claim by its opaque id.
func (s *PostgresStore) GetClaim(ctx context.Context, id string) (*models.Claim, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE id = $1`, id)
	c, err := scanClaimRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// GetClaimByIssueID fetches a claim by its external-facing key.
func (s *PostgresStore) GetClaimByIssueID(ctx context.Context, issueID string) (*models.Claim, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE issue_id = $1`, issueID)
	c, err := scanClaimRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// ListClaims returns claims matching the filter, oldest first.
// Status/source filtering happens in SQL; claimant-type filtering is
// applied on the decoded rows (the claimant is an encoded text column).
func (s *PostgresStore) ListClaims(ctx context.Context, filter models.ClaimFilter) ([]*models.Claim, error) {
	q := `SELECT ` + claimColumns + ` FROM claims`
	args := []any{}
	where := ""
	if len(filter.Statuses) > 0 {
		statuses := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, statuses)
		where = ` WHERE status = ANY($1)`
	}
	if filter.Source != "" {
		args = append(args, string(filter.Source))
		if where == "" {
			where = fmt.Sprintf(` WHERE source = $%d`, len(args))
		} else {
			where += fmt.Sprintf(` AND source = $%d`, len(args))
		}
	}
	q += where + ` ORDER BY created_at ASC`

	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("listing claims: %w", err)
	}
	defer rows.Close()

	var out []*models.Claim
	for rows.Next() {
		var r claimRow
		if err := rows.Scan(
			&r.ID, &r.IssueID, &r.Source, &r.SourceRef, &r.Title, &r.Description,
			&r.Status, &r.Claimant, &r.Progress, &r.Context, &r.Metadata, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning claim row: %w", err)
		}
		c, err := r.toClaim()
		if err != nil {
			return nil, err
		}
		if filter.ClaimantType != "" {
			if c.Claimant == nil || c.Claimant.Type != filter.ClaimantType {
				continue
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// CreateClaim inserts a new claim, minting the id and timestamps.
func (s *PostgresStore) CreateClaim(ctx context.Context, claim *models.Claim) (*models.Claim, error) {
	c := claim.Clone()
	if c.IssueID == "" {
		c.IssueID = "claim-" + uuid.NewString()[:8]
	}
	if c.Status == "" {
		c.Status = models.StatusBacklog
	}
	if c.Source == "" {
		c.Source = models.SourceManual
	}
	c.Progress = models.ClampProgress(c.Progress)
	if c.Status == models.StatusActive && c.Claimant == nil {
		return nil, ErrInvalidClaim
	}
	now := time.Now()
	c.ID = uuid.NewString()
	c.CreatedAt = now
	c.UpdatedAt = now

	meta, err := encodeMetadata(c.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO claims (`+claimColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)`,
		c.ID, c.IssueID, string(c.Source), c.SourceRef, c.Title, c.Description,
		string(c.Status), encodeClaimant(c.Claimant), c.Progress, c.Context, meta, c.CreatedAt, c.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("inserting claim: %w", err)
	}

	s.notify(ChangeEvent{Type: ChangeCreated, Claim: c.Clone()})
	return c, nil
}

// UpdateClaim applies a partial update by issueId inside a transaction
// (read, apply, write). Returns nil, nil when the claim does not exist.
func (s *PostgresStore) UpdateClaim(ctx context.Context, issueID string, update models.ClaimUpdate) (*models.Claim, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning update transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+claimColumns+` FROM claims WHERE issue_id = $1 FOR UPDATE`, issueID)
	c, err := scanClaimRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	changes, err := applyUpdate(c, update)
	if err != nil {
		return nil, err
	}
	if len(changes) == 0 {
		return c, nil
	}
	c.UpdatedAt = time.Now()

	meta, err := encodeMetadata(c.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encoding metadata: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE claims SET title=$1, description=$2, status=$3, claimant=$4, progress=$5, context=$6, metadata=$7, updated_at=$8 WHERE issue_id=$9`,
		c.Title, c.Description, string(c.Status), encodeClaimant(c.Claimant), c.Progress, c.Context, meta, c.UpdatedAt, issueID,
	)
	if err != nil {
		return nil, fmt.Errorf("updating claim: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing update: %w", err)
	}

	s.notify(ChangeEvent{Type: ChangeUpdated, Claim: c.Clone(), Changes: changes})
	return c, nil
}

// DeleteClaim removes a claim by issueId.
func (s *PostgresStore) DeleteClaim(ctx context.Context, issueID string) (bool, error) {
	row := s.pool.QueryRow(ctx, `DELETE FROM claims WHERE issue_id = $1 RETURNING `+claimColumns, issueID)
	c, err := scanClaimRow(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("deleting claim: %w", err)
	}
	s.notify(ChangeEvent{Type: ChangeDeleted, Claim: c})
	return true, nil
}

// Subscribe registers a change callback.
func (s *PostgresStore) Subscribe(cb func(ChangeEvent)) Unsubscribe {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = cb
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.subs, id)
		s.mu.Unlock()
	}
}

func (s *PostgresStore) notify(ev ChangeEvent) {
	s.mu.RLock()
	cbs := make([]func(ChangeEvent), 0, len(s.subs))
	for _, cb := range s.subs {
		cbs = append(cbs, cb)
	}
	s.mu.RUnlock()

	for _, cb := range cbs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					slog.Error("Storage subscriber panicked", "panic", r)
				}
			}()
			cb(ev)
		}()
	}
}

// isUniqueViolation matches the Postgres unique_violation SQLSTATE (23505).
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}
