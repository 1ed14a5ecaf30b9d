package nonce

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// PostgresStore persists nonce records in the token_nonces table. The
// consume path relies on a conditional UPDATE so concurrent agents racing to
// spend the same token resolve inside the database, not in application code.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	query := `
		INSERT INTO token_nonces (nonce, req_id, expires_ts, used, revoked)
		VALUES ($1, $2, $3, false, false)
	`
	if _, err := s.db.ExecContext(ctx, query, rec.Nonce, rec.ReqID, rec.ExpiresTS.UTC()); err != nil {
		return fmt.Errorf("save nonce: %w", err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, nonce string) (Record, error) {
	query := `
		SELECT nonce, req_id, expires_ts, used, COALESCE(used_ts, 'epoch'::timestamptz), revoked
		FROM token_nonces WHERE nonce = $1
	`
	var rec Record
	err := s.db.QueryRowContext(ctx, query, nonce).Scan(
		&rec.Nonce, &rec.ReqID, &rec.ExpiresTS, &rec.Used, &rec.UsedTS, &rec.Revoked,
	)
	if err == sql.ErrNoRows {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("find nonce: %w", err)
	}
	return rec, nil
}

// MarkUsed performs the atomic compare-and-set: the UPDATE only matches a
// live record, so of N concurrent callers exactly one sees RowsAffected=1.
func (s *PostgresStore) MarkUsed(ctx context.Context, nonce string, now time.Time) error {
	query := `
		UPDATE token_nonces SET used = true, used_ts = $2
		WHERE nonce = $1 AND used = false AND revoked = false
	`
	res, err := s.db.ExecContext(ctx, query, nonce, now.UTC())
	if err != nil {
		return fmt.Errorf("mark nonce used: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark nonce used: %w", err)
	}
	if affected == 1 {
		return nil
	}

	// Lost the race or the nonce never existed; look once to tell which.
	if _, err := s.Find(ctx, nonce); err != nil {
		return err
	}
	return ErrConsumed
}

func (s *PostgresStore) Revoke(ctx context.Context, nonce string) error {
	query := `
		UPDATE token_nonces SET revoked = true
		WHERE nonce = $1 AND used = false AND revoked = false
	`
	res, err := s.db.ExecContext(ctx, query, nonce)
	if err != nil {
		return fmt.Errorf("revoke nonce: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("revoke nonce: %w", err)
	}
	if affected == 1 {
		return nil
	}
	if _, err := s.Find(ctx, nonce); err != nil {
		return err
	}
	return ErrConsumed
}

func (s *PostgresStore) CleanupExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM token_nonces WHERE expires_ts < $1`, now.UTC())
	if err != nil {
		return 0, fmt.Errorf("cleanup expired nonces: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("cleanup expired nonces: %w", err)
	}
	return int(affected), nil
}

func (s *PostgresStore) Stats(ctx context.Context, now time.Time) (Stats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE NOT used AND NOT revoked AND expires_ts >= $1),
			COUNT(*) FILTER (WHERE used AND NOT revoked),
			COUNT(*) FILTER (WHERE revoked),
			COUNT(*) FILTER (WHERE NOT used AND NOT revoked AND expires_ts < $1)
		FROM token_nonces
	`
	var stats Stats
	err := s.db.QueryRowContext(ctx, query, now.UTC()).Scan(
		&stats.Total, &stats.Active, &stats.Used, &stats.Revoked, &stats.Expired,
	)
	if err != nil {
		return Stats{}, fmt.Errorf("nonce stats: %w", err)
	}
	return stats, nil
}
