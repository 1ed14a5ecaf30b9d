package request

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	dErrors "breakglass/pkg/domain-errors"
)

// PostgresStore backs the request workflow with credential_requests.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Create(ctx context.Context, req CredentialRequest) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credential_requests
			(req_id, requester, vault, path, reason, status, approver, detail, created_ts, updated_ts, expires_ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, req.ReqID, req.Requester, req.Vault, req.Path, req.Reason, string(req.Status),
		req.Approver, req.Detail, req.CreatedTS, req.UpdatedTS, req.ExpiresTS)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return dErrors.New(dErrors.CodeConflict, "credential request already exists")
		}
		return fmt.Errorf("create credential request: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, reqID string) (*CredentialRequest, error) {
	var (
		req    CredentialRequest
		status string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT req_id, requester, vault, path, reason, status, approver, detail, created_ts, updated_ts, expires_ts
		FROM credential_requests WHERE req_id = $1
	`, reqID).Scan(&req.ReqID, &req.Requester, &req.Vault, &req.Path, &req.Reason,
		&status, &req.Approver, &req.Detail, &req.CreatedTS, &req.UpdatedTS, &req.ExpiresTS)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get credential request: %w", err)
	}
	req.Status = Status(status)
	return &req, nil
}

func (s *PostgresStore) ListPending(ctx context.Context) ([]CredentialRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT req_id, requester, vault, path, reason, status, approver, detail, created_ts, updated_ts, expires_ts
		FROM credential_requests WHERE status = $1 ORDER BY created_ts
	`, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("list pending requests: %w", err)
	}
	defer rows.Close()

	var out []CredentialRequest
	for rows.Next() {
		var (
			req    CredentialRequest
			status string
		)
		if err := rows.Scan(&req.ReqID, &req.Requester, &req.Vault, &req.Path, &req.Reason,
			&status, &req.Approver, &req.Detail, &req.CreatedTS, &req.UpdatedTS, &req.ExpiresTS); err != nil {
			return nil, fmt.Errorf("scan credential request: %w", err)
		}
		req.Status = Status(status)
		out = append(out, req)
	}
	return out, rows.Err()
}

// Transition is a conditional update; the WHERE status clause is the CAS
// that keeps two racing approvals from both succeeding.
func (s *PostgresStore) Transition(ctx context.Context, reqID string, from, to Status, approver, detail string, now time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credential_requests
		SET status = $3,
		    approver = CASE WHEN $4 <> '' THEN $4 ELSE approver END,
		    detail = CASE WHEN $5 <> '' THEN $5 ELSE detail END,
		    updated_ts = $6
		WHERE req_id = $1 AND status = $2
	`, reqID, string(from), string(to), approver, detail, now)
	if err != nil {
		return fmt.Errorf("transition credential request: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("transition credential request: %w", err)
	}
	if affected == 0 {
		if _, err := s.Get(ctx, reqID); err != nil {
			return err
		}
		return ErrWrongState
	}
	return nil
}

func (s *PostgresStore) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credential_requests
		SET status = $1, updated_ts = $2
		WHERE status = $3 AND expires_ts < $2
	`, string(StatusExpired), now, string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("expire overdue requests: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("expire overdue requests: %w", err)
	}
	return int(affected), nil
}
