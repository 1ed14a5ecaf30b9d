package approval

import (
	"context"
	"database/sql"
	"fmt"
	"sync"

	"github.com/lib/pq"

	dErrors "breakglass/pkg/domain-errors"
)

// ErrNotFound is returned when no approval exists for a request.
var ErrNotFound = dErrors.New(dErrors.CodeNotFound, "approval not found")

// Store persists verified approval records so the broker can answer "who
// signed off on this request" after the fact.
type Store interface {
	Save(ctx context.Context, rec Record) error
	Get(ctx context.Context, reqID, approver string) (*Record, error)
	ListByRequest(ctx context.Context, reqID string) ([]Record, error)
}

// MemoryStore is the in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string][]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string][]Record{}}
}

func (s *MemoryStore) Save(ctx context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.records[rec.ReqID] {
		if existing.Approver == rec.Approver {
			return dErrors.New(dErrors.CodeConflict, "approval already recorded")
		}
	}
	s.records[rec.ReqID] = append(s.records[rec.ReqID], rec)
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, reqID, approver string) (*Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range s.records[reqID] {
		if rec.Approver == approver {
			out := rec
			return &out, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) ListByRequest(ctx context.Context, reqID string) ([]Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records[reqID]))
	copy(out, s.records[reqID])
	return out, nil
}

// PostgresStore backs approvals with credential_approvals.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Save(ctx context.Context, rec Record) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credential_approvals (req_id, approver, approved_ts, ttl_seconds, signature)
		VALUES ($1, $2, $3, $4, $5)
	`, rec.ReqID, rec.Approver, rec.ApprovedTS, rec.TTLSeconds, rec.Signature)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code.Name() == "unique_violation" {
			return dErrors.New(dErrors.CodeConflict, "approval already recorded")
		}
		return fmt.Errorf("save approval: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, reqID, approver string) (*Record, error) {
	var rec Record
	err := s.db.QueryRowContext(ctx, `
		SELECT req_id, approver, approved_ts, ttl_seconds, signature
		FROM credential_approvals WHERE req_id = $1 AND approver = $2
	`, reqID, approver).Scan(&rec.ReqID, &rec.Approver, &rec.ApprovedTS, &rec.TTLSeconds, &rec.Signature)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get approval: %w", err)
	}
	return &rec, nil
}

func (s *PostgresStore) ListByRequest(ctx context.Context, reqID string) ([]Record, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT req_id, approver, approved_ts, ttl_seconds, signature
		FROM credential_approvals WHERE req_id = $1 ORDER BY created_ts
	`, reqID)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ReqID, &rec.Approver, &rec.ApprovedTS, &rec.TTLSeconds, &rec.Signature); err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
