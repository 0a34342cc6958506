package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v4/pgxpool"

	"github.com/archsoong/classp-server/internal/domain"
)

// HistoryReader serves archived response exports for questions no longer
// resident in memory.
type HistoryReader struct {
	pool *pgxpool.Pool
}

func NewHistoryReader(pool *pgxpool.Pool) *HistoryReader {
	return &HistoryReader{pool: pool}
}

func (h *HistoryReader) LoadResponses(ctx context.Context, questionID string) ([]domain.Response, error) {
	rows, err := h.pool.Query(ctx,
		`SELECT data FROM responses WHERE question_id=$1 ORDER BY data->>'submittedAt'`, questionID)
	if err != nil {
		return nil, fmt.Errorf("load responses: %w", err)
	}
	defer rows.Close()

	var out []domain.Response
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan response: %w", err)
		}
		var r domain.Response
		if err := json.Unmarshal(raw, &r); err != nil {
			return nil, fmt.Errorf("unmarshal response: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, domain.ErrQuestionNotFound
	}
	return out, nil
}
