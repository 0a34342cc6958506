package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/uptrace/bun"

	"github.com/archsoong/classp-server/internal/domain"
)

// Archive mirrors classroom state into Postgres as jsonb rows. Writes are
// idempotent upserts so the mirror worker can replay freely.
type Archive struct {
	db *bun.DB
}

func NewArchive(db *bun.DB) *Archive {
	return &Archive{db: db}
}

func (a *Archive) SaveTeacher(ctx context.Context, t domain.Teacher) error {
	return a.upsert(ctx, "teachers", t.ID, t)
}

func (a *Archive) SaveClass(ctx context.Context, c domain.Class) error {
	return a.upsert(ctx, "classes", c.ID, c)
}

func (a *Archive) SaveQuestion(ctx context.Context, q domain.Question) error {
	data, err := json.Marshal(q)
	if err != nil {
		return fmt.Errorf("marshal question: %w", err)
	}
	_, err = a.db.ExecContext(ctx,
		`INSERT INTO questions (id, class_id, data) VALUES (?, ?, ?::jsonb)
		 ON CONFLICT (id) DO UPDATE SET class_id=EXCLUDED.class_id, data=EXCLUDED.data`,
		q.ID, q.ClassID, string(data))
	return err
}

func (a *Archive) SaveResponses(ctx context.Context, questionID string, rs []domain.Response) error {
	return a.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM responses WHERE question_id = ?`, questionID); err != nil {
			return err
		}
		for _, r := range rs {
			data, err := json.Marshal(r)
			if err != nil {
				return fmt.Errorf("marshal response: %w", err)
			}
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO responses (question_id, student_id, data) VALUES (?, ?, ?::jsonb)`,
				r.QuestionID, r.StudentID, string(data)); err != nil {
				return err
			}
		}
		return nil
	})
}

func (a *Archive) upsert(ctx context.Context, table, id string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", table, err)
	}
	_, err = a.db.ExecContext(ctx,
		fmt.Sprintf(`INSERT INTO %s (id, data) VALUES (?, ?::jsonb) ON CONFLICT (id) DO UPDATE SET data=EXCLUDED.data`, table),
		id, string(data))
	return err
}
