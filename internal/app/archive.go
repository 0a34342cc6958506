package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/archsoong/classp-server/internal/domain"
)

// Archive is the durable mirror behind the in-memory state. The in-memory
// classroom state is the source of truth for a running session; archive writes
// are best-effort and their failures are logged, never surfaced to callers.
type Archive interface {
	SaveTeacher(ctx context.Context, t domain.Teacher) error
	SaveClass(ctx context.Context, c domain.Class) error
	SaveQuestion(ctx context.Context, q domain.Question) error
	SaveResponses(ctx context.Context, questionID string, rs []domain.Response) error
}

type mirrorOp func(ctx context.Context, a Archive) error

// Mirror decouples state mutations from archive writes: mutating operations
// enqueue a write and return without waiting on storage. A full queue drops
// the write rather than block the per-class critical section.
type Mirror struct {
	archive Archive
	ops     chan mirrorOp
}

func NewMirror(archive Archive) *Mirror {
	return &Mirror{
		archive: archive,
		ops:     make(chan mirrorOp, 1024),
	}
}

// Run drains the write queue until ctx is canceled. Intended to run under the
// same errgroup as the HTTP server.
func (m *Mirror) Run(ctx context.Context) error {
	if m == nil || m.archive == nil {
		<-ctx.Done()
		return nil
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case op := <-m.ops:
			if err := op(ctx, m.archive); err != nil && ctx.Err() == nil {
				log.Warn().Err(err).Msg("archive write failed")
			}
		}
	}
}

func (m *Mirror) enqueue(op mirrorOp) {
	if m == nil || m.archive == nil {
		return
	}
	select {
	case m.ops <- op:
	default:
		log.Warn().Msg("archive queue full, dropping write")
	}
}

func (m *Mirror) Teacher(t domain.Teacher) {
	m.enqueue(func(ctx context.Context, a Archive) error { return a.SaveTeacher(ctx, t) })
}

func (m *Mirror) Class(c domain.Class) {
	m.enqueue(func(ctx context.Context, a Archive) error { return a.SaveClass(ctx, c) })
}

func (m *Mirror) Question(q domain.Question) {
	m.enqueue(func(ctx context.Context, a Archive) error { return a.SaveQuestion(ctx, q) })
}

func (m *Mirror) Responses(questionID string, rs []domain.Response) {
	m.enqueue(func(ctx context.Context, a Archive) error { return a.SaveResponses(ctx, questionID, rs) })
}
