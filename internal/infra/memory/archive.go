package memory

import (
	"context"
	"sync"

	"github.com/archsoong/classp-server/internal/domain"
)

// Archive is an in-memory implementation of app.Archive, useful for tests and
// for running without Postgres. It doubles as an app.HistoryReader.
type Archive struct {
	mu        sync.RWMutex
	teachers  map[string]domain.Teacher
	classes   map[string]domain.Class
	questions map[string]domain.Question
	responses map[string][]domain.Response
}

func NewArchive() *Archive {
	return &Archive{
		teachers:  make(map[string]domain.Teacher),
		classes:   make(map[string]domain.Class),
		questions: make(map[string]domain.Question),
		responses: make(map[string][]domain.Response),
	}
}

func (a *Archive) SaveTeacher(_ context.Context, t domain.Teacher) error {
	a.mu.Lock()
	a.teachers[t.ID] = t
	a.mu.Unlock()
	return nil
}

func (a *Archive) SaveClass(_ context.Context, c domain.Class) error {
	a.mu.Lock()
	a.classes[c.ID] = c
	a.mu.Unlock()
	return nil
}

func (a *Archive) SaveQuestion(_ context.Context, q domain.Question) error {
	a.mu.Lock()
	a.questions[q.ID] = q
	a.mu.Unlock()
	return nil
}

func (a *Archive) SaveResponses(_ context.Context, questionID string, rs []domain.Response) error {
	a.mu.Lock()
	a.responses[questionID] = append([]domain.Response(nil), rs...)
	a.mu.Unlock()
	return nil
}

func (a *Archive) LoadResponses(_ context.Context, questionID string) ([]domain.Response, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	rs, ok := a.responses[questionID]
	if !ok {
		return nil, domain.ErrQuestionNotFound
	}
	return append([]domain.Response(nil), rs...), nil
}

// Class returns an archived class record, primarily for tests asserting the
// mirror caught up.
func (a *Archive) Class(classID string) (domain.Class, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	c, ok := a.classes[classID]
	return c, ok
}

// Question returns an archived question record.
func (a *Archive) Question(questionID string) (domain.Question, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	q, ok := a.questions[questionID]
	return q, ok
}
