package app

import (
	"context"
	"crypto/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/archsoong/classp-server/internal/domain"
)

// codeAlphabet avoids characters students confuse when typing a join code.
const codeAlphabet = "ABCDEFGHJKMNPQRSTUVWXYZ23456789"

const codeAllocAttempts = 10

// HistoryReader loads archived responses for questions whose classroom has
// been evicted from memory (deleted or restarted).
type HistoryReader interface {
	LoadResponses(ctx context.Context, questionID string) ([]domain.Response, error)
}

// Options tune classroom policy knobs that the design leaves configurable.
type Options struct {
	CodeLength int
	// EndOnTeacherDisconnect ends an active class when its teacher stays
	// disconnected past the grace period. Off by default: the class stays
	// active until the teacher ends it explicitly.
	EndOnTeacherDisconnect bool
	TeacherDisconnectGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.CodeLength == 0 {
		o.CodeLength = 6
	}
	if o.TeacherDisconnectGrace == 0 {
		o.TeacherDisconnectGrace = 2 * time.Minute
	}
	return o
}

// ClassroomService owns the set of live classrooms and routes every operation
// to the right per-class actor. Its own lock guards only the lookup maps;
// class state is mutated under each classroom's lock.
type ClassroomService struct {
	mirror  *Mirror
	history HistoryReader
	opts    Options
	now     func() time.Time
	sf      singleflight.Group

	mu        sync.RWMutex
	classes   map[string]*Classroom
	codes     map[string]string // join code -> class ID
	questions map[string]string // question ID -> class ID
}

func NewClassroomService(mirror *Mirror, history HistoryReader, opts Options) *ClassroomService {
	return &ClassroomService{
		mirror:    mirror,
		history:   history,
		opts:      opts.withDefaults(),
		now:       time.Now,
		classes:   make(map[string]*Classroom),
		codes:     make(map[string]string),
		questions: make(map[string]string),
	}
}

// CreateClass allocates a fresh class in preparing state with a unique join
// code among non-ended classes.
func (s *ClassroomService) CreateClass(teacherID, name string) (domain.Class, error) {
	name = strings.TrimSpace(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	code, err := s.allocateCodeLocked()
	if err != nil {
		return domain.Class{}, err
	}

	class := domain.Class{
		ID:        uuid.NewString(),
		TeacherID: teacherID,
		Name:      name,
		Code:      code,
		Status:    domain.ClassPreparing,
		CreatedAt: s.now(),
	}
	room := newClassroom(class, s.mirror, s.now)
	s.classes[class.ID] = room
	s.codes[code] = class.ID

	s.mirror.Class(class)
	return class, nil
}

// allocateCodeLocked draws random codes until one is free among non-ended
// classes. Codes held by ended classes may be reused.
func (s *ClassroomService) allocateCodeLocked() (string, error) {
	for attempt := 0; attempt < codeAllocAttempts; attempt++ {
		code, err := randomCode(s.opts.CodeLength)
		if err != nil {
			return "", err
		}
		holder, taken := s.codes[code]
		if !taken {
			return code, nil
		}
		if room, ok := s.classes[holder]; ok && room.Class().Status != domain.ClassEnded {
			continue
		}
		return code, nil
	}
	return "", domain.ErrCodeSpaceExhausted
}

func randomCode(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = codeAlphabet[int(b)%len(codeAlphabet)]
	}
	return string(out), nil
}

func (s *ClassroomService) room(classID string) (*Classroom, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.classes[classID]
	if !ok {
		return nil, domain.ErrClassNotFound
	}
	return room, nil
}

func (s *ClassroomService) ownedRoom(teacherID, classID string) (*Classroom, error) {
	room, err := s.room(classID)
	if err != nil {
		return nil, err
	}
	if room.teacherID() != teacherID {
		return nil, domain.ErrForbidden
	}
	return room, nil
}

func (s *ClassroomService) roomByQuestion(questionID string) (*Classroom, error) {
	s.mu.RLock()
	classID, ok := s.questions[questionID]
	room := s.classes[classID]
	s.mu.RUnlock()
	if !ok || room == nil {
		return nil, domain.ErrQuestionNotFound
	}
	return room, nil
}

// SetStatus drives the class lifecycle on behalf of its owner.
func (s *ClassroomService) SetStatus(teacherID, classID string, target domain.ClassStatus) (domain.Class, error) {
	room, err := s.ownedRoom(teacherID, classID)
	if err != nil {
		return domain.Class{}, err
	}
	return room.SetStatus(target)
}

// DeleteClass removes a class that is preparing or ended, along with its
// question index entries.
func (s *ClassroomService) DeleteClass(teacherID, classID string) error {
	room, err := s.ownedRoom(teacherID, classID)
	if err != nil {
		return err
	}
	class := room.Class()
	if class.Status == domain.ClassActive {
		return domain.ErrClassNotDeletable
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.classes, classID)
	if s.codes[class.Code] == classID {
		delete(s.codes, class.Code)
	}
	for qid, cid := range s.questions {
		if cid == classID {
			delete(s.questions, qid)
		}
	}
	return nil
}

// JoinClass resolves a join code and registers the student as a participant.
func (s *ClassroomService) JoinClass(code, studentName, studentID string) (domain.Participant, domain.Class, error) {
	studentID = strings.TrimSpace(studentID)
	studentName = strings.TrimSpace(studentName)
	if studentID == "" || studentName == "" {
		return domain.Participant{}, domain.Class{}, domain.ErrNotAParticipant
	}

	s.mu.RLock()
	classID, ok := s.codes[strings.ToUpper(strings.TrimSpace(code))]
	room := s.classes[classID]
	s.mu.RUnlock()
	if !ok || room == nil {
		return domain.Participant{}, domain.Class{}, domain.ErrClassNotFound
	}

	p, err := room.Join(studentID, studentName)
	if err != nil {
		return domain.Participant{}, domain.Class{}, err
	}
	return p, room.Class(), nil
}

// RejoinClass refreshes a participant's connection state when their socket
// joins the class room directly by class ID (reconnect path).
func (s *ClassroomService) RejoinClass(classID, studentID, displayName string) (domain.Participant, error) {
	room, err := s.room(classID)
	if err != nil {
		return domain.Participant{}, err
	}
	return room.Join(studentID, displayName)
}

// ListByTeacher returns the teacher's classes ordered by creation time
// descending.
func (s *ClassroomService) ListByTeacher(teacherID string) []domain.Class {
	s.mu.RLock()
	rooms := make([]*Classroom, 0, len(s.classes))
	for _, room := range s.classes {
		rooms = append(rooms, room)
	}
	s.mu.RUnlock()

	out := make([]domain.Class, 0, len(rooms))
	for _, room := range rooms {
		class := room.Class()
		if class.TeacherID == teacherID {
			out = append(out, class)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Snapshot returns the full-state view for a class ID.
func (s *ClassroomService) Snapshot(classID string) (domain.ClassSnapshot, error) {
	room, err := s.room(classID)
	if err != nil {
		return domain.ClassSnapshot{}, err
	}
	return room.Snapshot(), nil
}

// SnapshotByCode serves the public join-page poll.
func (s *ClassroomService) SnapshotByCode(code string) (domain.ClassSnapshot, error) {
	s.mu.RLock()
	classID, ok := s.codes[strings.ToUpper(strings.TrimSpace(code))]
	room := s.classes[classID]
	s.mu.RUnlock()
	if !ok || room == nil {
		return domain.ClassSnapshot{}, domain.ErrClassNotFound
	}
	return room.Snapshot(), nil
}

// Roster returns the participant list for the owning teacher.
func (s *ClassroomService) Roster(teacherID, classID string) ([]domain.Participant, error) {
	room, err := s.ownedRoom(teacherID, classID)
	if err != nil {
		return nil, err
	}
	return room.Participants(), nil
}

// EnqueueQuestion appends a draft to the class queue.
func (s *ClassroomService) EnqueueQuestion(teacherID, classID string, draft domain.Question) (domain.Question, error) {
	room, err := s.ownedRoom(teacherID, classID)
	if err != nil {
		return domain.Question{}, err
	}
	draft.ID = uuid.NewString()
	q, err := room.Enqueue(draft)
	if err != nil {
		return domain.Question{}, err
	}

	s.mu.Lock()
	s.questions[q.ID] = classID
	s.mu.Unlock()
	return q, nil
}

// ReorderQuestion re-splices the draft queue.
func (s *ClassroomService) ReorderQuestion(teacherID, classID, questionID string, newPosition int) ([]domain.Question, error) {
	room, err := s.ownedRoom(teacherID, classID)
	if err != nil {
		return nil, err
	}
	return room.Reorder(questionID, newPosition)
}

// PublishQuestion makes a draft live. The question resolves to its owning
// class; ownership is checked against the caller.
func (s *ClassroomService) PublishQuestion(teacherID, questionID string) (domain.Question, error) {
	room, err := s.roomByQuestion(questionID)
	if err != nil {
		return domain.Question{}, err
	}
	if room.teacherID() != teacherID {
		return domain.Question{}, domain.ErrForbidden
	}
	return room.Publish(questionID)
}

// EndQuestion ends the live question addressed by ID. Ending a question that
// already ended reports no live question, which makes the teacher/timer race
// resolve to exactly one transition.
func (s *ClassroomService) EndQuestion(teacherID, questionID string) (domain.Question, domain.Tally, error) {
	room, err := s.roomByQuestion(questionID)
	if err != nil {
		return domain.Question{}, domain.Tally{}, err
	}
	if room.teacherID() != teacherID {
		return domain.Question{}, domain.Tally{}, domain.ErrForbidden
	}
	return room.EndQuestion(questionID)
}

// EndLiveQuestion ends whatever question is live in the class, used by the
// realtime channel where the class is the addressable unit.
func (s *ClassroomService) EndLiveQuestion(teacherID, classID string) (domain.Question, domain.Tally, error) {
	room, err := s.ownedRoom(teacherID, classID)
	if err != nil {
		return domain.Question{}, domain.Tally{}, err
	}
	return room.EndLiveQuestion()
}

// SubmitAnswer records a student's answer to the live question.
func (s *ClassroomService) SubmitAnswer(studentID, questionID, answer string) (domain.Response, domain.Tally, error) {
	room, err := s.roomByQuestion(questionID)
	if err != nil {
		return domain.Response{}, domain.Tally{}, err
	}
	return room.Submit(questionID, studentID, answer)
}

// QuestionsOf lists all questions of a class for its owner.
func (s *ClassroomService) QuestionsOf(teacherID, classID string) ([]domain.Question, error) {
	room, err := s.ownedRoom(teacherID, classID)
	if err != nil {
		return nil, err
	}
	return room.Questions(), nil
}

// Tally returns the current aggregation for a question.
func (s *ClassroomService) Tally(questionID string) (domain.Tally, error) {
	room, err := s.roomByQuestion(questionID)
	if err != nil {
		return domain.Tally{}, err
	}
	return room.Tally(questionID)
}

// ResponsesFor exports the raw response list. Questions still resident in
// memory are served from the classroom; otherwise the archive is consulted,
// with concurrent loads for the same question collapsed.
func (s *ClassroomService) ResponsesFor(ctx context.Context, teacherID, questionID string) ([]domain.Response, error) {
	room, err := s.roomByQuestion(questionID)
	if err == nil {
		if room.teacherID() != teacherID {
			return nil, domain.ErrForbidden
		}
		return room.Responses(questionID)
	}
	if s.history == nil {
		return nil, domain.ErrQuestionNotFound
	}

	result, err, _ := s.sf.Do(questionID, func() (interface{}, error) {
		return s.history.LoadResponses(ctx, questionID)
	})
	if err != nil {
		return nil, err
	}
	return result.([]domain.Response), nil
}

// Subscribe attaches a listener to a class's event stream.
func (s *ClassroomService) Subscribe(classID string) (<-chan domain.Event, func(), error) {
	room, err := s.room(classID)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := room.Subscribe()
	return ch, cancel, nil
}

// IsOwner reports whether the teacher owns the class.
func (s *ClassroomService) IsOwner(teacherID, classID string) bool {
	room, err := s.room(classID)
	return err == nil && room.teacherID() == teacherID
}

// TeacherDisconnected applies the configured disconnect policy.
func (s *ClassroomService) TeacherDisconnected(classID string) {
	if !s.opts.EndOnTeacherDisconnect {
		return
	}
	room, err := s.room(classID)
	if err != nil {
		return
	}
	room.scheduleTeacherEnd(s.opts.TeacherDisconnectGrace)
}

// TeacherConnected cancels any pending disconnect auto-end.
func (s *ClassroomService) TeacherConnected(classID string) {
	room, err := s.room(classID)
	if err != nil {
		return
	}
	room.cancelTeacherEnd()
}

// StudentDisconnected marks the participant offline and notifies the room.
func (s *ClassroomService) StudentDisconnected(classID, studentID string) {
	room, err := s.room(classID)
	if err != nil {
		return
	}
	room.MarkDisconnected(studentID)
}
