package app

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/archsoong/classp-server/internal/domain"
)

// Classroom is the in-memory actor for one class. Every mutating operation on
// the class (lifecycle, publish/end, answer submission) runs under its single
// mutex, so operations within one class never interleave while different
// classes proceed fully in parallel. The classroom state is authoritative;
// the archive mirror trails behind it.
type Classroom struct {
	mu     sync.Mutex
	now    func() time.Time
	mirror *Mirror

	class        domain.Class
	participants map[string]*domain.Participant
	queue        []*domain.Question
	live         *domain.Question
	history      []*domain.Question
	responses    map[string]map[string]*domain.Response

	seq         uint64
	subscribers map[chan domain.Event]struct{}

	questionTimer *time.Timer
	teacherTimer  *time.Timer
}

func newClassroom(class domain.Class, mirror *Mirror, now func() time.Time) *Classroom {
	return &Classroom{
		now:          now,
		mirror:       mirror,
		class:        class,
		participants: make(map[string]*domain.Participant),
		responses:    make(map[string]map[string]*domain.Response),
		subscribers:  make(map[chan domain.Event]struct{}),
	}
}

// Class returns a copy of the class record.
func (c *Classroom) Class() domain.Class {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.class
}

func (c *Classroom) teacherID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.class.TeacherID
}

// SetStatus drives the class lifecycle. Only preparing→active and
// active→ended are legal. Ending cascades: the live question (if any) is
// force-ended and all participants are marked disconnected.
func (c *Classroom) SetStatus(target domain.ClassStatus) (domain.Class, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case c.class.Status == domain.ClassPreparing && target == domain.ClassActive:
		c.class.Status = domain.ClassActive
	case c.class.Status == domain.ClassActive && target == domain.ClassEnded:
		c.endLocked()
	default:
		return domain.Class{}, domain.ErrInvalidTransition
	}

	c.mirror.Class(c.class)
	c.broadcastLocked(domain.EventClassUpdate, c.class)
	return c.class, nil
}

// endLocked performs the end-of-class cascade.
func (c *Classroom) endLocked() {
	if c.live != nil {
		c.endLiveLocked()
	}
	if c.questionTimer != nil {
		c.questionTimer.Stop()
		c.questionTimer = nil
	}
	if c.teacherTimer != nil {
		c.teacherTimer.Stop()
		c.teacherTimer = nil
	}
	for _, p := range c.participants {
		p.Connected = false
	}
	now := c.now()
	c.class.Status = domain.ClassEnded
	c.class.EndedAt = &now
}

// Join registers a student in an active class. Joining with a known
// (classID, studentID) succeeds idempotently and refreshes the connection
// state; membership history is retained for response attribution.
func (c *Classroom) Join(studentID, displayName string) (domain.Participant, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.class.Status != domain.ClassActive {
		return domain.Participant{}, domain.ErrClassNotActive
	}

	p, ok := c.participants[studentID]
	if ok {
		p.Connected = true
		if displayName != "" {
			p.DisplayName = displayName
		}
	} else {
		p = &domain.Participant{
			StudentID:   studentID,
			DisplayName: displayName,
			ClassID:     c.class.ID,
			JoinedAt:    c.now(),
			Connected:   true,
		}
		c.participants[studentID] = p
	}

	c.broadcastLocked(domain.EventStudentJoined, struct {
		Participant      domain.Participant `json:"participant"`
		ParticipantCount int                `json:"participantCount"`
	}{*p, len(c.participants)})
	return *p, nil
}

// MarkDisconnected flags a participant as offline without removing their
// membership record.
func (c *Classroom) MarkDisconnected(studentID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	p, ok := c.participants[studentID]
	if !ok || !p.Connected {
		return
	}
	p.Connected = false

	connected := 0
	for _, q := range c.participants {
		if q.Connected {
			connected++
		}
	}
	c.broadcastLocked(domain.EventStudentLeft, struct {
		StudentID        string `json:"studentId"`
		ParticipantCount int    `json:"participantCount"`
		ConnectedCount   int    `json:"connectedCount"`
	}{studentID, len(c.participants), connected})
}

// Participants returns the roster ordered by join time.
func (c *Classroom) Participants() []domain.Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.participantsLocked()
}

func (c *Classroom) participantsLocked() []domain.Participant {
	out := make([]domain.Participant, 0, len(c.participants))
	for _, p := range c.participants {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].JoinedAt.Equal(out[j].JoinedAt) {
			return out[i].JoinedAt.Before(out[j].JoinedAt)
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out
}

// Enqueue validates a draft and appends it to the class question queue.
func (c *Classroom) Enqueue(q domain.Question) (domain.Question, error) {
	if err := validateDraft(q); err != nil {
		return domain.Question{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	q.ClassID = c.class.ID
	q.Status = domain.QuestionDraft
	q.CreatedAt = c.now()
	q.QueueOrder = 1
	if n := len(c.queue); n > 0 {
		q.QueueOrder = c.queue[n-1].QueueOrder + 1
	}
	stored := q
	c.queue = append(c.queue, &stored)

	c.mirror.Question(stored)
	return stored, nil
}

func validateDraft(q domain.Question) error {
	if strings.TrimSpace(q.Text) == "" {
		return domain.ErrInvalidQuestion
	}
	switch q.Kind {
	case domain.MultipleChoice:
		if len(q.Options) < 2 || len(q.Options) > 6 {
			return domain.ErrInvalidQuestion
		}
		for _, opt := range q.Options {
			if strings.TrimSpace(opt) == "" {
				return domain.ErrInvalidQuestion
			}
		}
	case domain.ShortAnswer:
		if len(q.Options) != 0 {
			return domain.ErrInvalidQuestion
		}
	default:
		return domain.ErrInvalidQuestion
	}
	if q.TimeLimit < 0 {
		return domain.ErrInvalidQuestion
	}
	return nil
}

// Reorder moves a draft to newPosition (1-based) and renumbers the queue
// contiguously from 1.
func (c *Classroom) Reorder(questionID string, newPosition int) ([]domain.Question, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	idx := -1
	for i, q := range c.queue {
		if q.ID == questionID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return nil, domain.ErrQuestionNotFound
	}
	if newPosition < 1 {
		newPosition = 1
	}
	if newPosition > len(c.queue) {
		newPosition = len(c.queue)
	}

	moved := c.queue[idx]
	c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
	rest := append([]*domain.Question{}, c.queue[newPosition-1:]...)
	c.queue = append(c.queue[:newPosition-1], moved)
	c.queue = append(c.queue, rest...)

	out := make([]domain.Question, len(c.queue))
	for i, q := range c.queue {
		q.QueueOrder = i + 1
		out[i] = *q
		c.mirror.Question(*q)
	}
	return out, nil
}

// Publish moves a draft out of the queue and makes it the single live
// question. The per-class lock is the exclusive section that guarantees at
// most one published question per class.
func (c *Classroom) Publish(questionID string) (domain.Question, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.class.Status != domain.ClassActive {
		return domain.Question{}, domain.ErrClassNotActive
	}
	if c.live != nil {
		return domain.Question{}, domain.ErrQuestionAlreadyLive
	}

	idx := -1
	for i, q := range c.queue {
		if q.ID == questionID {
			idx = i
			break
		}
	}
	if idx == -1 {
		return domain.Question{}, domain.ErrQuestionNotFound
	}

	q := c.queue[idx]
	c.queue = append(c.queue[:idx], c.queue[idx+1:]...)
	for i, rest := range c.queue {
		rest.QueueOrder = i + 1
	}

	now := c.now()
	q.Status = domain.QuestionPublished
	q.PublishedAt = &now
	c.live = q
	c.responses[q.ID] = make(map[string]*domain.Response)

	if q.TimeLimit > 0 {
		id := q.ID
		c.questionTimer = time.AfterFunc(time.Duration(q.TimeLimit)*time.Second, func() {
			c.autoEnd(id)
		})
	}

	c.mirror.Question(*q)
	c.broadcastLocked(domain.EventQuestionPublished, *q)
	c.broadcastLocked(domain.EventResultsUpdated, c.tallyLocked(q))
	return *q, nil
}

// EndLiveQuestion retires the live question into history and freezes its
// responses.
func (c *Classroom) EndLiveQuestion() (domain.Question, domain.Tally, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live == nil {
		return domain.Question{}, domain.Tally{}, domain.ErrNoLiveQuestion
	}
	q, tally := c.endLiveLocked()
	return q, tally, nil
}

// EndQuestion ends the live question only if it is the one addressed. A
// second end on an already-ended question observes no live question.
func (c *Classroom) EndQuestion(questionID string) (domain.Question, domain.Tally, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live == nil || c.live.ID != questionID {
		return domain.Question{}, domain.Tally{}, domain.ErrNoLiveQuestion
	}
	q, tally := c.endLiveLocked()
	return q, tally, nil
}

// autoEnd is the time-limit expiry path. It shares the end transition with
// teacher-initiated ends; whichever fires second observes no live question
// and is a no-op.
func (c *Classroom) autoEnd(questionID string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live == nil || c.live.ID != questionID {
		return
	}
	log.Debug().Str("class", c.class.ID).Str("question", questionID).Msg("question time limit expired")
	c.endLiveLocked()
}

func (c *Classroom) endLiveLocked() (domain.Question, domain.Tally) {
	q := c.live
	now := c.now()
	q.Status = domain.QuestionEnded
	q.EndedAt = &now
	c.live = nil
	if c.questionTimer != nil {
		c.questionTimer.Stop()
		c.questionTimer = nil
	}
	c.history = append(c.history, q)

	tally := c.tallyLocked(q)

	c.mirror.Question(*q)
	c.mirror.Responses(q.ID, c.responsesLocked(q.ID))
	c.broadcastLocked(domain.EventQuestionEnded, struct {
		Question domain.Question `json:"question"`
		Tally    domain.Tally    `json:"tally"`
	}{*q, tally})
	return *q, tally
}

// Submit upserts the (questionID, studentID) response while the question is
// live. A resubmission overwrites the previous answer value.
func (c *Classroom) Submit(questionID, studentID, answer string) (domain.Response, domain.Tally, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.live == nil || c.live.ID != questionID {
		return domain.Response{}, domain.Tally{}, domain.ErrQuestionNotLive
	}
	p, ok := c.participants[studentID]
	if !ok {
		return domain.Response{}, domain.Tally{}, domain.ErrNotAParticipant
	}
	if c.live.Kind == domain.MultipleChoice {
		valid := false
		for _, opt := range c.live.Options {
			if answer == opt {
				valid = true
				break
			}
		}
		if !valid {
			return domain.Response{}, domain.Tally{}, domain.ErrInvalidAnswer
		}
	}

	now := c.now()
	byStudent := c.responses[questionID]
	r, ok := byStudent[studentID]
	if ok {
		r.Answer = answer
		r.UpdatedAt = now
	} else {
		r = &domain.Response{
			QuestionID:  questionID,
			StudentID:   studentID,
			StudentName: p.DisplayName,
			Answer:      answer,
			SubmittedAt: now,
			UpdatedAt:   now,
		}
		byStudent[studentID] = r
	}

	tally := c.tallyLocked(c.live)
	c.broadcastLocked(domain.EventAnswerSubmitted, struct {
		QuestionID string `json:"questionId"`
		StudentID  string `json:"studentId"`
	}{questionID, studentID})
	c.broadcastLocked(domain.EventResultsUpdated, tally)
	return *r, tally, nil
}

// Tally computes the aggregation for a live or ended question. Readers always
// observe a consistent snapshot since it is built under the class lock.
func (c *Classroom) Tally(questionID string) (domain.Tally, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	q := c.findQuestionLocked(questionID)
	if q == nil {
		return domain.Tally{}, domain.ErrQuestionNotFound
	}
	return c.tallyLocked(q), nil
}

func (c *Classroom) tallyLocked(q *domain.Question) domain.Tally {
	counts := make(map[string]int)
	if q.Kind == domain.MultipleChoice {
		for _, opt := range q.Options {
			counts[opt] = 0
		}
	}
	responded := 0
	for _, r := range c.responses[q.ID] {
		responded++
		key := r.Answer
		if q.Kind == domain.ShortAnswer {
			key = strings.TrimSpace(key)
		}
		counts[key]++
	}
	return domain.Tally{
		QuestionID:        q.ID,
		Counts:            counts,
		RespondedCount:    responded,
		TotalParticipants: len(c.participants),
		UpdatedAt:         c.now(),
	}
}

// Responses returns the raw response list for a question, ordered by first
// submission time.
func (c *Classroom) Responses(questionID string) ([]domain.Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.findQuestionLocked(questionID) == nil {
		return nil, domain.ErrQuestionNotFound
	}
	return c.responsesLocked(questionID), nil
}

func (c *Classroom) responsesLocked(questionID string) []domain.Response {
	out := make([]domain.Response, 0, len(c.responses[questionID]))
	for _, r := range c.responses[questionID] {
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].SubmittedAt.Equal(out[j].SubmittedAt) {
			return out[i].SubmittedAt.Before(out[j].SubmittedAt)
		}
		return out[i].StudentID < out[j].StudentID
	})
	return out
}

// Questions lists every question of the class: drafts in queue order, then
// the live question, then history in end order.
func (c *Classroom) Questions() []domain.Question {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]domain.Question, 0, len(c.queue)+len(c.history)+1)
	for _, q := range c.queue {
		out = append(out, *q)
	}
	if c.live != nil {
		out = append(out, *c.live)
	}
	for _, q := range c.history {
		out = append(out, *q)
	}
	return out
}

func (c *Classroom) findQuestionLocked(questionID string) *domain.Question {
	if c.live != nil && c.live.ID == questionID {
		return c.live
	}
	for _, q := range c.queue {
		if q.ID == questionID {
			return q
		}
	}
	for _, q := range c.history {
		if q.ID == questionID {
			return q
		}
	}
	return nil
}

// Snapshot captures the full class state plus the current event sequence
// number in one exclusive section. Clients that subscribe before fetching a
// snapshot can discard events with seq at or below Snapshot.Seq.
func (c *Classroom) Snapshot() domain.ClassSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := domain.ClassSnapshot{
		Class:            c.class,
		Participants:     c.participantsLocked(),
		ParticipantCount: len(c.participants),
		Seq:              c.seq,
	}
	if c.live != nil {
		q := *c.live
		t := c.tallyLocked(c.live)
		snap.CurrentQuestion = &q
		snap.CurrentTally = &t
	}
	return snap
}

// Subscribe returns a channel receiving this class's events. The caller must
// invoke the cancel function to avoid leaks. Delivery is best-effort: a slow
// subscriber loses the oldest buffered event, and recovers via Snapshot.
func (c *Classroom) Subscribe() (<-chan domain.Event, func()) {
	ch := make(chan domain.Event, 32)

	c.mu.Lock()
	c.subscribers[ch] = struct{}{}
	c.mu.Unlock()

	cancel := func() {
		c.mu.Lock()
		if _, ok := c.subscribers[ch]; ok {
			delete(c.subscribers, ch)
			close(ch)
		}
		c.mu.Unlock()
	}
	return ch, cancel
}

func (c *Classroom) broadcastLocked(typ domain.EventType, payload any) {
	c.seq++
	evt := domain.Event{
		Type:    typ,
		ClassID: c.class.ID,
		Seq:     c.seq,
		Payload: payload,
	}
	for ch := range c.subscribers {
		select {
		case ch <- evt:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- evt
		}
	}
}

// scheduleTeacherEnd arms the teacher-disconnect auto-end timer.
func (c *Classroom) scheduleTeacherEnd(grace time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.class.Status != domain.ClassActive {
		return
	}
	if c.teacherTimer != nil {
		c.teacherTimer.Stop()
	}
	c.teacherTimer = time.AfterFunc(grace, func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.class.Status != domain.ClassActive {
			return
		}
		log.Info().Str("class", c.class.ID).Msg("ending class after teacher disconnect grace period")
		c.endLocked()
		c.mirror.Class(c.class)
		c.broadcastLocked(domain.EventClassUpdate, c.class)
	})
}

// cancelTeacherEnd disarms the auto-end timer on teacher reconnect.
func (c *Classroom) cancelTeacherEnd() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.teacherTimer != nil {
		c.teacherTimer.Stop()
		c.teacherTimer = nil
	}
}
