package domain

import "time"

// ClassStatus is the lifecycle state of a class.
type ClassStatus string

const (
	ClassPreparing ClassStatus = "preparing"
	ClassActive    ClassStatus = "active"
	ClassEnded     ClassStatus = "ended"
)

// QuestionKind distinguishes how answers are validated and tallied.
type QuestionKind string

const (
	MultipleChoice QuestionKind = "multiple_choice"
	ShortAnswer    QuestionKind = "short_answer"
)

// QuestionStatus is the lifecycle state of a question.
type QuestionStatus string

const (
	QuestionDraft     QuestionStatus = "draft"
	QuestionPublished QuestionStatus = "published"
	QuestionEnded     QuestionStatus = "ended"
)

// Teacher is created on first login; identity is a caller-supplied claim.
type Teacher struct {
	ID          string    `json:"id"`
	DisplayName string    `json:"displayName,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Class is a teacher-owned classroom session identified by a join code.
type Class struct {
	ID        string      `json:"id"`
	TeacherID string      `json:"teacherId"`
	Name      string      `json:"className"`
	Code      string      `json:"code"`
	Status    ClassStatus `json:"status"`
	CreatedAt time.Time   `json:"createdAt"`
	EndedAt   *time.Time  `json:"endedAt,omitempty"`
}

// Participant is one student's membership record within one class.
// StudentID is caller-supplied and unique only within the class.
type Participant struct {
	StudentID   string    `json:"studentId"`
	DisplayName string    `json:"studentName"`
	ClassID     string    `json:"classId"`
	JoinedAt    time.Time `json:"joinedAt"`
	Connected   bool      `json:"connected"`
}

// Question is a prompt owned by exactly one class. At most one question per
// class is published at any instant.
type Question struct {
	ID          string         `json:"id"`
	ClassID     string         `json:"classId"`
	Text        string         `json:"content"`
	Kind        QuestionKind   `json:"type"`
	Options     []string       `json:"options,omitempty"`
	TimeLimit   int            `json:"timeLimit,omitempty"` // seconds; 0 means no auto-end
	QueueOrder  int            `json:"queueOrder"`
	Status      QuestionStatus `json:"status"`
	CreatedAt   time.Time      `json:"createdAt"`
	PublishedAt *time.Time     `json:"publishedAt,omitempty"`
	EndedAt     *time.Time     `json:"endedAt,omitempty"`
}

// Response is one student's answer to one question, keyed (questionID,
// studentID). Mutable until the question ends.
type Response struct {
	QuestionID  string    `json:"questionId"`
	StudentID   string    `json:"studentId"`
	StudentName string    `json:"studentName"`
	Answer      string    `json:"answer"`
	SubmittedAt time.Time `json:"submittedAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Tally is the aggregated view over all responses to a question. For
// multiple choice every option appears, zero-filled; for short answer the
// keys are trimmed, case-sensitive literal texts.
type Tally struct {
	QuestionID        string         `json:"questionId"`
	Counts            map[string]int `json:"counts"`
	RespondedCount    int            `json:"respondedCount"`
	TotalParticipants int            `json:"totalParticipants"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// ClassSnapshot is the full-state view pushed to clients on (re)connect so a
// view converges without relying on missed events.
type ClassSnapshot struct {
	Class            Class         `json:"class"`
	Participants     []Participant `json:"participants"`
	ParticipantCount int           `json:"participantCount"`
	CurrentQuestion  *Question     `json:"currentQuestion,omitempty"`
	CurrentTally     *Tally        `json:"currentTally,omitempty"`
	Seq              uint64        `json:"seq"`
}
