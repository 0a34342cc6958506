package domain

// EventType enumerates the realtime events fanned out to a class room.
type EventType string

const (
	EventClassUpdate       EventType = "class_update"
	EventQuestionPublished EventType = "question_published"
	EventQuestionEnded     EventType = "question_ended"
	EventStudentJoined     EventType = "student_joined"
	EventStudentLeft       EventType = "student_left"
	EventAnswerSubmitted   EventType = "answer_submitted"
	EventResultsUpdated    EventType = "results_updated"
)

// Event is one realtime notification for a class room. Seq is monotonic per
// class and stamped while the class lock is held, so subscribers observe
// events for one class in the order their causing operations were serialized.
type Event struct {
	Type    EventType `json:"type"`
	ClassID string    `json:"classId"`
	Seq     uint64    `json:"seq"`
	Payload any       `json:"payload,omitempty"`
}
