package domain

import "errors"

var (
	// ErrInvalidIdentity is returned when a login identity claim fails the format check.
	ErrInvalidIdentity = errors.New("invalid identity claim")
	// ErrUnauthenticated is returned when a session token does not resolve to a teacher.
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden is returned when a teacher acts on a class they do not own.
	ErrForbidden = errors.New("forbidden")
	// ErrClassNotFound indicates an unknown class ID or join code.
	ErrClassNotFound = errors.New("class not found")
	// ErrQuestionNotFound indicates an unknown question ID.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrInvalidTransition is returned for class status changes outside the legal set.
	ErrInvalidTransition = errors.New("invalid class status transition")
	// ErrClassNotActive is returned when joining or publishing against a class that is not active.
	ErrClassNotActive = errors.New("class is not active")
	// ErrClassNotDeletable is returned when deleting a class that is currently active.
	ErrClassNotDeletable = errors.New("active class cannot be deleted")
	// ErrQuestionAlreadyLive is returned when publishing while another question is live.
	ErrQuestionAlreadyLive = errors.New("another question is already published")
	// ErrNoLiveQuestion is returned when ending while no question is published.
	ErrNoLiveQuestion = errors.New("no question is currently published")
	// ErrQuestionNotLive is returned when answering a question that is not published.
	ErrQuestionNotLive = errors.New("question is not accepting answers")
	// ErrInvalidQuestion indicates a malformed question draft.
	ErrInvalidQuestion = errors.New("invalid question")
	// ErrInvalidAnswer indicates an answer that does not match any option.
	ErrInvalidAnswer = errors.New("invalid answer")
	// ErrNotAParticipant is returned when a student acts before joining the class.
	ErrNotAParticipant = errors.New("not a participant of this class")
	// ErrCodeSpaceExhausted is returned when class code allocation keeps colliding.
	ErrCodeSpaceExhausted = errors.New("class code space exhausted")
	// ErrConflict covers duplicate-join and code-collision races.
	ErrConflict = errors.New("conflict")
)
