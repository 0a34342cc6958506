package app_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/archsoong/classp-server/internal/app"
	"github.com/archsoong/classp-server/internal/domain"
	"github.com/archsoong/classp-server/internal/infra/memory"
)

func newService() *app.ClassroomService {
	return app.NewClassroomService(app.NewMirror(nil), nil, app.Options{})
}

// activeClassWithStudents creates an active class with the given students
// joined by code.
func activeClassWithStudents(t *testing.T, svc *app.ClassroomService, teacherID string, students ...string) domain.Class {
	t.Helper()
	class, err := svc.CreateClass(teacherID, "MATH 101")
	if err != nil {
		t.Fatalf("create class: %v", err)
	}
	if _, err := svc.SetStatus(teacherID, class.ID, domain.ClassActive); err != nil {
		t.Fatalf("activate class: %v", err)
	}
	for _, s := range students {
		if _, _, err := svc.JoinClass(class.Code, "Student "+s, s); err != nil {
			t.Fatalf("join %s: %v", s, err)
		}
	}
	return class
}

func TestClassLifecycleScenario(t *testing.T) {
	svc := newService()

	class, err := svc.CreateClass("teacher1", "MATH 101")
	if err != nil {
		t.Fatalf("create class: %v", err)
	}
	if class.Status != domain.ClassPreparing {
		t.Fatalf("expected preparing, got %s", class.Status)
	}
	if len(class.Code) != 6 {
		t.Fatalf("expected 6-char code, got %q", class.Code)
	}

	// Joining while preparing is rejected.
	if _, _, err := svc.JoinClass(class.Code, "Sam", "s1"); !errors.Is(err, domain.ErrClassNotActive) {
		t.Fatalf("expected ErrClassNotActive, got %v", err)
	}

	if _, err := svc.SetStatus("teacher1", class.ID, domain.ClassActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, _, err := svc.JoinClass(class.Code, "Sam", "s1"); err != nil {
		t.Fatalf("join s1: %v", err)
	}
	if _, _, err := svc.JoinClass(class.Code, "Ana", "s2"); err != nil {
		t.Fatalf("join s2: %v", err)
	}

	q, err := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{
		Text:    "2+2?",
		Kind:    domain.MultipleChoice,
		Options: []string{"2", "3", "4", "5"},
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.PublishQuestion("teacher1", q.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, _, err := svc.SubmitAnswer("s1", q.ID, "4"); err != nil {
		t.Fatalf("submit s1: %v", err)
	}
	_, tally, err := svc.SubmitAnswer("s2", q.ID, "3")
	if err != nil {
		t.Fatalf("submit s2: %v", err)
	}

	want := map[string]int{"2": 0, "3": 1, "4": 1, "5": 0}
	for k, v := range want {
		if tally.Counts[k] != v {
			t.Fatalf("tally[%s]: expected %d, got %d", k, v, tally.Counts[k])
		}
	}
	if tally.RespondedCount != 2 || tally.TotalParticipants != 2 {
		t.Fatalf("unexpected tally counts: %+v", tally)
	}

	if _, _, err := svc.EndQuestion("teacher1", q.ID); err != nil {
		t.Fatalf("end question: %v", err)
	}
	if _, _, err := svc.SubmitAnswer("s1", q.ID, "5"); !errors.Is(err, domain.ErrQuestionNotLive) {
		t.Fatalf("expected ErrQuestionNotLive after end, got %v", err)
	}
}

func TestJoinUnknownCode(t *testing.T) {
	svc := newService()
	if _, _, err := svc.JoinClass("ZZZZZZ", "Sam", "s1"); !errors.Is(err, domain.ErrClassNotFound) {
		t.Fatalf("expected ErrClassNotFound, got %v", err)
	}
}

func TestJoinIsIdempotentPerStudent(t *testing.T) {
	svc := newService()
	class := activeClassWithStudents(t, svc, "teacher1")

	first, _, err := svc.JoinClass(class.Code, "Sam", "s1")
	if err != nil {
		t.Fatalf("join: %v", err)
	}
	second, _, err := svc.JoinClass(class.Code, "Sammy", "s1")
	if err != nil {
		t.Fatalf("rejoin: %v", err)
	}
	if !second.JoinedAt.Equal(first.JoinedAt) {
		t.Fatal("expected the original participant record to be kept")
	}
	if second.DisplayName != "Sammy" {
		t.Fatalf("expected display name refresh, got %q", second.DisplayName)
	}

	roster, err := svc.Roster("teacher1", class.ID)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if len(roster) != 1 {
		t.Fatalf("expected exactly one participant record, got %d", len(roster))
	}
}

func TestOwnershipEnforced(t *testing.T) {
	svc := newService()
	class := activeClassWithStudents(t, svc, "teacher1")

	if _, err := svc.SetStatus("teacher2", class.ID, domain.ClassEnded); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
	if _, err := svc.EnqueueQuestion("teacher2", class.ID, domain.Question{Text: "?", Kind: domain.ShortAnswer}); !errors.Is(err, domain.ErrForbidden) {
		t.Fatalf("expected ErrForbidden, got %v", err)
	}
}

func TestIllegalTransitions(t *testing.T) {
	svc := newService()
	class, _ := svc.CreateClass("teacher1", "Physics")

	if _, err := svc.SetStatus("teacher1", class.ID, domain.ClassEnded); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("preparing->ended: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.SetStatus("teacher1", class.ID, domain.ClassActive); err != nil {
		t.Fatalf("activate: %v", err)
	}
	if _, err := svc.SetStatus("teacher1", class.ID, domain.ClassPreparing); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("active->preparing: expected ErrInvalidTransition, got %v", err)
	}
	if _, err := svc.SetStatus("teacher1", class.ID, domain.ClassEnded); err != nil {
		t.Fatalf("end: %v", err)
	}
	if _, err := svc.SetStatus("teacher1", class.ID, domain.ClassActive); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("ended is terminal: expected ErrInvalidTransition, got %v", err)
	}
}

func TestConcurrentPublishSingleWinner(t *testing.T) {
	svc := newService()
	class := activeClassWithStudents(t, svc, "teacher1")

	const n = 16
	ids := make([]string, n)
	for i := range ids {
		q, err := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{
			Text: "q", Kind: domain.MultipleChoice, Options: []string{"a", "b"},
		})
		if err != nil {
			t.Fatalf("enqueue: %v", err)
		}
		ids[i] = q.ID
	}

	var wg sync.WaitGroup
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.PublishQuestion("teacher1", ids[i])
		}(i)
	}
	wg.Wait()

	won := 0
	for _, err := range errs {
		switch {
		case err == nil:
			won++
		case errors.Is(err, domain.ErrQuestionAlreadyLive):
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	if won != 1 {
		t.Fatalf("expected exactly 1 publish to win, got %d", won)
	}
}

func TestAnswerOverwrite(t *testing.T) {
	svc := newService()
	class := activeClassWithStudents(t, svc, "teacher1", "s1")

	q, _ := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{
		Text: "pick", Kind: domain.MultipleChoice, Options: []string{"A", "B"},
	})
	if _, err := svc.PublishQuestion("teacher1", q.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, _, err := svc.SubmitAnswer("s1", q.ID, "A"); err != nil {
		t.Fatalf("submit A: %v", err)
	}
	resp, tally, err := svc.SubmitAnswer("s1", q.ID, "B")
	if err != nil {
		t.Fatalf("submit B: %v", err)
	}
	if resp.Answer != "B" {
		t.Fatalf("expected overwrite to B, got %q", resp.Answer)
	}
	if tally.Counts["A"] != 0 || tally.Counts["B"] != 1 || tally.RespondedCount != 1 {
		t.Fatalf("tally must reflect only the latest answer: %+v", tally)
	}
	if !resp.UpdatedAt.After(resp.SubmittedAt) && !resp.UpdatedAt.Equal(resp.SubmittedAt) {
		t.Fatalf("updatedAt must not precede submittedAt: %+v", resp)
	}
}

func TestSubmitValidation(t *testing.T) {
	svc := newService()
	class := activeClassWithStudents(t, svc, "teacher1", "s1")

	q, _ := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{
		Text: "pick", Kind: domain.MultipleChoice, Options: []string{"A", "B"},
	})
	if _, err := svc.PublishQuestion("teacher1", q.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, _, err := svc.SubmitAnswer("s1", q.ID, "C"); !errors.Is(err, domain.ErrInvalidAnswer) {
		t.Fatalf("expected ErrInvalidAnswer, got %v", err)
	}
	if _, _, err := svc.SubmitAnswer("ghost", q.ID, "A"); !errors.Is(err, domain.ErrNotAParticipant) {
		t.Fatalf("expected ErrNotAParticipant, got %v", err)
	}
	if _, _, err := svc.SubmitAnswer("s1", "no-such-question", "A"); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected ErrQuestionNotFound, got %v", err)
	}
}

func TestEndingClassForceEndsLiveQuestion(t *testing.T) {
	svc := newService()
	class := activeClassWithStudents(t, svc, "teacher1", "s1")

	q, _ := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{Text: "open", Kind: domain.ShortAnswer})
	if _, err := svc.PublishQuestion("teacher1", q.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	if _, err := svc.SetStatus("teacher1", class.ID, domain.ClassEnded); err != nil {
		t.Fatalf("end class: %v", err)
	}

	questions, err := svc.QuestionsOf("teacher1", class.ID)
	if err != nil {
		t.Fatalf("questions: %v", err)
	}
	if len(questions) != 1 || questions[0].Status != domain.QuestionEnded {
		t.Fatalf("expected live question force-ended, got %+v", questions)
	}
	if _, _, err := svc.SubmitAnswer("s1", q.ID, "late"); !errors.Is(err, domain.ErrQuestionNotLive) {
		t.Fatalf("expected ErrQuestionNotLive, got %v", err)
	}
}

func TestDraftQueueRoundTrip(t *testing.T) {
	svc := newService()
	class := activeClassWithStudents(t, svc, "teacher1")

	q1, _ := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{Text: "one", Kind: domain.ShortAnswer})
	q2, _ := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{Text: "two", Kind: domain.ShortAnswer})
	if q1.QueueOrder != 1 || q2.QueueOrder != 2 {
		t.Fatalf("expected contiguous queue orders, got %d and %d", q1.QueueOrder, q2.QueueOrder)
	}

	if _, err := svc.PublishQuestion("teacher1", q1.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, _, err := svc.EndQuestion("teacher1", q1.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	// A second end on the same question observes no live question.
	if _, _, err := svc.EndQuestion("teacher1", q1.ID); !errors.Is(err, domain.ErrNoLiveQuestion) {
		t.Fatalf("expected ErrNoLiveQuestion, got %v", err)
	}

	questions, _ := svc.QuestionsOf("teacher1", class.ID)
	var drafts, ended int
	for _, q := range questions {
		switch q.Status {
		case domain.QuestionDraft:
			drafts++
			if q.ID == q1.ID {
				t.Fatal("ended question must not remain in the draft queue")
			}
		case domain.QuestionEnded:
			ended++
		}
	}
	if drafts != 1 || ended != 1 {
		t.Fatalf("expected 1 draft and 1 ended, got %d and %d", drafts, ended)
	}

	// Re-publishing a question that already left the queue fails.
	if _, err := svc.PublishQuestion("teacher1", q1.ID); !errors.Is(err, domain.ErrQuestionNotFound) {
		t.Fatalf("expected ErrQuestionNotFound, got %v", err)
	}
}

func TestReorderRenumbersQueue(t *testing.T) {
	svc := newService()
	class := activeClassWithStudents(t, svc, "teacher1")

	var ids []string
	for _, text := range []string{"a", "b", "c"} {
		q, err := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{Text: text, Kind: domain.ShortAnswer})
		if err != nil {
			t.Fatalf("enqueue %s: %v", text, err)
		}
		ids = append(ids, q.ID)
	}

	queue, err := svc.ReorderQuestion("teacher1", class.ID, ids[2], 1)
	if err != nil {
		t.Fatalf("reorder: %v", err)
	}
	if queue[0].ID != ids[2] || queue[1].ID != ids[0] || queue[2].ID != ids[1] {
		t.Fatalf("unexpected order: %+v", queue)
	}
	for i, q := range queue {
		if q.QueueOrder != i+1 {
			t.Fatalf("expected contiguous renumbering, got %d at index %d", q.QueueOrder, i)
		}
	}
}

func TestInvalidQuestionDrafts(t *testing.T) {
	svc := newService()
	class := activeClassWithStudents(t, svc, "teacher1")

	cases := []domain.Question{
		{Text: "", Kind: domain.ShortAnswer},
		{Text: "pick", Kind: domain.MultipleChoice, Options: []string{"only"}},
		{Text: "pick", Kind: domain.MultipleChoice, Options: []string{"a", "b", "c", "d", "e", "f", "g"}},
		{Text: "pick", Kind: domain.MultipleChoice, Options: []string{"a", "  "}},
		{Text: "pick", Kind: "essay"},
		{Text: "open", Kind: domain.ShortAnswer, Options: []string{"stray"}},
	}
	for i, draft := range cases {
		if _, err := svc.EnqueueQuestion("teacher1", class.ID, draft); !errors.Is(err, domain.ErrInvalidQuestion) {
			t.Fatalf("case %d: expected ErrInvalidQuestion, got %v", i, err)
		}
	}
}

func TestPublishRequiresActiveClass(t *testing.T) {
	svc := newService()
	class, _ := svc.CreateClass("teacher1", "History")

	q, err := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{Text: "when?", Kind: domain.ShortAnswer})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if _, err := svc.PublishQuestion("teacher1", q.ID); !errors.Is(err, domain.ErrClassNotActive) {
		t.Fatalf("expected ErrClassNotActive, got %v", err)
	}
}

func TestShortAnswerTallyGroupsTrimmedText(t *testing.T) {
	svc := newService()
	class := activeClassWithStudents(t, svc, "teacher1", "s1", "s2", "s3")

	q, _ := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{Text: "capital of France?", Kind: domain.ShortAnswer})
	if _, err := svc.PublishQuestion("teacher1", q.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	svc.SubmitAnswer("s1", q.ID, "Paris")
	svc.SubmitAnswer("s2", q.ID, "  Paris ")
	svc.SubmitAnswer("s3", q.ID, "paris")

	tally, err := svc.Tally(q.ID)
	if err != nil {
		t.Fatalf("tally: %v", err)
	}
	if tally.Counts["Paris"] != 2 || tally.Counts["paris"] != 1 {
		t.Fatalf("expected case-sensitive trimmed grouping, got %+v", tally.Counts)
	}
	if tally.RespondedCount != 3 || tally.TotalParticipants != 3 {
		t.Fatalf("unexpected counts: %+v", tally)
	}
}

func TestDeleteClassRules(t *testing.T) {
	svc := newService()

	preparing, _ := svc.CreateClass("teacher1", "Draft class")
	if err := svc.DeleteClass("teacher1", preparing.ID); err != nil {
		t.Fatalf("delete preparing: %v", err)
	}
	if _, err := svc.Snapshot(preparing.ID); !errors.Is(err, domain.ErrClassNotFound) {
		t.Fatalf("expected class gone, got %v", err)
	}

	active := activeClassWithStudents(t, svc, "teacher1")
	if err := svc.DeleteClass("teacher1", active.ID); !errors.Is(err, domain.ErrClassNotDeletable) {
		t.Fatalf("expected ErrClassNotDeletable, got %v", err)
	}
	if _, err := svc.SetStatus("teacher1", active.ID, domain.ClassEnded); err != nil {
		t.Fatalf("end: %v", err)
	}
	if err := svc.DeleteClass("teacher1", active.ID); err != nil {
		t.Fatalf("delete ended: %v", err)
	}
}

func TestListByTeacherOrdering(t *testing.T) {
	svc := newService()

	a, _ := svc.CreateClass("teacher1", "first")
	b, _ := svc.CreateClass("teacher1", "second")
	svc.CreateClass("teacher2", "other")

	classes := svc.ListByTeacher("teacher1")
	if len(classes) != 2 {
		t.Fatalf("expected 2 classes, got %d", len(classes))
	}
	// Descending creation order; same-instant creations fall back to ID order.
	if classes[0].CreatedAt.Before(classes[1].CreatedAt) {
		t.Fatalf("expected createdAt descending, got %+v", classes)
	}
	seen := map[string]bool{classes[0].ID: true, classes[1].ID: true}
	if !seen[a.ID] || !seen[b.ID] {
		t.Fatalf("expected teacher1's classes only, got %+v", classes)
	}
}

func TestEventSequenceIsMonotonic(t *testing.T) {
	svc := newService()
	class := activeClassWithStudents(t, svc, "teacher1", "s1")

	events, cancel, err := svc.Subscribe(class.ID)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer cancel()

	q, _ := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{
		Text: "pick", Kind: domain.MultipleChoice, Options: []string{"A", "B"},
	})
	if _, err := svc.PublishQuestion("teacher1", q.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, _, err := svc.SubmitAnswer("s1", q.ID, "A"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := svc.EndQuestion("teacher1", q.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	var last uint64
	var sawPublish, sawResults, sawEnd bool
	deadline := time.After(2 * time.Second)
	for !(sawPublish && sawResults && sawEnd) {
		select {
		case evt := <-events:
			if evt.Seq <= last {
				t.Fatalf("sequence not monotonic: %d after %d", evt.Seq, last)
			}
			last = evt.Seq
			switch evt.Type {
			case domain.EventQuestionPublished:
				sawPublish = true
			case domain.EventResultsUpdated:
				sawResults = true
			case domain.EventQuestionEnded:
				sawEnd = true
			}
		case <-deadline:
			t.Fatalf("timed out waiting for events; publish=%v results=%v end=%v", sawPublish, sawResults, sawEnd)
		}
	}
}

func TestTimeLimitAutoEndsQuestion(t *testing.T) {
	svc := newService()
	class := activeClassWithStudents(t, svc, "teacher1", "s1")

	q, _ := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{
		Text: "fast", Kind: domain.ShortAnswer, TimeLimit: 1,
	})
	if _, err := svc.PublishQuestion("teacher1", q.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for {
		questions, _ := svc.QuestionsOf("teacher1", class.ID)
		if len(questions) == 1 && questions[0].Status == domain.QuestionEnded {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("question was not auto-ended after its time limit")
		}
		time.Sleep(50 * time.Millisecond)
	}

	// The teacher-initiated end lost the race and sees no live question.
	if _, _, err := svc.EndQuestion("teacher1", q.ID); !errors.Is(err, domain.ErrNoLiveQuestion) {
		t.Fatalf("expected ErrNoLiveQuestion, got %v", err)
	}
}

func TestMirrorArchivesEndedQuestionResponses(t *testing.T) {
	archive := memory.NewArchive()
	mirror := app.NewMirror(archive)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mirror.Run(ctx)

	svc := app.NewClassroomService(mirror, archive, app.Options{})
	class := activeClassWithStudents(t, svc, "teacher1", "s1")

	q, _ := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{
		Text: "pick", Kind: domain.MultipleChoice, Options: []string{"A", "B"},
	})
	if _, err := svc.PublishQuestion("teacher1", q.ID); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, _, err := svc.SubmitAnswer("s1", q.ID, "A"); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, _, err := svc.EndQuestion("teacher1", q.ID); err != nil {
		t.Fatalf("end: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		if archived, ok := archive.Question(q.ID); ok && archived.Status == domain.QuestionEnded {
			if rs, err := archive.LoadResponses(context.Background(), q.ID); err == nil && len(rs) == 1 {
				return
			}
		}
		if time.Now().After(deadline) {
			t.Fatal("mirror did not archive the ended question and its responses")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestArchivedResponsesServedAfterDelete(t *testing.T) {
	archive := memory.NewArchive()
	mirror := app.NewMirror(archive)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go mirror.Run(ctx)

	svc := app.NewClassroomService(mirror, archive, app.Options{})
	class := activeClassWithStudents(t, svc, "teacher1", "s1")

	q, _ := svc.EnqueueQuestion("teacher1", class.ID, domain.Question{Text: "open", Kind: domain.ShortAnswer})
	svc.PublishQuestion("teacher1", q.ID)
	svc.SubmitAnswer("s1", q.ID, "hello")
	svc.EndQuestion("teacher1", q.ID)
	svc.SetStatus("teacher1", class.ID, domain.ClassEnded)

	// Wait for the mirror to catch up before evicting the classroom.
	deadline := time.Now().Add(2 * time.Second)
	for {
		if rs, err := archive.LoadResponses(context.Background(), q.ID); err == nil && len(rs) == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("mirror did not catch up")
		}
		time.Sleep(20 * time.Millisecond)
	}

	if err := svc.DeleteClass("teacher1", class.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	rs, err := svc.ResponsesFor(context.Background(), "teacher1", q.ID)
	if err != nil {
		t.Fatalf("archived responses: %v", err)
	}
	if len(rs) != 1 || rs[0].Answer != "hello" {
		t.Fatalf("unexpected archived responses: %+v", rs)
	}
}
