package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/archsoong/classp-server/internal/app"
	"github.com/archsoong/classp-server/internal/domain"
)

// API is the REST gateway consumed by the Classp front end. It translates
// wire requests into calls on the auth and classroom services and serializes
// results back.
type API struct {
	auth       *app.AuthService
	classrooms *app.ClassroomService
	validate   *validator.Validate
}

func NewAPI(auth *app.AuthService, classrooms *app.ClassroomService) *API {
	return &API{
		auth:       auth,
		classrooms: classrooms,
		validate:   validator.New(),
	}
}

// Routes registers every REST endpoint on the mux.
func (a *API) Routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/auth/login", a.handleLogin)
	mux.HandleFunc("POST /api/auth/logout", a.handleLogout)

	mux.HandleFunc("GET /api/classes", a.handleListClasses)
	mux.HandleFunc("POST /api/classes", a.handleCreateClass)
	mux.HandleFunc("POST /api/classes/join", a.handleJoinClass)
	mux.HandleFunc("GET /api/classes/{ref}", a.handleClassSnapshot)
	mux.HandleFunc("PUT /api/classes/{id}/status", a.handleSetStatus)
	mux.HandleFunc("DELETE /api/classes/{id}", a.handleDeleteClass)
	mux.HandleFunc("GET /api/classes/{id}/students", a.handleRoster)
	mux.HandleFunc("GET /api/classes/{id}/questions", a.handleClassQuestions)

	mux.HandleFunc("POST /api/questions", a.handleCreateQuestion)
	mux.HandleFunc("PUT /api/questions/{id}/activate", a.handleActivateQuestion)
	mux.HandleFunc("PUT /api/questions/{id}/deactivate", a.handleDeactivateQuestion)
	mux.HandleFunc("PUT /api/questions/{id}/reorder", a.handleReorderQuestion)
	mux.HandleFunc("GET /api/questions/{id}/responses", a.handleQuestionResponses)

	mux.HandleFunc("POST /api/responses", a.handleSubmitAnswer)
}

// authorize resolves the bearer token to a teacher ID.
func (a *API) authorize(r *http.Request) (string, error) {
	header := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return "", domain.ErrUnauthenticated
	}
	return a.auth.Resolve(r.Context(), strings.TrimSpace(token))
}

func (a *API) decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(domain.ErrInvalidQuestion, err)
	}
	if err := a.validate.Struct(v); err != nil {
		return err
	}
	return nil
}

type loginRequest struct {
	TeacherID   string `json:"teacherId" validate:"required"`
	DisplayName string `json:"displayName"`
}

type loginResponse struct {
	Success bool           `json:"success"`
	Token   string         `json:"token"`
	Teacher domain.Teacher `json:"teacher"`
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, domain.ErrInvalidIdentity)
		return
	}
	token, teacher, err := a.auth.Login(r.Context(), req.TeacherID, req.DisplayName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{Success: true, Token: token, Teacher: teacher})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		if err := a.auth.Logout(r.Context(), strings.TrimSpace(token)); err != nil {
			writeError(w, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (a *API) handleListClasses(w http.ResponseWriter, r *http.Request) {
	teacherID, err := a.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.classrooms.ListByTeacher(teacherID))
}

type createClassRequest struct {
	ClassName string `json:"className" validate:"required,min=1,max=100"`
}

func (a *API) handleCreateClass(w http.ResponseWriter, r *http.Request) {
	teacherID, err := a.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createClassRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, domain.ErrInvalidQuestion)
		return
	}
	class, err := a.classrooms.CreateClass(teacherID, req.ClassName)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "class": class})
}

// classView is the public snapshot served to the join page: no roster, just
// the class record, the live question and headline counts.
type classView struct {
	Class            domain.Class     `json:"class"`
	ParticipantCount int              `json:"participantCount"`
	CurrentQuestion  *domain.Question `json:"currentQuestion,omitempty"`
	CurrentTally     *domain.Tally    `json:"currentTally,omitempty"`
}

func (a *API) handleClassSnapshot(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	snap, err := a.classrooms.Snapshot(ref)
	if err != nil {
		snap, err = a.classrooms.SnapshotByCode(ref)
	}
	if err != nil {
		writeStudentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, classView{
		Class:            snap.Class,
		ParticipantCount: snap.ParticipantCount,
		CurrentQuestion:  snap.CurrentQuestion,
		CurrentTally:     snap.CurrentTally,
	})
}

type setStatusRequest struct {
	Status domain.ClassStatus `json:"status" validate:"required,oneof=preparing active ended"`
}

func (a *API) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	teacherID, err := a.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req setStatusRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, domain.ErrInvalidTransition)
		return
	}
	class, err := a.classrooms.SetStatus(teacherID, r.PathValue("id"), req.Status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, class)
}

func (a *API) handleDeleteClass(w http.ResponseWriter, r *http.Request) {
	teacherID, err := a.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := a.classrooms.DeleteClass(teacherID, r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

type joinClassRequest struct {
	Code        string `json:"code" validate:"required,min=4,max=8"`
	StudentName string `json:"studentName" validate:"required,min=1,max=50"`
	StudentID   string `json:"studentId" validate:"required,min=1,max=50"`
}

func (a *API) handleJoinClass(w http.ResponseWriter, r *http.Request) {
	var req joinClassRequest
	if err := a.decode(r, &req); err != nil {
		writeStudentError(w, domain.ErrNotAParticipant)
		return
	}
	participant, class, err := a.classrooms.JoinClass(req.Code, req.StudentName, req.StudentID)
	if err != nil {
		writeStudentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"class":   class,
		"student": participant,
	})
}

func (a *API) handleRoster(w http.ResponseWriter, r *http.Request) {
	teacherID, err := a.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	roster, err := a.classrooms.Roster(teacherID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, roster)
}

func (a *API) handleClassQuestions(w http.ResponseWriter, r *http.Request) {
	teacherID, err := a.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	questions, err := a.classrooms.QuestionsOf(teacherID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, questions)
}

type createQuestionRequest struct {
	ClassID   string   `json:"classId" validate:"required"`
	Type      string   `json:"type" validate:"required,oneof=multiple_choice short_answer"`
	Content   string   `json:"content" validate:"required,min=1,max=500"`
	Options   []string `json:"options" validate:"omitempty,max=6,dive,min=1"`
	TimeLimit int      `json:"timeLimit" validate:"omitempty,min=0,max=3600"`
}

func (a *API) handleCreateQuestion(w http.ResponseWriter, r *http.Request) {
	teacherID, err := a.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req createQuestionRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, domain.ErrInvalidQuestion)
		return
	}
	question, err := a.classrooms.EnqueueQuestion(teacherID, req.ClassID, domain.Question{
		Text:      req.Content,
		Kind:      domain.QuestionKind(req.Type),
		Options:   req.Options,
		TimeLimit: req.TimeLimit,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, question)
}

func (a *API) handleActivateQuestion(w http.ResponseWriter, r *http.Request) {
	teacherID, err := a.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	question, err := a.classrooms.PublishQuestion(teacherID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, question)
}

func (a *API) handleDeactivateQuestion(w http.ResponseWriter, r *http.Request) {
	teacherID, err := a.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	question, tally, err := a.classrooms.EndQuestion(teacherID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"question": question, "tally": tally})
}

type reorderRequest struct {
	ClassID  string `json:"classId" validate:"required"`
	Position int    `json:"position" validate:"required,min=1"`
}

func (a *API) handleReorderQuestion(w http.ResponseWriter, r *http.Request) {
	teacherID, err := a.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	var req reorderRequest
	if err := a.decode(r, &req); err != nil {
		writeError(w, domain.ErrInvalidQuestion)
		return
	}
	queue, err := a.classrooms.ReorderQuestion(teacherID, req.ClassID, r.PathValue("id"), req.Position)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, queue)
}

func (a *API) handleQuestionResponses(w http.ResponseWriter, r *http.Request) {
	teacherID, err := a.authorize(r)
	if err != nil {
		writeError(w, err)
		return
	}
	responses, err := a.classrooms.ResponsesFor(r.Context(), teacherID, r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, responses)
}

type submitAnswerRequest struct {
	QuestionID string `json:"questionId" validate:"required"`
	StudentID  string `json:"studentId" validate:"required"`
	Answer     string `json:"answer" validate:"required,max=500"`
}

func (a *API) handleSubmitAnswer(w http.ResponseWriter, r *http.Request) {
	var req submitAnswerRequest
	if err := a.decode(r, &req); err != nil {
		writeStudentError(w, domain.ErrInvalidAnswer)
		return
	}
	response, _, err := a.classrooms.SubmitAnswer(req.StudentID, req.QuestionID, req.Answer)
	if err != nil {
		writeStudentError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "response": response})
}
