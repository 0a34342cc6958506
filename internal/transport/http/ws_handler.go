package http

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/archsoong/classp-server/internal/app"
	"github.com/archsoong/classp-server/internal/domain"
)

// WSHandler upgrades connections and wires them into class rooms. Each
// socket carries one identity, either a teacher (via session token) or a
// student, and may join the room of any number of classes.
type WSHandler struct {
	auth       *app.AuthService
	classrooms *app.ClassroomService
	upgrader   websocket.Upgrader
}

func NewWSHandler(auth *app.AuthService, classrooms *app.ClassroomService) *WSHandler {
	return &WSHandler{
		auth:       auth,
		classrooms: classrooms,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// outboundMessage is the wire envelope for both room events and direct
// replies. For room events Seq carries the class's monotonic counter.
type outboundMessage struct {
	Type    string `json:"type"`
	ClassID string `json:"classId,omitempty"`
	Seq     uint64 `json:"seq,omitempty"`
	Payload any    `json:"payload,omitempty"`
}

type errorPayload struct {
	Message string `json:"message"`
}

type roomPayload struct {
	RoomID string `json:"roomId"`
}

type publishPayload struct {
	QuestionID string `json:"questionId"`
}

type endQuestionPayload struct {
	ClassID    string `json:"classId"`
	QuestionID string `json:"questionId"`
}

type statusPayload struct {
	ClassID string             `json:"classId"`
	Status  domain.ClassStatus `json:"status"`
}

type wsAnswerPayload struct {
	QuestionID string `json:"questionId"`
	Answer     string `json:"answer"`
}

type connIdentity struct {
	teacherID   string
	studentID   string
	displayName string
}

func (id connIdentity) isTeacher() bool { return id.teacherID != "" }

// ServeWS upgrades the request and runs the connection loop. Teachers
// authenticate with ?token=, students identify with ?studentId=&name=.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	var identity connIdentity
	if token := r.URL.Query().Get("token"); token != "" {
		teacherID, err := h.auth.Resolve(r.Context(), token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		identity.teacherID = teacherID
	} else {
		identity.studentID = r.URL.Query().Get("studentId")
		identity.displayName = r.URL.Query().Get("name")
		if identity.studentID == "" || identity.displayName == "" {
			http.Error(w, "missing token or studentId and name", http.StatusBadRequest)
			return
		}
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("ws upgrade failed")
		return
	}
	defer conn.Close()

	send := make(chan outboundMessage, 16)
	closeSignals := make(chan struct{})
	writerDone := make(chan struct{})

	go func() {
		defer close(writerDone)
		for msg := range send {
			if err := conn.WriteJSON(msg); err != nil {
				log.Debug().Err(err).Msg("ws write error")
				return
			}
		}
	}()

	rooms := make(map[string]func()) // classID -> subscription cancel

	for {
		var inbound inboundMessage
		if err := conn.ReadJSON(&inbound); err != nil {
			break
		}
		h.dispatch(identity, inbound, rooms, send, closeSignals)
	}

	close(closeSignals)
	for classID, cancel := range rooms {
		cancel()
		h.roomLeft(identity, classID)
	}
	close(send)
	<-writerDone
}

func (h *WSHandler) dispatch(identity connIdentity, inbound inboundMessage, rooms map[string]func(), send chan outboundMessage, closeSignals chan struct{}) {
	fail := func(msg string) {
		send <- outboundMessage{Type: "error", Payload: errorPayload{Message: msg}}
	}

	switch inbound.Type {
	case "join_room":
		var p roomPayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil || p.RoomID == "" {
			fail("invalid join_room payload")
			return
		}
		if _, joined := rooms[p.RoomID]; joined {
			return
		}
		if err := h.roomJoined(identity, p.RoomID); err != nil {
			fail(err.Error())
			return
		}

		// Subscribe before snapshotting so nothing is missed between the
		// two; the snapshot's seq tells the client which buffered events
		// are already reflected in it.
		events, cancel, err := h.classrooms.Subscribe(p.RoomID)
		if err != nil {
			fail(err.Error())
			return
		}
		rooms[p.RoomID] = cancel

		go func() {
			for {
				select {
				case evt, ok := <-events:
					if !ok {
						return
					}
					select {
					case send <- outboundMessage{Type: string(evt.Type), ClassID: evt.ClassID, Seq: evt.Seq, Payload: evt.Payload}:
					case <-closeSignals:
						return
					}
				case <-closeSignals:
					return
				}
			}
		}()

		snap, err := h.classrooms.Snapshot(p.RoomID)
		if err != nil {
			fail(err.Error())
			return
		}
		send <- outboundMessage{Type: "snapshot", ClassID: p.RoomID, Seq: snap.Seq, Payload: snap}

	case "leave_room":
		var p roomPayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil {
			fail("invalid leave_room payload")
			return
		}
		if cancel, ok := rooms[p.RoomID]; ok {
			cancel()
			delete(rooms, p.RoomID)
			h.roomLeft(identity, p.RoomID)
		}

	case "publish_question":
		if !identity.isTeacher() {
			fail("teachers only")
			return
		}
		var p publishPayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil || p.QuestionID == "" {
			fail("invalid publish_question payload")
			return
		}
		if _, err := h.classrooms.PublishQuestion(identity.teacherID, p.QuestionID); err != nil {
			fail(err.Error())
		}

	case "end_question":
		if !identity.isTeacher() {
			fail("teachers only")
			return
		}
		var p endQuestionPayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil {
			fail("invalid end_question payload")
			return
		}
		var err error
		if p.QuestionID != "" {
			_, _, err = h.classrooms.EndQuestion(identity.teacherID, p.QuestionID)
		} else {
			_, _, err = h.classrooms.EndLiveQuestion(identity.teacherID, p.ClassID)
		}
		if err != nil {
			fail(err.Error())
		}

	case "update_class_status":
		if !identity.isTeacher() {
			fail("teachers only")
			return
		}
		var p statusPayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil {
			fail("invalid update_class_status payload")
			return
		}
		if _, err := h.classrooms.SetStatus(identity.teacherID, p.ClassID, p.Status); err != nil {
			fail(err.Error())
		}

	case "submit_answer":
		if identity.isTeacher() {
			fail("students only")
			return
		}
		var p wsAnswerPayload
		if err := json.Unmarshal(inbound.Payload, &p); err != nil || p.QuestionID == "" {
			fail("invalid submit_answer payload")
			return
		}
		response, _, err := h.classrooms.SubmitAnswer(identity.studentID, p.QuestionID, p.Answer)
		if err != nil {
			fail(err.Error())
			return
		}
		send <- outboundMessage{Type: "submitted", Payload: response}

	default:
		fail("unsupported message type")
	}
}

// roomJoined applies per-role side effects of entering a room.
func (h *WSHandler) roomJoined(identity connIdentity, classID string) error {
	if identity.isTeacher() {
		if !h.classrooms.IsOwner(identity.teacherID, classID) {
			return domain.ErrForbidden
		}
		h.classrooms.TeacherConnected(classID)
		return nil
	}
	_, err := h.classrooms.RejoinClass(classID, identity.studentID, identity.displayName)
	return err
}

// roomLeft applies per-role side effects of leaving a room or disconnecting.
func (h *WSHandler) roomLeft(identity connIdentity, classID string) {
	if identity.isTeacher() {
		h.classrooms.TeacherDisconnected(classID)
		return
	}
	h.classrooms.StudentDisconnected(classID, identity.studentID)
}
