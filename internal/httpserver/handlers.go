package httpserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"

	"courier/internal/domain"
)

type Outbox interface {
	Enqueue(ctx context.Context, in domain.NewTask) (domain.OutboundTask, error)
	Task(ctx context.Context, id string) (domain.OutboundTask, error)
}

// Poker wakes the drain loop after a compose.
type Poker interface {
	Poke()
}

type History interface {
	GetMessages(ctx context.Context, q domain.HistoryQuery) (domain.HistoryResult, error)
}

type Trust interface {
	PendingSenders(ctx context.Context) ([]domain.PendingSender, error)
	RetrieveForInspection(ctx context.Context, senderID string) ([]domain.QuarantinedMessage, error)
	Reject(ctx context.Context, senderID string) (int, error)
	Block(ctx context.Context, senderID string) (int, error)
}

type API struct {
	Outbox   Outbox
	Drainer  Poker
	History  History
	Trust    Trust
	Validate *validator.Validate
	Logger   *slog.Logger
}

type ComposeRequest struct {
	MessageID   string   `json:"messageId" validate:"omitempty,max=64"`
	ContentType string   `json:"contentType" validate:"required,max=64"`
	Payload     []byte   `json:"payload" validate:"required"`
	Tags        []string `json:"tags" validate:"omitempty,dive,required"`
	Recipients  []string `json:"recipients" validate:"required,min=1,dive,required"`
}

type ComposeResponse struct {
	TaskID    string            `json:"taskId"`
	MessageID string            `json:"messageId"`
	Status    domain.TaskStatus `json:"status"`
}

type RejectResponse struct {
	SenderID string `json:"senderId"`
	Rejected int    `json:"rejected"`
}

func (a *API) Register(r *mux.Router) {
	r.HandleFunc("/v1/conversations/{id}/messages", a.handleCompose).Methods(http.MethodPost)
	r.HandleFunc("/v1/conversations/{id}/messages", a.handleHistory).Methods(http.MethodGet)
	r.HandleFunc("/v1/tasks/{id}", a.handleGetTask).Methods(http.MethodGet)
	r.HandleFunc("/v1/quarantine", a.handlePending).Methods(http.MethodGet)
	r.HandleFunc("/v1/quarantine/{sender}", a.handleInspect).Methods(http.MethodGet)
	r.HandleFunc("/v1/quarantine/{sender}", a.handleReject).Methods(http.MethodDelete)
	r.HandleFunc("/v1/blocks/{sender}", a.handleBlock).Methods(http.MethodPost)
}

func (a *API) handleCompose(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["id"]
	if !domain.ValidConversation(conv) {
		http.Error(w, ErrInvalidConversation, http.StatusBadRequest)
		return
	}
	var req ComposeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if err := a.validate().StructCtx(r.Context(), req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	task, err := a.Outbox.Enqueue(r.Context(), domain.NewTask{
		MessageID:      req.MessageID,
		ConversationID: conv,
		ContentType:    req.ContentType,
		Payload:        req.Payload,
		Tags:           req.Tags,
		Recipients:     req.Recipients,
	})
	if err != nil {
		a.fail(w, err, "enqueue message failed", "conversation_id", conv)
		return
	}
	if a.Drainer != nil {
		a.Drainer.Poke()
	}
	writeJSON(w, http.StatusAccepted, ComposeResponse{TaskID: task.ID, MessageID: task.MessageID, Status: task.Status})
}

func (a *API) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	task, err := a.Outbox.Task(r.Context(), id)
	if err != nil {
		a.fail(w, err, "get task failed", "task_id", id)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (a *API) handleHistory(w http.ResponseWriter, r *http.Request) {
	conv := mux.Vars(r)["id"]
	if !domain.ValidConversation(conv) {
		http.Error(w, ErrInvalidConversation, http.StatusBadRequest)
		return
	}
	q := domain.HistoryQuery{ConversationID: conv}
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, ErrInvalidQuery, http.StatusBadRequest)
			return
		}
		q.Limit = n
	}
	if v := r.URL.Query().Get("before"); v != "" {
		t, err := time.Parse(time.RFC3339Nano, v)
		if err != nil {
			http.Error(w, ErrInvalidQuery, http.StatusBadRequest)
			return
		}
		t = t.UTC()
		q.Before = &t
	}

	res, err := a.History.GetMessages(r.Context(), q)
	if err != nil {
		a.fail(w, err, "history query failed", "conversation_id", conv)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (a *API) handlePending(w http.ResponseWriter, r *http.Request) {
	pending, err := a.Trust.PendingSenders(r.Context())
	if err != nil {
		a.fail(w, err, "list pending senders failed")
		return
	}
	if pending == nil {
		pending = []domain.PendingSender{}
	}
	writeJSON(w, http.StatusOK, pending)
}

func (a *API) handleInspect(w http.ResponseWriter, r *http.Request) {
	sender := mux.Vars(r)["sender"]
	msgs, err := a.Trust.RetrieveForInspection(r.Context(), sender)
	if err != nil {
		a.fail(w, err, "inspect quarantine failed", "sender_id", sender)
		return
	}
	if len(msgs) == 0 {
		http.Error(w, ErrNotFound, http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (a *API) handleReject(w http.ResponseWriter, r *http.Request) {
	sender := mux.Vars(r)["sender"]
	n, err := a.Trust.Reject(r.Context(), sender)
	if err != nil {
		a.fail(w, err, "reject sender failed", "sender_id", sender)
		return
	}
	writeJSON(w, http.StatusOK, RejectResponse{SenderID: sender, Rejected: n})
}

func (a *API) handleBlock(w http.ResponseWriter, r *http.Request) {
	sender := mux.Vars(r)["sender"]
	n, err := a.Trust.Block(r.Context(), sender)
	if err != nil {
		a.fail(w, err, "block sender failed", "sender_id", sender)
		return
	}
	writeJSON(w, http.StatusOK, RejectResponse{SenderID: sender, Rejected: n})
}

func (a *API) fail(w http.ResponseWriter, err error, msg string, attrs ...any) {
	status, public := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.logger().Error(msg, append(attrs, "err", err)...)
	}
	http.Error(w, public, status)
}

var defaultValidate = validator.New(validator.WithRequiredStructEnabled())

func (a *API) validate() *validator.Validate {
	if a.Validate == nil {
		return defaultValidate
	}
	return a.Validate
}

func (a *API) logger() *slog.Logger {
	if a.Logger != nil {
		return a.Logger
	}
	return slog.Default()
}
