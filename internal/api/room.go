package api

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/ashureev/dataroom/internal/dataset"
	"github.com/ashureev/dataroom/internal/domain"
	"github.com/ashureev/dataroom/internal/identity"
	"github.com/ashureev/dataroom/internal/orchestrator"
	"github.com/ashureev/dataroom/internal/session"
	"github.com/ashureev/dataroom/internal/store"
)

const (
	maxChatBodySize     = 64 * 1024
	multipartOverhead   = 1 << 20
	multipartMaxMemory  = 32 << 20
	uploadFormFieldName = "file"
)

// ClientConfig is the configuration exposed to the frontend.
type ClientConfig struct {
	UploadExtensions []string `json:"upload_extensions"`
	UploadMaxBytes   int64    `json:"upload_max_bytes"`
	PlannerProvider  string   `json:"planner_provider"`
	PlannerModel     string   `json:"planner_model"`
	EngineBackend    string   `json:"engine_backend"`
	EngineModel      string   `json:"engine_model"`
	SessionTTL       int64    `json:"session_ttl"`
}

// RoomOptions wires a RoomHandler.
type RoomOptions struct {
	Repo         store.Repository
	Registry     *session.Registry
	Orchestrator *orchestrator.Orchestrator
	Policy       dataset.UploadPolicy
	Limiter      *RateLimiter
	Client       ClientConfig
	Logger       *slog.Logger
}

// RoomHandler serves the dataset, chat and gallery endpoints.
type RoomHandler struct {
	repo     store.Repository
	registry *session.Registry
	orch     *orchestrator.Orchestrator
	policy   dataset.UploadPolicy
	limiter  *RateLimiter
	client   ClientConfig
	logger   *slog.Logger
}

// NewRoomHandler creates a RoomHandler.
func NewRoomHandler(opts RoomOptions) *RoomHandler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &RoomHandler{
		repo:     opts.Repo,
		registry: opts.Registry,
		orch:     opts.Orchestrator,
		policy:   opts.Policy,
		limiter:  opts.Limiter,
		client:   opts.Client,
		logger:   opts.Logger,
	}
}

// RegisterRoutes registers the room routes.
func (h *RoomHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api", func(r chi.Router) {
		r.Get("/me", h.GetMe)
		r.Get("/config", h.GetConfig)
		r.Get("/dataset", h.GetDataset)
		r.Post("/dataset", h.UploadDataset)
		r.Post("/chat", h.Chat)
		r.Post("/chat/retry", h.Retry)
		r.Post("/chat/redo", h.Redo)
		r.Get("/chat/history", h.History)
		r.Delete("/chat/history", h.ClearHistory)
		r.Get("/charts", h.Charts)
		r.Get("/charts/{name}", h.Chart)
	})
}

func (h *RoomHandler) state(r *http.Request) *session.State {
	st := h.registry.Get(identity.UserIDFromContext(r.Context()), identity.SessionIDFromContext(r.Context()))
	st.Touch()
	return st
}

// GetMe returns the caller's identity.
func (h *RoomHandler) GetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	resp := map[string]any{
		"user_id":     userID,
		"username":    identity.UsernameFromContext(r.Context()),
		"session_id":  identity.SessionIDFromContext(r.Context()),
		"session_ttl": h.client.SessionTTL,
	}
	if h.repo != nil {
		user, err := h.repo.GetUser(r.Context(), userID)
		if err != nil || user == nil {
			Error(w, http.StatusUnauthorized, "user not found")
			return
		}
		resp["username"] = user.Username
		resp["created_at"] = user.CreatedAt
	}
	JSON(w, http.StatusOK, resp)
}

// GetConfig returns the server configuration for the frontend.
func (h *RoomHandler) GetConfig(w http.ResponseWriter, _ *http.Request) {
	JSON(w, http.StatusOK, h.client)
}

type datasetResponse struct {
	Name    string           `json:"name"`
	Rows    int              `json:"rows"`
	Columns []dataset.Column `json:"columns"`
	Schema  string           `json:"schema"`
}

func describeDataset(f *dataset.Frame) datasetResponse {
	return datasetResponse{
		Name:    f.Name,
		Rows:    f.Len(),
		Columns: f.Columns,
		Schema:  dataset.Summarize(f),
	}
}

// GetDataset describes the dataset attached to the session.
func (h *RoomHandler) GetDataset(w http.ResponseWriter, r *http.Request) {
	f := h.state(r).Dataset()
	if f == nil {
		Error(w, http.StatusNotFound, "no dataset loaded")
		return
	}
	JSON(w, http.StatusOK, describeDataset(f))
}

// UploadDataset validates, loads and attaches an uploaded table.
func (h *RoomHandler) UploadDataset(w http.ResponseWriter, r *http.Request) {
	st := h.state(r)
	r.Body = http.MaxBytesReader(w, r.Body, h.policy.MaxBytes+multipartOverhead)

	if err := r.ParseMultipartForm(multipartMaxMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeValidation(w, h.policy.Validate("upload"+firstExt(h.policy), h.policy.MaxBytes+1))
			return
		}
		Error(w, http.StatusBadRequest, "invalid multipart upload")
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile(uploadFormFieldName)
	if err != nil {
		Error(w, http.StatusBadRequest, "file is required")
		return
	}
	defer func() { _ = file.Close() }()

	if err := h.policy.Validate(header.Filename, header.Size); err != nil {
		writeValidation(w, err)
		return
	}

	frame, err := dataset.Load(header.Filename, file)
	if err != nil {
		h.logger.Warn("Dataset load failed", "error", err, "file", header.Filename, "user_id", st.UserID)
		if dataset.IsValidation(err) {
			writeValidation(w, err)
			return
		}
		Error(w, http.StatusBadRequest, "could not read file: "+err.Error())
		return
	}

	st.SetDataset(frame)
	h.logger.Info("Dataset loaded",
		"user_id", st.UserID,
		"session_id", st.SessionID,
		"file", frame.Name,
		"rows", frame.Len(),
		"columns", len(frame.Columns))
	JSON(w, http.StatusOK, describeDataset(frame))
}

func firstExt(p dataset.UploadPolicy) string {
	if len(p.Extensions) > 0 {
		return p.Extensions[0]
	}
	return ".csv"
}

func writeValidation(w http.ResponseWriter, err error) {
	var ve *dataset.ValidationError
	if errors.As(err, &ve) && ve.TooLarge {
		Error(w, http.StatusRequestEntityTooLarge, ve.Reason)
		return
	}
	Error(w, http.StatusBadRequest, err.Error())
}

// ChatRequest is the body of POST /api/chat.
type ChatRequest struct {
	Message string `json:"message"`
}

type turnResponse struct {
	orchestrator.Outcome
	Retryable bool     `json:"retryable"`
	Actions   []string `json:"actions"`
}

func newTurnResponse(out orchestrator.Outcome) turnResponse {
	resp := turnResponse{Outcome: out, Actions: []string{}}
	if out.RetryAvailable {
		resp.Retryable = true
		resp.Actions = append(resp.Actions, "retry")
	}
	if out.RedoAvailable {
		resp.Actions = append(resp.Actions, "redo")
	}
	return resp
}

func (h *RoomHandler) allow(w http.ResponseWriter, r *http.Request) bool {
	if h.limiter == nil {
		return true
	}
	if !h.limiter.Allow(identity.UserIDFromContext(r.Context())) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

// Chat starts a turn for a new question.
func (h *RoomHandler) Chat(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	var req ChatRequest
	if !DecodeJSON(w, r, maxChatBodySize, &req) {
		return
	}

	st := h.state(r)
	out, err := h.orch.Submit(r.Context(), st, req.Message)
	h.writeTurn(w, st, out, err)
}

// Retry re-runs the last failed question.
func (h *RoomHandler) Retry(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	st := h.state(r)
	out, err := h.orch.Retry(r.Context(), st)
	h.writeTurn(w, st, out, err)
}

// Redo regenerates the last answer with a different approach.
func (h *RoomHandler) Redo(w http.ResponseWriter, r *http.Request) {
	if !h.allow(w, r) {
		return
	}
	st := h.state(r)
	out, err := h.orch.Redo(r.Context(), st)
	h.writeTurn(w, st, out, err)
}

func (h *RoomHandler) writeTurn(w http.ResponseWriter, st *session.State, out orchestrator.Outcome, err error) {
	if err != nil {
		status := turnErrorStatus(err)
		if status == http.StatusInternalServerError {
			h.logger.Error("Turn rejected", "error", err, "user_id", st.UserID, "session_id", st.SessionID)
		}
		Error(w, status, err.Error())
		return
	}
	JSON(w, http.StatusOK, newTurnResponse(out))
}

func turnErrorStatus(err error) int {
	switch {
	case errors.Is(err, session.ErrTurnInProgress),
		errors.Is(err, orchestrator.ErrNothingToRetry),
		errors.Is(err, orchestrator.ErrNothingToRedo):
		return http.StatusConflict
	case errors.Is(err, orchestrator.ErrNoDataset),
		errors.Is(err, orchestrator.ErrEmptyQuestion):
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

type historyResponse struct {
	Messages       []domain.Message  `json:"messages"`
	Phase          session.Phase     `json:"phase"`
	Flags          session.TurnFlags `json:"flags"`
	RetryAvailable bool              `json:"retry_available"`
	RedoAvailable  bool              `json:"redo_available"`
}

// History returns the session's conversation.
func (h *RoomHandler) History(w http.ResponseWriter, r *http.Request) {
	st := h.state(r)
	msgs := st.Messages()
	if msgs == nil {
		msgs = []domain.Message{}
	}
	JSON(w, http.StatusOK, historyResponse{
		Messages:       msgs,
		Phase:          st.Phase(),
		Flags:          st.Flags(),
		RetryAvailable: st.CanRetry(),
		RedoAvailable:  st.CanRedo(),
	})
}

// ClearHistory empties the conversation, keeping cached charts.
func (h *RoomHandler) ClearHistory(w http.ResponseWriter, r *http.Request) {
	st := h.state(r)
	if err := h.orch.Clear(st); err != nil {
		Error(w, turnErrorStatus(err), err.Error())
		return
	}
	JSON(w, http.StatusOK, map[string]any{"status": "cleared", "cleared_at": time.Now().UTC()})
}
