//nolint:revive // "api" package name is intentionally concise for this layer.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/goleak"

	"github.com/ashureev/dataroom/internal/dataset"
	"github.com/ashureev/dataroom/internal/domain"
	"github.com/ashureev/dataroom/internal/engine"
	"github.com/ashureev/dataroom/internal/identity"
	"github.com/ashureev/dataroom/internal/orchestrator"
	"github.com/ashureev/dataroom/internal/result"
	"github.com/ashureev/dataroom/internal/session"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type stubPlanner struct{}

func (stubPlanner) Negotiate(_ context.Context, q, _ string, _ []domain.Message) (domain.Plan, error) {
	return domain.ExecutionPlan{Steps: []string{"1. " + q}}, nil
}

type client struct {
	t       *testing.T
	handler http.Handler
	cookie  *http.Cookie
}

func newClient(t *testing.T, limit int, maxBytes int64) *client {
	t.Helper()
	chartDir := t.TempDir()
	eng := engine.NewFake()
	orch := orchestrator.New(
		stubPlanner{},
		engine.NewExecutor(eng, nil, engine.ExecutorConfig{ChartDir: chartDir}),
		result.New(chartDir),
		orchestrator.Options{},
	)
	limiter := NewRateLimiter(limit, time.Minute)
	t.Cleanup(limiter.Close)

	room := NewRoomHandler(RoomOptions{
		Registry:     session.NewRegistry(),
		Orchestrator: orch,
		Policy:       dataset.UploadPolicy{MaxBytes: maxBytes, Extensions: []string{".csv", ".xlsx"}},
		Limiter:      limiter,
		Client:       ClientConfig{EngineBackend: "fake"},
	})

	r := chi.NewRouter()
	r.Use(identity.Middleware(nil, true))
	room.RegisterRoutes(r)
	NewHealthHandler(map[string]Pinger{"engine": PingFunc(eng.Health)}, 0).RegisterHealth(r)
	return &client{t: t, handler: r}
}

func (c *client) do(method, path string, body io.Reader, contentType string) *httptest.ResponseRecorder {
	c.t.Helper()
	req := httptest.NewRequest(method, path, body)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set(identity.SessionHeaderName, "tab-1")
	if c.cookie != nil {
		req.AddCookie(c.cookie)
	}
	rec := httptest.NewRecorder()
	c.handler.ServeHTTP(rec, req)
	for _, ck := range rec.Result().Cookies() {
		if ck.Name == identity.AnonCookieName {
			c.cookie = ck
		}
	}
	return rec
}

func (c *client) upload(name, content string) *httptest.ResponseRecorder {
	c.t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", name)
	if err != nil {
		c.t.Fatalf("CreateFormFile: %v", err)
	}
	_, _ = fw.Write([]byte(content))
	_ = mw.Close()
	return c.do(http.MethodPost, "/api/dataset", &buf, mw.FormDataContentType())
}

func (c *client) chat(msg string) *httptest.ResponseRecorder {
	body, _ := json.Marshal(ChatRequest{Message: msg})
	return c.do(http.MethodPost, "/api/chat", bytes.NewReader(body), "application/json")
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(rec.Body).Decode(&v); err != nil {
		t.Fatalf("decode %T: %v (body %q)", v, err, rec.Body.String())
	}
	return v
}

const salesCSV = "Region,Sales\nWest,10\nEast,20\n"

func TestUploadValidation(t *testing.T) {
	t.Parallel()

	c := newClient(t, 10, 64)

	rec := c.upload("notes.txt", "hello")
	if rec.Code != http.StatusBadRequest || !strings.Contains(rec.Body.String(), "Invalid file type. Allowed: .csv, .xlsx") {
		t.Fatalf("bad extension: %d %s", rec.Code, rec.Body.String())
	}

	rec = c.upload("big.csv", "a,b\n"+strings.Repeat("1,2\n", 40))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("oversized upload: %d %s", rec.Code, rec.Body.String())
	}

	rec = c.upload("empty.csv", "")
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("empty upload: %d %s", rec.Code, rec.Body.String())
	}

	if rec := c.do(http.MethodGet, "/api/dataset", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("expected no dataset, got %d", rec.Code)
	}
}

func TestChatRequiresDataset(t *testing.T) {
	t.Parallel()

	c := newClient(t, 10, 1<<20)
	if rec := c.chat("total sales"); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without dataset, got %d %s", rec.Code, rec.Body.String())
	}
	if rec := c.chat(""); rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for empty message, got %d", rec.Code)
	}
}

func TestConversationFlow(t *testing.T) {
	t.Parallel()

	c := newClient(t, 10, 1<<20)

	rec := c.upload("sales.csv", salesCSV)
	if rec.Code != http.StatusOK {
		t.Fatalf("upload: %d %s", rec.Code, rec.Body.String())
	}
	ds := decode[datasetResponse](t, rec)
	if ds.Rows != 2 || len(ds.Columns) != 2 || !strings.Contains(ds.Schema, "Sales (Type: int64, Sample: 10)") {
		t.Fatalf("unexpected dataset %+v", ds)
	}

	rec = c.chat("plot sales by region")
	if rec.Code != http.StatusOK {
		t.Fatalf("chat: %d %s", rec.Code, rec.Body.String())
	}
	turn := decode[turnResponse](t, rec)
	if turn.Status != orchestrator.StatusAnswered || len(turn.Message.Images) != 1 {
		t.Fatalf("unexpected turn %+v", turn)
	}
	if len(turn.Actions) != 1 || turn.Actions[0] != "redo" {
		t.Fatalf("actions = %v", turn.Actions)
	}
	chart := turn.Message.Images[0]

	rec = c.do(http.MethodGet, "/api/charts", nil, "")
	gallery := decode[map[string][]GalleryItem](t, rec)["charts"]
	if len(gallery) != 1 || gallery[0].Caption != "Visual 1_0: plot sales by region..." {
		t.Fatalf("gallery = %+v", gallery)
	}

	rec = c.do(http.MethodGet, "/api/charts/"+chart, nil, "")
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("chart download: %d %v", rec.Code, rec.Header())
	}
	if !strings.HasPrefix(rec.Header().Get("Content-Disposition"), "attachment") {
		t.Fatalf("disposition = %q", rec.Header().Get("Content-Disposition"))
	}

	if rec := c.do(http.MethodPost, "/api/chat/retry", nil, ""); rec.Code != http.StatusConflict {
		t.Fatalf("retry without failure: %d", rec.Code)
	}

	rec = c.do(http.MethodPost, "/api/chat/redo", nil, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("redo: %d %s", rec.Code, rec.Body.String())
	}
	hist := decode[historyResponse](t, c.do(http.MethodGet, "/api/chat/history", nil, ""))
	if len(hist.Messages) != 2 || !hist.RedoAvailable || hist.Phase != session.PhaseIdle {
		t.Fatalf("history after redo: %+v", hist)
	}

	if rec := c.do(http.MethodDelete, "/api/chat/history", nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("clear: %d", rec.Code)
	}
	hist = decode[historyResponse](t, c.do(http.MethodGet, "/api/chat/history", nil, ""))
	if len(hist.Messages) != 0 {
		t.Fatalf("history not cleared: %+v", hist.Messages)
	}
	if rec := c.do(http.MethodGet, "/api/charts/"+chart, nil, ""); rec.Code != http.StatusOK {
		t.Fatalf("cached chart lost on clear: %d", rec.Code)
	}
	if rec := c.do(http.MethodGet, "/api/charts/missing.png", nil, ""); rec.Code != http.StatusNotFound {
		t.Fatalf("missing chart: %d", rec.Code)
	}
}

func TestChatRateLimited(t *testing.T) {
	t.Parallel()

	c := newClient(t, 1, 1<<20)
	if rec := c.upload("sales.csv", salesCSV); rec.Code != http.StatusOK {
		t.Fatalf("upload: %d", rec.Code)
	}
	if rec := c.chat("total sales"); rec.Code != http.StatusOK {
		t.Fatalf("first chat: %d %s", rec.Code, rec.Body.String())
	}
	if rec := c.chat("total sales"); rec.Code != http.StatusTooManyRequests {
		t.Fatalf("second chat: %d", rec.Code)
	}
}

func TestMeConfigAndHealth(t *testing.T) {
	t.Parallel()

	c := newClient(t, 1, 1<<20)
	me := decode[map[string]any](t, c.do(http.MethodGet, "/api/me", nil, ""))
	if me["session_id"] != "tab-1" || me["user_id"] == "" {
		t.Fatalf("me = %v", me)
	}
	cfg := decode[ClientConfig](t, c.do(http.MethodGet, "/api/config", nil, ""))
	if cfg.EngineBackend != "fake" {
		t.Fatalf("config = %+v", cfg)
	}
	rec := c.do(http.MethodGet, "/api/health", nil, "")
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"engine":"ok"`) {
		t.Fatalf("health: %d %s", rec.Code, rec.Body.String())
	}
}

func TestTurnErrorStatus(t *testing.T) {
	t.Parallel()

	tests := []struct {
		err  error
		want int
	}{
		{session.ErrTurnInProgress, http.StatusConflict},
		{orchestrator.ErrNothingToRedo, http.StatusConflict},
		{orchestrator.ErrNothingToRetry, http.StatusConflict},
		{orchestrator.ErrNoDataset, http.StatusBadRequest},
		{io.ErrUnexpectedEOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := turnErrorStatus(tt.err); got != tt.want {
			t.Errorf("turnErrorStatus(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestRateLimiter(t *testing.T) {
	t.Parallel()

	rl := NewRateLimiter(2, time.Minute)
	defer rl.Close()
	if !rl.Allow("u1") || !rl.Allow("u1") || rl.Allow("u1") {
		t.Fatal("expected two requests allowed then throttled")
	}
	if !rl.Allow("u2") {
		t.Fatal("keys must be independent")
	}
	rl.Close()
}
