package app

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/dataroom/internal/completion"
	"github.com/ashureev/dataroom/internal/config"
)

const planReply = `{"type":"plan","steps":["1. Group by Region","2. Sum Sales"],"consultant_note":"Compare regions."}`

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		Port:        "0",
		DBPath:      filepath.Join(dir, "db", "dataroom.db"),
		LogLevel:    "info",
		SessionTTL:  time.Hour,
		ChartDir:    filepath.Join(dir, "charts"),
		CORSOrigins: []string{"*"},
		Upload:      config.UploadConfig{MaxBytes: 1 << 20, Extensions: []string{".csv", ".xlsx"}},
		Planner:     config.PlannerConfig{Provider: "gemini", Model: "test-model", HistoryWindow: 5},
		Engine:      config.EngineConfig{Backend: "fake", Model: "test-engine", Timeout: time.Minute},
		RateLimit:   config.RateLimitConfig{Requests: 10, Window: time.Minute},
	}
}

func stubCompletion() completion.Service {
	return completion.ServiceFunc(func(context.Context, completion.Request) (string, error) {
		return planReply, nil
	})
}

func TestBuildServesConversation(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	spa := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "<html>room</html>")
	})

	srv, err := Build(context.Background(), cfg, spa, Deps{Completion: stubCompletion()})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	t.Cleanup(func() {
		if err := srv.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})

	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(ts.Close)

	jar, err := cookiejar.New(nil)
	if err != nil {
		t.Fatal(err)
	}
	client := &http.Client{Jar: jar, Timeout: 10 * time.Second}

	do := func(method, path string, body io.Reader, contentType string) (int, string) {
		t.Helper()
		req, err := http.NewRequest(method, ts.URL+path, body)
		if err != nil {
			t.Fatal(err)
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		req.Header.Set("X-Dataroom-Session-ID", "tab-1")
		resp, err := client.Do(req)
		if err != nil {
			t.Fatalf("%s %s: %v", method, path, err)
		}
		defer resp.Body.Close()
		b, _ := io.ReadAll(resp.Body)
		return resp.StatusCode, string(b)
	}

	if code, body := do(http.MethodGet, "/api/health", nil, ""); code != http.StatusOK || !strings.Contains(body, `"database":"ok"`) {
		t.Fatalf("health: %d %s", code, body)
	}
	if code, _ := do(http.MethodGet, "/health", nil, ""); code != http.StatusOK {
		t.Fatalf("heartbeat: %d", code)
	}
	if code, body := do(http.MethodGet, "/", nil, ""); code != http.StatusOK || !strings.Contains(body, "room") {
		t.Fatalf("spa: %d %s", code, body)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "sales.csv")
	if err != nil {
		t.Fatal(err)
	}
	_, _ = io.WriteString(fw, "Region,Sales\nWest,10\nEast,20\n")
	_ = mw.Close()
	if code, body := do(http.MethodPost, "/api/dataset", &buf, mw.FormDataContentType()); code != http.StatusOK {
		t.Fatalf("upload: %d %s", code, body)
	}

	chat, _ := json.Marshal(map[string]string{"message": "plot sales by region"})
	code, body := do(http.MethodPost, "/api/chat", bytes.NewReader(chat), "application/json")
	if code != http.StatusOK || !strings.Contains(body, `"status":"answered"`) {
		t.Fatalf("chat: %d %s", code, body)
	}

	if code, body := do(http.MethodGet, "/api/charts", nil, ""); code != http.StatusOK || !strings.Contains(body, "Visual 1_0") {
		t.Fatalf("charts: %d %s", code, body)
	}

	if srv.Registry.Len() != 1 {
		t.Fatalf("registry sessions = %d, want 1", srv.Registry.Len())
	}
	if n := srv.Sweeper.Sweep(context.Background()); n != 0 {
		t.Fatalf("fresh session swept: %d", n)
	}
}

func TestBuildCoreRejectsUnknownBackend(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.Engine.Backend = "quantum"
	if _, err := BuildCore(context.Background(), cfg, Deps{Completion: stubCompletion()}); err == nil {
		t.Fatal("expected error for unknown backend")
	}
}

func TestBuildCoreMissingPromptsFile(t *testing.T) {
	t.Parallel()

	cfg := testConfig(t)
	cfg.PromptsFile = filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := BuildCore(context.Background(), cfg, Deps{Completion: stubCompletion()}); err == nil {
		t.Fatal("expected error for missing prompts file")
	}
}
