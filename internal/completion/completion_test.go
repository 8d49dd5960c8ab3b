package completion

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/openai/openai-go/option"
	"google.golang.org/genai"
)

type reply struct {
	Type    string   `json:"type" jsonschema:"enum=clarification,enum=plan"`
	Options []string `json:"options"`
}

func TestGenerateSchemaIsStrict(t *testing.T) {
	t.Parallel()

	s := GenerateSchema[reply]()
	if s["type"] != "object" {
		t.Fatalf("expected object schema, got %v", s["type"])
	}
	if s["additionalProperties"] != false {
		t.Fatalf("expected additionalProperties=false, got %v", s["additionalProperties"])
	}
	if _, ok := s["$schema"]; ok {
		t.Fatal("expected $schema to be stripped")
	}
	required, ok := s["required"].([]string)
	if !ok || len(required) != 2 {
		t.Fatalf("expected both properties required, got %#v", s["required"])
	}
}

func TestToGenAISchema(t *testing.T) {
	t.Parallel()

	got := toGenAISchema(GenerateSchema[reply]())
	want := &genai.Schema{
		Type: genai.TypeObject,
		Properties: map[string]*genai.Schema{
			"type":    {Type: genai.TypeString, Enum: []string{"clarification", "plan"}},
			"options": {Type: genai.TypeArray, Items: &genai.Schema{Type: genai.TypeString}},
		},
		PropertyOrdering: []string{"options", "type"},
		Required:         []string{"options", "type"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("schema mismatch (-want +got):\n%s", diff)
	}
}

func TestDecodeModelJSON(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		in      string
		want    reply
		wantErr bool
	}{
		{name: "plain", in: `{"type":"plan","options":[]}`, want: reply{Type: "plan", Options: []string{}}},
		{name: "fenced", in: "```json\n{\"type\":\"clarification\",\"options\":[\"a\"]}\n```", want: reply{Type: "clarification", Options: []string{"a"}}},
		{name: "prose", in: "Sure! {\"type\":\"plan\"} hope this helps", want: reply{Type: "plan"}},
		{name: "empty", in: "   ", wantErr: true},
		{name: "no object", in: "1. Do the thing", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			var got reply
			err := DecodeModelJSON(tt.in, &got)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("decode mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestRetryServiceRetriesRateLimit(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	svc := WithRetry(ServiceFunc(func(context.Context, Request) (string, error) {
		if calls.Add(1) < 3 {
			return "", errors.New("POST: 429 Too Many Requests")
		}
		return "ok", nil
	}), RetryPolicy{RateLimitWaits: []time.Duration{time.Millisecond, time.Millisecond}})

	out, err := svc.Complete(context.Background(), Request{Model: "m"})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if out != "ok" || calls.Load() != 3 {
		t.Fatalf("got %q after %d calls", out, calls.Load())
	}
}

func TestRetryServiceGivesUp(t *testing.T) {
	t.Parallel()

	svc := WithRetry(ServiceFunc(func(context.Context, Request) (string, error) {
		return "", errors.New("500 internal server error")
	}), RetryPolicy{ServerErrorWaits: []time.Duration{time.Millisecond}})

	_, err := svc.Complete(context.Background(), Request{})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestRetryServicePassesThroughOtherErrors(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	boom := errors.New("invalid api key")
	svc := WithRetry(ServiceFunc(func(context.Context, Request) (string, error) {
		calls.Add(1)
		return "", boom
	}), DefaultRetryPolicy())

	if _, err := svc.Complete(context.Background(), Request{}); !errors.Is(err, boom) {
		t.Fatalf("expected original error, got %v", err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestRetryServiceHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	svc := WithRetry(ServiceFunc(func(context.Context, Request) (string, error) {
		cancel()
		return "", errors.New("rate limit exceeded")
	}), RetryPolicy{RateLimitWaits: []time.Duration{time.Hour}})

	if _, err := svc.Complete(ctx, Request{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestOpenAICompleteSendsSchema(t *testing.T) {
	t.Parallel()

	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/responses") {
			http.NotFound(w, r)
			return
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &body)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{
			"id": "resp_1",
			"object": "response",
			"created_at": 1,
			"status": "completed",
			"model": "gpt-4.1-mini",
			"output": [{
				"type": "message",
				"id": "msg_1",
				"role": "assistant",
				"status": "completed",
				"content": [{"type": "output_text", "text": "{\"type\":\"plan\"}", "annotations": []}]
			}]
		}`)
	}))
	defer srv.Close()

	o := NewOpenAI("test-key", option.WithBaseURL(srv.URL+"/"), option.WithMaxRetries(0))
	out, err := o.Complete(context.Background(), Request{
		Model:      "gpt-4.1-mini",
		Prompt:     "plan this",
		SchemaName: "Plan",
		Schema:     GenerateSchema[reply](),
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if out != `{"type":"plan"}` {
		t.Fatalf("unexpected output %q", out)
	}

	text, _ := body["text"].(map[string]any)
	format, _ := text["format"].(map[string]any)
	if format["type"] != "json_schema" || format["name"] != "Plan" || format["strict"] != true {
		t.Fatalf("unexpected format sent: %#v", format)
	}
}

func TestNewRequiresAPIKey(t *testing.T) {
	t.Parallel()

	if _, err := New(context.Background(), Config{Provider: ProviderOpenAI}); err == nil {
		t.Fatal("expected error without api key")
	}
	if _, err := New(context.Background(), Config{Provider: "bogus", APIKey: "k"}); err == nil {
		t.Fatal("expected error for unknown provider")
	}
}
