package engine

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/ashureev/dataroom/internal/dataset"
	"github.com/ashureev/dataroom/internal/domain"
	"github.com/ashureev/dataroom/internal/prompts"
)

func testFrame(t *testing.T) *dataset.Frame {
	t.Helper()
	f, err := dataset.LoadCSV("sales.csv", strings.NewReader("Region,Sales\nWest,10\nEast,20\n"))
	if err != nil {
		t.Fatalf("LoadCSV: %v", err)
	}
	return f
}

func startSidecar(t *testing.T, fn ExecuteFunc) *GrpcEngine {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	RegisterAnalysisServer(srv, fn)
	hs := health.NewServer()
	hs.SetServingStatus(ServiceName, grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	cfg := DefaultGrpcConfig("passthrough:///bufnet")
	cfg.ChartDir = "exports/charts"
	cfg.DialOptions = []grpc.DialOption{
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
	}
	eng, err := NewGrpcEngine(cfg, nil)
	if err != nil {
		t.Fatalf("NewGrpcEngine: %v", err)
	}
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func TestGrpcEngineExecute(t *testing.T) {
	t.Parallel()

	var got map[string]any
	eng := startSidecar(t, func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		got = req.AsMap()
		return structpb.NewStruct(map[string]any{"type": "number", "value": 1234.5})
	})

	res, err := eng.Execute(context.Background(), Request{
		Dataset:  testFrame(t),
		Prompt:   "PLAN",
		Question: "total sales",
		Model:    "gemini/gemini-2.5-flash",
	})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"type": "number", "value": 1234.5}, res.Raw); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}

	want := map[string]any{
		"model":        "gemini/gemini-2.5-flash",
		"prompt":       "PLAN",
		"question":     "total sales",
		"dataset_name": "sales.csv",
		"dataset_csv":  "Region,Sales\nWest,10\nEast,20\n",
		"chart_dir":    "exports/charts",
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("request mismatch (-want +got):\n%s", diff)
	}

	if err := eng.Health(context.Background()); err != nil {
		t.Fatalf("Health returned error: %v", err)
	}
}

func TestGrpcEngineErrors(t *testing.T) {
	t.Parallel()

	eng := startSidecar(t, func(_ context.Context, req *structpb.Struct) (*structpb.Struct, error) {
		switch req.AsMap()["question"] {
		case "remote":
			return structpb.NewStruct(map[string]any{"error_code": "CODE_ERROR", "error_message": "KeyError: 'Sales'"})
		case "unavailable":
			return nil, status.Error(codes.Unavailable, "model down")
		default:
			return nil, status.Error(codes.Internal, "boom")
		}
	})

	_, err := eng.Execute(context.Background(), Request{Dataset: testFrame(t), Question: "remote"})
	var re *RemoteError
	if !errors.As(err, &re) || re.Code != "CODE_ERROR" || re.Message != "KeyError: 'Sales'" {
		t.Fatalf("expected remote error, got %v", err)
	}

	_, err = eng.Execute(context.Background(), Request{Dataset: testFrame(t), Question: "unavailable"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}

	_, err = eng.Execute(context.Background(), Request{Dataset: testFrame(t), Question: "internal"})
	if !errors.As(err, &re) || re.Code != codes.Internal.String() {
		t.Fatalf("expected internal remote error, got %v", err)
	}
}

func TestExecuteRequiresDataset(t *testing.T) {
	t.Parallel()

	eng := startSidecar(t, func(context.Context, *structpb.Struct) (*structpb.Struct, error) {
		t.Error("sidecar should not be called")
		return nil, nil
	})
	if _, err := eng.Execute(context.Background(), Request{Question: "q"}); err == nil {
		t.Fatal("expected error without dataset")
	}
}

func TestResultFromWire(t *testing.T) {
	t.Parallel()

	res, err := resultFromWire(map[string]any{"value": "plain text"})
	if err != nil || res.Raw != "plain text" {
		t.Fatalf("got %#v, %v", res.Raw, err)
	}

	res, err = resultFromWire(map[string]any{"type": "plot", "value": "exports/charts/a.png"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if diff := cmp.Diff(map[string]any{"type": "plot", "value": "exports/charts/a.png"}, res.Raw); diff != "" {
		t.Fatalf("typed result mismatch (-want +got):\n%s", diff)
	}

	if _, err := resultFromWire(map[string]any{"error_message": "bad"}); err == nil {
		t.Fatal("expected remote error")
	}
}

func TestHostChartPaths(t *testing.T) {
	t.Parallel()

	in := map[string]any{
		"type":  "plot",
		"value": "Saved to /charts/chart_1.png and exports/charts/keep.png",
		"list":  []any{"/charts/b.png", 3.0},
	}
	got := hostChartPaths(in, "/srv/dataroom/charts")
	want := map[string]any{
		"type":  "plot",
		"value": "Saved to /srv/dataroom/charts/chart_1.png and exports/charts/keep.png",
		"list":  []any{"/srv/dataroom/charts/b.png", 3.0},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("rewrite mismatch (-want +got):\n%s", diff)
	}
}

func TestFakeDescribesColumns(t *testing.T) {
	t.Parallel()

	f := NewFake()
	res, err := f.Execute(context.Background(), Request{Dataset: testFrame(t), Question: "what columns are there"})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	want := []any{
		map[string]any{"column": "Region", "dtype": "object"},
		map[string]any{"column": "Sales", "dtype": "int64"},
	}
	if diff := cmp.Diff(want, res.Raw); diff != "" {
		t.Fatalf("result mismatch (-want +got):\n%s", diff)
	}
	if f.Calls() != 1 {
		t.Fatalf("expected 1 call, got %d", f.Calls())
	}
}

func TestFakeDrawsChart(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	res, err := NewFake().Execute(context.Background(), Request{Dataset: testFrame(t), Question: "plot sales", ChartDir: dir})
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	text, ok := res.Raw.(string)
	if !ok {
		t.Fatalf("expected text result, got %T", res.Raw)
	}
	lines := strings.Split(text, "\n")
	chart := lines[len(lines)-1]
	if !strings.HasSuffix(chart, ".png") {
		t.Fatalf("expected chart path on last line, got %q", chart)
	}
	if _, err := os.Stat(chart); err != nil {
		t.Fatalf("chart not written: %v", err)
	}
}

func TestExecutorRendersPrompt(t *testing.T) {
	t.Parallel()

	var seen Request
	fake := NewFakeFunc(func(_ context.Context, req Request) (Result, error) {
		seen = req
		return Result{Raw: 42.0}, nil
	})
	x := NewExecutor(fake, prompts.Default(), ExecutorConfig{Model: "gemini/gemini-2.5-flash", ChartDir: "exports/charts"})

	plan := domain.ExecutionPlan{Steps: []string{"1. Sum Sales"}, Note: "Total only."}
	raw, err := x.Execute(context.Background(), testFrame(t), plan, "total sales?")
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if raw != 42.0 {
		t.Fatalf("unexpected raw result %#v", raw)
	}
	if seen.Question != "total sales?" || seen.Model != "gemini/gemini-2.5-flash" {
		t.Fatalf("unexpected request %+v", seen)
	}
	if !strings.Contains(seen.Prompt, "1. Sum Sales\n\n**Consultant's Note:** Total only.") {
		t.Fatalf("plan not rendered into prompt:\n%s", seen.Prompt)
	}
}

func TestExecutorWrapsEngineErrors(t *testing.T) {
	t.Parallel()

	fake := NewFakeFunc(func(context.Context, Request) (Result, error) {
		return Result{}, ErrUnavailable
	})
	x := NewExecutor(fake, nil, ExecutorConfig{})
	if _, err := x.Execute(context.Background(), testFrame(t), domain.ExecutionPlan{}, "q"); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestFromConfigFake(t *testing.T) {
	t.Parallel()

	eng, err := FromConfig(Config{Backend: BackendFake}, nil)
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}
	if _, ok := eng.(*Fake); !ok {
		t.Fatalf("expected *Fake, got %T", eng)
	}
	if _, err := FromConfig(Config{Backend: "carrier-pigeon"}, nil); err == nil {
		t.Fatal("expected error for unknown backend")
	}
	if PromptChartDir(BackendDocker, "exports/charts") != SandboxChartDir {
		t.Fatal("expected sandbox chart dir for docker backend")
	}
}

func TestSandboxDirsAreShared(t *testing.T) {
	t.Parallel()

	work := t.TempDir()
	runDir, err := prepareRunDir(work)
	if err != nil {
		t.Fatalf("prepareRunDir: %v", err)
	}
	if filepath.Dir(runDir) != work || !strings.HasPrefix(filepath.Base(runDir), "run-") {
		t.Fatalf("run dir %q not under %q", runDir, work)
	}

	chartDir := filepath.Join(t.TempDir(), "exports", "charts")
	if err := shareWithSandbox(chartDir); err != nil {
		t.Fatalf("shareWithSandbox: %v", err)
	}
	// A second call on an existing, tighter dir must widen it again.
	if err := os.Chmod(chartDir, 0o700); err != nil {
		t.Fatal(err)
	}
	if err := shareWithSandbox(chartDir); err != nil {
		t.Fatalf("shareWithSandbox existing: %v", err)
	}

	for _, dir := range []string{runDir, chartDir} {
		info, err := os.Stat(dir)
		if err != nil {
			t.Fatalf("stat %s: %v", dir, err)
		}
		if got := info.Mode().Perm(); got != 0o777 {
			t.Errorf("%s mode = %o, want 777", dir, got)
		}
	}
}
