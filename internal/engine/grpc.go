package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/connectivity"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	// ServiceName is the gRPC service the analysis sidecar registers.
	ServiceName   = "dataroom.engine.v1.AnalysisEngine"
	executeMethod = "/" + ServiceName + "/Execute"
)

var (
	errConnectionShutdown       = errors.New("connection shutdown")
	errConnectionStateUnchanged = errors.New("connection state did not change")
)

// GrpcConfig holds configuration for the gRPC engine client.
type GrpcConfig struct {
	Address          string
	ChartDir         string
	ConnectTimeout   time.Duration
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration
	// DialOptions are appended to the defaults, e.g. a custom dialer.
	DialOptions []grpc.DialOption
}

// DefaultGrpcConfig returns default configuration for addr.
func DefaultGrpcConfig(addr string) GrpcConfig {
	return GrpcConfig{
		Address:          addr,
		ConnectTimeout:   5 * time.Second,
		KeepaliveTime:    2 * time.Minute,
		KeepaliveTimeout: 10 * time.Second,
	}
}

// GrpcEngine talks to an analysis sidecar over gRPC. Requests and responses
// are google.protobuf.Struct messages.
type GrpcEngine struct {
	conn     *grpc.ClientConn
	health   grpc_health_v1.HealthClient
	addr     string
	chartDir string
	logger   *slog.Logger
}

// NewGrpcEngine connects to the sidecar and waits until the connection is ready.
func NewGrpcEngine(cfg GrpcConfig, logger *slog.Logger) (*GrpcEngine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Address == "" {
		return nil, errors.New("engine: grpc address is required")
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 5 * time.Second
	}

	kacp := keepalive.ClientParameters{
		Time:                cfg.KeepaliveTime,
		Timeout:             cfg.KeepaliveTimeout,
		PermitWithoutStream: false,
	}
	opts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(kacp),
	}, cfg.DialOptions...)

	conn, err := grpc.NewClient(cfg.Address, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to analysis engine at %s: %w", cfg.Address, err)
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), cfg.ConnectTimeout)
	defer cancel()
	if err := waitForReady(connectCtx, conn); err != nil {
		if closeErr := conn.Close(); closeErr != nil {
			logger.Warn("failed to close gRPC connection after readiness failure", "error", closeErr)
		}
		return nil, fmt.Errorf("%w: engine at %s not ready: %v", ErrUnavailable, cfg.Address, err)
	}

	logger.Info("Connected to analysis engine", "address", cfg.Address)

	return &GrpcEngine{
		conn:     conn,
		health:   grpc_health_v1.NewHealthClient(conn),
		addr:     cfg.Address,
		chartDir: cfg.ChartDir,
		logger:   logger,
	}, nil
}

func waitForReady(ctx context.Context, conn *grpc.ClientConn) error {
	for {
		state := conn.GetState()
		switch state {
		case connectivity.Ready:
			return nil
		case connectivity.Idle:
			conn.Connect()
		case connectivity.Shutdown:
			return errConnectionShutdown
		}

		if !conn.WaitForStateChange(ctx, state) {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("%w from %s", errConnectionStateUnchanged, state)
		}
	}
}

// Execute sends one analysis request.
func (g *GrpcEngine) Execute(ctx context.Context, req Request) (Result, error) {
	chartDir := req.ChartDir
	if g.chartDir != "" {
		chartDir = g.chartDir
	}
	wire, err := requestToWire(req, chartDir)
	if err != nil {
		return Result{}, err
	}
	in, err := structpb.NewStruct(wire)
	if err != nil {
		return Result{}, fmt.Errorf("encode request: %w", err)
	}

	out := new(structpb.Struct)
	if err := g.conn.Invoke(ctx, executeMethod, in, out); err != nil {
		return Result{}, fromStatus(err)
	}
	return resultFromWire(out.AsMap())
}

// Health reports whether the sidecar's analysis service is serving.
func (g *GrpcEngine) Health(ctx context.Context) error {
	resp, err := g.health.Check(ctx, &grpc_health_v1.HealthCheckRequest{Service: ServiceName})
	if err != nil {
		return fmt.Errorf("health check failed: %w", fromStatus(err))
	}
	if resp.GetStatus() != grpc_health_v1.HealthCheckResponse_SERVING {
		return fmt.Errorf("%w: status %s", ErrUnavailable, resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection.
func (g *GrpcEngine) Close() error {
	if g.conn == nil {
		return nil
	}
	if err := g.conn.Close(); err != nil {
		g.logger.Warn("failed to close gRPC connection", "error", err)
		return err
	}
	return nil
}

func fromStatus(err error) error {
	st, ok := status.FromError(err)
	if !ok {
		return err
	}
	switch st.Code() {
	case codes.Unavailable:
		return fmt.Errorf("%w: %s", ErrUnavailable, st.Message())
	case codes.Canceled:
		return context.Canceled
	case codes.DeadlineExceeded:
		return context.DeadlineExceeded
	default:
		return &RemoteError{Code: st.Code().String(), Message: st.Message()}
	}
}

// ExecuteFunc handles Execute calls on the server side of the sidecar protocol.
type ExecuteFunc func(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)

// Execute calls f.
func (f ExecuteFunc) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	return f(ctx, req)
}

type analysisServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var analysisServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*analysisServer)(nil),
	Methods: []grpc.MethodDesc{{
		MethodName: "Execute",
		Handler:    executeHandler,
	}},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dataroom/engine/v1/engine.proto",
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(analysisServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: executeMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(analysisServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

// RegisterAnalysisServer registers an Execute handler on s. Sidecars written
// in Go and the tests use it; other sidecars implement the same method name.
func RegisterAnalysisServer(s grpc.ServiceRegistrar, fn ExecuteFunc) {
	s.RegisterService(&analysisServiceDesc, fn)
}
