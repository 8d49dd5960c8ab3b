package engine

import (
	"fmt"
	"log/slog"
	"time"
)

// Config selects and configures an Engine backend.
type Config struct {
	Backend  Backend
	Addr     string
	Image    string
	Runtime  string
	WorkDir  string
	ChartDir string
	Network  string
	Env      map[string]string
	Connect  time.Duration
}

// FromConfig builds the configured backend.
func FromConfig(cfg Config, logger *slog.Logger) (Engine, error) {
	switch cfg.Backend {
	case BackendGRPC:
		gc := DefaultGrpcConfig(cfg.Addr)
		gc.ChartDir = cfg.ChartDir
		if cfg.Connect > 0 {
			gc.ConnectTimeout = cfg.Connect
		}
		eng, err := NewGrpcEngine(gc, logger)
		if err != nil {
			return nil, err
		}
		return eng, nil
	case BackendDocker:
		eng, err := NewDockerEngine(DockerConfig{
			Image:    cfg.Image,
			Runtime:  cfg.Runtime,
			WorkDir:  cfg.WorkDir,
			ChartDir: cfg.ChartDir,
			Network:  cfg.Network,
			Env:      cfg.Env,
		}, logger)
		if err != nil {
			return nil, err
		}
		return eng, nil
	case BackendFake, "":
		return NewFake(), nil
	default:
		return nil, fmt.Errorf("engine: unknown backend %q", cfg.Backend)
	}
}

// PromptChartDir is the chart directory named in engine instructions. Sandboxed
// runs see the chart directory at its mount point.
func PromptChartDir(backend Backend, hostChartDir string) string {
	if backend == BackendDocker {
		return SandboxChartDir
	}
	return hostChartDir
}
