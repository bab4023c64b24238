package server

import (
	"fmt"
	"os"

	"github.com/openmined/dirsync/internal/server/dispatch"
	"github.com/openmined/dirsync/internal/server/metrics"
	"github.com/openmined/dirsync/internal/server/session"
)

type Services struct {
	Registry   *session.Registry
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics
}

func NewServices(config *Config) (*Services, error) {
	if err := os.MkdirAll(config.Root, 0o755); err != nil {
		return nil, fmt.Errorf("create root: %w", err)
	}

	registry := session.NewRegistry(config.Root)
	metricsSvc := metrics.New(registry)
	dispatcher := dispatch.New(registry, metricsSvc)

	return &Services{
		Registry:   registry,
		Dispatcher: dispatcher,
		Metrics:    metricsSvc,
	}, nil
}
