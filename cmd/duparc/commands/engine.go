package commands

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/duparc/duparc/internal/logger"
	"github.com/duparc/duparc/pkg/config"
	"github.com/duparc/duparc/pkg/dedupe/codec"
	"github.com/duparc/duparc/pkg/dedupe/engine"
	"github.com/duparc/duparc/pkg/dedupe/hash128"
	"github.com/duparc/duparc/pkg/dedupe/stats"
)

// buildEngine wires an Engine from configuration: the default zstd codec
// and blake2b hash factory, plus a Prometheus collector started on
// cfg.Metrics.Addr when metrics are enabled. No scrape server is started
// unless the config asks for one — the dedupe core itself never opens a
// listening socket.
func buildEngine(cfg *config.Config) (*engine.Engine, error) {
	var collector *stats.Collector
	if cfg.Metrics.Enabled {
		reg := prometheus.NewRegistry()
		collector = stats.New(reg)
		go serveMetrics(cfg.Metrics.Addr, reg)
	}

	eng, err := engine.New(engine.Config{
		SmallBlock: cfg.Dedupe.SmallBlock,
		LargeBlock: cfg.Dedupe.LargeBlock,
		Memory:     cfg.Dedupe.Memory.Uint64(),
		HashSeed:   cfg.Dedupe.HashSeed,
		CodecLevel: cfg.Dedupe.CodecLevel,
		Workers:    cfg.Pipeline.Workers,

		IterativeResolve: cfg.Dedupe.IterativeResolve,
	}, codec.NewZstd(), hash128.NewBlake2b, collector)
	if err != nil {
		return nil, paramsErr(fmt.Errorf("building engine: %w", err))
	}
	return eng, nil
}

func serveMetrics(addr string, reg *prometheus.Registry) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	logger.Info("metrics server listening", "addr", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Error("metrics server stopped", "error", err)
	}
}
