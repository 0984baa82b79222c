// Package metrics exposes the server's Prometheus collectors and the
// /metrics listener.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
)

var (
	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "haven_active_sessions",
		Help: "Currently connected WebSocket sessions.",
	})

	FramesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_frames_total",
		Help: "Inbound frames processed, by type.",
	}, []string{"type"})

	RateLimitDrops = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haven_rate_limit_drops_total",
		Help: "Frames dropped by the per-session rate limit.",
	})

	PairRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_pair_requests_total",
		Help: "Pair requests by outcome.",
	}, []string{"outcome"})

	CachedChunks = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "haven_cached_chunks",
		Help: "Chunks currently held in the relay cache.",
	})

	ChunkCacheHits = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_chunk_cache_requests_total",
		Help: "Chunk requests by result (hit, miss, coalesced, no_source).",
	}, []string{"result"})

	ChunkPulls = promauto.NewCounter(prometheus.CounterOpts{
		Name: "haven_chunk_pulls_total",
		Help: "chunk_pull frames dispatched to source peers.",
	})

	AttestOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "haven_attestation_total",
		Help: "Attestation verifications by outcome.",
	}, []string{"outcome"})
)

// Serve runs the metrics listener until ctx is canceled.
func Serve(ctx context.Context, addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("Metrics server listening")
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Metrics server failed")
	}
}
