package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/haventalk/haven-relay/internal/attestation"
	"github.com/haventalk/haven-relay/internal/channels"
	"github.com/haventalk/haven-relay/internal/chunkrelay"
	"github.com/haventalk/haven-relay/internal/config"
	"github.com/haventalk/haven-relay/internal/directory"
	"github.com/haventalk/haven-relay/internal/logging"
	"github.com/haventalk/haven-relay/internal/metrics"
	"github.com/haventalk/haven-relay/internal/pairing"
	"github.com/haventalk/haven-relay/internal/peers"
	"github.com/haventalk/haven-relay/internal/rendezvous"
	"github.com/haventalk/haven-relay/internal/ring"
	"github.com/haventalk/haven-relay/internal/server"
	"github.com/haventalk/haven-relay/internal/store"
	"github.com/haventalk/haven-relay/internal/sweeper"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// Version information (set at build time with -ldflags).
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:     "haven-relay",
	Short:   "haven-relay - signaling and relay server for the Haven messenger",
	Long:    `haven-relay coordinates pairing, rendezvous, chunk relay, and channel fan-out for peer-to-peer end-to-end encrypted messaging clients.`,
	Version: Version,
	Run: func(cmd *cobra.Command, args []string) {
		runServer()
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("haven-relay %s\n", Version)
		if BuildTime != "unknown" {
			fmt.Printf("Built: %s\n", BuildTime)
		}
		if GitCommit != "unknown" {
			fmt.Printf("Commit: %s\n", GitCommit)
		}
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runServer() {
	// Baseline logger for early startup; re-initialized once config is in.
	logging.Init(logging.Config{Format: "auto", Level: "info", Component: "haven-relay"})

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
	}

	logging.Init(logging.Config{Format: cfg.LogFormat, Level: cfg.LogLevel, Component: "haven-relay"})
	log.Info().Str("serverId", cfg.ServerID).Str("listen", cfg.ListenAddr).Msg("Starting haven-relay")

	st, err := store.Open(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer st.Close()

	identity, err := attestation.NewIdentity()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to generate server identity")
	}

	hashRing := buildRing(cfg, st)

	peerIndex := peers.NewIndex()
	pairingReg := pairing.New(pairing.Config{
		RequestTimeout: cfg.PairRequestTimeout,
		WarningTime:    cfg.PairRequestWarningTime,
		FanInCap:       cfg.PairFanInCap,
	}, logging.Component("pairing"))
	rendezvousReg := rendezvous.New(st, peerIndex, cfg.DailyTTL, cfg.HourlyTTL, cfg.ServerID, logging.Component("rendezvous"))
	chunkRelay := chunkrelay.New(chunkrelay.Config{
		CacheSize:  cfg.ChunkCacheSize,
		CacheTTL:   cfg.ChunkCacheTTL,
		SourceTTL:  cfg.ChunkSourceTTL,
		PayloadMax: cfg.ChunkPayloadMax,
	}, st, peerIndex, logging.Component("chunkrelay"))
	fanout := channels.New(cfg.UpstreamQueueCap, logging.Component("channels"))
	attestMgr := attestation.New(attestation.Config{
		BootstrapURL:    cfg.BootstrapURL,
		GracePeriod:     cfg.GracePeriod,
		SessionTokenTTL: cfg.SessionTokenTTL,
	}, logging.Component("attestation"))

	hub := server.NewHub(cfg, server.Deps{
		Pairing:    pairingReg,
		Rendezvous: rendezvousReg,
		Chunks:     chunkRelay,
		Channels:   fanout,
		Attest:     attestMgr,
		Identity:   identity,
		Ring:       hashRing,
		Peers:      peerIndex,
	}, logging.Component("server"))

	jobs := []sweeper.Job{
		{Name: "rendezvous-expiry", Every: cfg.RendezvousSweep, Run: rendezvousReg.Expire},
		{Name: "chunk-expiry", Every: cfg.RendezvousSweep, Run: chunkRelay.Expire},
	}
	if attestMgr.Enabled() {
		jobs = append(jobs, sweeper.Job{Name: "attestation-reaper", Every: cfg.AttestSweep, Run: hub.ReapUnattested})
	}
	sweep, err := sweeper.New(jobs, logging.Component("sweeper"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to schedule sweeps")
	}
	sweep.Start()
	defer sweep.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	httpSrv := &http.Server{Addr: cfg.ListenAddr, Handler: hub.Router()}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", cfg.ListenAddr).Msg("Relay listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("relay listener: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpSrv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		metrics.Serve(gctx, cfg.MetricsAddr)
		return nil
	})
	g.Go(func() error {
		announcer := directory.New(cfg.BootstrapURL, cfg.ServerID, cfg.Endpoint, identity.PublicKey(), cfg.HeartbeatInterval, logging.Component("directory"))
		err := announcer.Run(gctx)
		if err == context.Canceled {
			return nil
		}
		return err
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Server exited with error")
	}

	// Final sweep before the store closes.
	now := time.Now()
	rendezvousReg.Expire(now)
	chunkRelay.Expire(now)
	log.Info().Msg("haven-relay stopped")
}

// buildRing loads durable membership into the hash ring and ensures this
// server's own row exists.
func buildRing(cfg config.Config, st *store.Store) *ring.Ring {
	r := ring.New(cfg.ServerID, cfg.ReplicationFactor, cfg.VirtualNodes)

	members, err := st.ListMembers()
	if err != nil {
		log.Error().Err(err).Msg("Failed to load federation membership")
	}
	selfSeen := false
	for _, m := range members {
		r.AddNode(m.ServerID, m.NodeID, m.Endpoint)
		r.UpdateNodeStatus(m.ServerID, ring.Status(m.Status))
		if m.ServerID == cfg.ServerID {
			selfSeen = true
		}
	}
	if !selfSeen {
		r.AddNode(cfg.ServerID, cfg.ServerID, cfg.Endpoint)
	} else {
		r.UpdateNodeStatus(cfg.ServerID, ring.StatusAlive)
	}

	err = st.UpsertMember(store.Member{
		ServerID: cfg.ServerID,
		NodeID:   cfg.ServerID,
		Endpoint: cfg.Endpoint,
		Status:   string(ring.StatusAlive),
		LastSeen: time.Now(),
	})
	if err != nil {
		log.Error().Err(err).Msg("Failed to persist own membership row")
	}
	return r
}
