// Command forkwatchd runs the fork-ingestion and recovery engine: it wires
// configuration, the Fork Registry, Checkpoint Arbiter, Block Replay Engine,
// Replication Queue and Protocol Adapter together behind a websocket
// listener, following cmd/synnergy's root-command-plus-subcommand shape.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"forkwatch/internal/arbiter"
	"forkwatch/internal/events"
	"forkwatch/internal/forkregistry"
	"forkwatch/internal/graphstore"
	"forkwatch/internal/protocol"
	"forkwatch/internal/replay"
	"forkwatch/internal/replication"
	"forkwatch/pkg/config"
)

func main() {
	root := &cobra.Command{Use: "forkwatchd"}
	root.AddCommand(serveCmd())
	root.AddCommand(statusCmd())
	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var env string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "run the fork-ingestion and recovery engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(env)
		},
	}
	cmd.Flags().StringVar(&env, "env", "", "optional config overlay name")
	return cmd
}

func runServe(env string) error {
	cfg, err := config.Load(env)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log := logrus.StandardLogger()
	if lvl, perr := logrus.ParseLevel(cfg.Logging.Level); perr == nil {
		log.SetLevel(lvl)
	}

	bus := events.NewBus()

	registry := forkregistry.New(forkregistry.Config{
		MaxForksPerBlock: cfg.Registry.MaxForksPerBlock,
		BufferCapacity:   cfg.Registry.BufferCapacity,
		Retention:        cfg.Registry.Retention,
		SweepInterval:    cfg.Registry.SweepInterval,
	}, log)
	defer registry.Close()

	store := graphstore.NewInMemory()

	queue := replication.New(replication.Config{
		WorkersPerToken: cfg.Replication.WorkersPerToken,
		WriteRetries:    cfg.Replication.WriteRetries,
		RetryBackoff:    cfg.Replication.RetryBackoff,
		QueueDepth:      cfg.Replication.QueueDepth,
	}, store, nil, nil, bus, log, nil)
	defer queue.Close()

	// The Arbiter and the Block Replay Engine each need a reference to the
	// other (Arbiter.replay / Engine.arb); arbiterRef breaks the
	// construction cycle by resolving to the real Arbiter once it exists.
	var arb *arbiter.Arbiter
	arbRef := &arbiterRef{get: func() *arbiter.Arbiter { return arb }}

	replayEngine, err := replay.New(replay.Config{
		PeerBaseURLs:       cfg.Replay.PeerBaseURLs,
		MaxConcurrentFetch: cfg.Replay.MaxConcurrentFetch,
		FetchTimeout:       cfg.Replay.FetchTimeout,
		FetchRetries:       cfg.Replay.FetchRetries,
		RetryBackoff:       cfg.Replay.RetryBackoff,
		CacheSize:          cfg.Replay.CacheSize,
		HealthCheckEvery:   cfg.Replay.HealthCheckEvery,
	}, store, nil, nil, arbRef, bus, log)
	if err != nil {
		return fmt.Errorf("create replay engine: %w", err)
	}
	defer replayEngine.Close()

	arb = arbiter.New(registry, replayEngine, bus, log)

	adapter := protocol.New(protocol.DefaultConfig(), registry, arb, queue, bus, log)

	mux := http.NewServeMux()
	mux.Handle("/ws", adapter)
	server := &http.Server{Addr: cfg.Listen.Addr, Handler: mux}

	statusMux := http.NewServeMux()
	statusMux.HandleFunc("/status", statusHandler(arb, queue, adapter))
	statusServer := &http.Server{Addr: cfg.Listen.StatusAddr, Handler: statusMux}

	errCh := make(chan error, 2)
	go func() { errCh <- server.ListenAndServe() }()
	go func() { errCh <- statusServer.ListenAndServe() }()

	log.WithFields(logrus.Fields{"listen": cfg.Listen.Addr, "status": cfg.Listen.StatusAddr}).Info("forkwatchd serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-sigCh:
		log.Info("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	server.Shutdown(ctx)
	statusServer.Shutdown(ctx)
	queue.Close()
	return nil
}

// arbiterRef implements arbiter.Recoverer's counterpart, replay.ConfirmedSetter,
// by lazily resolving the Arbiter constructed after the Engine.
type arbiterRef struct {
	get func() *arbiter.Arbiter
}

func (r *arbiterRef) SetConfirmedAfterRecovery(target uint64, hash string) {
	if a := r.get(); a != nil {
		a.SetConfirmedAfterRecovery(target, hash)
	}
}

type statusResponse struct {
	LastConfirmedBlock uint64 `json:"lastConfirmedBlock"`
	LastConfirmedHash  string `json:"lastConfirmedHash"`
	DeadLetterCount    int    `json:"deadLetterCount"`
	ActiveConnections  int    `json:"activeConnections"`
}

func statusHandler(arb *arbiter.Arbiter, queue *replication.Queue, adapter *protocol.Adapter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := statusResponse{DeadLetterCount: len(queue.DeadLetter()), ActiveConnections: adapter.ConnectionCount()}
		if cp, ok := arb.LastConfirmed(); ok {
			resp.LastConfirmedBlock, resp.LastConfirmedHash = cp.Block, cp.Hash
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(resp)
	}
}

func statusCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "query a running engine's last confirmed checkpoint and dead-letter count",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := http.Get(fmt.Sprintf("http://%s/status", addr))
			if err != nil {
				return fmt.Errorf("query status: %w", err)
			}
			defer resp.Body.Close()
			body, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			fmt.Println(string(body))
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":8766", "status endpoint address")
	return cmd
}
