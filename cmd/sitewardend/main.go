// Copyright 2026 The SiteWarden Authors
// SPDX-License-Identifier: Apache-2.0

// Sitewardend is the SiteWarden orchestration daemon. It owns the
// state database, the Redis task streams, the credential vault, and
// the snapshot store; it runs the role worker pools, the stall
// checker, and the conversation summary sweep; and it serves the
// control socket the HTTP layer and the operator CLIs talk to.
//
// Agent reasoning lives outside this process. Each role is handled by
// an executable in --agents-dir (see agents.go for the contract);
// --mock-agents substitutes built-in no-op handlers for local
// development.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/sitewarden/sitewarden/lib/agent"
	"github.com/sitewarden/sitewarden/lib/backup"
	"github.com/sitewarden/sitewarden/lib/clock"
	"github.com/sitewarden/sitewarden/lib/config"
	"github.com/sitewarden/sitewarden/lib/conversation"
	"github.com/sitewarden/sitewarden/lib/engine"
	"github.com/sitewarden/sitewarden/lib/ipc"
	"github.com/sitewarden/sitewarden/lib/queue"
	"github.com/sitewarden/sitewarden/lib/scheduler"
	"github.com/sitewarden/sitewarden/lib/snapshot"
	"github.com/sitewarden/sitewarden/lib/stall"
	"github.com/sitewarden/sitewarden/lib/store"
	"github.com/sitewarden/sitewarden/lib/vault"
	"github.com/sitewarden/sitewarden/lib/version"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		configPath string
		socketPath string
		consumer   string
		agentsDir  string
		mockAgents bool
		logLevel   string
		showHelp   bool
	)

	flagSet := pflag.NewFlagSet("sitewardend", pflag.ContinueOnError)
	flagSet.StringVar(&configPath, "config", "", "path to sitewarden.yaml (default: $SITEWARDEN_CONFIG)")
	flagSet.StringVar(&socketPath, "socket", "/run/sitewarden/control.sock", "unix socket path for the control API")
	flagSet.StringVar(&consumer, "consumer", "", "consumer name within the worker groups (default: hostname)")
	flagSet.StringVar(&agentsDir, "agents-dir", "", "directory of role handler executables")
	flagSet.BoolVar(&mockAgents, "mock-agents", false, "use built-in no-op agent handlers (development)")
	flagSet.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	flagSet.BoolVarP(&showHelp, "help", "h", false, "show help")

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		fmt.Printf("sitewardend %s\n", version.Info())
		return nil
	}

	if err := flagSet.Parse(os.Args[1:]); err != nil {
		if err == pflag.ErrHelp {
			flagSet.PrintDefaults()
			return nil
		}
		return err
	}
	if showHelp {
		flagSet.PrintDefaults()
		return nil
	}
	if !mockAgents && agentsDir == "" {
		return fmt.Errorf("--agents-dir is required unless --mock-agents is set")
	}

	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	var cfg *config.Config
	var err error
	if configPath != "" {
		cfg, err = config.LoadFile(configPath)
	} else {
		cfg, err = config.Load()
	}
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if consumer == "" {
		hostname, err := os.Hostname()
		if err != nil {
			return fmt.Errorf("resolving hostname for --consumer: %w", err)
		}
		consumer = hostname
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	clk := clock.Real()

	st, err := store.Open(store.Config{
		Path:     cfg.Store.Path,
		PoolSize: cfg.Store.PoolSize,
		Clock:    clk,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer st.Close()

	keyring, err := loadKeyring(cfg.Vault)
	if err != nil {
		return fmt.Errorf("loading vault keys: %w", err)
	}
	defer keyring.Close()

	v, err := vault.New(st, keyring, logger)
	if err != nil {
		return err
	}

	compression, err := snapshot.ParseCompression(cfg.Snapshot.Compression)
	if err != nil {
		return err
	}
	snapshots, err := snapshot.NewLocalStore(snapshot.Options{
		Directory:   cfg.Snapshot.Directory,
		Source:      newSiteSource(agentsDir, mockAgents),
		Compression: compression,
		MinBytes:    cfg.Snapshot.MinBytes,
		Clock:       clk,
	})
	if err != nil {
		return err
	}
	backups, err := backup.New(backup.Config{
		Store:     st,
		Snapshots: snapshots,
		Clock:     clk,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	q, err := queue.Open(queue.Config{
		Address:           cfg.Queue.Address,
		Prefix:            cfg.Queue.StreamPrefix,
		Consumer:          consumer,
		CompressThreshold: cfg.Queue.CompressThreshold,
		Clock:             clk,
		Logger:            logger,
	})
	if err != nil {
		return err
	}
	defer q.Close()

	conversations, err := conversation.New(conversation.Config{
		Store:        st,
		Summarizer:   newSummarizer(agentsDir, mockAgents),
		SummaryEvery: cfg.Conversation.SummaryEvery,
		Clock:        clk,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	registry := agent.NewRegistry()
	for _, role := range agent.Roles() {
		if err := registry.Register(role, newRoleHandler(agentsDir, role, mockAgents)); err != nil {
			return err
		}
	}

	sched, err := scheduler.New(scheduler.Config{
		Store:             st,
		Queue:             q,
		Backups:           backups,
		Vault:             v,
		Conversations:     conversations,
		Registry:          registry,
		WorkersPerRole:    cfg.Scheduler.WorkersPerRole,
		HeartbeatInterval: cfg.Scheduler.HeartbeatInterval,
		MaxAttempts:       cfg.Scheduler.MaxAttempts,
		BackoffBase:       cfg.Scheduler.BackoffBase,
		Clock:             clk,
		Logger:            logger,
	})
	if err != nil {
		return err
	}

	checker, err := stall.New(stall.Config{
		Store:          st,
		Queue:          q,
		Conversations:  conversations,
		Locks:          sched.Locks(),
		Interval:       cfg.Stall.Interval,
		PickupTimeout:  cfg.Stall.PickupTimeout,
		WorkTimeout:    cfg.Stall.WorkTimeout,
		ManagerTimeout: cfg.Stall.ManagerTimeout,
		WarnAfter:      cfg.Stall.WarnAfter,
		EscalateAfter:  cfg.Stall.EscalateAfter,
		Visibility:     cfg.Queue.VisibilityTimeout,
		MaxAttempts:    cfg.Scheduler.MaxAttempts,
		Clock:          clk,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	api, err := engine.New(engine.Config{
		Store:         st,
		Scheduler:     sched,
		Conversations: conversations,
		Vault:         v,
		Logger:        logger,
	})
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(socketPath), 0o755); err != nil {
		return fmt.Errorf("creating socket directory: %w", err)
	}
	// A previous run's socket file blocks the bind.
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket: %w", err)
	}
	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	logger.Info("sitewardend starting",
		"version", version.Info(),
		"environment", string(cfg.Environment),
		"socket", socketPath,
		"consumer", consumer,
		"mock_agents", mockAgents)

	var wg sync.WaitGroup
	wg.Add(4)
	go func() {
		defer wg.Done()
		if err := sched.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("scheduler stopped", "error", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := checker.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("stall checker stopped", "error", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		conversations.Run(ctx, cfg.Conversation.SweepInterval)
	}()
	go func() {
		defer wg.Done()
		if err := ipc.Serve(ctx, listener, api.Handle); err != nil && ctx.Err() == nil {
			logger.Error("control socket stopped", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("sitewardend shutting down")
	wg.Wait()
	os.Remove(socketPath)
	return nil
}
