package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"spellforge.gg/internal/config"
	"spellforge.gg/internal/hub"
	"spellforge.gg/internal/persistence/castlog"
	"spellforge.gg/internal/persistence/metadb"
	"spellforge.gg/internal/persistence/spellstore"
	"spellforge.gg/internal/pipeline"
	"spellforge.gg/internal/protocol"
	"spellforge.gg/internal/session"
	"spellforge.gg/internal/supervisor"
	"spellforge.gg/internal/transport/httpapi"
	"spellforge.gg/internal/transport/ws"
)

func main() {
	var (
		addr       = flag.String("addr", "", "http listen address (overrides config)")
		configPath = flag.String("config", "./configs/server.yaml", "config file path")
		dataDir    = flag.String("data", "", "runtime data directory (overrides config)")
		gameBinary = flag.String("gameserver", "", "game server binary (overrides config)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[server] ", log.LstdFlags|log.Lmicroseconds)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	if *addr != "" {
		cfg.ListenAddr = *addr
	}
	if *dataDir != "" {
		cfg.DataDir = *dataDir
	}
	if *gameBinary != "" {
		cfg.GameServer.Binary = *gameBinary
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = filepath.Join(cfg.DataDir, "spells.db")
	}
	_ = os.MkdirAll(cfg.DataDir, 0o755)

	meta, err := metadb.Open(dbPath)
	if err != nil {
		logger.Fatalf("open metadata db: %v", err)
	}
	defer meta.Close()

	content := spellstore.New(cfg.DataDir)

	validator, err := jsonschema.Compile(cfg.SchemaPath)
	if err != nil {
		logger.Fatalf("compile manifest schema %s: %v", cfg.SchemaPath, err)
	}

	events := castlog.NewLogger(cfg.DataDir)
	defer events.Close()

	sessions := session.NewRegistry(cfg.Session.TTL())
	rooms := hub.New(meta, events, logger)

	sup := supervisor.New(supervisor.Config{
		Host:          cfg.GameServer.Host,
		PortMin:       cfg.GameServer.PortMin,
		PortMax:       cfg.GameServer.PortMax,
		ControlPlane:  "http://127.0.0.1" + cfg.ListenAddr,
		ReadyTimeout:  cfg.GameServer.ReadyTimeout(),
		ProbeTimeout:  cfg.GameServer.ProbeTimeout(),
		ProbeInterval: cfg.GameServer.ProbeInterval(),
		StopGrace:     cfg.GameServer.StopGrace(),
	}, &supervisor.ExecLauncher{
		Binary:    cfg.GameServer.Binary,
		ExtraArgs: cfg.GameServer.ExtraArgs,
	}, logger)
	defer sup.Shutdown()

	worker := pipeline.NewWorker(meta, content, validator, logger)

	ctx, cancel := signalContext()
	defer cancel()

	go worker.Start(ctx)

	// Requeue jobs that were pending when the previous process stopped.
	if pending, err := meta.PendingJobs(); err == nil {
		for _, job := range pending {
			logger.Printf("requeueing pending job %s", job.JobID)
			worker.Enqueue(job.JobID, pipeline.BuildOptions{})
		}
	}

	// Fan build progress out to every realtime client.
	go func() {
		for ev := range worker.Events() {
			rooms.BroadcastAll(protocol.JobProgressMsg{
				Type:       protocol.TypeJobProgress,
				JobID:      ev.JobID,
				Stage:      ev.Stage,
				Pct:        ev.Pct,
				Message:    ev.Message,
				RevisionID: ev.RevisionID,
				Manifest:   ev.Manifest,
			})
		}
	}()

	mux := http.NewServeMux()
	httpapi.NewServer(sessions, meta, content, rooms, worker, sup, logger).Register(mux)
	mux.HandleFunc("/v1/ws", ws.NewServer(sessions, meta, content, rooms, worker, sup, logger).Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		ctx2, cancel2 := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel2()
		_ = srv.Shutdown(ctx2)
	}()

	logger.Printf("listening on %s", cfg.ListenAddr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("ListenAndServe: %v", err)
	}
}

func signalContext() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan os.Signal, 2)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-ch
		cancel()
	}()
	return ctx, cancel
}
