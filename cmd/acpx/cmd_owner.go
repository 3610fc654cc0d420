package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/acpx-dev/acpx/internal/acpsupervisor"
	"github.com/acpx-dev/acpx/internal/acpxerr"
	"github.com/acpx-dev/acpx/internal/config"
	"github.com/acpx-dev/acpx/internal/ipcsession/lease"
	"github.com/acpx-dev/acpx/internal/ipcsession/owner"
	"github.com/acpx-dev/acpx/internal/ipcsession/submitter"
	"github.com/acpx-dev/acpx/internal/logger"
	"github.com/acpx-dev/acpx/internal/sessionstore"
	"github.com/acpx-dev/acpx/internal/terminal"
)

// ownerCmd is never invoked directly by a user; submitter.DetachedSpawn
// re-execs the acpx binary as `acpx owner`, passing its startup payload via
// ACPX_QUEUE_OWNER_PAYLOAD (spec §4.G/§6 — "the spawn has no CLI parsing
// dependency" beyond this one hidden subcommand).
var ownerCmd = &cobra.Command{
	Use:   "owner",
	Short: "Run as a session's queue owner (internal; spawned by acpx run)",
	RunE:  runOwner,
}

func runOwner(cmd *cobra.Command, args []string) error {
	raw := os.Getenv(submitter.PayloadEnvVar)
	if raw == "" {
		return acpxerr.Usage("owner", "PAYLOAD_MISSING", fmt.Errorf("%s is not set", submitter.PayloadEnvVar))
	}
	var payload submitter.OwnerPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return acpxerr.Usage("owner", "PAYLOAD_INVALID", err)
	}

	cfg, err := config.Load()
	if err != nil {
		return acpxerr.Runtime("owner", "CONFIG_LOAD_FAILED", err)
	}
	level := cfg.Logging.Level
	if payload.Verbose {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		return acpxerr.Runtime("owner", "LOGGER_INIT_FAILED", err)
	}
	logger.SetDefault(log)
	defer log.Sync()

	home, err := config.HomeDir()
	if err != nil {
		return acpxerr.Runtime("owner", "HOME_DIR_FAILED", err)
	}
	store, err := sessionstore.New(filepath.Join(home, "sessions"))
	if err != nil {
		return acpxerr.Runtime("owner", "SESSION_STORE_FAILED", err)
	}
	loc := lease.New(filepath.Join(home, "queues"))

	lse, err := loc.TryAcquire(payload.SessionID)
	if err != nil {
		return acpxerr.Runtime("owner", "LEASE_ACQUIRE_FAILED", err)
	}
	if lse == nil {
		// Lost the race to another process that won the lease first; the
		// submitter that spawned us will connect to that owner instead.
		log.Info("lost race to become owner, exiting", zap.String("sessionId", payload.SessionID))
		return nil
	}
	released := false
	release := func() {
		if !released {
			lse.Release()
			released = true
		}
	}
	defer release()

	rec, err := store.Load(payload.RecordID)
	if err != nil {
		now := time.Now().UTC()
		rec = &sessionstore.SessionRecord{
			RecordID:     payload.RecordID,
			AgentCommand: payload.AgentCommand,
			CWD:          payload.CWD,
			CreatedAt:    now,
			LastUsedAt:   now,
		}
	}

	supCfg := acpsupervisor.Config{
		AgentCommand: payload.AgentCommand,
		WorkDir:      payload.CWD,
		AuthMethods:  payload.AuthMethods,
		AuthPolicy:   acpsupervisor.AuthPolicyFail,
		Permission:   acpsupervisor.PermissionPolicy{Mode: payload.PermissionMode},
		Logger:       log.Zap(),
		Terminals:    terminal.NewManager(true),
	}

	sup := acpsupervisor.New(supCfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sup.Start(ctx); err != nil {
		return acpxerr.Runtime("owner", "ACP_START_FAILED", err)
	}

	if rec.ACPSessionID == "" {
		sid, err := sup.CreateSession(ctx, payload.CWD, nil)
		if err != nil {
			sup.Close()
			return acpxerr.Runtime("owner", "ACP_CREATE_SESSION_FAILED", err)
		}
		rec.ACPSessionID = sid
	} else if err := sup.LoadSession(ctx, rec.ACPSessionID, payload.CWD); err != nil {
		// loadSession failed. Per spec §7/§9, only a fallback-eligible
		// error (-32001/-32002, or a message-based "session not found")
		// falls back to newSession; every other error is fatal.
		code, msg, ok := acpsupervisor.ExtractRPCError(err)
		if !ok {
			msg = err.Error()
		}
		if !acpxerr.IsFallbackEligible(code, msg) {
			sup.Close()
			return acpxerr.Runtime("owner", "ACP_LOAD_SESSION_FAILED", err)
		}
		sid, cerr := sup.CreateSession(ctx, payload.CWD, nil)
		if cerr != nil {
			sup.Close()
			return acpxerr.Runtime("owner", "ACP_LOAD_SESSION_FAILED", cerr)
		}
		rec.ACPSessionID = sid
	}
	if err := store.Save(rec); err != nil {
		sup.Close()
		return acpxerr.Runtime("owner", "SESSION_SAVE_FAILED", err)
	}

	eventLog := sessionstore.NewEventLog(store, rec.RecordID, cfg.EventLog.MaxSegmentBytes, cfg.EventLog.MaxSegments)

	ttl := time.Duration(payload.TTLSeconds) * time.Second
	if ttl <= 0 {
		ttl = time.Duration(cfg.Queue.TTLSeconds) * time.Second
	}

	ownerSrv, err := owner.New(owner.Config{
		Logger:         log.Zap(),
		Lease:          lse,
		Store:          store,
		EventLog:       eventLog,
		RecordID:       rec.RecordID,
		Supervisor:     sup,
		FallbackConfig: supCfg,
		TTL:            ttl,
		ShutdownGrace:  time.Duration(cfg.Queue.ShutdownGraceSeconds * float64(time.Second)),
	})
	if err != nil {
		sup.Close()
		return acpxerr.Runtime("owner", "SERVER_INIT_FAILED", err)
	}
	if err := ownerSrv.Listen(); err != nil {
		sup.Close()
		return acpxerr.Runtime("owner", "LISTEN_FAILED", err)
	}
	// ownerSrv.Close (called by Serve on every exit path) now owns the
	// lease release; don't double-release it here.
	released = true

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info("queue owner serving", zap.String("sessionId", rec.RecordID), zap.String("socket", lse.SocketPath))
	return ownerSrv.Serve(sigCtx)
}
