package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/acpx-dev/acpx/internal/acpxerr"
	"github.com/acpx-dev/acpx/internal/ipcsession/submitter"
	"github.com/acpx-dev/acpx/internal/ipcsession/wire"
	"github.com/acpx-dev/acpx/internal/output"
	"github.com/acpx-dev/acpx/internal/sessionstore"
)

var waitFlag bool

var runCmd = &cobra.Command{
	Use:   "run [message...]",
	Short: "Submit a prompt to the project's agent session, starting one if needed",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().BoolVar(&waitFlag, "wait", true, "wait for the turn to complete, streaming events as they arrive")
}

// runRun implements the CLI side of spec §1's control flow: resolve the
// session record for (agentCommand, cwd, name), then submit_prompt through
// the submitter (component G), which connects to a running owner or spawns
// a detached one.
func runRun(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.log.Sync()

	cwd, err := resolveCWD()
	if err != nil {
		return err
	}
	settings, err := a.resolveAgent(cwd)
	if err != nil {
		return err
	}
	if settings.Command == "" {
		return acpxerr.Usage("cli", "AGENT_COMMAND_REQUIRED", fmt.Errorf("no agent command configured: pass --agent, set acpx.yaml, or ~/.acpx/config.yaml"))
	}

	message := strings.Join(args, " ")

	rec, err := a.store.FindSessionUpward(settings.Command, cwd, nameFlag)
	if err != nil {
		return acpxerr.Runtime("cli", "SESSION_LOOKUP_FAILED", err)
	}
	if rec == nil {
		now := time.Now().UTC()
		rec = &sessionstore.SessionRecord{
			RecordID:     sessionstore.NewRecordID(),
			AgentCommand: settings.Command,
			CWD:          cwd,
			Name:         nameFlag,
			CreatedAt:    now,
			LastUsedAt:   now,
		}
		if err := a.store.Save(rec); err != nil {
			return acpxerr.Runtime("cli", "SESSION_SAVE_FAILED", err)
		}
	}

	selfPath, err := selfExecutable()
	if err != nil {
		return err
	}
	payload := submitter.OwnerPayload{
		SessionID:      rec.RecordID,
		RecordID:       rec.RecordID,
		AgentCommand:   settings.Command,
		CWD:            cwd,
		AuthMethods:    settings.AuthMethods,
		PermissionMode: settings.PermissionMode,
		TTLSeconds:     a.cfg.Queue.TTLSeconds,
		Verbose:        verboseFlag,
	}
	payloadData, err := json.Marshal(payload)
	if err != nil {
		return acpxerr.Runtime("cli", "PAYLOAD_MARSHAL_FAILED", err)
	}

	sub := submitter.New(a.lease, a.log.Zap(), submitter.DetachedSpawn(selfPath, a.log.Zap()), payloadData)
	sub.Retry = submitter.RetryConfig{
		Attempts: a.cfg.Queue.SubmitRetryAttempts,
		Interval: time.Duration(a.cfg.Queue.SubmitRetryIntervalMs) * time.Millisecond,
	}

	req := wire.Request{
		Kind:                      wire.KindSubmitPrompt,
		RequestID:                 uuid.New().String(),
		Message:                   message,
		PermissionMode:            settings.PermissionMode,
		NonInteractivePermissions: settings.NonInteractivePermissions,
		WaitForCompletion:         waitFlag,
	}

	outCtx := output.Context{SessionID: rec.RecordID, RequestID: req.RequestID, Stream: "prompt"}
	a.log.Info("submitting prompt", zap.String("recordId", rec.RecordID), zap.String("requestId", req.RequestID))

	frame, err := sub.Send(context.Background(), rec.RecordID, req, func(f wire.Frame) {
		a.out.Event(outCtx, f)
	})
	if err != nil {
		a.out.Error(err)
		return err
	}

	if frame.Type == wire.TypeError {
		ferr := output.FrameToError(frame)
		a.out.Error(ferr)
		return ferr
	}
	if frame.Result != nil {
		a.out.Result(outCtx, *frame.Result)
	}
	return nil
}
