package main

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/acpx-dev/acpx/internal/acpxerr"
	"github.com/acpx-dev/acpx/internal/ipcsession/submitter"
	"github.com/acpx-dev/acpx/internal/ipcsession/wire"
	"github.com/acpx-dev/acpx/internal/output"
)

var setModeCmd = &cobra.Command{
	Use:   "set-mode <modeId>",
	Short: "Switch the project's agent session into a different session mode",
	Args:  cobra.ExactArgs(1),
	RunE:  runSetMode,
}

func runSetMode(cmd *cobra.Command, args []string) error {
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

	rec, err := a.store.FindSessionUpward(settings.Command, cwd, nameFlag)
	if err != nil {
		return acpxerr.Runtime("cli", "SESSION_LOOKUP_FAILED", err)
	}
	if rec == nil {
		noSession := acpxerr.NoSession("cli", "NO_ACTIVE_SESSION", fmt.Errorf("no session found for this project"))
		a.out.Error(noSession)
		return noSession
	}

	sub := submitter.New(a.lease, a.log.Zap(), nil, nil)
	req := wire.Request{Kind: wire.KindSetMode, RequestID: uuid.New().String(), ModeID: args[0]}

	frame, err := sub.Send(context.Background(), rec.RecordID, req, nil)
	if err != nil {
		werr := wrapControlErr(err)
		a.out.Error(werr)
		return werr
	}
	if frame.Type == wire.TypeError {
		ferr := output.FrameToError(frame)
		a.out.Error(ferr)
		return ferr
	}
	a.out.ControlResult(output.Context{SessionID: rec.RecordID, RequestID: req.RequestID}, frame)
	return nil
}
