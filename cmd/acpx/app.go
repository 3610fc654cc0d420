package main

import (
	"os"
	"path/filepath"

	"github.com/acpx-dev/acpx/internal/acpxerr"
	"github.com/acpx-dev/acpx/internal/config"
	"github.com/acpx-dev/acpx/internal/ipcsession/lease"
	"github.com/acpx-dev/acpx/internal/logger"
	"github.com/acpx-dev/acpx/internal/output"
	"github.com/acpx-dev/acpx/internal/sessionstore"
)

// app bundles the state every subcommand needs: global config, the logger,
// the output writer, and handles onto the two on-disk stores (component A's
// lease directory and component H's session store).
type app struct {
	cfg   *config.Config
	log   *logger.Logger
	out   *output.Writer
	lease *lease.Locator
	store *sessionstore.Store
}

// newApp loads configuration, builds the process logger, and opens the
// session/lease stores under <home>/.acpx, per spec §6.
func newApp() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, acpxerr.Runtime("cli", "CONFIG_LOAD_FAILED", err)
	}

	level := cfg.Logging.Level
	if verboseFlag {
		level = "debug"
	}
	log, err := logger.New(logger.Config{Level: level, Format: cfg.Logging.Format, OutputPath: cfg.Logging.OutputPath})
	if err != nil {
		return nil, acpxerr.Runtime("cli", "LOGGER_INIT_FAILED", err)
	}
	logger.SetDefault(log)

	home, err := config.HomeDir()
	if err != nil {
		return nil, acpxerr.Runtime("cli", "HOME_DIR_FAILED", err)
	}

	store, err := sessionstore.New(filepath.Join(home, "sessions"))
	if err != nil {
		return nil, acpxerr.Runtime("cli", "SESSION_STORE_FAILED", err)
	}

	return &app{
		cfg:   cfg,
		log:   log,
		out:   output.New(os.Stdout, output.Format(formatFlag)),
		lease: lease.New(filepath.Join(home, "queues")),
		store: store,
	}, nil
}

// agentSettings is the resolved agentCommand and auth/permission defaults
// for one invocation, layering --agent over acpx.yaml over ~/.acpx/config.yaml,
// per spec §1's "agentCommand resolution" and the manifest's doc comment.
type agentSettings struct {
	Command                  string
	AuthMethods               map[string]string
	PermissionMode            string
	NonInteractivePermissions []string
}

func (a *app) resolveAgent(cwd string) (agentSettings, error) {
	manifest, err := config.FindManifest(cwd)
	if err != nil {
		return agentSettings{}, acpxerr.Runtime("cli", "MANIFEST_READ_FAILED", err)
	}

	settings := agentSettings{
		Command:        a.cfg.Agent.Command,
		AuthMethods:    a.cfg.Agent.AuthMethods,
		PermissionMode: a.cfg.Agent.PermissionMode,
		NonInteractivePermissions: a.cfg.Agent.NonInteractivePerm,
	}
	if manifest != nil {
		if manifest.AgentCommand != "" {
			settings.Command = manifest.AgentCommand
		}
		if manifest.AuthMethods != nil {
			settings.AuthMethods = manifest.AuthMethods
		}
		if manifest.PermissionMode != "" {
			settings.PermissionMode = manifest.PermissionMode
		}
		if manifest.NonInteractivePermissions != nil {
			settings.NonInteractivePermissions = manifest.NonInteractivePermissions
		}
	}
	if agentFlag != "" {
		settings.Command = agentFlag
	}
	return settings, nil
}

func resolveCWD() (string, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return "", acpxerr.Runtime("cli", "CWD_FAILED", err)
	}
	return filepath.Abs(cwd)
}

// wrapControlErr normalizes a submitter.Client.Send error for a
// cancel/set-mode/set-config invocation: these never spawn an owner, so an
// unrecognized (non-acpxerr) error is always "no owner running for this
// session", i.e. NO_SESSION.
func wrapControlErr(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := err.(*acpxerr.Error); ok {
		return err
	}
	return acpxerr.NoSession("cli", "QUEUE_NO_OWNER", err)
}

// selfExecutable returns the path DetachedSpawn re-execs as `<path> owner`.
func selfExecutable() (string, error) {
	path, err := os.Executable()
	if err != nil {
		return "", acpxerr.Runtime("cli", "SELF_PATH_FAILED", err)
	}
	return path, nil
}
