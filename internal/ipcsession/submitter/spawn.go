package submitter

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"

	"go.uber.org/zap"
)

// PayloadEnvVar is the environment variable a spawned detached owner reads
// its startup payload from (session id, permission policy, auth, TTL,
// verbose flag), per spec §6 — the spawn intentionally has no CLI parsing
// dependency.
const PayloadEnvVar = "ACPX_QUEUE_OWNER_PAYLOAD"

// OwnerPayload is the JSON shape passed through PayloadEnvVar.
type OwnerPayload struct {
	SessionID      string            `json:"sessionId"`
	RecordID       string            `json:"recordId"`
	AgentCommand   string            `json:"agentCommand"`
	CWD            string            `json:"cwd"`
	AuthMethods    map[string]string `json:"authMethods,omitempty"`
	PermissionMode string            `json:"permissionMode,omitempty"`
	TTLSeconds     int               `json:"ttlSeconds,omitempty"`
	Verbose        bool              `json:"verbose,omitempty"`
}

// DetachedSpawn returns a SpawnFunc that re-execs selfPath (the acpx
// binary) as `<selfPath> owner`, detached from the current process group,
// with payload passed via PayloadEnvVar, grounded in the teacher's
// launcher.Start spawn-with-SysProcAttr convention.
func DetachedSpawn(selfPath string, logger *zap.Logger) SpawnFunc {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, sessionID string, payload json.RawMessage) error {
		cmd := exec.Command(selfPath, "owner")
		cmd.Env = append(os.Environ(), fmt.Sprintf("%s=%s", PayloadEnvVar, string(payload)))
		cmd.SysProcAttr = buildSysProcAttr()

		devnull, err := os.OpenFile(os.DevNull, os.O_RDWR, 0)
		if err != nil {
			return fmt.Errorf("submitter: opening devnull: %w", err)
		}
		defer devnull.Close()
		cmd.Stdin = devnull
		cmd.Stdout = devnull
		cmd.Stderr = devnull

		if err := cmd.Start(); err != nil {
			return fmt.Errorf("submitter: spawning detached owner: %w", err)
		}
		logger.Info("spawned detached owner", zap.String("sessionId", sessionID), zap.Int("pid", cmd.Process.Pid))

		// Release so the owner isn't reaped as this process's child; it
		// outlives the submitter entirely.
		return cmd.Process.Release()
	}
}
