// Package lease implements component A: per-session advisory locking and
// local IPC address derivation.
package lease

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"syscall"
	"time"
)

// Record is the JSON body of a lock file: whichever process holds it is the
// queue owner for sessionID.
type Record struct {
	PID        int       `json:"pid"`
	SessionID  string    `json:"sessionId"`
	SocketPath string    `json:"socketPath"`
	CreatedAt  time.Time `json:"createdAt"`
}

// Lease is a held lock: the caller is now the owner for SessionID and must
// serve on SocketPath.
type Lease struct {
	SessionID  string
	LockPath   string
	SocketPath string
	Record     Record
}

// Locator derives and manages lock/socket paths under a fixed base
// directory (<home>/.acpx/queues, per spec §6).
type Locator struct {
	BaseDir string
}

// New returns a Locator rooted at baseDir, which is created lazily by
// TryAcquire.
func New(baseDir string) *Locator {
	return &Locator{BaseDir: baseDir}
}

// key derives the truncated-SHA-256 path component shared by the lock file
// and the socket/pipe for sessionID.
func key(sessionID string) string {
	sum := sha256.Sum256([]byte(sessionID))
	return hex.EncodeToString(sum[:])[:24]
}

// LockPath returns the deterministic lock-file path for sessionID.
func (l *Locator) LockPath(sessionID string) string {
	return filepath.Join(l.BaseDir, key(sessionID)+".lock")
}

// SocketPath returns the deterministic unix-socket path for sessionID
// (on Windows this is instead a named-pipe name, see socketPathForKey in
// socket_windows.go).
func (l *Locator) SocketPath(sessionID string) string {
	return socketPathForKey(l.BaseDir, key(sessionID))
}

// TryAcquire attempts to become the owner for sessionID, per spec §4.A:
//   - ensure the base directory exists
//   - create the lock file exclusively, writing {pid, sessionId, socketPath, createdAt}
//   - on EEXIST: if the holder's pid is dead, clean up its socket and lock
//     file and return nil without retrying (caller decides policy)
//   - on success: best-effort remove any pre-existing socket so bind() can
//     succeed
func (l *Locator) TryAcquire(sessionID string) (*Lease, error) {
	if err := os.MkdirAll(l.BaseDir, 0700); err != nil {
		return nil, fmt.Errorf("creating lease base dir: %w", err)
	}

	lockPath := l.LockPath(sessionID)
	sockPath := l.SocketPath(sessionID)

	rec := Record{
		PID:        os.Getpid(),
		SessionID:  sessionID,
		SocketPath: sockPath,
		CreatedAt:  time.Now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0600)
	if err != nil {
		if os.IsExist(err) {
			l.reapIfStale(lockPath, sockPath)
			return nil, nil
		}
		return nil, fmt.Errorf("creating lock file: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		os.Remove(lockPath)
		return nil, fmt.Errorf("writing lock file: %w", err)
	}

	// Best-effort: a prior owner's socket may remain if it crashed without
	// releasing; remove it so the new owner's bind() succeeds.
	os.Remove(sockPath)

	return &Lease{SessionID: sessionID, LockPath: lockPath, SocketPath: sockPath, Record: rec}, nil
}

// reapIfStale reads the existing lock file and, if its holder pid is no
// longer alive, removes its socket file and the lock file itself.
func (l *Locator) reapIfStale(lockPath, sockPath string) {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return
	}
	if pidAlive(rec.PID) {
		return
	}
	os.Remove(sockPath)
	os.Remove(lockPath)
}

// Read returns the current lock-file record for sessionID, or (nil, nil) if
// no lock file exists.
func (l *Locator) Read(sessionID string) (*Record, error) {
	data, err := os.ReadFile(l.LockPath(sessionID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// Release unlinks the socket then the lock file; ENOENT is tolerated on
// both, per spec §4.A.
func (lease *Lease) Release() error {
	if err := os.Remove(lease.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	if err := os.Remove(lease.LockPath); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ReapIfStale checks rec's holder pid and, if it is no longer alive, removes
// the socket and lock file for sessionID, reporting whether it reaped
// anything. Submitter's dial (spec §4.G step 1) calls this before its
// connect-retry loop so it bails out to a fresh "no owner" error immediately
// instead of retrying against a dead owner's socket for the full backoff
// window.
func (l *Locator) ReapIfStale(sessionID string, rec *Record) bool {
	if pidAlive(rec.PID) {
		return false
	}
	l.reapIfStale(l.LockPath(sessionID), rec.SocketPath)
	return true
}

// pidAlive probes liveness via POSIX signal 0; on Windows FindProcess
// succeeding is treated as "alive" since signal delivery semantics differ.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	if runtime.GOOS == "windows" {
		return true
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
