// Package sessionstore implements component H: the filesystem-backed
// SessionRecord store and its append-only NDJSON event log.
package sessionstore

import "time"

// AgentExitReason enumerates why the adapter child was last observed gone.
type AgentExitReason string

const (
	ReasonProcessExit     AgentExitReason = "process_exit"
	ReasonProcessClose    AgentExitReason = "process_close"
	ReasonPipeClose       AgentExitReason = "pipe_close"
	ReasonConnectionClose AgentExitReason = "connection_close"
)

// AgentExit records the last observed exit of the adapter child.
type AgentExit struct {
	Code   *int            `json:"code,omitempty"`
	Signal string          `json:"signal,omitempty"`
	At     time.Time       `json:"at"`
	Reason AgentExitReason `json:"reason"`
}

// EventLogMeta mirrors the on-disk event log's rotation state, persisted
// alongside the record so readers never need to stat the log to know its
// shape.
type EventLogMeta struct {
	ActivePath      string    `json:"activePath"`
	SegmentCount    int       `json:"segmentCount"`
	MaxSegmentBytes int64     `json:"maxSegmentBytes"`
	MaxSegments     int       `json:"maxSegments"`
	LastWriteAt     time.Time `json:"lastWriteAt,omitempty"`
	LastWriteError  string    `json:"lastWriteError,omitempty"`
}

// TurnHistoryEntry is a short, bounded preview of a completed turn, kept on
// the record for `acpx session show` without requiring an event-log replay.
type TurnHistoryEntry struct {
	RequestID    string    `json:"requestId"`
	PromptPreview string   `json:"promptPreview"`
	StopReason   string    `json:"stopReason"`
	StartedAt    time.Time `json:"startedAt"`
	EndedAt      time.Time `json:"endedAt"`
}

// MaxTurnHistory bounds SessionRecord.TurnHistory; the oldest entry is
// evicted once this is exceeded.
const MaxTurnHistory = 20

// SessionRecord is the persisted, one-file-per-session metadata document.
type SessionRecord struct {
	RecordID       string    `json:"recordId"`
	ACPSessionID   string    `json:"acpSessionId"`
	AgentSessionID string    `json:"agentSessionId,omitempty"`
	AgentCommand   string    `json:"agentCommand"`
	CWD            string    `json:"cwd"`
	Name           string    `json:"name,omitempty"`

	CreatedAt    time.Time `json:"createdAt"`
	LastUsedAt   time.Time `json:"lastUsedAt"`
	LastPromptAt time.Time `json:"lastPromptAt,omitempty"`

	Closed   bool      `json:"closed"`
	ClosedAt time.Time `json:"closedAt,omitempty"`

	PID            int       `json:"pid,omitempty"`
	AgentStartedAt time.Time `json:"agentStartedAt,omitempty"`
	LastAgentExit  *AgentExit `json:"lastAgentExit,omitempty"`

	LastSeq       int64  `json:"lastSeq"`
	LastRequestID string `json:"lastRequestId,omitempty"`

	EventLog EventLogMeta `json:"eventLog"`

	TurnHistory       []TurnHistoryEntry `json:"turnHistory,omitempty"`
	ProtocolVersion   string             `json:"protocolVersion,omitempty"`
	AgentCapabilities map[string]any     `json:"agentCapabilities,omitempty"`
}

// PushTurnHistory appends entry, evicting the oldest entry if the history
// exceeds MaxTurnHistory.
func (r *SessionRecord) PushTurnHistory(entry TurnHistoryEntry) {
	r.TurnHistory = append(r.TurnHistory, entry)
	if len(r.TurnHistory) > MaxTurnHistory {
		r.TurnHistory = r.TurnHistory[len(r.TurnHistory)-MaxTurnHistory:]
	}
}

// MatchesScope reports whether the record belongs to the given scope key,
// per spec §3: (agentCommand, absolute cwd, optional name) identifies at
// most one active record.
func (r *SessionRecord) MatchesScope(agentCommand, cwd, name string) bool {
	if r.AgentCommand != agentCommand || r.CWD != cwd {
		return false
	}
	return r.Name == name
}
