package model

import (
	"crypto/rand"
	"encoding/json"
	"math"
	"time"

	"github.com/oklog/ulid/v2"
)

type BotSessionStatus string

const (
	BotSessionStarting  BotSessionStatus = "starting"
	BotSessionRunning   BotSessionStatus = "running"
	BotSessionCompleted BotSessionStatus = "completed"
	BotSessionFailed    BotSessionStatus = "failed"
	BotSessionStopped   BotSessionStatus = "stopped"
)

// StoppedByUserMessage is recorded as error_message when the owner stops a run.
const StoppedByUserMessage = "Stopped by user"

// TerminalStatuses lists the statuses from which no further transition is allowed.
var TerminalStatuses = []BotSessionStatus{BotSessionCompleted, BotSessionFailed, BotSessionStopped}

// IsTerminal reports whether the session can no longer change.
func (s BotSessionStatus) IsTerminal() bool {
	switch s {
	case BotSessionCompleted, BotSessionFailed, BotSessionStopped:
		return true
	}
	return false
}

func (s BotSessionStatus) IsActive() bool {
	return s == BotSessionStarting || s == BotSessionRunning
}

func (s BotSessionStatus) Valid() bool {
	return s.IsActive() || s.IsTerminal()
}

// BotSession is one run of the automation process for one user.
type BotSession struct {
	ID              string           `json:"id"`
	UserID          string           `json:"user_id"`
	Status          BotSessionStatus `json:"status"`
	CurrentActivity *string          `json:"current_activity"`
	ActivityDetails json.RawMessage  `json:"activity_details"`
	JobsFound       int64            `json:"jobs_found"`
	JobsApplied     int64            `json:"jobs_applied"`
	JobsFailed      int64            `json:"jobs_failed"`
	CreditsUsed     int64            `json:"credits_used"`
	CreatedAt       time.Time        `json:"created_at"`
	LastHeartbeatAt *time.Time       `json:"last_heartbeat_at"`
	CompletedAt     *time.Time       `json:"completed_at"`
	ErrorMessage    *string          `json:"error_message"`
	ErrorDetails    json.RawMessage  `json:"error_details"`
}

// NewBotSession builds a session in the starting state.
func NewBotSession(userID string, now time.Time) *BotSession {
	return &BotSession{
		ID:        NewSessionID(now),
		UserID:    userID,
		Status:    BotSessionStarting,
		CreatedAt: now,
	}
}

// NewSessionID returns a lexicographically sortable id.
func NewSessionID(now time.Time) string {
	return ulid.MustNew(ulid.Timestamp(now), rand.Reader).String()
}

// SessionStats is a partial counter update; nil fields are left untouched.
type SessionStats struct {
	JobsFound   *int64
	JobsApplied *int64
	JobsFailed  *int64
	CreditsUsed *int64
}

func (s SessionStats) Empty() bool {
	return s.JobsFound == nil && s.JobsApplied == nil && s.JobsFailed == nil && s.CreditsUsed == nil
}

// StatsFromPayload copies numeric counters out of a loosely typed stats object.
// Values that are not JSON numbers, not finite, negative or fractional are
// ignored, so jobs_found: 3.7 leaves the stored counter unchanged.
func StatsFromPayload(raw map[string]any) SessionStats {
	var s SessionStats
	if raw == nil {
		return s
	}
	s.JobsFound = numericField(raw, "jobs_found")
	s.JobsApplied = numericField(raw, "jobs_applied")
	s.JobsFailed = numericField(raw, "jobs_failed")
	s.CreditsUsed = numericField(raw, "credits_used")
	return s
}

func numericField(raw map[string]any, key string) *int64 {
	var f float64
	switch v := raw[key].(type) {
	case float64:
		f = v
	case json.Number:
		parsed, err := v.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) || f < 0 || f >= math.MaxInt64 || f != math.Trunc(f) {
		return nil
	}
	n := int64(f)
	return &n
}

// HistoricalTotals aggregates counters over finished sessions.
type HistoricalTotals struct {
	JobsFound   int64 `json:"jobs_found"`
	JobsApplied int64 `json:"jobs_applied"`
	JobsFailed  int64 `json:"jobs_failed"`
	CreditsUsed int64 `json:"credits_used"`
}

// HeartbeatUpdate carries the fields a heartbeat may change.
type HeartbeatUpdate struct {
	At       time.Time
	Activity *string
	Details  json.RawMessage
	Stats    SessionStats
}

// CompletionUpdate carries the fields a completion report may change.
type CompletionUpdate struct {
	At           time.Time
	Status       BotSessionStatus
	ErrorMessage *string
	ErrorDetails json.RawMessage
	Stats        SessionStats
}
