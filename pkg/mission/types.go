// Package mission implements the durable work queue at the core of the
// control plane: mission state, the transactional repository, and the
// facade the HTTP surface talks to.
package mission

import (
	"errors"
	"time"

	"github.com/roastops/company-kernel/pkg/governance"
)

// Status is the mission lifecycle state.
type Status string

const (
	StatusPending     Status = "PENDING"
	StatusRunning     Status = "RUNNING"
	StatusRetry       Status = "RETRY"
	StatusDone        Status = "DONE"
	StatusFailed      Status = "FAILED"
	StatusQuarantined Status = "QUARANTINED"
	StatusBlocked     Status = "BLOCKED"
	StatusCanceled    Status = "CANCELED"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusCanceled, StatusBlocked:
		return true
	}
	return false
}

// Valid reports whether s is a known status value.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusRetry, StatusDone,
		StatusFailed, StatusQuarantined, StatusBlocked, StatusCanceled:
		return true
	}
	return false
}

// Sentinel errors for state conflicts. The HTTP layer maps these to 409.
var (
	ErrNotFound       = errors.New("mission not found")
	ErrNotRunning     = errors.New("mission is not running")
	ErrNotQuarantined = errors.New("mission is not quarantined")
	ErrNotRetry       = errors.New("mission is not in retry state")
	ErrLeaseMismatch  = errors.New("lease mismatch")
	ErrTerminal       = errors.New("mission is in a terminal state")
	ErrConflict       = errors.New("concurrent update conflict")
)

// Context locates the mission subject in the fleet.
type Context struct {
	OrgID     string `json:"orgId,omitempty"`
	SiteID    string `json:"siteId,omitempty"`
	MachineID string `json:"machineId,omitempty"`
}

// LastError is the structured failure recorded on FAILED or RETRY.
type LastError struct {
	Error   string         `json:"error"`
	Details map[string]any `json:"details,omitempty"`
}

// Mission is a durable unit of scheduled work.
type Mission struct {
	ID             string `json:"missionId"`
	IdempotencyKey string `json:"idempotencyKey"`

	Goal      string         `json:"goal"`
	Params    map[string]any `json:"params,omitempty"`
	Context   Context        `json:"context"`
	SubjectID string         `json:"subjectId,omitempty"`

	Status      Status     `json:"status"`
	Attempts    int        `json:"attempts"`
	MaxAttempts int        `json:"maxAttempts"`
	NextRetryAt *time.Time `json:"nextRetryAt,omitempty"`

	ClaimedBy       string     `json:"claimedBy,omitempty"`
	ClaimedAt       *time.Time `json:"claimedAt,omitempty"`
	LeaseID         string     `json:"leaseId,omitempty"`
	LeaseExpiresAt  *time.Time `json:"leaseExpiresAt,omitempty"`
	LastHeartbeatAt *time.Time `json:"lastHeartbeatAt,omitempty"`

	ResultMeta map[string]any `json:"resultMeta,omitempty"`
	LastError  *LastError     `json:"lastError,omitempty"`

	Governance *governance.Decision `json:"governance,omitempty"`
	Signals    *governance.Signals  `json:"signals,omitempty"`

	CreatedBy   string     `json:"createdBy,omitempty"`
	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
	FailedAt    *time.Time `json:"failedAt,omitempty"`
}

// CreateInput is a client mission submission after schema validation.
type CreateInput struct {
	MissionID      string              `json:"missionId,omitempty"`
	IdempotencyKey string              `json:"idempotencyKey,omitempty"`
	Goal           string              `json:"goal"`
	Params         map[string]any      `json:"params,omitempty"`
	Context        Context             `json:"context,omitempty"`
	SubjectID      string              `json:"subjectId,omitempty"`
	MaxAttempts    int                 `json:"maxAttempts,omitempty"`
	Signals        *governance.Signals `json:"signals,omitempty"`
}

// ClaimRequest asks for the next eligible mission.
type ClaimRequest struct {
	AgentName     string
	Goals         []string
	Now           time.Time
	LeaseDuration time.Duration
}

// FailRequest reports a failed attempt.
type FailRequest struct {
	MissionID string
	Error     LastError
	Retryable bool
	LeaseID   string
	Now       time.Time
	Backoff   time.Duration
}

// Filter selects missions for listing.
type Filter struct {
	Statuses  []Status
	Goal      string
	Agent     string
	SubjectID string
	SessionID string
	OrgID     string
	SiteID    string
	MachineID string
	Limit     int
}

// Metrics is the queue census plus derived governance counters.
// StalledRunning counts RUNNING missions whose lease lapsed with no
// attempts left; reclaim skips them, so only an operator cancel moves
// them on.
type Metrics struct {
	Total            int            `json:"total"`
	ByStatus         map[Status]int `json:"byStatus"`
	StalledRunning   int            `json:"stalledRunning"`
	QuarantinedTotal int            `json:"quarantinedTotal"`
	BlockedTotal     int            `json:"blockedTotal"`
	RateLimitedTotal int            `json:"rateLimitedTotal"`
	ApprovedTotal    int            `json:"approvedTotal"`
}

// Defaults applied by the facade when callers leave fields unset.
const (
	DefaultMaxAttempts   = 5
	DefaultLeaseDuration = 30 * time.Second
	DefaultBackoff       = 2 * time.Second
)
