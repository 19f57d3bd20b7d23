package mission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roastops/company-kernel/pkg/governance"
)

// Clock supplies the current time; tests inject a fixed one.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// ErrInvalidInput marks a submission the service rejected before it
// reached storage. The HTTP layer maps it to 400.
var ErrInvalidInput = errors.New("invalid mission input")

// Service is the facade the HTTP surface talks to: governance admission
// on create, lease mechanics on the worker path, operator actions on
// the review path.
type Service struct {
	repo    *Repo
	engine  *governance.Engine
	clock   Clock
	logger  *slog.Logger
	lease   time.Duration
	backoff time.Duration
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithLeaseDuration overrides the claim lease duration.
func WithLeaseDuration(d time.Duration) Option { return func(s *Service) { s.lease = d } }

// WithBackoffBase overrides the retry backoff base.
func WithBackoffBase(d time.Duration) Option { return func(s *Service) { s.backoff = d } }

// NewService wires the mission facade.
func NewService(repo *Repo, engine *governance.Engine, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:    repo,
		engine:  engine,
		clock:   wallClock{},
		logger:  logger,
		lease:   DefaultLeaseDuration,
		backoff: DefaultBackoff,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create admits a mission through governance and persists it. The
// returned bool is true when a new row was created, false on an
// idempotent replay.
func (s *Service) Create(ctx context.Context, in CreateInput, createdBy string) (*Mission, bool, error) {
	if in.Goal == "" {
		return nil, false, fmt.Errorf("%w: goal is required", ErrInvalidInput)
	}
	now := s.clock.Now().UTC()

	verdict, err := s.engine.EvaluateMission(ctx, governance.MissionInput{
		Goal:      in.Goal,
		OrgID:     in.Context.OrgID,
		SiteID:    in.Context.SiteID,
		MachineID: in.Context.MachineID,
		Params:    in.Params,
		Signals:   in.Signals,
	}, now)
	if err != nil {
		return nil, false, err
	}

	id := in.MissionID
	if id == "" {
		id = NewID(now)
	}
	key := in.IdempotencyKey
	if key == "" {
		key = id
	}
	maxAttempts := in.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	decision := verdict.Decision
	m := &Mission{
		ID:             id,
		IdempotencyKey: key,
		Goal:           in.Goal,
		Params:         in.Params,
		Context:        in.Context,
		SubjectID:      in.SubjectID,
		Status:         Status(verdict.Status),
		MaxAttempts:    maxAttempts,
		NextRetryAt:    verdict.NextRetryAt,
		Governance:     &decision,
		Signals:        in.Signals,
		CreatedBy:      createdBy,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	created, isNew, err := s.repo.Create(ctx, m)
	if err != nil {
		return nil, false, err
	}
	if isNew {
		s.logger.Info("mission created",
			"missionId", created.ID,
			"goal", created.Goal,
			"status", created.Status,
			"action", decision.Action)
	} else {
		s.logger.Debug("mission create replayed", "missionId", created.ID, "idempotencyKey", key)
	}
	return created, isNew, nil
}

// ClaimNext hands the next eligible mission to the agent, or nil when
// the queue has nothing due.
func (s *Service) ClaimNext(ctx context.Context, agentName string, goals []string) (*Mission, error) {
	if agentName == "" {
		return nil, fmt.Errorf("%w: agentName is required", ErrInvalidInput)
	}
	m, err := s.repo.ClaimNext(ctx, ClaimRequest{
		AgentName:     agentName,
		Goals:         goals,
		Now:           s.clock.Now().UTC(),
		LeaseDuration: s.lease,
	})
	if err != nil {
		return nil, err
	}
	if m != nil {
		s.logger.Info("mission claimed",
			"missionId", m.ID, "agent", agentName, "attempt", m.Attempts, "leaseId", m.LeaseID)
	}
	return m, nil
}

// Heartbeat extends the caller's lease on a running mission.
func (s *Service) Heartbeat(ctx context.Context, id, leaseID string) (*Mission, error) {
	if leaseID == "" {
		return nil, fmt.Errorf("%w: leaseId is required", ErrInvalidInput)
	}
	return s.repo.Heartbeat(ctx, id, leaseID, s.clock.Now().UTC())
}

// Complete marks a running mission DONE.
func (s *Service) Complete(ctx context.Context, id string, resultMeta map[string]any, leaseID string) (*Mission, error) {
	m, err := s.repo.Complete(ctx, id, resultMeta, leaseID, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Info("mission completed", "missionId", m.ID, "attempts", m.Attempts)
	return m, nil
}

// Fail records a failed attempt; the outcome is RETRY with backoff or
// terminal FAILED depending on retryability and the attempt bound.
func (s *Service) Fail(ctx context.Context, id string, failure LastError, retryable bool, leaseID string) (*Mission, error) {
	m, err := s.repo.Fail(ctx, FailRequest{
		MissionID: id,
		Error:     failure,
		Retryable: retryable,
		LeaseID:   leaseID,
		Now:       s.clock.Now().UTC(),
		Backoff:   s.backoff,
	})
	if err != nil {
		return nil, err
	}
	s.logger.Warn("mission attempt failed",
		"missionId", m.ID, "status", m.Status, "attempts", m.Attempts, "error", failure.Error)
	return m, nil
}

// Approve releases a quarantined mission back to PENDING with a human
// approval recorded on its decision.
func (s *Service) Approve(ctx context.Context, id, approvedBy, note string) (*Mission, error) {
	now := s.clock.Now().UTC()
	details := map[string]any{"approvedBy": approvedBy}
	if note != "" {
		details["note"] = note
	}
	decision := governance.Decision{
		Action:    governance.ActionAllow,
		Reasons:   []governance.Reason{{Code: governance.ReasonHumanApproval, Details: details}},
		DecidedAt: now,
		DecidedBy: governance.DecidedByHuman,
	}
	m, err := s.repo.Approve(ctx, id, decision, now)
	if err != nil {
		return nil, err
	}
	s.logger.Info("mission approved", "missionId", m.ID, "approvedBy", approvedBy)
	return m, nil
}

// Cancel terminates a non-terminal mission.
func (s *Service) Cancel(ctx context.Context, id string) (*Mission, error) {
	m, err := s.repo.Cancel(ctx, id, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Info("mission canceled", "missionId", m.ID)
	return m, nil
}

// RetryNow makes a RETRY mission immediately claimable.
func (s *Service) RetryNow(ctx context.Context, id string) (*Mission, error) {
	m, err := s.repo.RetryNow(ctx, id, s.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	s.logger.Info("mission retry forced", "missionId", m.ID)
	return m, nil
}

// Get fetches one mission.
func (s *Service) Get(ctx context.Context, id string) (*Mission, error) {
	return s.repo.Get(ctx, id)
}

// List returns missions matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]*Mission, error) {
	return s.repo.List(ctx, f)
}

// Metrics returns the queue census.
func (s *Service) Metrics(ctx context.Context) (*Metrics, error) {
	return s.repo.Metrics(ctx, s.clock.Now().UTC())
}
