package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/roastops/company-kernel/pkg/governance"
	"github.com/roastops/company-kernel/pkg/governor"
)

// Clock supplies the current time; tests inject a fixed one.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// ErrInvalidInput marks a submission rejected before it reached storage.
var ErrInvalidInput = errors.New("invalid proposal input")

// Service runs the approval pipeline. Every accepted transition lands on
// the audit trail.
type Service struct {
	repo   *Repo
	trail  *Trail
	engine *governance.Engine
	config *governor.Store
	clock  Clock
	logger *slog.Logger
	ttl    time.Duration
}

// Option configures the service.
type Option func(*Service)

// WithClock overrides the wall clock.
func WithClock(c Clock) Option { return func(s *Service) { s.clock = c } }

// WithApprovalTTL overrides how long a proposal waits for an operator.
func WithApprovalTTL(d time.Duration) Option { return func(s *Service) { s.ttl = d } }

// NewService wires the command pipeline.
func NewService(repo *Repo, trail *Trail, engine *governance.Engine, config *governor.Store, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Service{
		repo:   repo,
		trail:  trail,
		engine: engine,
		config: config,
		clock:  wallClock{},
		logger: logger,
		ttl:    DefaultApprovalTTL,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Propose validates the command against safety bounds, evaluates it
// through governance, and stores it. Blocked proposals are persisted as
// REJECTED so the decision is reviewable.
func (s *Service) Propose(ctx context.Context, in ProposeInput, actorID string, kind governance.ActorKind) (*Proposal, error) {
	if in.MachineID == "" {
		return nil, fmt.Errorf("%w: machineId is required", ErrInvalidInput)
	}
	if err := CheckSafety(in.CommandType, in.TargetValue); err != nil {
		return nil, err
	}
	if err := in.Constraints.Check(in.CommandType, in.TargetValue); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	decision, err := s.evaluate(ctx, in.MachineID, in.SessionID, in.CommandType, kind, now)
	if err != nil {
		return nil, err
	}

	spec, _ := SpecFor(in.CommandType)
	p := &Proposal{
		ID:          NewID(now),
		MachineID:   in.MachineID,
		SessionID:   in.SessionID,
		CommandType: in.CommandType,
		TargetValue: in.TargetValue,
		Unit:        spec.Unit,
		Constraints: in.Constraints,
		Reason:      in.Reason,
		ProposedBy:  actorID,
		ActorKind:   kind,
		Governance:  &decision,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	auditAction := "PROPOSED"
	if decision.Action == governance.ActionBlock {
		p.Status = StatusRejected
		p.DecidedBy = governance.DecidedByGovernor
		at := now
		p.DecidedAt = &at
		p.FinishedAt = &at
		auditAction = "BLOCKED"
	} else {
		p.Status = StatusPendingApproval
		expires := now.Add(s.ttl)
		p.ExpiresAt = &expires
	}

	if err := s.repo.Insert(ctx, p); err != nil {
		return nil, err
	}
	s.audit(ctx, p.ID, auditAction, actorID, map[string]any{
		"commandType": p.CommandType,
		"targetValue": p.TargetValue,
		"machineId":   p.MachineID,
		"action":      string(decision.Action),
	}, now)

	s.logger.Info("command proposed",
		"proposalId", p.ID, "commandType", p.CommandType, "machineId", p.MachineID,
		"status", p.Status, "actor", actorID)
	return p, nil
}

// evaluate runs governance over the command with the machine's recent
// execution history inside the configured window.
func (s *Service) evaluate(ctx context.Context, machineID, sessionID, commandType string, kind governance.ActorKind, now time.Time) (governance.Decision, error) {
	cfg := s.config.GetConfig(ctx)
	window := time.Duration(cfg.CommandAutonomy.EvaluationWindowMinutes) * time.Minute
	if window <= 0 {
		window = time.Hour
	}
	stats, err := s.repo.Stats(ctx, machineID, sessionID, now.Add(-window))
	if err != nil {
		return governance.Decision{}, err
	}
	return s.engine.EvaluateCommand(ctx, governance.CommandInput{
		CommandType: commandType,
		MachineID:   machineID,
		ActorKind:   kind,
	}, governance.CommandContext{
		RecentFailureRate: stats.FailureRate(),
		CommandsInSession: stats.CommandsInSession,
	}, now), nil
}

// Approve moves a pending proposal to APPROVED. Governance and safety
// run again at decision time: the config or the machine's health may
// have changed since intake, and an approval must hold under the rules
// in force now, not the ones at proposal time.
func (s *Service) Approve(ctx context.Context, id, actorID, note string) (*Proposal, error) {
	now := s.clock.Now().UTC()
	p, err := s.getLive(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPendingApproval {
		if p.Status == StatusExpired {
			return nil, ErrExpired
		}
		return nil, ErrNotPending
	}

	if err := CheckSafety(p.CommandType, p.TargetValue); err != nil {
		return nil, err
	}
	decision, err := s.evaluate(ctx, p.MachineID, p.SessionID, p.CommandType, p.ActorKind, now)
	if err != nil {
		return nil, err
	}
	if decision.Action == governance.ActionBlock {
		s.logger.Warn("approval refused by governance",
			"proposalId", p.ID, "actor", actorID, "reasons", reasonCodes(decision))
		return nil, fmt.Errorf("%w: %s", ErrApprovalBlocked, reasonCodes(decision))
	}
	p.Governance = &decision

	p.Status = StatusApproved
	p.DecidedBy = actorID
	p.DecisionNote = note
	at := now
	p.DecidedAt = &at
	p.UpdatedAt = now
	if err := s.repo.Transition(ctx, p, StatusPendingApproval); err != nil {
		return nil, err
	}
	s.audit(ctx, p.ID, "APPROVED", actorID, detailNote(note), now)
	s.logger.Info("command approved", "proposalId", p.ID, "actor", actorID)
	return p, nil
}

// Reject moves a pending proposal to REJECTED.
func (s *Service) Reject(ctx context.Context, id, actorID, note string) (*Proposal, error) {
	now := s.clock.Now().UTC()
	p, err := s.getLive(ctx, id, now)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPendingApproval {
		if p.Status == StatusExpired {
			return nil, ErrExpired
		}
		return nil, ErrNotPending
	}

	p.Status = StatusRejected
	p.DecidedBy = actorID
	p.DecisionNote = note
	at := now
	p.DecidedAt = &at
	p.FinishedAt = &at
	p.UpdatedAt = now
	if err := s.repo.Transition(ctx, p, StatusPendingApproval); err != nil {
		return nil, err
	}
	s.audit(ctx, p.ID, "REJECTED", actorID, detailNote(note), now)
	s.logger.Info("command rejected", "proposalId", p.ID, "actor", actorID)
	return p, nil
}

// Start moves an approved proposal to EXECUTING on behalf of the worker.
func (s *Service) Start(ctx context.Context, id, agentName string) (*Proposal, error) {
	now := s.clock.Now().UTC()
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusApproved {
		return nil, ErrNotApproved
	}

	p.Status = StatusExecuting
	p.ExecutedBy = agentName
	at := now
	p.ExecutedAt = &at
	p.UpdatedAt = now
	if err := s.repo.Transition(ctx, p, StatusApproved); err != nil {
		return nil, err
	}
	s.audit(ctx, p.ID, "EXECUTION_STARTED", agentName, nil, now)
	return p, nil
}

// Complete records a successful execution.
func (s *Service) Complete(ctx context.Context, id string, meta map[string]any) (*Proposal, error) {
	return s.finish(ctx, id, StatusCompleted, "COMPLETED", ExecutionResult{Meta: meta})
}

// Fail records a failed execution.
func (s *Service) Fail(ctx context.Context, id, errMsg string, meta map[string]any) (*Proposal, error) {
	return s.finish(ctx, id, StatusFailed, "FAILED", ExecutionResult{Error: errMsg, Meta: meta})
}

func (s *Service) finish(ctx context.Context, id string, to Status, action string, result ExecutionResult) (*Proposal, error) {
	now := s.clock.Now().UTC()
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusExecuting {
		return nil, ErrNotExecuting
	}

	p.Status = to
	p.Result = &result
	at := now
	p.FinishedAt = &at
	p.UpdatedAt = now
	if err := s.repo.Transition(ctx, p, StatusExecuting); err != nil {
		return nil, err
	}
	detail := map[string]any{}
	if result.Error != "" {
		detail["error"] = result.Error
	}
	s.audit(ctx, p.ID, action, p.ExecutedBy, detail, now)
	s.logger.Info("command finished", "proposalId", p.ID, "status", to)
	return p, nil
}

// Abort terminates an approved or executing proposal.
func (s *Service) Abort(ctx context.Context, id, actorID, note string) (*Proposal, error) {
	now := s.clock.Now().UTC()
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusApproved && p.Status != StatusExecuting {
		return nil, ErrNotAbortable
	}

	p.Status = StatusAborted
	p.DecisionNote = note
	at := now
	p.FinishedAt = &at
	p.UpdatedAt = now
	if err := s.repo.Transition(ctx, p, StatusApproved, StatusExecuting); err != nil {
		return nil, err
	}
	s.audit(ctx, p.ID, "ABORTED", actorID, detailNote(note), now)
	s.logger.Warn("command aborted", "proposalId", p.ID, "actor", actorID)
	return p, nil
}

// Get returns the proposal, applying lazy expiry on observation.
func (s *Service) Get(ctx context.Context, id string) (*Proposal, error) {
	return s.getLive(ctx, id, s.clock.Now().UTC())
}

// List returns proposals matching the filter.
func (s *Service) List(ctx context.Context, f Filter) ([]*Proposal, error) {
	return s.repo.List(ctx, f)
}

// Audit returns the audit chain for one proposal.
func (s *Service) Audit(ctx context.Context, proposalID string) ([]*AuditEntry, error) {
	return s.trail.List(ctx, proposalID)
}

// VerifyAudit recomputes the whole audit chain.
func (s *Service) VerifyAudit(ctx context.Context) error {
	return s.trail.VerifyChain(ctx)
}

// getLive loads the proposal and expires it in place when its approval
// window has lapsed. Expiry happens on observation, not on a timer.
func (s *Service) getLive(ctx context.Context, id string, now time.Time) (*Proposal, error) {
	p, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.Status != StatusPendingApproval || p.ExpiresAt == nil || now.Before(*p.ExpiresAt) {
		return p, nil
	}

	p.Status = StatusExpired
	at := now
	p.FinishedAt = &at
	p.UpdatedAt = now
	err = s.repo.Transition(ctx, p, StatusPendingApproval)
	if errors.Is(err, ErrConflict) {
		// Another observer expired or decided it first.
		return s.repo.Get(ctx, id)
	}
	if err != nil {
		return nil, err
	}
	s.audit(ctx, p.ID, "EXPIRED", "", nil, now)
	s.logger.Info("command proposal expired", "proposalId", p.ID)
	return p, nil
}

// audit appends to the trail; a trail failure is logged, never fatal to
// the transition that already committed.
func (s *Service) audit(ctx context.Context, proposalID, action, actor string, detail map[string]any, now time.Time) {
	if s.trail == nil {
		return
	}
	if _, err := s.trail.Append(ctx, proposalID, action, actor, detail, now); err != nil {
		s.logger.Error("audit append failed", "proposalId", proposalID, "action", action, "error", err)
	}
}

func reasonCodes(d governance.Decision) string {
	codes := make([]string, len(d.Reasons))
	for i, r := range d.Reasons {
		codes[i] = string(r.Code)
	}
	return strings.Join(codes, ", ")
}

func detailNote(note string) map[string]any {
	if note == "" {
		return nil
	}
	return map[string]any{"note": note}
}
