package planservice

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/contenox/planengine/outputresolver"
	"github.com/contenox/planengine/planerr"
	"github.com/contenox/planengine/planevents"
	"github.com/contenox/planengine/planexec"
	"github.com/contenox/planengine/planrecovery"
	"github.com/contenox/planengine/planrollback"
	"github.com/contenox/planengine/planstore"
	"github.com/contenox/planengine/planstructurer"
	"github.com/contenox/planengine/planvalidator"
	"github.com/contenox/planengine/toolregistry"
)

type Service interface {
	// Propose validates a planner's output and stores it as a planned plan.
	// An invalid proposal is returned with its issues and no plan.
	Propose(ctx context.Context, proposed planvalidator.ProposedPlan, req ProposeRequest) (*Proposal, error)
	// Preview is Propose without the write.
	Preview(ctx context.Context, proposed planvalidator.ProposedPlan, req ProposeRequest) (*Proposal, error)

	Get(ctx context.Context, planID string) (*planstore.Plan, error)
	List(ctx context.Context, filter planstore.Filter) (*planstore.Page, error)

	Execute(ctx context.Context, planID string, opts planexec.ExecuteOptions) (*planexec.PlanExecutionResult, error)
	Approve(ctx context.Context, planID, approvalID string, opts planexec.ExecuteOptions) (*planexec.PlanExecutionResult, error)
	Reject(ctx context.Context, planID, approvalID, reason string, opts planexec.ExecuteOptions) (*planexec.PlanExecutionResult, error)
	Cancel(ctx context.Context, planID, userID, reason string) (*planstore.Plan, error)

	Rollback(ctx context.Context, planID string, opts planrollback.Options) (*planrollback.Result, error)
	AnalyzeRollback(ctx context.Context, planID string) (*planrollback.Analysis, error)

	// Recover handles the most recent failed step: it applies req.Action if
	// given and otherwise lets the recovery engine decide.
	Recover(ctx context.Context, planID string, req RecoverRequest) (*planrecovery.Outcome, error)

	VerifyAssumption(ctx context.Context, assumptionID string, verified bool, correction string) error
	// Events returns the plan's recent events, oldest first.
	Events(ctx context.Context, planID string) ([]planevents.Event, error)
	// ExpireApprovals settles every overdue pending approval as expired.
	ExpireApprovals(ctx context.Context, now time.Time) (int, error)
}

type ProposeRequest struct {
	UserID         string                     `json:"userId"`
	ConversationID string                     `json:"conversationId,omitempty"`
	Constraints    *planvalidator.Constraints `json:"constraints,omitempty"`
}

type Proposal struct {
	Validation        *planvalidator.Result `json:"validation"`
	Plan              *planstore.Plan       `json:"plan,omitempty"`
	ExecutionOrder    []int                 `json:"executionOrder,omitempty"`
	EstimatedDuration time.Duration         `json:"estimatedDuration"`
}

type RecoverRequest struct {
	Action     *planrecovery.ActionView `json:"action,omitempty"`
	ErrorKind  string                   `json:"errorKind,omitempty"`
	MaxRetries int                      `json:"maxRetries,omitempty"`
}

// HistoryLoader reads events kept outside the process, such as the
// KVHistorySink.
type HistoryLoader interface {
	Load(ctx context.Context, planID string) ([]planevents.Event, error)
}

// ApprovalExpirer is the part of the approval service the sweeper needs.
type ApprovalExpirer interface {
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

type service struct {
	store       planstore.Store
	validator   *planvalidator.Validator
	structurer  *planstructurer.Structurer
	executor    *planexec.Executor
	rollback    *planrollback.Engine
	recovery    *planrecovery.Engine
	constraints planvalidator.Constraints
	history     HistoryLoader
	expirer     ApprovalExpirer
	maxRetries  int
	logger      *slog.Logger
}

type Option func(*service)

func WithConstraints(c planvalidator.Constraints) Option {
	return func(s *service) {
		s.constraints = c
	}
}

func WithHistory(h HistoryLoader) Option {
	return func(s *service) {
		s.history = h
	}
}

func WithApprovalExpirer(e ApprovalExpirer) Option {
	return func(s *service) {
		s.expirer = e
	}
}

func WithMaxRetries(n int) Option {
	return func(s *service) {
		s.maxRetries = n
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *service) {
		s.logger = logger
	}
}

func New(
	store planstore.Store,
	tools toolregistry.Registry,
	executor *planexec.Executor,
	rollback *planrollback.Engine,
	recovery *planrecovery.Engine,
	opts ...Option,
) Service {
	s := &service{
		store:       store,
		executor:    executor,
		rollback:    rollback,
		recovery:    recovery,
		constraints: planvalidator.DefaultConstraints(),
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.validator = planvalidator.New(tools, planvalidator.WithLogger(s.logger))
	s.structurer = planstructurer.New(store, tools,
		planstructurer.WithReferenceValidator(outputresolver.New()),
		planstructurer.WithLogger(s.logger),
	)
	return s
}

func (s *service) Propose(ctx context.Context, proposed planvalidator.ProposedPlan, req ProposeRequest) (*Proposal, error) {
	return s.propose(ctx, proposed, req, s.structurer.Structure)
}

func (s *service) Preview(ctx context.Context, proposed planvalidator.ProposedPlan, req ProposeRequest) (*Proposal, error) {
	return s.propose(ctx, proposed, req, s.structurer.Preview)
}

type structureFunc func(ctx context.Context, result *planvalidator.Result, sc planstructurer.Context, c planvalidator.Constraints) (*planstore.Plan, error)

func (s *service) propose(ctx context.Context, proposed planvalidator.ProposedPlan, req ProposeRequest, structure structureFunc) (*Proposal, error) {
	c := s.constraints
	if req.Constraints != nil {
		c = *req.Constraints
	}
	res := s.validator.Validate(ctx, proposed, c)
	out := &Proposal{Validation: res}
	if !res.Valid {
		return out, nil
	}
	plan, err := structure(ctx, res, planstructurer.Context{UserID: req.UserID, ConversationID: req.ConversationID}, c)
	if err != nil {
		return nil, err
	}
	order, err := planstructurer.ExecutionOrder(plan)
	if err != nil {
		return nil, err
	}
	out.Plan = plan
	for _, st := range order {
		out.ExecutionOrder = append(out.ExecutionOrder, st.Index)
	}
	out.EstimatedDuration = s.structurer.EstimateDuration(plan)
	return out, nil
}

func (s *service) Get(ctx context.Context, planID string) (*planstore.Plan, error) {
	plan, err := s.store.GetPlanByID(ctx, planID, true)
	if errors.Is(err, planstore.ErrNotFound) {
		return nil, planerr.Wrap(planerr.PlanNotFound, "plan not found", err).WithPlan(planID)
	}
	if err != nil {
		return nil, planerr.Wrap(planerr.PersistenceError, "failed to load plan", err).WithPlan(planID)
	}
	return plan, nil
}

func (s *service) List(ctx context.Context, filter planstore.Filter) (*planstore.Page, error) {
	page, err := s.store.QueryPlans(ctx, filter)
	if err != nil {
		return nil, planerr.Wrap(planerr.PersistenceError, "failed to list plans", err)
	}
	return page, nil
}

func (s *service) Execute(ctx context.Context, planID string, opts planexec.ExecuteOptions) (*planexec.PlanExecutionResult, error) {
	return s.executor.ExecutePlan(ctx, planID, opts)
}

func (s *service) Approve(ctx context.Context, planID, approvalID string, opts planexec.ExecuteOptions) (*planexec.PlanExecutionResult, error) {
	return s.executor.ResumePlan(ctx, planID, approvalID, opts)
}

func (s *service) Reject(ctx context.Context, planID, approvalID, reason string, opts planexec.ExecuteOptions) (*planexec.PlanExecutionResult, error) {
	return s.executor.ResumePlanAfterRejection(ctx, planID, approvalID, reason, opts)
}

func (s *service) Cancel(ctx context.Context, planID, userID, reason string) (*planstore.Plan, error) {
	return s.executor.CancelPlan(ctx, planID, userID, reason)
}

func (s *service) Rollback(ctx context.Context, planID string, opts planrollback.Options) (*planrollback.Result, error) {
	return s.rollback.RollbackPlan(ctx, planID, opts)
}

func (s *service) AnalyzeRollback(ctx context.Context, planID string) (*planrollback.Analysis, error) {
	plan, err := s.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	a := planrollback.AnalyzeRollback(plan)
	return &a, nil
}

func (s *service) Recover(ctx context.Context, planID string, req RecoverRequest) (*planrecovery.Outcome, error) {
	plan, err := s.Get(ctx, planID)
	if err != nil {
		return nil, err
	}
	failure, ok := planrecovery.LatestFailure(plan)
	if !ok {
		return nil, planerr.New(planerr.StepNotFound, "plan has no failed step").WithPlan(planID)
	}
	if req.ErrorKind != "" {
		failure = planrecovery.NewFailure(failure.Step, req.ErrorKind)
	}

	var action planrecovery.Action
	if req.Action != nil {
		if action, err = planrecovery.ParseAction(*req.Action); err != nil {
			return nil, planerr.Wrap(planerr.ValidationFailed, "invalid recovery action", err).WithPlan(planID)
		}
	} else {
		maxRetries := req.MaxRetries
		if maxRetries == 0 {
			maxRetries = s.maxRetries
		}
		action = s.recovery.DetermineRecoveryAction(ctx, plan, failure, planrecovery.Options{MaxRetries: maxRetries})
	}
	s.logger.InfoContext(ctx, "applying recovery",
		"plan_id", planID,
		"step_id", failure.Step.ID,
		"error_type", failure.Type,
		"action", action.Kind(),
		"confidence", action.Basis().Confidence,
	)
	return s.recovery.ExecuteRecovery(ctx, plan, failure, action)
}

func (s *service) VerifyAssumption(ctx context.Context, assumptionID string, verified bool, correction string) error {
	err := s.store.VerifyAssumption(ctx, assumptionID, verified, correction)
	if errors.Is(err, planstore.ErrNotFound) {
		return planerr.Wrap(planerr.ValidationFailed, "assumption not found", err)
	}
	if err != nil {
		return planerr.Wrap(planerr.PersistenceError, "failed to verify assumption", err)
	}
	return nil
}

func (s *service) Events(ctx context.Context, planID string) ([]planevents.Event, error) {
	if emitter, ok := s.executor.Emitters().Get(planID); ok {
		return emitter.History(), nil
	}
	if s.history == nil {
		return []planevents.Event{}, nil
	}
	return s.history.Load(ctx, planID)
}

func (s *service) ExpireApprovals(ctx context.Context, now time.Time) (int, error) {
	if s.expirer == nil {
		return 0, nil
	}
	return s.expirer.ExpireOverdue(ctx, now)
}

var _ Service = (*service)(nil)
