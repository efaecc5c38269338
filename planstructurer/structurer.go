// Package planstructurer turns a validated proposal into a persisted plan with
// stable step ids and both id and index forms of every dependency.
package planstructurer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/contenox/planengine/planerr"
	"github.com/contenox/planengine/planstore"
	"github.com/contenox/planengine/planvalidator"
	"github.com/contenox/planengine/toolregistry"
	"github.com/google/uuid"
)

// DefaultStepDuration is assumed for tools that declare no estimate.
const DefaultStepDuration = 5 * time.Second

// ReferenceValidator is the part of the output resolver the structurer needs.
type ReferenceValidator interface {
	ValidateOutputReferences(step *planstore.Step, plan *planstore.Plan) []error
}

// Context identifies who the plan is structured for.
type Context struct {
	UserID         string
	ConversationID string
}

type Structurer struct {
	store  planstore.Store
	tools  toolregistry.Registry
	refs   ReferenceValidator
	logger *slog.Logger
	now    func() time.Time
}

type Option func(*Structurer)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Structurer) {
		s.logger = logger
	}
}

func WithReferenceValidator(refs ReferenceValidator) Option {
	return func(s *Structurer) {
		s.refs = refs
	}
}

func New(store planstore.Store, tools toolregistry.Registry, opts ...Option) *Structurer {
	s := &Structurer{
		store:  store,
		tools:  tools,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Structure builds the plan and persists it in one write.
func (s *Structurer) Structure(ctx context.Context, result *planvalidator.Result, sc Context, c planvalidator.Constraints) (*planstore.Plan, error) {
	plan, err := s.Preview(ctx, result, sc, c)
	if err != nil {
		return nil, err
	}
	if err := s.store.CreatePlan(ctx, plan); err != nil {
		return nil, planerr.Wrap(planerr.PersistenceError, "failed to persist structured plan", err).WithPlan(plan.ID)
	}
	s.logger.InfoContext(ctx, "plan structured",
		"plan_id", plan.ID,
		"user_id", plan.UserID,
		"steps", len(plan.Steps),
		"requires_approval", plan.RequiresApproval,
	)
	return plan, nil
}

// Preview runs the same conversion as Structure without writing anything.
func (s *Structurer) Preview(ctx context.Context, result *planvalidator.Result, sc Context, c planvalidator.Constraints) (*planstore.Plan, error) {
	if result == nil || !result.Valid || result.Plan == nil {
		return nil, planerr.New(planerr.ValidationFailed, "only a valid plan can be structured")
	}
	proposed := result.Plan
	now := s.now()

	steps := make([]planvalidator.ProposedStep, len(proposed.Steps))
	copy(steps, proposed.Steps)
	sort.SliceStable(steps, func(i, j int) bool { return steps[i].Order < steps[j].Order })

	plan := &planstore.Plan{
		ID:             uuid.NewString(),
		UserID:         sc.UserID,
		Goal:           proposed.Goal,
		GoalCategory:   proposed.GoalCategory,
		Status:         planstore.PlanStatusPlanned,
		Reasoning:      proposed.Reasoning,
		Confidence:     proposed.Confidence,
		ConversationID: sc.ConversationID,
		CreatedAt:      now,
		UpdatedAt:      now,
	}

	orderToIndex := make(map[int]int, len(steps))
	for i, ps := range steps {
		orderToIndex[ps.Order] = i
		plan.Steps = append(plan.Steps, &planstore.Step{
			ID:          uuid.NewString(),
			PlanID:      plan.ID,
			Index:       i,
			ToolName:    ps.ToolName,
			Params:      cloneParams(ps.Params),
			Description: ps.Description,
			Status:      planstore.StepStatusPending,
		})
	}

	for i, ps := range steps {
		step := plan.Steps[i]
		for _, order := range ps.DependsOn {
			idx, ok := orderToIndex[order]
			if !ok {
				return nil, planerr.New(planerr.ValidationFailed, fmt.Sprintf("step %d depends on unknown step %d", ps.Order, order))
			}
			step.DependencyIndices = append(step.DependencyIndices, idx)
		}
		sort.Ints(step.DependencyIndices)
		step.DependencyIndices = dedupe(step.DependencyIndices)
		for _, idx := range step.DependencyIndices {
			step.DependsOn = append(step.DependsOn, plan.Steps[idx].ID)
		}

		def, _ := s.tools.Get(ps.ToolName)
		step.RequiresApproval = c.ForcesApproval(ps.ToolName) || (def != nil && def.RequiresApproval) || ps.RequiresApproval
		if step.RequiresApproval {
			plan.RequiresApproval = true
		}
		if ps.Rollback != nil {
			step.RollbackAction = &planstore.RollbackAction{
				ToolName: ps.Rollback.ToolName,
				Params:   cloneParams(ps.Rollback.Params),
			}
		}
	}

	for _, a := range proposed.Assumptions {
		plan.Assumptions = append(plan.Assumptions, &planstore.StoredAssumption{
			ID:         uuid.NewString(),
			Statement:  a.Statement,
			Category:   a.Category,
			Evidence:   append([]string(nil), a.Evidence...),
			Confidence: a.Confidence,
		})
	}

	if s.refs != nil {
		var errs []error
		for _, step := range plan.Steps {
			errs = append(errs, s.refs.ValidateOutputReferences(step, plan)...)
		}
		if len(errs) > 0 {
			return nil, planerr.Wrap(planerr.ValidationFailed, "invalid output references", errors.Join(errs...))
		}
	}

	if _, err := ExecutionOrder(plan); err != nil {
		return nil, err
	}
	return plan, nil
}

// ExecutionOrder sorts the steps topologically with Kahn's algorithm. The
// queue is seeded and fed in step-array order, so the result is deterministic.
func ExecutionOrder(plan *planstore.Plan) ([]*planstore.Step, error) {
	pos := make(map[int]int, len(plan.Steps))
	for i, s := range plan.Steps {
		pos[s.Index] = i
	}
	inDegree := make([]int, len(plan.Steps))
	dependents := make([][]int, len(plan.Steps))
	for i, s := range plan.Steps {
		for _, depIdx := range s.DependencyIndices {
			p, ok := pos[depIdx]
			if !ok {
				return nil, planerr.New(planerr.ValidationFailed,
					fmt.Sprintf("step %d depends on missing index %d", s.Index, depIdx)).WithPlan(plan.ID).WithStep(s.ID)
			}
			inDegree[i]++
			dependents[p] = append(dependents[p], i)
		}
	}
	for _, d := range dependents {
		sort.Ints(d)
	}

	queue := make([]int, 0, len(plan.Steps))
	for i, d := range inDegree {
		if d == 0 {
			queue = append(queue, i)
		}
	}
	order := make([]*planstore.Step, 0, len(plan.Steps))
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		order = append(order, plan.Steps[cur])
		for _, next := range dependents[cur] {
			inDegree[next]--
			if inDegree[next] == 0 {
				queue = append(queue, next)
			}
		}
	}
	if len(order) != len(plan.Steps) {
		return nil, planerr.New(planerr.ValidationFailed, "plan dependency graph contains a cycle").WithPlan(plan.ID)
	}
	return order, nil
}

// EstimateDuration sums the declared duration of every step's tool.
func (s *Structurer) EstimateDuration(plan *planstore.Plan) time.Duration {
	var total time.Duration
	for _, step := range plan.Steps {
		d := DefaultStepDuration
		if def, ok := s.tools.Get(step.ToolName); ok && def.EstimatedDuration > 0 {
			d = def.EstimatedDuration
		}
		total += d
	}
	return total
}

func cloneParams(in map[string]any) map[string]any {
	if in == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func dedupe(sorted []int) []int {
	if len(sorted) < 2 {
		return sorted
	}
	out := sorted[:1]
	for _, v := range sorted[1:] {
		if v != out[len(out)-1] {
			out = append(out, v)
		}
	}
	return out
}
