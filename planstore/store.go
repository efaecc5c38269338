package planstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/contenox/planengine/libdbexec"
)

var ErrNotFound = errors.New("plan not found")

// MaxLimit bounds QueryPlans page sizes.
const MaxLimit = 1000

var ErrLimitParamExceeded = fmt.Errorf("limit exceeds maximum allowed value %d", MaxLimit)

type store struct {
	db libdbexec.DBManager
}

// New creates a plan store. CreatePlan runs in its own transaction; every
// other call is a single statement on the pool.
func New(db libdbexec.DBManager) Store {
	return &store{db: db}
}

func (s *store) exec() libdbexec.Exec {
	return s.db.WithoutTransaction()
}

// CreatePlan inserts the plan, its steps and assumptions atomically.
func (s *store) CreatePlan(ctx context.Context, plan *Plan) error {
	now := time.Now().UTC()
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = now
	}
	if plan.UpdatedAt.IsZero() {
		plan.UpdatedAt = now
	}
	if plan.Status == "" {
		plan.Status = PlanStatusPlanned
	}

	exec, commit, release, err := s.db.WithTransaction(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin plan transaction: %w", err)
	}
	defer release()

	_, err = exec.ExecContext(ctx, `
		INSERT INTO plans (id, user_id, goal, goal_category, status, current_step_index,
			requires_approval, reasoning, confidence, conversation_id, pending_approval_id,
			failure_reason, created_at, updated_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		plan.ID,
		plan.UserID,
		plan.Goal,
		plan.GoalCategory,
		string(plan.Status),
		plan.CurrentStepIndex,
		plan.RequiresApproval,
		plan.Reasoning,
		plan.Confidence,
		nullString(plan.ConversationID),
		nullString(plan.PendingApprovalID),
		plan.FailureReason,
		plan.CreatedAt,
		plan.UpdatedAt,
		nullTime(plan.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create plan: %w", err)
	}

	for _, step := range plan.Steps {
		step.PlanID = plan.ID
		if step.Status == "" {
			step.Status = StepStatusPending
		}
		if err := insertStep(ctx, exec, step); err != nil {
			return err
		}
	}

	for i, a := range plan.Assumptions {
		evidence, err := json.Marshal(nonNilStrings(a.Evidence))
		if err != nil {
			return fmt.Errorf("failed to encode assumption evidence: %w", err)
		}
		_, err = exec.ExecContext(ctx, `
			INSERT INTO plan_assumptions (id, plan_id, position, statement, category, evidence,
				confidence, verified, correction)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			a.ID, plan.ID, i, a.Statement, string(a.Category), string(evidence),
			a.Confidence, a.Verified, a.Correction,
		)
		if err != nil {
			return fmt.Errorf("failed to create plan assumption: %w", err)
		}
	}

	return commit(ctx)
}

func insertStep(ctx context.Context, exec libdbexec.Exec, step *Step) error {
	params, err := encodeJSON(nonNilMap(step.Params))
	if err != nil {
		return fmt.Errorf("failed to encode step params: %w", err)
	}
	dependsOn, err := encodeJSON(nonNilStrings(step.DependsOn))
	if err != nil {
		return fmt.Errorf("failed to encode step dependencies: %w", err)
	}
	indices := step.DependencyIndices
	if indices == nil {
		indices = []int{}
	}
	depIdx, err := encodeJSON(indices)
	if err != nil {
		return fmt.Errorf("failed to encode dependency indices: %w", err)
	}
	var rollback sql.NullString
	if step.RollbackAction != nil {
		raw, err := encodeJSON(step.RollbackAction)
		if err != nil {
			return fmt.Errorf("failed to encode rollback action: %w", err)
		}
		rollback = sql.NullString{String: raw, Valid: true}
	}
	result, err := nullJSON(step.Result)
	if err != nil {
		return fmt.Errorf("failed to encode step result: %w", err)
	}

	_, err = exec.ExecContext(ctx, `
		INSERT INTO plan_steps (id, plan_id, step_index, tool_name, params, depends_on,
			dependency_indices, description, status, requires_approval, approval_id,
			rollback_action, result, error, skip_reason, started_at, completed_at, rolled_back_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)`,
		step.ID, step.PlanID, step.Index, step.ToolName, params, dependsOn,
		depIdx, step.Description, string(step.Status), step.RequiresApproval, nullString(step.ApprovalID),
		rollback, result, step.Error, step.SkipReason,
		nullTime(step.StartedAt), nullTime(step.CompletedAt), nullTime(step.RolledBackAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create plan step %d: %w", step.Index, err)
	}
	return nil
}

const planColumns = `id, user_id, goal, goal_category, status, current_step_index, requires_approval,
	reasoning, confidence, conversation_id, pending_approval_id, failure_reason,
	created_at, updated_at, completed_at`

func scanPlan(row interface{ Scan(...any) error }) (*Plan, error) {
	var p Plan
	var status string
	var conversationID, pendingApproval sql.NullString
	var completedAt sql.NullTime
	err := row.Scan(
		&p.ID, &p.UserID, &p.Goal, &p.GoalCategory, &status, &p.CurrentStepIndex, &p.RequiresApproval,
		&p.Reasoning, &p.Confidence, &conversationID, &pendingApproval, &p.FailureReason,
		&p.CreatedAt, &p.UpdatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}
	p.Status = PlanStatus(status)
	p.ConversationID = conversationID.String
	p.PendingApprovalID = pendingApproval.String
	if completedAt.Valid {
		p.CompletedAt = completedAt.Time
	}
	return &p, nil
}

func (s *store) GetPlanByID(ctx context.Context, id string, includeSteps bool) (*Plan, error) {
	exec := s.exec()
	p, err := scanPlan(exec.QueryRowContext(ctx, `
		SELECT `+planColumns+`
		FROM plans
		WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) || errors.Is(err, libdbexec.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plan: %w", err)
	}
	if !includeSteps {
		return p, nil
	}
	if p.Steps, err = s.listSteps(ctx, exec, p.ID); err != nil {
		return nil, err
	}
	if p.Assumptions, err = s.listAssumptions(ctx, exec, p.ID); err != nil {
		return nil, err
	}
	return p, nil
}

func (s *store) listSteps(ctx context.Context, exec libdbexec.Exec, planID string) ([]*Step, error) {
	rows, err := exec.QueryContext(ctx, `
		SELECT id, plan_id, step_index, tool_name, params, depends_on, dependency_indices,
			description, status, requires_approval, approval_id, rollback_action, result,
			resolved_params, error, error_kind, skip_reason, started_at, completed_at,
			rolled_back_at, retry_count
		FROM plan_steps
		WHERE plan_id = $1
		ORDER BY step_index ASC`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan steps: %w", err)
	}
	defer rows.Close()

	var steps []*Step
	for rows.Next() {
		var step Step
		var status, params, dependsOn, depIdx string
		var approvalID, rollback, result, resolved sql.NullString
		var startedAt, completedAt, rolledBackAt sql.NullTime
		if err := rows.Scan(
			&step.ID, &step.PlanID, &step.Index, &step.ToolName, &params, &dependsOn, &depIdx,
			&step.Description, &status, &step.RequiresApproval, &approvalID, &rollback, &result,
			&resolved, &step.Error, &step.ErrorKind, &step.SkipReason, &startedAt, &completedAt,
			&rolledBackAt, &step.RetryCount,
		); err != nil {
			return nil, fmt.Errorf("failed to scan plan step: %w", err)
		}
		step.Status = StepStatus(status)
		step.ApprovalID = approvalID.String
		if err := json.Unmarshal([]byte(params), &step.Params); err != nil {
			return nil, fmt.Errorf("failed to decode params of step %s: %w", step.ID, err)
		}
		if err := json.Unmarshal([]byte(dependsOn), &step.DependsOn); err != nil {
			return nil, fmt.Errorf("failed to decode dependencies of step %s: %w", step.ID, err)
		}
		if err := json.Unmarshal([]byte(depIdx), &step.DependencyIndices); err != nil {
			return nil, fmt.Errorf("failed to decode dependency indices of step %s: %w", step.ID, err)
		}
		if rollback.Valid {
			step.RollbackAction = &RollbackAction{}
			if err := json.Unmarshal([]byte(rollback.String), step.RollbackAction); err != nil {
				return nil, fmt.Errorf("failed to decode rollback action of step %s: %w", step.ID, err)
			}
		}
		if result.Valid {
			if err := json.Unmarshal([]byte(result.String), &step.Result); err != nil {
				return nil, fmt.Errorf("failed to decode result of step %s: %w", step.ID, err)
			}
		}
		if resolved.Valid {
			if err := json.Unmarshal([]byte(resolved.String), &step.ResolvedParams); err != nil {
				return nil, fmt.Errorf("failed to decode resolved params of step %s: %w", step.ID, err)
			}
		}
		if startedAt.Valid {
			step.StartedAt = startedAt.Time
		}
		if completedAt.Valid {
			step.CompletedAt = completedAt.Time
		}
		if rolledBackAt.Valid {
			step.RolledBackAt = rolledBackAt.Time
		}
		steps = append(steps, &step)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return steps, nil
}

func (s *store) listAssumptions(ctx context.Context, exec libdbexec.Exec, planID string) ([]*StoredAssumption, error) {
	rows, err := exec.QueryContext(ctx, `
		SELECT id, statement, category, evidence, confidence, verified, correction
		FROM plan_assumptions
		WHERE plan_id = $1
		ORDER BY position ASC`,
		planID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query plan assumptions: %w", err)
	}
	defer rows.Close()

	var out []*StoredAssumption
	for rows.Next() {
		var a StoredAssumption
		var category, evidence string
		if err := rows.Scan(&a.ID, &a.Statement, &category, &evidence, &a.Confidence, &a.Verified, &a.Correction); err != nil {
			return nil, fmt.Errorf("failed to scan plan assumption: %w", err)
		}
		a.Category = AssumptionCategory(category)
		if err := json.Unmarshal([]byte(evidence), &a.Evidence); err != nil {
			return nil, fmt.Errorf("failed to decode assumption evidence: %w", err)
		}
		out = append(out, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

// QueryPlans returns plans without steps, newest first.
func (s *store) QueryPlans(ctx context.Context, filter Filter) (*Page, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 50
	}
	if limit > MaxLimit {
		return nil, ErrLimitParamExceeded
	}
	cursor := time.Now().UTC().Add(time.Second)
	if filter.CreatedBefore != nil {
		cursor = *filter.CreatedBefore
	}

	conds := []string{"created_at < $1"}
	args := []any{cursor}
	if filter.UserID != "" {
		args = append(args, filter.UserID)
		conds = append(conds, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if filter.ConversationID != "" {
		args = append(args, filter.ConversationID)
		conds = append(conds, fmt.Sprintf("conversation_id = $%d", len(args)))
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, 0, len(filter.Statuses))
		for _, st := range filter.Statuses {
			args = append(args, string(st))
			placeholders = append(placeholders, fmt.Sprintf("$%d", len(args)))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT %s
		FROM plans
		WHERE %s
		ORDER BY created_at DESC, id DESC
		LIMIT $%d`, planColumns, strings.Join(conds, " AND "), len(args))

	rows, err := s.exec().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query plans: %w", err)
	}
	defer rows.Close()

	page := &Page{}
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan plan: %w", err)
		}
		page.Plans = append(page.Plans, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	if len(page.Plans) == limit {
		next := page.Plans[len(page.Plans)-1].CreatedAt
		page.NextCursor = &next
	}
	return page, nil
}

func (s *store) DeletePlan(ctx context.Context, id string) error {
	result, err := s.exec().ExecContext(ctx, `DELETE FROM plans WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete plan: %w", err)
	}
	return checkRowsAffected(result)
}

func (s *store) UpdatePlanStatus(ctx context.Context, planID string, status PlanStatus) error {
	return s.updatePlan(ctx, planID, "status = $2", string(status))
}

func (s *store) StartExecution(ctx context.Context, planID string) error {
	return s.updatePlan(ctx, planID, "status = $2, pending_approval_id = NULL", string(PlanStatusExecuting))
}

func (s *store) PauseExecution(ctx context.Context, planID string, pendingApprovalID string) error {
	return s.updatePlan(ctx, planID, "status = $2, pending_approval_id = $3",
		string(PlanStatusPaused), nullString(pendingApprovalID))
}

func (s *store) CompletePlan(ctx context.Context, planID string) error {
	return s.updatePlan(ctx, planID, "status = $2, pending_approval_id = NULL, completed_at = $3",
		string(PlanStatusCompleted), time.Now().UTC())
}

func (s *store) FailPlan(ctx context.Context, planID string, reason string) error {
	return s.updatePlan(ctx, planID, "status = $2, failure_reason = $3, pending_approval_id = NULL, completed_at = $4",
		string(PlanStatusFailed), reason, time.Now().UTC())
}

func (s *store) CancelPlan(ctx context.Context, planID string, reason string) error {
	return s.updatePlan(ctx, planID, "status = $2, failure_reason = $3, pending_approval_id = NULL, completed_at = $4",
		string(PlanStatusCancelled), reason, time.Now().UTC())
}

func (s *store) UpdateCurrentStep(ctx context.Context, planID string, index int) error {
	return s.updatePlan(ctx, planID, "current_step_index = $2", index)
}

// ReopenPlan moves a finished or stopped plan back to paused with the cursor
// at index, clearing its failure so ExecutePlan can continue it.
func (s *store) ReopenPlan(ctx context.Context, planID string, index int) error {
	return s.updatePlan(ctx, planID,
		"status = $2, current_step_index = $3, failure_reason = '', pending_approval_id = NULL, completed_at = NULL",
		string(PlanStatusPaused), index)
}

// updatePlan applies set (placeholders from $2 on) to the plan row and bumps
// updated_at, which always takes the last placeholder.
func (s *store) updatePlan(ctx context.Context, planID string, set string, args ...any) error {
	all := append([]any{planID}, args...)
	all = append(all, time.Now().UTC())
	query := fmt.Sprintf(`UPDATE plans SET %s, updated_at = $%d WHERE id = $1`, set, len(all))
	res, err := s.exec().ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("failed to update plan: %w", err)
	}
	return checkRowsAffected(res)
}

func (s *store) UpdateStepStatus(ctx context.Context, stepID string, status StepStatus) error {
	return s.updateStep(ctx, stepID, "status = $2", string(status))
}

// StartStep marks the step executing and records the params it runs with.
func (s *store) StartStep(ctx context.Context, stepID string, resolvedParams map[string]any) error {
	var raw sql.NullString
	if resolvedParams != nil {
		var err error
		if raw, err = nullJSON(resolvedParams); err != nil {
			return fmt.Errorf("failed to encode resolved params: %w", err)
		}
	}
	return s.updateStep(ctx, stepID, "status = $2, started_at = $3, resolved_params = $4, error = '', error_kind = ''",
		string(StepStatusExecuting), time.Now().UTC(), raw)
}

func (s *store) CompleteStep(ctx context.Context, stepID string, result any) error {
	raw, err := nullJSON(result)
	if err != nil {
		return fmt.Errorf("failed to encode step result: %w", err)
	}
	return s.updateStep(ctx, stepID, "status = $2, result = $3, error = '', completed_at = $4",
		string(StepStatusCompleted), raw, time.Now().UTC())
}

// FailStep records the failure message and, when the tool engine reported
// one, its structured error kind.
func (s *store) FailStep(ctx context.Context, stepID string, errMsg string, errorKind string) error {
	return s.updateStep(ctx, stepID, "status = $2, error = $3, error_kind = $4, completed_at = $5",
		string(StepStatusFailed), errMsg, errorKind, time.Now().UTC())
}

func (s *store) SkipStep(ctx context.Context, stepID string, reason string) error {
	return s.updateStep(ctx, stepID, "status = $2, skip_reason = $3, completed_at = $4",
		string(StepStatusSkipped), reason, time.Now().UTC())
}

func (s *store) RollbackStep(ctx context.Context, stepID string) error {
	return s.updateStep(ctx, stepID, "status = $2, rolled_back_at = $3",
		string(StepStatusRolledBack), time.Now().UTC())
}

func (s *store) MarkStepAwaitingApproval(ctx context.Context, stepID string, approvalID string) error {
	return s.updateStep(ctx, stepID, "status = $2, approval_id = $3",
		string(StepStatusAwaitingApproval), nullString(approvalID))
}

// ResetStep puts a step back to pending for a retry, clearing its outcome
// and counting the retry.
// A nil params keeps the existing parameters.
func (s *store) ResetStep(ctx context.Context, stepID string, params map[string]any) error {
	if params == nil {
		return s.updateStep(ctx, stepID,
			"status = $2, error = '', error_kind = '', skip_reason = '', result = NULL, started_at = NULL, completed_at = NULL, retry_count = retry_count + 1",
			string(StepStatusPending))
	}
	raw, err := encodeJSON(params)
	if err != nil {
		return fmt.Errorf("failed to encode step params: %w", err)
	}
	return s.updateStep(ctx, stepID,
		"status = $2, params = $3, error = '', error_kind = '', skip_reason = '', result = NULL, started_at = NULL, completed_at = NULL, retry_count = retry_count + 1",
		string(StepStatusPending), raw)
}

// RestoreStep returns a skipped step to pending without counting a retry.
func (s *store) RestoreStep(ctx context.Context, stepID string) error {
	return s.updateStep(ctx, stepID, "status = $2, skip_reason = '', completed_at = NULL",
		string(StepStatusPending))
}

// updateStep applies set to the step row and touches the owning plan.
func (s *store) updateStep(ctx context.Context, stepID string, set string, args ...any) error {
	all := append([]any{stepID}, args...)
	query := fmt.Sprintf(`UPDATE plan_steps SET %s WHERE id = $1`, set)
	res, err := s.exec().ExecContext(ctx, query, all...)
	if err != nil {
		return fmt.Errorf("failed to update step: %w", err)
	}
	if err := checkRowsAffected(res); err != nil {
		return err
	}
	if err := s.touchPlanByStepID(ctx, stepID, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to touch plan updated_at: %w", err)
	}
	return nil
}

func (s *store) touchPlanByStepID(ctx context.Context, stepID string, now time.Time) error {
	_, err := s.exec().ExecContext(ctx, `
		UPDATE plans
		SET updated_at = $2
		WHERE id = (SELECT plan_id FROM plan_steps WHERE id = $1)`,
		stepID,
		now,
	)
	return err
}

func (s *store) VerifyAssumption(ctx context.Context, assumptionID string, verified bool, correction string) error {
	res, err := s.exec().ExecContext(ctx, `
		UPDATE plan_assumptions SET verified = $2, correction = $3 WHERE id = $1`,
		assumptionID, verified, correction,
	)
	if err != nil {
		return fmt.Errorf("failed to verify assumption: %w", err)
	}
	return checkRowsAffected(res)
}

func checkRowsAffected(result sql.Result) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

func encodeJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func nullJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	raw, err := encodeJSON(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: raw, Valid: true}, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func nonNilStrings(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func nonNilMap(m map[string]any) map[string]any {
	if m == nil {
		return map[string]any{}
	}
	return m
}
