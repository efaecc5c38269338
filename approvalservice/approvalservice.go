// Package approvalservice records human decisions on gated plan steps. An
// approval is a row with a deadline; nothing blocks while it is pending.
package approvalservice

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	libdb "github.com/contenox/planengine/libdbexec"
	"github.com/google/uuid"
)

var (
	ErrNotFound        = errors.New("approval not found")
	ErrNotPending      = errors.New("approval is no longer pending")
	ErrExpired         = errors.New("approval has expired")
	ErrInvalidDecision = errors.New("invalid approval decision")
	ErrInvalidRequest  = errors.New("invalid approval request")
)

// DefaultTTL is used when a request carries no TTL.
const DefaultTTL = 24 * time.Hour

type Status string

const (
	StatusPending   Status = "pending"
	StatusApproved  Status = "approved"
	StatusRejected  Status = "rejected"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

type Approval struct {
	ID        string         `json:"id"`
	PlanID    string         `json:"planId"`
	StepID    string         `json:"stepId"`
	UserID    string         `json:"userId"`
	ToolName  string         `json:"toolName"`
	Category  string         `json:"category,omitempty"`
	RiskLevel string         `json:"riskLevel,omitempty"`
	Params    map[string]any `json:"params"`
	Reasoning string         `json:"reasoning,omitempty"`
	Status    Status         `json:"status"`
	Details   string         `json:"details,omitempty"`
	DecidedBy string         `json:"decidedBy,omitempty"`
	ExpiresAt time.Time      `json:"expiresAt"`
	CreatedAt time.Time      `json:"createdAt"`
	DecidedAt time.Time      `json:"decidedAt"`
}

type Request struct {
	PlanID    string
	StepID    string
	UserID    string
	ToolName  string
	Category  string
	RiskLevel string
	Params    map[string]any
	Reasoning string
	TTL       time.Duration
}

type Service interface {
	CreatePendingApproval(ctx context.Context, req Request) (*Approval, error)
	// UpdateApprovalStatus settles a pending approval. Repeating the decision
	// that already settled it returns the approval unchanged.
	UpdateApprovalStatus(ctx context.Context, userID, approvalID string, decision Status, details string) (*Approval, error)
	Get(ctx context.Context, approvalID string) (*Approval, error)
	ListPending(ctx context.Context, planID string) ([]*Approval, error)
	ExpireOverdue(ctx context.Context, now time.Time) (int, error)
}

type service struct {
	db  libdb.DBManager
	now func() time.Time
}

func New(db libdb.DBManager) Service {
	return &service{db: db, now: func() time.Time { return time.Now().UTC() }}
}

func (s *service) CreatePendingApproval(ctx context.Context, req Request) (*Approval, error) {
	if req.PlanID == "" || req.StepID == "" || req.ToolName == "" {
		return nil, fmt.Errorf("%w: plan, step and tool are required", ErrInvalidRequest)
	}
	ttl := req.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	now := s.now()
	a := &Approval{
		ID:        uuid.NewString(),
		PlanID:    req.PlanID,
		StepID:    req.StepID,
		UserID:    req.UserID,
		ToolName:  req.ToolName,
		Category:  req.Category,
		RiskLevel: req.RiskLevel,
		Params:    req.Params,
		Reasoning: req.Reasoning,
		Status:    StatusPending,
		ExpiresAt: now.Add(ttl),
		CreatedAt: now,
	}
	if a.Params == nil {
		a.Params = map[string]any{}
	}
	params, err := json.Marshal(a.Params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode approval params: %w", err)
	}
	_, err = s.db.WithoutTransaction().ExecContext(ctx, `
		INSERT INTO approvals (id, plan_id, step_id, user_id, tool_name, category, risk_level,
			params, reasoning, status, details, decided_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, '', '', $11, $12)`,
		a.ID, a.PlanID, a.StepID, a.UserID, a.ToolName, a.Category, a.RiskLevel,
		string(params), a.Reasoning, string(a.Status), a.ExpiresAt, a.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	return a, nil
}

func (s *service) UpdateApprovalStatus(ctx context.Context, userID, approvalID string, decision Status, details string) (*Approval, error) {
	switch decision {
	case StatusApproved, StatusRejected, StatusCancelled:
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidDecision, decision)
	}

	current, err := s.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if current.Status == decision {
		return current, nil
	}
	if current.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, approvalID, current.Status)
	}
	now := s.now()
	if decision != StatusCancelled && now.After(current.ExpiresAt) {
		if _, err := s.settle(ctx, approvalID, StatusExpired, "deadline passed", "", now); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s", ErrExpired, approvalID)
	}

	ok, err := s.settle(ctx, approvalID, decision, details, userID, now)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotPending, approvalID)
	}
	current.Status = decision
	current.Details = details
	current.DecidedBy = userID
	current.DecidedAt = now
	return current, nil
}

// settle moves a pending approval to status; it reports false when the row
// was no longer pending.
func (s *service) settle(ctx context.Context, id string, status Status, details, decidedBy string, at time.Time) (bool, error) {
	res, err := s.db.WithoutTransaction().ExecContext(ctx, `
		UPDATE approvals
		SET status = $2, details = $3, decided_by = $4, decided_at = $5
		WHERE id = $1 AND status = 'pending'`,
		id, string(status), details, decidedBy, at,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update approval: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return n > 0, nil
}

const approvalColumns = `id, plan_id, step_id, user_id, tool_name, category, risk_level, params,
	reasoning, status, details, decided_by, expires_at, created_at, decided_at`

func scanApproval(row interface{ Scan(...any) error }) (*Approval, error) {
	var a Approval
	var status, params string
	var decidedAt sql.NullTime
	if err := row.Scan(&a.ID, &a.PlanID, &a.StepID, &a.UserID, &a.ToolName, &a.Category, &a.RiskLevel,
		&params, &a.Reasoning, &status, &a.Details, &a.DecidedBy, &a.ExpiresAt, &a.CreatedAt, &decidedAt); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if decidedAt.Valid {
		a.DecidedAt = decidedAt.Time
	}
	if err := json.Unmarshal([]byte(params), &a.Params); err != nil {
		return nil, fmt.Errorf("failed to decode approval params: %w", err)
	}
	return &a, nil
}

func (s *service) Get(ctx context.Context, approvalID string) (*Approval, error) {
	a, err := scanApproval(s.db.WithoutTransaction().QueryRowContext(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE id = $1`, approvalID))
	if errors.Is(err, libdb.ErrNotFound) || errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, approvalID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get approval: %w", err)
	}
	return a, nil
}

func (s *service) ListPending(ctx context.Context, planID string) ([]*Approval, error) {
	rows, err := s.db.WithoutTransaction().QueryContext(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE plan_id = $1 AND status = 'pending'
		ORDER BY created_at ASC`, planID)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer rows.Close()

	var out []*Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows iteration error: %w", err)
	}
	return out, nil
}

func (s *service) ExpireOverdue(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.WithoutTransaction().ExecContext(ctx, `
		UPDATE approvals
		SET status = 'expired', details = 'deadline passed', decided_at = $1
		WHERE status = 'pending' AND expires_at < $1`, now)
	if err != nil {
		return 0, fmt.Errorf("failed to expire approvals: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return int(n), nil
}
