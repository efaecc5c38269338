package planstore

import (
	"context"
	"strings"

	"github.com/contenox/planengine/libdbexec"
	"github.com/google/uuid"
)

// OpenSQLite opens (or creates) a SQLite database at path with the plan
// schema and any extra schemas applied, and returns a Store over it.
func OpenSQLite(ctx context.Context, path string, extraSchemas ...string) (Store, libdbexec.DBManager, error) {
	schema := strings.Join(append([]string{SchemaSQLite}, extraSchemas...), "\n")
	db, err := libdbexec.NewSQLiteDBManager(ctx, path, schema)
	if err != nil {
		return nil, nil, err
	}
	return New(db), db, nil
}

// NewPlan assembles an unsaved plan from steps, assigning ids and indices in
// slice order and deriving DependsOn from DependencyIndices.
func NewPlan(userID, goal string, steps ...*Step) *Plan {
	plan := &Plan{
		ID:         uuid.NewString(),
		UserID:     userID,
		Goal:       goal,
		Status:     PlanStatusPlanned,
		Confidence: 1,
		Steps:      steps,
	}
	for i, s := range steps {
		s.ID = uuid.NewString()
		s.PlanID = plan.ID
		s.Index = i
		if s.Status == "" {
			s.Status = StepStatusPending
		}
		if s.RequiresApproval {
			plan.RequiresApproval = true
		}
	}
	for _, s := range steps {
		s.DependsOn = s.DependsOn[:0]
		for _, idx := range s.DependencyIndices {
			s.DependsOn = append(s.DependsOn, steps[idx].ID)
		}
	}
	return plan
}
