package planerr_test

import (
	"errors"
	"fmt"
	"testing"

	"github.com/contenox/planengine/planerr"
	"github.com/stretchr/testify/require"
)

func TestUnit_Error_IsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("loading: %w", planerr.New(planerr.PlanNotFound, "no such plan").WithPlan("p1"))

	require.True(t, errors.Is(err, planerr.New(planerr.PlanNotFound, "")))
	require.False(t, errors.Is(err, planerr.New(planerr.StepNotFound, "")))
	require.Equal(t, planerr.PlanNotFound, planerr.CodeOf(err))
	require.True(t, planerr.HasCode(err, planerr.PlanNotFound))
}

func TestUnit_Error_MessageIncludesIdentifiers(t *testing.T) {
	cause := errors.New("disk full")
	err := planerr.Wrap(planerr.PersistenceError, "failed to complete step", cause).WithPlan("p1").WithStep("s1")

	require.Equal(t, "persistence_error: failed to complete step (plan: p1, step: s1): disk full", err.Error())
	require.ErrorIs(t, err, cause)
}

func TestUnit_InvalidTransition(t *testing.T) {
	err := planerr.InvalidTransition("p1", "completed", "executing")
	require.Equal(t, planerr.InvalidStateTransition, err.Code)
	require.Contains(t, err.Error(), "from completed to executing")
}
