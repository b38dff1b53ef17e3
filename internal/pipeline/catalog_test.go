package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"doodle-forge/backend/internal/flows"
)

func testRegistry(t *testing.T) *flows.Registry {
	t.Helper()
	r := flows.NewRegistry()
	source := flowSourceFunc(func(flow string) flows.Executor {
		return flows.ExecutorFunc(func(ctx context.Context, input json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{}`), nil
		})
	})
	require.NoError(t, flows.RegisterBuiltins(r, source))
	return r
}

type flowSourceFunc func(flow string) flows.Executor

func (f flowSourceFunc) Executor(flow string) flows.Executor { return f(flow) }

func TestCatalog_Plan(t *testing.T) {
	c := NewCatalog(testRegistry(t), nil)

	plan, err := c.Plan("full", nil)
	require.NoError(t, err)
	require.Len(t, plan, 4)
	assert.Equal(t, flows.FlowCleanupDrawing, plan[0].Flow)
	assert.Equal(t, flows.FlowAvatar, plan[3].Flow)
	assert.Equal(t, int64(9), TotalCost(plan))

	plan, err = c.Plan("ignored", []string{flows.FlowUpscale})
	require.NoError(t, err)
	require.Len(t, plan, 1)
	assert.Equal(t, map[string]any{"scale": 2}, plan[0].Params)

	_, err = c.Plan("missing", nil)
	assert.ErrorIs(t, err, ErrUnknownRecipe)

	_, err = c.Plan("", []string{"missing"})
	assert.ErrorIs(t, err, flows.ErrUnknownFlow)

	_, err = c.Plan("", []string{flows.FlowModerate})
	assert.ErrorIs(t, err, ErrReservedStage)

	_, err = c.Plan("", nil)
	assert.ErrorIs(t, err, ErrEmptyPlan)
}

func TestCatalog_CostOverrides(t *testing.T) {
	c := NewCatalog(testRegistry(t), map[string]int64{flows.FlowCleanupDrawing: 7})

	plan, err := c.Plan("cleanup", nil)
	require.NoError(t, err)
	assert.Equal(t, int64(7), TotalCost(plan))
	assert.True(t, plan[0].Visible)
}

func TestCatalog_Describe(t *testing.T) {
	c := NewCatalog(testRegistry(t), nil)
	c.AddRecipe(Recipe{Name: "broken", Stages: []string{"missing"}})

	catalog := c.Describe()
	names := make([]string, 0, len(catalog.Flows))
	for _, f := range catalog.Flows {
		names = append(names, f.Name)
		assert.NotEmpty(t, f.InputSchema)
	}
	assert.NotContains(t, names, flows.FlowModerate)
	assert.Contains(t, names, flows.FlowTitle)

	recipes := map[string]int64{}
	for _, r := range catalog.Recipes {
		recipes[r.Name] = r.Cost
	}
	assert.Equal(t, int64(5), recipes["avatar"])
	assert.NotContains(t, recipes, "broken")
}
