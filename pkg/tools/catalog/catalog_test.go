package catalog

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tb0hdan/toolgate-mcp/pkg/models"
	"github.com/tb0hdan/toolgate-mcp/pkg/schema"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
)

func TestAll(t *testing.T) {
	all := All(tools.Deps{Logger: zerolog.Nop()})
	v := schema.New()

	names := map[string]bool{}
	for _, tool := range all {
		assert.False(t, names[tool.Name()], "duplicate tool %s", tool.Name())
		names[tool.Name()] = true
		assert.NotEmpty(t, tool.Description())
		require.NoError(t, v.Register(tool.Name(), tool.Shape()), tool.Name())
		assert.NotNil(t, tool.Shape().JSONSchema())
	}

	byName := map[string]tools.Tool{}
	for _, tool := range all {
		byName[tool.Name()] = tool
	}
	assert.Equal(t, models.OpContextCreation, tools.OperationType(byName["context_store"]))
	assert.Equal(t, models.OpDecisionCreation, tools.OperationType(byName["decision_record"]))
	assert.Equal(t, "history", tools.OperationType(byName["history"]))
	assert.True(t, tools.IsUnattributed(byName["session"]))
	assert.False(t, tools.IsUnattributed(byName["project"]))
}
