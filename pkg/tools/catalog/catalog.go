// Package catalog lists the tools shipped with the gateway.
package catalog

import (
	"github.com/tb0hdan/toolgate-mcp/pkg/tools"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools/contextstore"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools/decision"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools/history"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools/project"
	"github.com/tb0hdan/toolgate-mcp/pkg/tools/sessions"
)

func All(deps tools.Deps) []tools.Tool {
	return []tools.Tool{
		sessions.New(deps),
		project.New(deps),
		contextstore.New(deps),
		decision.New(deps),
		history.New(deps),
	}
}
