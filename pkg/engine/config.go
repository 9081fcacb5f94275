package engine

import (
	"time"

	"github.com/rhuss/codexgate/pkg/api"
)

// DefaultIdleTimeout is used when Config.IdleTimeout is zero.
const DefaultIdleTimeout = 120 * time.Second

// Config holds configuration for the engine.
type Config struct {
	// DefaultModel is used when the request omits the model field.
	// Empty string means a model is always required in the request.
	DefaultModel string

	// IdleTimeout fails a turn when the worker sends nothing for this long.
	IdleTimeout time.Duration

	// KillOnDisconnect kills the worker process when a client disconnects
	// mid-turn instead of only cancelling the turn.
	KillOnDisconnect bool

	// DisableInternalTools steers the worker away from its built-in tools
	// so that only client tools are requested.
	DisableInternalTools bool

	SandboxMode    string
	ApprovalPolicy string
	Cwd            string

	// StrictTools is the strictness of inline tool calls for tools that do
	// not set "strict" themselves.
	StrictTools bool

	// RepairJSON enables the trailing comma repair of inline tool calls.
	RepairJSON bool

	ToolCallOpenTag  string
	ToolCallCloseTag string

	Validation api.ValidationConfig
}

func (c Config) idleTimeout() time.Duration {
	if c.IdleTimeout <= 0 {
		return DefaultIdleTimeout
	}
	return c.IdleTimeout
}

// internalToolsInstructions is sent as base instructions when internal
// tools are disabled.
const internalToolsInstructions = "Never use internal tools (web_search, view_image, fileChange, commandExecution, mcpToolCall, shell, exec_command, apply_patch, update_plan). Use client tools like writeToFile/replaceInFile for file operations. Request only dynamic tool calls provided by the client."

// internalToolsConfig switches off the worker's built-in tool features.
func internalToolsConfig() map[string]any {
	return map[string]any{
		"features": map[string]any{
			"streamable_shell":     false,
			"unified_exec":         false,
			"view_image_tool":      false,
			"apply_patch_freeform": false,
		},
		"tools": map[string]any{
			"web_search": false,
			"view_image": false,
		},
	}
}
