package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/rhuss/codexgate/pkg/api"
	"github.com/rhuss/codexgate/pkg/toolcall"
	"github.com/rhuss/codexgate/pkg/worker"
)

// ToolOutput is a function_call_output taken from the request input.
type ToolOutput struct {
	CallID string
	Output string
}

// NormalizedRequest is a request reduced to what a turn needs.
type NormalizedRequest struct {
	Items        []worker.InputItem
	ToolOutputs  []ToolOutput
	DynamicTools []worker.DynamicTool
	// ToolsRequested is true when the request declares any tool, even if
	// tool_choice removes them all from the turn.
	ToolsRequested bool
	OutputSchema   json.RawMessage
}

// itemBuilder batches consecutive text lines into one text item; images
// break the batch.
type itemBuilder struct {
	items []worker.InputItem
	lines []string
}

func (b *itemBuilder) line(s string) {
	if s != "" {
		b.lines = append(b.lines, s)
	}
}

func (b *itemBuilder) roleText(role, text string) {
	b.line(strings.TrimRight(fmt.Sprintf("[%s] %s", role, text), " \t\r\n"))
}

func (b *itemBuilder) flush() {
	if len(b.lines) == 0 {
		return
	}
	b.items = append(b.items, worker.TextInput(strings.Join(b.lines, "\n")))
	b.lines = nil
}

func (b *itemBuilder) image(role, url string) {
	b.flush()
	b.items = append(b.items, worker.TextInput("["+role+"]"), worker.ImageInput(url))
}

// NormalizeRequest flattens instructions and input into turn input items:
// "[system] ..." for instructions, "[role] text" per message part and
// "[tool:<call_id>] output" per function_call_output. Errors are
// invalid_request_error values naming the offending parameter.
func NormalizeRequest(req *api.CreateResponseRequest) (*NormalizedRequest, *api.APIError) {
	if len(req.Messages) > 0 {
		return nil, api.NewInvalidRequestError("messages", "messages is not supported for /v1/responses")
	}

	out := &NormalizedRequest{}
	b := &itemBuilder{}

	if instructions := strings.TrimSpace(req.Instructions); instructions != "" {
		b.line("[system] " + instructions)
	}
	if req.Input.Text != "" {
		b.roleText(string(api.RoleUser), req.Input.Text)
	}

	for i, item := range req.Input.Items {
		param := fmt.Sprintf("input[%d]", i)
		switch item.Type {
		case api.ItemTypeMessage:
			if apiErr := appendMessage(b, item.Message, param); apiErr != nil {
				return nil, apiErr
			}
		case api.ItemTypeFunctionCallOutput:
			fco := item.FunctionCallOutput
			if fco == nil || strings.TrimSpace(fco.CallID) == "" {
				return nil, api.NewInvalidRequestError(param+".call_id", "call_id is required")
			}
			callID := strings.TrimSpace(fco.CallID)
			b.line(strings.TrimRight(fmt.Sprintf("[tool:%s] %s", callID, fco.Output), " \t\r\n"))
			out.ToolOutputs = append(out.ToolOutputs, ToolOutput{CallID: callID, Output: fco.Output})
		case api.ItemTypeFunctionCall:
			// Earlier assistant calls are context only; their outputs carry
			// the information the worker needs.
		case api.ItemTypeInputText:
			if item.Part != nil {
				b.roleText(string(api.RoleUser), item.Part.Text)
			}
		case api.ItemTypeInputImage:
			if item.Part == nil || item.Part.ImageURL == "" {
				return nil, api.NewInvalidRequestError(param, "input_image.image_url must be a string")
			}
			b.image(string(api.RoleUser), item.Part.ImageURL)
		default:
			return nil, api.NewInvalidRequestError(param, "unsupported input item type")
		}
	}
	b.flush()
	out.Items = b.items

	out.ToolsRequested = len(req.Tools) > 0
	out.DynamicTools = DynamicTools(req.Tools, req.ToolChoice)
	out.OutputSchema = req.OutputSchema()
	return out, nil
}

func appendMessage(b *itemBuilder, msg *api.MessageData, param string) *api.APIError {
	if msg == nil {
		return api.NewInvalidRequestError(param, "input item must be an object")
	}
	role := strings.ToLower(strings.TrimSpace(string(msg.Role)))
	switch api.MessageRole(role) {
	case api.RoleSystem, api.RoleDeveloper, api.RoleUser, api.RoleAssistant:
	default:
		return api.NewInvalidRequestError(param+".role", "message role must be system, developer, user, or assistant")
	}
	if len(msg.Content) == 0 {
		b.roleText(role, "")
		return nil
	}
	for j, part := range msg.Content {
		partParam := fmt.Sprintf("%s.content[%d]", param, j)
		switch strings.ToLower(part.Type) {
		case "input_text", "output_text", "text":
			b.roleText(role, part.Text)
		case "input_image":
			if part.ImageURL == "" {
				return api.NewInvalidRequestError(partParam, "input_image.image_url must be a string")
			}
			b.image(role, part.ImageURL)
		default:
			return api.NewInvalidRequestError(partParam, "unsupported content item type")
		}
	}
	return nil
}

// DynamicTools projects the request's function tools onto the worker's
// dynamic tool shape. tool_choice "none" yields an empty list and a forced
// choice yields only the named tool. Nil means the request declared no
// usable function tool.
func DynamicTools(tools []api.ToolDefinition, choice *api.ToolChoice) []worker.DynamicTool {
	if len(tools) == 0 {
		return nil
	}
	if choice.Mode() == "none" {
		return []worker.DynamicTool{}
	}
	var out []worker.DynamicTool
	for _, t := range tools {
		if !t.IsFunction() {
			continue
		}
		schema := t.Parameters
		if len(schema) == 0 {
			schema = json.RawMessage(`{}`)
		}
		out = append(out, worker.DynamicTool{
			Name:        strings.TrimSpace(t.Name),
			Description: t.Description,
			InputSchema: schema,
		})
	}
	if len(out) == 0 {
		return nil
	}
	if forced := choice.ForcedName(); forced != "" {
		for _, t := range out {
			if t.Name == forced {
				return []worker.DynamicTool{t}
			}
		}
		return []worker.DynamicTool{}
	}
	return out
}

// ParserOptions builds the inline tool-call parser options for a request.
// It returns false when inline parsing is off: no function tools were
// declared or tool_choice is "none".
func ParserOptions(req *api.CreateResponseRequest, cfg Config) (toolcall.Options, bool) {
	if req.ToolChoice.Mode() == "none" {
		return toolcall.Options{}, false
	}
	opts := toolcall.Options{
		StrictTools:    make(map[string]bool),
		ToolSchemas:    make(map[string]json.RawMessage),
		StrictFallback: cfg.StrictTools,
		DisableRepair:  !cfg.RepairJSON,
		OpenTag:        cfg.ToolCallOpenTag,
		CloseTag:       cfg.ToolCallCloseTag,
	}
	for _, t := range req.Tools {
		if !t.IsFunction() {
			continue
		}
		name := strings.TrimSpace(t.Name)
		opts.AllowedTools = append(opts.AllowedTools, name)
		opts.StrictTools[name] = t.Strict != nil && *t.Strict
		if len(t.Parameters) > 0 {
			opts.ToolSchemas[name] = t.Parameters
		}
	}
	if len(opts.AllowedTools) == 0 {
		return toolcall.Options{}, false
	}
	if forced := req.ToolChoice.ForcedName(); forced != "" {
		opts.AllowedTools = []string{forced}
	}
	return opts, true
}
