package worker

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

// ClientInfo identifies the gateway in the initialize handshake.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// DefaultClientInfo is sent when Options.ClientInfo is empty.
var DefaultClientInfo = ClientInfo{Name: "codex-app-server-proxy", Version: "1.0.0"}

// ProtocolVersion is the app-server protocol requested at initialize.
const ProtocolVersion = "v2"

// DynamicTool is a client-declared function exposed to the worker for the
// lifetime of a thread.
type DynamicTool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// InputItem is one entry of turn/start input.
type InputItem struct {
	Type         string `json:"type"`
	Text         string `json:"text,omitempty"`
	TextElements []any  `json:"text_elements,omitempty"`
	URL          string `json:"url,omitempty"`
}

// MarshalJSON always writes text_elements for text items.
func (i InputItem) MarshalJSON() ([]byte, error) {
	type plain InputItem
	if i.Type != "text" {
		return json.Marshal(plain(i))
	}
	elements := i.TextElements
	if elements == nil {
		elements = []any{}
	}
	return json.Marshal(struct {
		Type         string `json:"type"`
		Text         string `json:"text"`
		TextElements []any  `json:"text_elements"`
	}{i.Type, i.Text, elements})
}

// TextInput builds a text input item.
func TextInput(text string) InputItem {
	return InputItem{Type: "text", Text: text, TextElements: []any{}}
}

// ImageInput builds an image input item.
func ImageInput(url string) InputItem {
	return InputItem{Type: "image", URL: url}
}

// TurnParams describes one turn. Thread-level fields are used only when a
// new thread is started.
type TurnParams struct {
	// ThreadID continues an existing thread instead of calling thread/start.
	ThreadID string

	// Resume attaches to a turn that is already running on ThreadID (parked
	// on a tool call) and skips turn/start.
	Resume bool

	Model                 string
	ModelProvider         string
	Profile               string
	Cwd                   string
	ApprovalPolicy        string
	SandboxMode           string
	Config                map[string]any
	DynamicTools          []DynamicTool
	BaseInstructions      string
	DeveloperInstructions string

	Items        []InputItem
	Effort       string
	Summary      string
	OutputSchema json.RawMessage

	// Timeout overrides Options.RequestTimeout for this request.
	Timeout time.Duration
}

var (
	validApproval = map[string]bool{"untrusted": true, "on-failure": true, "on-request": true, "never": true}
	validSandbox  = map[string]bool{"danger-full-access": true, "read-only": true, "workspace-write": true}
)

// approvalFallback is used for unrecognized approval policies.
const approvalFallback = "on-request"

func normalizeApproval(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return ""
	}
	if validApproval[v] {
		return v
	}
	return approvalFallback
}

func normalizeSandbox(v string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if validSandbox[v] {
		return v
	}
	return ""
}

// sandboxPolicy maps a sandbox mode onto the v2 turn policy object.
func sandboxPolicy(mode string) map[string]any {
	switch normalizeSandbox(mode) {
	case "danger-full-access":
		return map[string]any{"type": "dangerFullAccess"}
	case "read-only":
		return map[string]any{"type": "readOnly"}
	case "workspace-write":
		return map[string]any{"type": "workspaceWrite"}
	}
	return nil
}

func (p *TurnParams) threadStartParams() map[string]any {
	params := map[string]any{"experimentalRawEvents": false}
	setString(params, "model", p.Model)
	setString(params, "modelProvider", p.ModelProvider)
	setString(params, "profile", p.Profile)
	setString(params, "cwd", p.Cwd)
	setString(params, "approvalPolicy", normalizeApproval(p.ApprovalPolicy))
	setString(params, "sandbox", normalizeSandbox(p.SandboxMode))
	if p.Config != nil {
		params["config"] = p.Config
	}
	if p.DynamicTools != nil {
		params["dynamicTools"] = p.DynamicTools
	}
	setString(params, "baseInstructions", p.BaseInstructions)
	setString(params, "developerInstructions", p.DeveloperInstructions)
	return params
}

func (p *TurnParams) turnStartParams(threadID string) map[string]any {
	input := p.Items
	if input == nil {
		input = []InputItem{}
	}
	params := map[string]any{
		"threadId": threadID,
		"input":    input,
	}
	setString(params, "approvalPolicy", normalizeApproval(p.ApprovalPolicy))
	if policy := sandboxPolicy(p.SandboxMode); policy != nil {
		params["sandboxPolicy"] = policy
	}
	setString(params, "cwd", p.Cwd)
	setString(params, "model", p.Model)
	setString(params, "effort", p.Effort)
	setString(params, "summary", p.Summary)
	if len(p.OutputSchema) > 0 {
		params["outputSchema"] = p.OutputSchema
	}
	return params
}

func setString(m map[string]any, key, value string) {
	if value = strings.TrimSpace(value); value != "" {
		m[key] = value
	}
}

// Handshake is the cached initialize result.
type Handshake struct {
	Raw json.RawMessage
}

// Model is one model advertised by the worker.
type Model struct {
	ID  string
	Raw json.RawMessage
}

// Models returns the advertised models from result.models or
// result.advertised_models (or a bare array result). Entries may be plain
// ids or objects with id, model, or slug.
func (h *Handshake) Models() []Model {
	if h == nil {
		return nil
	}
	res := gjson.ParseBytes(h.Raw)
	list := res
	if !res.IsArray() {
		list = res.Get("models")
		if !list.IsArray() {
			list = res.Get("advertised_models")
		}
	}
	if !list.IsArray() {
		return nil
	}
	var models []Model
	list.ForEach(func(_, v gjson.Result) bool {
		id := v.String()
		if v.IsObject() {
			id = firstString(v, "id", "model", "slug", "name")
		}
		if id != "" {
			models = append(models, Model{ID: id, Raw: json.RawMessage(v.Raw)})
		}
		return true
	})
	return models
}

// Capabilities returns result.capabilities, or nil.
func (h *Handshake) Capabilities() json.RawMessage {
	if h == nil {
		return nil
	}
	c := gjson.GetBytes(h.Raw, "capabilities")
	if !c.IsObject() {
		return nil
	}
	return json.RawMessage(c.Raw)
}

// SupportsTools reports whether the worker accepts dynamic tools. Only an
// explicit capabilities.tools=false disables them.
func (h *Handshake) SupportsTools() bool {
	if h == nil {
		return true
	}
	v := gjson.GetBytes(h.Raw, "capabilities.tools")
	if !v.Exists() || v.Type == gjson.Null {
		return true
	}
	if v.IsObject() || v.IsArray() {
		return true
	}
	return v.Bool()
}

// firstString returns the first non-empty string among the given paths.
func firstString(v gjson.Result, paths ...string) string {
	for _, p := range paths {
		if r := v.Get(p); r.Exists() && r.Type != gjson.Null {
			if s := r.String(); s != "" {
				return s
			}
		}
	}
	return ""
}
