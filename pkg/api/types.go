package api

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Content parts
// ---------------------------------------------------------------------------

// ContentPart is one part of message content: input_text, output_text,
// text, or input_image.
type ContentPart struct {
	Type     string `json:"type"`
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// UnmarshalJSON accepts image_url either as a string or as {"url": ...}.
func (p *ContentPart) UnmarshalJSON(data []byte) error {
	var w struct {
		Type     string          `json:"type"`
		Text     string          `json:"text"`
		ImageURL json.RawMessage `json:"image_url"`
		URL      string          `json:"url"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	p.Type = w.Type
	p.Text = w.Text
	p.ImageURL = w.URL
	if len(w.ImageURL) > 0 {
		var s string
		if err := json.Unmarshal(w.ImageURL, &s); err == nil {
			p.ImageURL = s
		} else {
			var obj struct {
				URL string `json:"url"`
			}
			if err := json.Unmarshal(w.ImageURL, &obj); err == nil {
				p.ImageURL = obj.URL
			}
		}
	}
	return nil
}

// ---------------------------------------------------------------------------
// Items
// ---------------------------------------------------------------------------

// MessageRole is the author of a message.
type MessageRole string

const (
	RoleSystem    MessageRole = "system"
	RoleDeveloper MessageRole = "developer"
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
)

// ItemType is the kind of an input or output item.
type ItemType string

const (
	ItemTypeMessage            ItemType = "message"
	ItemTypeFunctionCall       ItemType = "function_call"
	ItemTypeFunctionCallOutput ItemType = "function_call_output"
	ItemTypeInputText          ItemType = "input_text"
	ItemTypeInputImage         ItemType = "input_image"
)

// ItemStatus is the processing state of an output item.
type ItemStatus string

const (
	ItemStatusInProgress ItemStatus = "in_progress"
	ItemStatusCompleted  ItemStatus = "completed"
)

// MessageData holds the fields of a message item.
type MessageData struct {
	Role    MessageRole   `json:"role"`
	Content []ContentPart `json:"content"`
}

// FunctionCallData holds the fields of a function_call item.
type FunctionCallData struct {
	CallID    string `json:"call_id"`
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// FunctionCallOutputData holds the fields of a function_call_output item.
// Structured outputs are kept as their JSON text.
type FunctionCallOutputData struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// Item is a single input or output item. On the wire the type-specific
// fields are flat, next to id and type.
type Item struct {
	ID     string     `json:"id,omitempty"`
	Type   ItemType   `json:"type"`
	Status ItemStatus `json:"status,omitempty"`

	Message            *MessageData            `json:"-"`
	FunctionCall       *FunctionCallData       `json:"-"`
	FunctionCallOutput *FunctionCallOutputData `json:"-"`

	// Part is set for top-level input_text and input_image items.
	Part *ContentPart `json:"-"`
}

type itemWireBase struct {
	ID     string     `json:"id,omitempty"`
	Type   ItemType   `json:"type"`
	Status ItemStatus `json:"status,omitempty"`
}

// MarshalJSON writes the flat wire shape.
func (item Item) MarshalJSON() ([]byte, error) {
	base := itemWireBase{ID: item.ID, Type: item.Type, Status: item.Status}
	switch item.Type {
	case ItemTypeMessage:
		w := struct {
			itemWireBase
			Role    MessageRole   `json:"role"`
			Content []ContentPart `json:"content"`
		}{itemWireBase: base, Content: []ContentPart{}}
		if item.Message != nil {
			w.Role = item.Message.Role
			if item.Message.Content != nil {
				w.Content = item.Message.Content
			}
		}
		return json.Marshal(w)
	case ItemTypeFunctionCall:
		w := struct {
			itemWireBase
			FunctionCallData
		}{itemWireBase: base}
		if item.FunctionCall != nil {
			w.FunctionCallData = *item.FunctionCall
		}
		return json.Marshal(w)
	case ItemTypeFunctionCallOutput:
		w := struct {
			itemWireBase
			FunctionCallOutputData
		}{itemWireBase: base}
		if item.FunctionCallOutput != nil {
			w.FunctionCallOutputData = *item.FunctionCallOutput
		}
		return json.Marshal(w)
	case ItemTypeInputText, ItemTypeInputImage:
		if item.Part != nil {
			return json.Marshal(item.Part)
		}
	}
	return json.Marshal(base)
}

// UnmarshalJSON reads the flat wire shape. A message whose content is a
// plain string becomes a single input_text part. Items without a type but
// with a role are treated as messages.
func (item *Item) UnmarshalJSON(data []byte) error {
	var w struct {
		ID        string          `json:"id"`
		Type      ItemType        `json:"type"`
		Status    ItemStatus      `json:"status"`
		Role      MessageRole     `json:"role"`
		Content   json.RawMessage `json:"content"`
		CallID    string          `json:"call_id"`
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
		Output    json.RawMessage `json:"output"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type == "" && w.Role != "" {
		w.Type = ItemTypeMessage
	}
	*item = Item{ID: w.ID, Type: w.Type, Status: w.Status}

	switch w.Type {
	case ItemTypeMessage:
		msg := &MessageData{Role: w.Role}
		content := bytes.TrimSpace(w.Content)
		switch {
		case len(content) == 0 || bytes.Equal(content, []byte("null")):
		case content[0] == '"':
			var s string
			if err := json.Unmarshal(content, &s); err != nil {
				return fmt.Errorf("message content: %w", err)
			}
			msg.Content = []ContentPart{{Type: "input_text", Text: s}}
		default:
			if err := json.Unmarshal(content, &msg.Content); err != nil {
				return fmt.Errorf("message content: %w", err)
			}
		}
		item.Message = msg
	case ItemTypeFunctionCall:
		item.FunctionCall = &FunctionCallData{CallID: w.CallID, Name: w.Name, Arguments: jsonText(w.Arguments)}
	case ItemTypeFunctionCallOutput:
		item.FunctionCallOutput = &FunctionCallOutputData{CallID: w.CallID, Output: jsonText(w.Output)}
	case ItemTypeInputText, ItemTypeInputImage:
		var part ContentPart
		if err := json.Unmarshal(data, &part); err != nil {
			return err
		}
		item.Part = &part
	}
	return nil
}

// jsonText returns a JSON string's value, or the compact JSON text of any
// other value.
func jsonText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw)
	}
	return buf.String()
}

// NewOutputMessage builds the assistant message output item.
func NewOutputMessage(id, text string) Item {
	return Item{
		ID:   id,
		Type: ItemTypeMessage,
		Message: &MessageData{
			Role:    RoleAssistant,
			Content: []ContentPart{{Type: "output_text", Text: text}},
		},
	}
}

// NewFunctionCallItem builds a function_call output item.
func NewFunctionCallItem(id, callID, name, arguments string, status ItemStatus) Item {
	return Item{
		ID:           id,
		Type:         ItemTypeFunctionCall,
		Status:       status,
		FunctionCall: &FunctionCallData{CallID: callID, Name: name, Arguments: arguments},
	}
}

// ---------------------------------------------------------------------------
// Input
// ---------------------------------------------------------------------------

// Input is the request input: either plain text or a list of items.
type Input struct {
	Text  string
	Items []Item
}

// Empty reports whether there is no input at all.
func (in Input) Empty() bool {
	return in.Text == "" && len(in.Items) == 0
}

// MarshalJSON writes text input as a string and item input as an array.
func (in Input) MarshalJSON() ([]byte, error) {
	if in.Items == nil {
		return json.Marshal(in.Text)
	}
	return json.Marshal(in.Items)
}

// UnmarshalJSON accepts a string or an array of items.
func (in *Input) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*in = Input{}
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '"' {
		return json.Unmarshal(data, &in.Text)
	}
	if err := json.Unmarshal(data, &in.Items); err != nil {
		return fmt.Errorf("input must be a string or an array of items: %w", err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Tools
// ---------------------------------------------------------------------------

// ToolChoice is "auto", "none", "required", or a forced function.
type ToolChoice struct {
	String   string
	Function *ToolChoiceFunction
}

// ToolChoiceFunction forces a specific function.
type ToolChoiceFunction struct {
	Type string `json:"type"`
	Name string `json:"name"`
}

// MarshalJSON writes the string or object form.
func (tc ToolChoice) MarshalJSON() ([]byte, error) {
	if tc.Function != nil {
		return json.Marshal(tc.Function)
	}
	return json.Marshal(tc.String)
}

// UnmarshalJSON accepts a string, {"type":"function","name":...}, or the
// chat form {"type":"function","function":{"name":...}}.
func (tc *ToolChoice) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*tc = ToolChoice{String: s}
		return nil
	}
	var obj struct {
		Type     string `json:"type"`
		Name     string `json:"name"`
		Function *struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(data, &obj); err != nil {
		return fmt.Errorf("tool_choice must be a string or object: %w", err)
	}
	name := obj.Name
	if name == "" && obj.Function != nil {
		name = obj.Function.Name
	}
	*tc = ToolChoice{Function: &ToolChoiceFunction{Type: obj.Type, Name: name}}
	return nil
}

// Mode returns "none", "auto", "required", or "forced".
func (tc *ToolChoice) Mode() string {
	if tc == nil {
		return "auto"
	}
	if tc.Function != nil {
		if tc.Function.Name != "" {
			return "forced"
		}
		return "auto"
	}
	switch tc.String {
	case "none", "required":
		return tc.String
	}
	return "auto"
}

// ForcedName returns the forced function name, if any.
func (tc *ToolChoice) ForcedName() string {
	if tc == nil || tc.Function == nil {
		return ""
	}
	return tc.Function.Name
}

// ToolDefinition is a client-declared tool. Both the flat Responses shape
// and the nested chat shape ({"function":{...}}) are accepted.
type ToolDefinition struct {
	Type        string          `json:"type"`
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
	Strict      *bool           `json:"strict,omitempty"`
}

// UnmarshalJSON flattens the nested chat shape.
func (t *ToolDefinition) UnmarshalJSON(data []byte) error {
	type plain ToolDefinition
	var w struct {
		plain
		Function *plain `json:"function"`
	}
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	*t = ToolDefinition(w.plain)
	if fn := w.Function; fn != nil {
		if fn.Name != "" {
			t.Name = fn.Name
		}
		if fn.Description != "" {
			t.Description = fn.Description
		}
		if len(fn.Parameters) > 0 {
			t.Parameters = fn.Parameters
		}
		if fn.Strict != nil {
			t.Strict = fn.Strict
		}
	}
	return nil
}

// IsFunction reports whether the tool is a client function tool.
func (t ToolDefinition) IsFunction() bool {
	return (t.Type == "" || t.Type == "function") && t.Name != ""
}

// ---------------------------------------------------------------------------
// Request
// ---------------------------------------------------------------------------

// StreamOptions controls streamed output.
type StreamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

// TextFormat describes structured output.
type TextFormat struct {
	Type   string          `json:"type"`
	Name   string          `json:"name,omitempty"`
	Schema json.RawMessage `json:"schema,omitempty"`
	Strict *bool           `json:"strict,omitempty"`
}

// TextOptions wraps the text format.
type TextOptions struct {
	Format *TextFormat `json:"format,omitempty"`
}

// ReasoningOptions selects reasoning effort and summary verbosity.
type ReasoningOptions struct {
	Effort  string `json:"effort,omitempty"`
	Summary string `json:"summary,omitempty"`
}

// CreateResponseRequest is the body of POST /v1/responses.
type CreateResponseRequest struct {
	Model             string            `json:"model"`
	Input             Input             `json:"input"`
	Instructions      string            `json:"instructions,omitempty"`
	Tools             []ToolDefinition  `json:"tools,omitempty"`
	ToolChoice        *ToolChoice       `json:"tool_choice,omitempty"`
	ParallelToolCalls *bool             `json:"parallel_tool_calls,omitempty"`
	Stream            bool              `json:"stream,omitempty"`
	StreamOptions     *StreamOptions    `json:"stream_options,omitempty"`
	MaxOutputTokens   *int              `json:"max_output_tokens,omitempty"`
	Text              *TextOptions      `json:"text,omitempty"`
	Reasoning         *ReasoningOptions `json:"reasoning,omitempty"`
	Metadata          map[string]string `json:"metadata,omitempty"`
	PreviousResponse  string            `json:"previous_response_id,omitempty"`
	N                 *int              `json:"n,omitempty"`

	// ThreadID continues an existing worker thread.
	ThreadID string `json:"thread_id,omitempty"`

	// Messages is the chat completions field; it is rejected here.
	Messages json.RawMessage `json:"messages,omitempty"`
}

// IncludeUsage reports whether streamed output should carry usage.
func (r *CreateResponseRequest) IncludeUsage() bool {
	return r.StreamOptions != nil && r.StreamOptions.IncludeUsage
}

// OutputSchema returns the json_schema text format schema, if any.
func (r *CreateResponseRequest) OutputSchema() json.RawMessage {
	if r.Text == nil || r.Text.Format == nil || r.Text.Format.Type != "json_schema" {
		return nil
	}
	return r.Text.Format.Schema
}

// ---------------------------------------------------------------------------
// Response envelope
// ---------------------------------------------------------------------------

// ResponseStatus is the overall state of a response.
type ResponseStatus string

const (
	ResponseStatusInProgress ResponseStatus = "in_progress"
	ResponseStatusCompleted  ResponseStatus = "completed"
	ResponseStatusIncomplete ResponseStatus = "incomplete"
	ResponseStatusFailed     ResponseStatus = "failed"
)

// Usage reports token counts.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Response is the OpenAI-shaped response envelope. Output always places the
// assistant message first, followed by function_call items.
type Response struct {
	ID      string         `json:"id"`
	Object  string         `json:"object"`
	Created int64          `json:"created"`
	Status  ResponseStatus `json:"status"`
	Model   string         `json:"model,omitempty"`
	Output  []Item         `json:"output,omitempty"`
	Usage   *Usage         `json:"usage,omitempty"`
	Error   *APIError      `json:"error,omitempty"`
}

// Model is one entry of the models listing.
type Model struct {
	ID      string `json:"id"`
	Object  string `json:"object"`
	Created int64  `json:"created"`
	OwnedBy string `json:"owned_by"`
}

// ModelList is the body of GET /v1/models.
type ModelList struct {
	Object string  `json:"object"`
	Data   []Model `json:"data"`
}
