package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/rhuss/codexgate/pkg/api"
	"github.com/rhuss/codexgate/pkg/debug"
	"github.com/rhuss/codexgate/pkg/toolcall"
)

// EnvelopeParams is the input of BuildEnvelope.
type EnvelopeParams struct {
	ResponseID string
	Model      string
	Created    int64
	Status     api.ResponseStatus
	MessageID  string
	Text       string
	Calls      []toolcall.Call
	Usage      *api.Usage
}

// BuildEnvelope assembles a response: the assistant message first, then one
// function_call item per call in order.
func BuildEnvelope(p EnvelopeParams) *api.Response {
	created := p.Created
	if created == 0 {
		created = time.Now().Unix()
	}
	status := p.Status
	if status == "" {
		status = api.ResponseStatusCompleted
	}
	msgID := api.NormalizeMessageID(p.MessageID)
	output := make([]api.Item, 0, 1+len(p.Calls))
	output = append(output, api.NewOutputMessage(msgID, p.Text))
	for i, c := range p.Calls {
		id := c.ID
		if id == "" {
			id = fmt.Sprintf("call_%d_%s", i, api.RandomAlphanumeric(8))
		}
		name := c.Function.Name
		if name == "" {
			name = id
		}
		output = append(output, api.NewFunctionCallItem(id, id, name, c.Function.Arguments, ""))
	}

	return &api.Response{
		ID:      api.NormalizeResponseID(p.ResponseID),
		Object:  "response",
		Created: created,
		Status:  status,
		Model:   p.Model,
		Output:  output,
		Usage:   p.Usage,
	}
}

// Collector accumulates canonical events for a non-streaming response.
type Collector struct {
	parser *toolcall.Options

	parts   []string
	deltas  strings.Builder
	agg     *toolcall.Aggregator
	usage   TokenUsage
	reasons []string
	native  int
	inline  int
}

// NewCollector returns an empty collector. parserOpts enables inline
// tool-call extraction when non-nil.
func NewCollector(parserOpts *toolcall.Options) *Collector {
	return &Collector{parser: parserOpts, agg: toolcall.NewAggregator()}
}

// Handle records one event.
func (c *Collector) Handle(ev Event) {
	switch ev.Type {
	case EventTextDelta:
		c.deltas.WriteString(ev.Text)
	case EventText:
		c.parts = append(c.parts, ev.Text)
	case EventToolCallsDelta, EventFunctionCallDelta:
		c.agg.IngestDelta(ev.Choice, ev.Fragments)
	case EventToolCalls, EventFunctionCall:
		c.agg.IngestMessage(ev.Choice, ev.Fragments, true)
	case EventUsage:
		c.usage = ev.Usage
	case EventFinish:
		if ev.Reason != "" {
			c.reasons = append(c.reasons, ev.Reason)
		}
	}
}

// Usage returns the latest reported token counts.
func (c *Collector) Usage() TokenUsage { return c.usage }

// ToolCalls returns how many calls the last Envelope carried from worker
// tool events and how many it recovered from text.
func (c *Collector) ToolCalls() (native, inline int) { return c.native, c.inline }

// Envelope builds the final response. Complete text parts take precedence
// over concatenated deltas. A strict inline tool-call failure marks the
// response failed and replaces the text with the parse error.
func (c *Collector) Envelope(responseID, model string, created int64) *api.Response {
	text := strings.Join(c.parts, "")
	if len(c.parts) == 0 {
		text = c.deltas.String()
	}
	reasons := c.reasons
	calls := c.agg.Snapshot(0)
	c.native, c.inline = len(calls), 0

	if c.parser != nil {
		res := toolcall.ParseText(text, *c.parser)
		for _, pe := range res.Errors {
			debug.Log("stream", "inline tool call rejected", "code", pe.Code, "tool", pe.Name, "strict", pe.Strict)
		}
		if fatal := res.Fatal(); fatal != nil {
			reasons = append(reasons, "failed")
			text = "Tool call parsing failed: " + fatal.Message
		} else {
			text = strings.Join(res.VisibleText, "")
			for _, pc := range res.Calls {
				c.inline++
				calls = append(calls, toolcall.Call{
					ID:       fmt.Sprintf("fc_%03d", c.inline),
					Type:     "function",
					Function: toolcall.Function{Name: pc.Name, Arguments: pc.Arguments},
				})
			}
		}
	}

	return BuildEnvelope(EnvelopeParams{
		ResponseID: responseID,
		Model:      model,
		Created:    created,
		Status:     mapFinishStatus(reasons),
		Text:       text,
		Calls:      calls,
		Usage:      c.usage.API(),
	})
}
