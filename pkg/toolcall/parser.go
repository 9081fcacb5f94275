package toolcall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// Default inline tags.
const (
	DefaultOpenTag  = "<tool_call>"
	DefaultCloseTag = "</tool_call>"
)

// ErrorCode classifies a parse problem.
type ErrorCode string

const (
	ErrInvalidJSON      ErrorCode = "invalid_json"
	ErrMissingName      ErrorCode = "missing_name"
	ErrUnknownTool      ErrorCode = "unknown_tool"
	ErrInvalidArguments ErrorCode = "invalid_arguments"
	ErrArgumentsCoerced ErrorCode = "arguments_coerced"
	ErrSchemaMismatch   ErrorCode = "schema_mismatch"
	ErrUnclosedTag      ErrorCode = "unclosed_tag"
)

// ParseError describes a problem with one inline tool call. Strict errors
// abort the call without a text fallback and must fail the response.
type ParseError struct {
	Code    ErrorCode
	Message string
	Name    string
	Strict  bool
}

func (e ParseError) Error() string {
	if e.Name != "" {
		return fmt.Sprintf("%s: %s (tool %s)", e.Code, e.Message, e.Name)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ParsedCall is a tool call recovered from inline text.
type ParsedCall struct {
	Name      string
	Arguments string
}

// Result is the output of one Ingest or Flush step.
type Result struct {
	VisibleText []string
	Calls       []ParsedCall
	Errors      []ParseError
}

// Fatal returns the first strict error, if any.
func (r Result) Fatal() *ParseError {
	for i := range r.Errors {
		if r.Errors[i].Strict {
			return &r.Errors[i]
		}
	}
	return nil
}

func (r *Result) merge(other Result) {
	r.VisibleText = append(r.VisibleText, other.VisibleText...)
	r.Calls = append(r.Calls, other.Calls...)
	r.Errors = append(r.Errors, other.Errors...)
}

// Options configures a Parser.
type Options struct {
	// AllowedTools restricts accepted tool names. Empty allows any name.
	AllowedTools []string

	// StrictTools marks individual tools strict (true) or lenient (false).
	// Tools not listed use StrictFallback.
	StrictTools    map[string]bool
	StrictFallback bool

	// ToolSchemas holds the JSON Schema of each tool's parameters. Only
	// consulted for strict tools.
	ToolSchemas map[string]json.RawMessage

	// DisableRepair turns off the trailing comma repair pass.
	DisableRepair bool

	OpenTag  string
	CloseTag string
}

var trailingComma = regexp.MustCompile(`,\s*([}\]])`)

// Parser scans a stream of text deltas for inline tool calls.
type Parser struct {
	open, close string
	allowed     map[string]bool
	strict      map[string]bool
	fallback    bool
	repair      bool
	schemas     map[string]*toolSchema

	buffer     string
	inTag      bool
	tagContent string
}

// NewParser returns a parser for one response.
func NewParser(opts Options) *Parser {
	p := &Parser{
		open:     opts.OpenTag,
		close:    opts.CloseTag,
		strict:   opts.StrictTools,
		fallback: opts.StrictFallback,
		repair:   !opts.DisableRepair,
		schemas:  make(map[string]*toolSchema, len(opts.ToolSchemas)),
	}
	if p.open == "" {
		p.open = DefaultOpenTag
	}
	if p.close == "" {
		p.close = DefaultCloseTag
	}
	if len(opts.AllowedTools) > 0 {
		p.allowed = make(map[string]bool, len(opts.AllowedTools))
		for _, name := range opts.AllowedTools {
			p.allowed[name] = true
		}
	}
	for name, raw := range opts.ToolSchemas {
		p.schemas[name] = newToolSchema(name, raw)
	}
	return p
}

// Ingest consumes one text delta.
func (p *Parser) Ingest(delta string) Result {
	return p.consume(delta, false)
}

// Flush drains held text at end of stream. An unterminated tag is reported
// as unclosed_tag and echoed verbatim.
func (p *Parser) Flush() Result {
	return p.consume("", true)
}

// ParseText runs a parser over a complete text.
func ParseText(text string, opts Options) Result {
	p := NewParser(opts)
	res := p.Ingest(text)
	res.merge(p.Flush())
	return res
}

func (p *Parser) consume(incoming string, flush bool) Result {
	var res Result
	buf := p.buffer + incoming
	p.buffer = ""

	for buf != "" {
		if !p.inTag {
			idx := strings.Index(buf, p.open)
			if idx < 0 {
				keep := 0
				if !flush {
					keep = suffixPrefixLen(buf, p.open)
				}
				if safe := buf[:len(buf)-keep]; safe != "" {
					res.VisibleText = append(res.VisibleText, safe)
				}
				buf = buf[len(buf)-keep:]
				break
			}
			if idx > 0 {
				res.VisibleText = append(res.VisibleText, buf[:idx])
			}
			buf = buf[idx+len(p.open):]
			p.inTag = true
			p.tagContent = ""
		}

		// The close tag may straddle held content and the new chunk.
		combined := p.tagContent + buf
		from := len(p.tagContent) - len(p.close) + 1
		if from < 0 {
			from = 0
		}
		rel := strings.Index(combined[from:], p.close)
		if rel < 0 {
			p.tagContent = combined
			buf = ""
			break
		}
		end := from + rel
		raw := combined[:end]
		buf = combined[end+len(p.close):]
		p.inTag = false
		p.tagContent = ""
		res.merge(p.parsePayload(raw))
	}

	if flush {
		if p.inTag {
			res.Errors = append(res.Errors, ParseError{Code: ErrUnclosedTag, Message: "unterminated tool_call block"})
			res.VisibleText = append(res.VisibleText, p.open+p.tagContent)
			p.inTag = false
			p.tagContent = ""
		}
		if buf != "" {
			res.VisibleText = append(res.VisibleText, buf)
			buf = ""
		}
	}
	p.buffer = buf
	return res
}

// suffixPrefixLen returns the length of the longest suffix of text that is
// a proper prefix of tag.
func suffixPrefixLen(text, tag string) int {
	n := len(tag) - 1
	if len(text) < n {
		n = len(text)
	}
	for ; n > 0; n-- {
		if strings.HasSuffix(text, tag[:n]) {
			return n
		}
	}
	return 0
}

func (p *Parser) isStrict(name string) bool {
	if v, ok := p.strict[name]; ok {
		return v
	}
	return p.fallback
}

func (p *Parser) parsePayload(raw string) Result {
	var res Result
	verbatim := p.open + raw + p.close

	reject := func(e ParseError) Result {
		res.Errors = append(res.Errors, e)
		if !e.Strict {
			res.VisibleText = append(res.VisibleText, verbatim)
		}
		return res
	}

	payload, err := p.decodeObject(strings.TrimSpace(raw))
	if err != nil {
		return reject(ParseError{Code: ErrInvalidJSON, Message: err.Error(), Strict: p.fallback})
	}

	var name string
	if rawName, ok := payload["name"]; ok {
		_ = json.Unmarshal(rawName, &name)
	}
	name = strings.TrimSpace(name)
	strict := p.isStrict(name)
	if name == "" {
		return reject(ParseError{Code: ErrMissingName, Message: "tool_call name is required", Strict: strict})
	}
	if p.allowed != nil && !p.allowed[name] {
		return reject(ParseError{Code: ErrUnknownTool, Message: "unknown tool: " + name, Name: name, Strict: strict})
	}

	args, coerced, err := coerceArguments(payload["arguments"])
	if err != nil {
		return reject(ParseError{Code: ErrInvalidArguments, Message: "arguments must be JSON-serializable", Name: name, Strict: strict})
	}
	if coerced {
		res.Errors = append(res.Errors, ParseError{Code: ErrArgumentsCoerced, Message: "arguments coerced to string", Name: name, Strict: strict})
		if strict {
			return res
		}
	}

	if strict {
		if s := p.schemas[name]; s != nil {
			if err := s.check(args); err != nil {
				res.Errors = append(res.Errors, ParseError{Code: ErrSchemaMismatch, Message: err.Error(), Name: name, Strict: true})
				return res
			}
		}
	}

	res.Calls = append(res.Calls, ParsedCall{Name: name, Arguments: args})
	return res
}

func (p *Parser) decodeObject(trimmed string) (map[string]json.RawMessage, error) {
	if trimmed == "" {
		return nil, fmt.Errorf("invalid tool_call payload")
	}
	var payload map[string]json.RawMessage
	err := json.Unmarshal([]byte(trimmed), &payload)
	if err != nil && p.repair {
		if repaired := trailingComma.ReplaceAllString(trimmed, "$1"); repaired != trimmed {
			payload = nil
			err = json.Unmarshal([]byte(repaired), &payload)
		}
	}
	if err != nil {
		return nil, err
	}
	if payload == nil {
		return nil, fmt.Errorf("tool_call payload must be an object")
	}
	return payload, nil
}

// coerceArguments returns the arguments as a JSON-encoded string. Structured
// values are re-encoded compactly and reported as coerced, and a missing or
// null value becomes the JSON string "".
func coerceArguments(raw json.RawMessage) (string, bool, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return `""`, true, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", false, err
		}
		return s, false, nil
	}
	var out bytes.Buffer
	if err := json.Compact(&out, raw); err != nil {
		return "", false, err
	}
	return out.String(), true, nil
}
