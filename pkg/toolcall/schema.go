package toolcall

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/rhuss/codexgate/pkg/debug"
)

// toolSchema validates the arguments of one strict tool. The required key
// check runs first so the common failure gets a precise message; the full
// JSON Schema runs afterwards when the schema compiles.
type toolSchema struct {
	required []string
	compiled *jsonschema.Schema
}

func newToolSchema(name string, raw json.RawMessage) *toolSchema {
	if len(raw) == 0 {
		return nil
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		debug.Log("toolcall", "ignoring unparsable tool schema", "tool", name, "error", err)
		return nil
	}
	ts := &toolSchema{}
	if obj, ok := doc.(map[string]any); ok {
		if req, ok := obj["required"].([]any); ok {
			for _, k := range req {
				if s, ok := k.(string); ok {
					ts.required = append(ts.required, s)
				}
			}
		}
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("tool.json", doc); err != nil {
		debug.Log("toolcall", "tool schema rejected", "tool", name, "error", err)
		return ts
	}
	compiled, err := c.Compile("tool.json")
	if err != nil {
		debug.Log("toolcall", "tool schema does not compile, checking required keys only", "tool", name, "error", err)
		return ts
	}
	ts.compiled = compiled
	return ts
}

func (s *toolSchema) check(args string) error {
	var inst any
	if err := json.Unmarshal([]byte(args), &inst); err != nil {
		return fmt.Errorf("invalid arguments json: %w", err)
	}
	obj, ok := inst.(map[string]any)
	if !ok {
		if len(s.required) == 0 && s.compiled == nil {
			return nil
		}
		return fmt.Errorf("arguments must be an object")
	}
	var missing []string
	for _, k := range s.required {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required keys: %s", strings.Join(missing, ", "))
	}
	if s.compiled != nil {
		if err := s.compiled.Validate(inst); err != nil {
			return err
		}
	}
	return nil
}
