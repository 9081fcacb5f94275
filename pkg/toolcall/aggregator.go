package toolcall

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Function is the name and JSON-encoded arguments of a call.
type Function struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Call is a merged tool-call record.
type Call struct {
	ID       string   `json:"id"`
	Type     string   `json:"type"`
	Function Function `json:"function"`
}

// Fragment is one raw piece of a tool call as sent by the worker. Index is
// nil when the worker did not send an ordinal.
type Fragment struct {
	Index        *int
	ID           string
	Type         string
	Name         string
	Arguments    string
	HasArguments bool
}

// Update describes the state of one call after an ingest step. Arguments is
// the full accumulated string, not the increment.
type Update struct {
	Ordinal   int
	ID        string
	Type      string
	Name      string
	Arguments string
}

type record struct {
	ordinal int
	id      string
	typ     string
	name    string
	args    string
}

type choiceCalls struct {
	records []*record
	byID    map[string]*record
	byOrd   map[int]*record
}

// Aggregator merges tool-call fragments per choice index.
type Aggregator struct {
	choices map[int]*choiceCalls
}

// NewAggregator returns an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{choices: make(map[int]*choiceCalls)}
}

func (a *Aggregator) choice(idx int) *choiceCalls {
	c, ok := a.choices[idx]
	if !ok {
		c = &choiceCalls{byID: make(map[string]*record), byOrd: make(map[int]*record)}
		a.choices[idx] = c
	}
	return c
}

// IngestDelta merges streamed fragments. A fragment whose arguments start
// with the accumulated string is treated as a full resend; anything else is
// appended.
func (a *Aggregator) IngestDelta(choice int, frags []Fragment) []Update {
	c := a.choice(choice)
	var out []Update
	for _, f := range frags {
		r := c.resolve(f, -1)
		if f.HasArguments && f.Arguments != "" {
			if r.args != "" && strings.HasPrefix(f.Arguments, r.args) {
				r.args = f.Arguments
			} else {
				r.args += f.Arguments
			}
		}
		out = append(out, r.update())
	}
	return out
}

// IngestMessage merges the fragments of a final message, replacing any
// arguments accumulated so far. With emitIfMissing false, fragments that
// match no known call are ignored.
func (a *Aggregator) IngestMessage(choice int, frags []Fragment, emitIfMissing bool) []Update {
	c := a.choice(choice)
	var out []Update
	for pos, f := range frags {
		if !emitIfMissing && c.lookup(f, pos) == nil {
			continue
		}
		r := c.resolve(f, pos)
		if f.HasArguments {
			r.args = f.Arguments
		}
		out = append(out, r.update())
	}
	return out
}

// Snapshot returns the calls of a choice in ordinal order. Calls without an
// id get tool_<choice>_<ordinal>.
func (a *Aggregator) Snapshot(choice int) []Call {
	c, ok := a.choices[choice]
	if !ok {
		return nil
	}
	recs := append([]*record(nil), c.records...)
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].ordinal < recs[j].ordinal })
	calls := make([]Call, 0, len(recs))
	for _, r := range recs {
		id := r.id
		if id == "" {
			id = FallbackID(choice, r.ordinal)
		}
		typ := r.typ
		if typ == "" {
			typ = "function"
		}
		calls = append(calls, Call{ID: id, Type: typ, Function: Function{Name: r.name, Arguments: r.args}})
	}
	return calls
}

// FallbackID is the id assigned to a call whose fragments never carried one.
func FallbackID(choice, ordinal int) string {
	return fmt.Sprintf("tool_%d_%d", choice, ordinal)
}

// lookup finds an existing record without creating one. pos is the array
// position of the fragment in a message (-1 for deltas); it stands in for a
// missing index only when the fragment carries no id either.
func (c *choiceCalls) lookup(f Fragment, pos int) *record {
	if f.ID != "" {
		if r, ok := c.byID[f.ID]; ok {
			return r
		}
	}
	if f.Index != nil {
		return c.byOrd[*f.Index]
	}
	if pos >= 0 {
		if f.ID == "" {
			return c.byOrd[pos]
		}
		return nil
	}
	if len(c.records) == 0 {
		return nil
	}
	last := c.records[len(c.records)-1]
	if f.ID == "" || last.id == "" {
		return last
	}
	return nil
}

func (c *choiceCalls) resolve(f Fragment, pos int) *record {
	r := c.lookup(f, pos)
	if r == nil {
		var ord int
		switch {
		case f.Index != nil:
			ord = *f.Index
		case pos >= 0 && c.byOrd[pos] == nil:
			ord = pos
		default:
			ord = len(c.records)
			for c.byOrd[ord] != nil {
				ord++
			}
		}
		r = &record{ordinal: ord}
		c.records = append(c.records, r)
		c.byOrd[ord] = r
	}
	if f.ID != "" && r.id != f.ID {
		if r.id != "" {
			delete(c.byID, r.id)
		}
		r.id = f.ID
		c.byID[f.ID] = r
	}
	if f.Type != "" {
		r.typ = f.Type
	}
	if f.Name != "" {
		r.name = f.Name
	}
	return r
}

func (r *record) update() Update {
	return Update{Ordinal: r.ordinal, ID: r.id, Type: r.typ, Name: r.name, Arguments: r.args}
}

// rawToolCall covers both the nested {function:{name,arguments}} shape and
// the flat {name,arguments} shape.
type rawToolCall struct {
	Index    *int            `json:"index"`
	ID       string          `json:"id"`
	CallID   string          `json:"call_id"`
	Type     string          `json:"type"`
	Name     string          `json:"name"`
	Args     json.RawMessage `json:"arguments"`
	Function *struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"arguments"`
	} `json:"function"`
}

// FragmentsFromToolCalls decodes a tool_calls array.
func FragmentsFromToolCalls(raw json.RawMessage) ([]Fragment, error) {
	var items []rawToolCall
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decoding tool_calls: %w", err)
	}
	frags := make([]Fragment, 0, len(items))
	for _, it := range items {
		f := Fragment{Index: it.Index, ID: it.ID, Type: it.Type, Name: it.Name}
		if f.ID == "" {
			f.ID = it.CallID
		}
		args := it.Args
		if it.Function != nil {
			if it.Function.Name != "" {
				f.Name = it.Function.Name
			}
			if len(it.Function.Args) > 0 {
				args = it.Function.Args
			}
		}
		f.Arguments, f.HasArguments = argumentString(args)
		frags = append(frags, f)
	}
	return frags, nil
}

// FragmentFromFunctionCall decodes a legacy function_call object. It always
// occupies ordinal 0.
func FragmentFromFunctionCall(raw json.RawMessage) (Fragment, error) {
	var fc struct {
		Name string          `json:"name"`
		Args json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(raw, &fc); err != nil {
		return Fragment{}, fmt.Errorf("decoding function_call: %w", err)
	}
	zero := 0
	f := Fragment{Index: &zero, Type: "function", Name: fc.Name}
	f.Arguments, f.HasArguments = argumentString(fc.Args)
	return f, nil
}

func argumentString(raw json.RawMessage) (string, bool) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", false
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s, true
		}
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		return string(raw), true
	}
	return buf.String(), true
}
