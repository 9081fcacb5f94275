package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// Version is the protocol version stamped on every outbound message.
const Version = "2.0"

// Standard error codes.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603
)

// Kind classifies an inbound message.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Message is any JSON-RPC message. ID is kept raw because the worker may use
// numbers or strings for the requests it originates.
type Message struct {
	JSONRPC string          `json:"jsonrpc,omitempty"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// hasID reports whether the id field is present and not null.
func (m *Message) hasID() bool {
	id := bytes.TrimSpace(m.ID)
	return len(id) > 0 && !bytes.Equal(id, []byte("null"))
}

// Classify returns the message kind: id+method is a request, id alone a
// response, method alone a notification.
func (m *Message) Classify() Kind {
	switch {
	case m.hasID() && m.Method != "":
		return KindRequest
	case m.hasID():
		return KindResponse
	case m.Method != "":
		return KindNotification
	default:
		return KindInvalid
	}
}

// IntID returns the numeric id of a response. String ids holding digits are
// accepted as well.
func (m *Message) IntID() (int64, bool) {
	if !m.hasID() {
		return 0, false
	}
	var n int64
	if err := json.Unmarshal(m.ID, &n); err == nil {
		return n, true
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		if n, err := strconv.ParseInt(s, 10, 64); err == nil {
			return n, true
		}
	}
	return 0, false
}

// Decode parses one line.
func Decode(line []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(line, &m); err != nil {
		return nil, &Error{Code: CodeParseError, Message: err.Error()}
	}
	return &m, nil
}

// NewRequest builds a request with a numeric id. params may be nil.
func NewRequest(id int64, method string, params any) (*Message, error) {
	m := &Message{JSONRPC: Version, ID: json.RawMessage(strconv.FormatInt(id, 10)), Method: method}
	if err := m.setParams(params); err != nil {
		return nil, err
	}
	return m, nil
}

// NewNotification builds a notification.
func NewNotification(method string, params any) (*Message, error) {
	m := &Message{JSONRPC: Version, Method: method}
	if err := m.setParams(params); err != nil {
		return nil, err
	}
	return m, nil
}

// NewResult builds a success response to the request with the given raw id.
func NewResult(id json.RawMessage, result any) (*Message, error) {
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return &Message{JSONRPC: Version, ID: id, Result: data}, nil
}

// NewErrorResponse builds an error response to the request with the given
// raw id.
func NewErrorResponse(id json.RawMessage, code int, message string) *Message {
	return &Message{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message}}
}

func (m *Message) setParams(params any) error {
	if params == nil {
		return nil
	}
	if raw, ok := params.(json.RawMessage); ok {
		m.Params = raw
		return nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params for %s: %w", m.Method, err)
	}
	m.Params = data
	return nil
}

// Encode writes m as one compact line terminated by '\n'.
func Encode(w io.Writer, m *Message) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	data = append(data, '\n')
	_, err = w.Write(data)
	return err
}
