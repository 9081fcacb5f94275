// Package workertest provides a scripted codex app-server that speaks
// line-delimited JSON-RPC, for tests and local development.
//
// A Worker answers initialize, thread/start and turn/start with canned
// results. Tests override any method with Handle and drive a turn from
// AfterTurn by sending notifications and server requests.
package workertest

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rhuss/codexgate/pkg/jsonrpc"
)

// NoReply makes a Handler leave the request unanswered.
var NoReply = noReply{}

type noReply struct{}

// Handler answers one request. Returning a non-nil *jsonrpc.Error sends an
// error response; returning NoReply sends nothing.
type Handler func(w *Worker, msg *jsonrpc.Message) (any, *jsonrpc.Error)

// Turn describes a turn/start the worker accepted.
type Turn struct {
	ThreadID string
	TurnID   string
	// Text joins the text input items with newlines.
	Text   string
	Params gjson.Result
}

// Worker is a fake app-server.
type Worker struct {
	in  io.Reader
	out io.Writer

	writeMu sync.Mutex

	mu        sync.Mutex
	handlers  map[string]Handler
	afterTurn func(w *Worker, turn Turn)
	received  []*jsonrpc.Message
	changed   chan struct{}
	threadSeq int
	turnSeq   int
	reqSeq    int

	// stdin/stdout are the transport's ends for pipe based workers.
	stdin  *io.PipeWriter
	stdout *io.PipeReader
	outW   *io.PipeWriter
}

// NewWorker creates a worker reading requests from in and writing to out.
// Call Run to serve.
func NewWorker(in io.Reader, out io.Writer) *Worker {
	w := &Worker{
		in:       in,
		out:      out,
		handlers: make(map[string]Handler),
		changed:  make(chan struct{}),
	}
	w.handlers["initialize"] = func(*Worker, *jsonrpc.Message) (any, *jsonrpc.Error) {
		return map[string]any{
			"serverInfo":   map[string]any{"name": "workertest", "version": "0.0.0"},
			"models":       []any{map[string]any{"id": "gpt-5-codex"}, map[string]any{"id": "gpt-5"}},
			"capabilities": map[string]any{"tools": true},
		}, nil
	}
	w.handlers["thread/start"] = func(w *Worker, _ *jsonrpc.Message) (any, *jsonrpc.Error) {
		w.mu.Lock()
		w.threadSeq++
		id := fmt.Sprintf("thr_%d", w.threadSeq)
		w.mu.Unlock()
		return map[string]any{"thread": map[string]any{"id": id}}, nil
	}
	w.handlers["turn/start"] = func(w *Worker, _ *jsonrpc.Message) (any, *jsonrpc.Error) {
		w.mu.Lock()
		w.turnSeq++
		id := fmt.Sprintf("turn_%d", w.turnSeq)
		w.mu.Unlock()
		return map[string]any{"turn": map[string]any{"id": id, "status": "inProgress"}}, nil
	}
	return w
}

// New starts a worker on in-memory pipes. Attach Stdin and Stdout to a
// transport; Close ends the session like a process exit.
func New() *Worker {
	inR, inW := io.Pipe()
	outR, outW := io.Pipe()
	w := NewWorker(inR, outW)
	w.stdin = inW
	w.stdout = outR
	w.outW = outW
	go w.Run()
	return w
}

// Stdin is the writer a transport sends requests to.
func (w *Worker) Stdin() io.Writer { return w.stdin }

// Stdout is the reader a transport reads worker output from.
func (w *Worker) Stdout() io.Reader { return w.stdout }

// Close simulates the worker exiting: the transport sees EOF.
func (w *Worker) Close() {
	if w.outW != nil {
		_ = w.outW.Close()
	}
	if w.stdin != nil {
		_ = w.stdin.Close()
	}
}

// Handle replaces the handler for method.
func (w *Worker) Handle(method string, h Handler) {
	w.mu.Lock()
	w.handlers[method] = h
	w.mu.Unlock()
}

// AfterTurn runs fn in its own goroutine after each successful turn/start
// response has been written.
func (w *Worker) AfterTurn(fn func(w *Worker, turn Turn)) {
	w.mu.Lock()
	w.afterTurn = fn
	w.mu.Unlock()
}

// Run serves requests until the input closes.
func (w *Worker) Run() error {
	r := bufio.NewReaderSize(w.in, 64*1024)
	for {
		line, err := r.ReadBytes('\n')
		if len(strings.TrimSpace(string(line))) > 0 {
			w.handleLine(line)
		}
		if err != nil {
			if err == io.EOF || err == io.ErrClosedPipe {
				return nil
			}
			return err
		}
	}
}

func (w *Worker) handleLine(line []byte) {
	msg, err := jsonrpc.Decode(line)
	if err != nil {
		return
	}
	w.record(msg)
	if msg.Classify() != jsonrpc.KindRequest {
		return
	}

	w.mu.Lock()
	h := w.handlers[msg.Method]
	after := w.afterTurn
	w.mu.Unlock()

	if h == nil {
		_ = w.write(jsonrpc.NewErrorResponse(msg.ID, jsonrpc.CodeMethodNotFound, "method not found: "+msg.Method))
		return
	}
	result, rpcErr := h(w, msg)
	if _, silent := result.(noReply); silent {
		return
	}
	if rpcErr != nil {
		_ = w.write(jsonrpc.NewErrorResponse(msg.ID, rpcErr.Code, rpcErr.Message))
		return
	}
	reply, err := jsonrpc.NewResult(msg.ID, result)
	if err != nil {
		return
	}
	if err := w.write(reply); err != nil {
		return
	}

	if msg.Method == "turn/start" && after != nil {
		params := gjson.ParseBytes(msg.Params)
		res, _ := json.Marshal(result)
		turn := Turn{
			ThreadID: params.Get("threadId").String(),
			TurnID:   gjson.GetBytes(res, "turn.id").String(),
			Text:     inputText(params),
			Params:   params,
		}
		go after(w, turn)
	}
}

func inputText(params gjson.Result) string {
	var parts []string
	params.Get("input").ForEach(func(_, item gjson.Result) bool {
		if item.Get("type").String() == "text" {
			parts = append(parts, item.Get("text").String())
		}
		return true
	})
	return strings.Join(parts, "\n")
}

func (w *Worker) record(msg *jsonrpc.Message) {
	w.mu.Lock()
	w.received = append(w.received, msg)
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

func (w *Worker) write(msg *jsonrpc.Message) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	return jsonrpc.Encode(w.out, msg)
}

// Notify sends a notification.
func (w *Worker) Notify(method string, params any) error {
	msg, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	return w.write(msg)
}

// Request sends a server-initiated request and returns its id.
func (w *Worker) Request(method string, params any) (int64, error) {
	w.mu.Lock()
	w.reqSeq++
	id := int64(1000 + w.reqSeq)
	w.mu.Unlock()
	msg, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return 0, err
	}
	return id, w.write(msg)
}

// WriteRaw writes one line verbatim, adding the newline.
func (w *Worker) WriteRaw(line string) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_, err := io.WriteString(w.out, line+"\n")
	return err
}

// Received returns the messages received so far whose method matches, or
// every message when method is empty.
func (w *Worker) Received(method string) []*jsonrpc.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []*jsonrpc.Message
	for _, m := range w.received {
		if method == "" || m.Method == method {
			out = append(out, m)
		}
	}
	return out
}

// WaitFor blocks until a message matching pred has been received or the
// timeout expires.
func (w *Worker) WaitFor(timeout time.Duration, pred func(*jsonrpc.Message) bool) (*jsonrpc.Message, bool) {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		w.mu.Lock()
		for _, m := range w.received {
			if pred(m) {
				w.mu.Unlock()
				return m, true
			}
		}
		changed := w.changed
		w.mu.Unlock()

		select {
		case <-changed:
		case <-deadline.C:
			return nil, false
		}
	}
}

// WaitForMethod waits for a message with the given method.
func (w *Worker) WaitForMethod(method string, timeout time.Duration) (*jsonrpc.Message, bool) {
	return w.WaitFor(timeout, func(m *jsonrpc.Message) bool { return m.Method == method })
}

// WaitForResponse waits for the gateway's response to a server request.
func (w *Worker) WaitForResponse(id int64, timeout time.Duration) (*jsonrpc.Message, bool) {
	return w.WaitFor(timeout, func(m *jsonrpc.Message) bool {
		got, ok := m.IntID()
		return ok && got == id && m.Method == ""
	})
}

// CompleteTurn streams text as deltas followed by token counts, the final
// agent message, and task_complete.
func (w *Worker) CompleteTurn(turn Turn, deltas ...string) {
	full := strings.Join(deltas, "")
	for _, d := range deltas {
		_ = w.Notify("agentMessageDelta", map[string]any{"threadId": turn.ThreadID, "delta": d})
	}
	_ = w.Notify("tokenCount", map[string]any{
		"threadId": turn.ThreadID,
		"usage":    map[string]any{"prompt_tokens": 11, "completion_tokens": len(deltas)},
	})
	_ = w.Notify("agentMessage", map[string]any{"threadId": turn.ThreadID, "message": full})
	_ = w.Notify("task_complete", map[string]any{"threadId": turn.ThreadID, "finish_reason": "stop"})
}
