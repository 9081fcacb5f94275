package worker

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"

	"github.com/rhuss/codexgate/pkg/debug"
	"github.com/rhuss/codexgate/pkg/jsonrpc"
	"github.com/rhuss/codexgate/pkg/observability"
)

// Default timing values.
const (
	DefaultRequestTimeout   = 5 * time.Minute
	DefaultHandshakeTimeout = 15 * time.Second
)

// maxRPCID is where request ids wrap back to 1.
const maxRPCID = 1 << 31

// DefaultCompletionGrace returns min(max(5s, timeout/4), timeout).
func DefaultCompletionGrace(timeout time.Duration) time.Duration {
	grace := timeout / 4
	if grace < 5*time.Second {
		grace = 5 * time.Second
	}
	if grace > timeout {
		grace = timeout
	}
	return grace
}

// Options configures a Transport.
type Options struct {
	// MaxConcurrency caps admitted request contexts. Values below 1 mean 1.
	MaxConcurrency int

	RequestTimeout   time.Duration
	HandshakeTimeout time.Duration

	// CompletionGrace is how long a context that has a result but no final
	// message waits before completing anyway. Zero derives it from the
	// request timeout.
	CompletionGrace time.Duration

	// DisableInternalTools intercepts worker-internal tool events, shimming
	// them onto dynamic tools where possible.
	DisableInternalTools bool

	ClientInfo ClientInfo
	Logger     *slog.Logger
}

func (o Options) withDefaults() Options {
	if o.MaxConcurrency < 1 {
		o.MaxConcurrency = 1
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = DefaultRequestTimeout
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if o.ClientInfo.Name == "" {
		o.ClientInfo = DefaultClientInfo
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type rpcResult struct {
	result json.RawMessage
	err    error
}

type pendingCall struct {
	method string
	rc     *RequestContext
	start  time.Time
	done   chan rpcResult
}

// Transport multiplexes request contexts over one worker's stdio pipe.
type Transport struct {
	opts   Options
	logger *slog.Logger

	writeMu sync.Mutex
	group   singleflight.Group

	mu             sync.Mutex
	stdin          io.Writer
	gen            uint64
	destroyed      bool
	rpcSeq         int64
	pending        map[int64]*pendingCall
	toolCalls      map[string]*PendingToolCall
	shimCalls      map[string]*ShimToolCall
	byRequest      map[string]*RequestContext
	byConversation map[string]*RequestContext
	active         int
	handshake      *Handshake
	login          *LoginDetails
}

// New creates a Transport with no worker attached.
func New(opts Options) *Transport {
	opts = opts.withDefaults()
	return &Transport{
		opts:           opts,
		logger:         opts.Logger,
		rpcSeq:         1,
		pending:        make(map[int64]*pendingCall),
		toolCalls:      make(map[string]*PendingToolCall),
		shimCalls:      make(map[string]*ShimToolCall),
		byRequest:      make(map[string]*RequestContext),
		byConversation: make(map[string]*RequestContext),
	}
}

// Attach connects a worker's stdin and stdout. Reading stdout starts
// immediately; EOF on stdout is treated as worker exit. The handshake is
// reset for the new worker.
func (t *Transport) Attach(stdin io.Writer, stdout io.Reader) error {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return errDestroyed()
	}
	t.gen++
	gen := t.gen
	t.stdin = stdin
	t.handshake = nil
	t.login = nil
	t.mu.Unlock()

	debug.Log("worker", "attached", "generation", gen)
	go t.readLoop(gen, stdout)
	return nil
}

// Ready reports whether a worker is attached and handshaken.
func (t *Transport) Ready() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stdin != nil && t.handshake != nil && !t.destroyed
}

// ActiveRequests returns the number of admitted, unfinished contexts.
func (t *Transport) ActiveRequests() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

// Handshake returns the cached initialize result, or nil.
func (t *Transport) Handshake() *Handshake {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handshake
}

func (t *Transport) readLoop(gen uint64, stdout io.Reader) {
	r := bufio.NewReaderSize(stdout, 64*1024)
	var cause error
	for {
		line, err := r.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			t.handleLine(line)
		}
		if err != nil {
			if !errors.Is(err, io.EOF) {
				cause = err
			}
			break
		}
	}
	if c, ok := stdout.(io.Closer); ok {
		_ = c.Close()
	}
	t.handleExit(gen, cause)
}

// EnsureHandshake sends initialize once per worker lifetime and caches the
// result. Concurrent callers share one in-flight call.
func (t *Transport) EnsureHandshake(ctx context.Context) (*Handshake, error) {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil, errDestroyed()
	}
	if hs := t.handshake; hs != nil {
		t.mu.Unlock()
		return hs, nil
	}
	if t.stdin == nil {
		t.mu.Unlock()
		return nil, errNotReady()
	}
	gen := t.gen
	t.mu.Unlock()

	ch := t.group.DoChan(fmt.Sprintf("initialize-%d", gen), func() (any, error) {
		return t.initialize(gen)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Handshake), nil
	case <-ctx.Done():
		return nil, errAborted()
	}
}

func (t *Transport) initialize(gen uint64) (*Handshake, error) {
	params := map[string]any{
		"clientInfo":      t.opts.ClientInfo,
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
	}
	result, err := t.call(context.Background(), nil, "initialize", params, t.opts.HandshakeTimeout)
	if err != nil {
		var herr *TransportError
		switch {
		case HasCode(err, CodeWorkerRequestTimeout):
			herr = newError(CodeHandshakeTimeout, "JSON-RPC handshake timed out", true)
		case HasCode(err, CodeRPCError):
			herr = newError(CodeHandshakeFailed, err.(*TransportError).Message, true)
		default:
			te, ok := AsTransportError(err)
			if !ok {
				te = newError(CodeHandshakeFailed, err.Error(), true)
			}
			herr = te
		}
		t.logger.Warn("worker handshake failed", "code", herr.Code, "error", herr.Message)
		return nil, herr
	}

	hs := &Handshake{Raw: result}
	t.mu.Lock()
	if t.gen == gen && t.stdin != nil {
		t.handshake = hs
	}
	t.mu.Unlock()

	note, _ := jsonrpc.NewNotification("initialized", map[string]any{})
	if err := t.write(note); err != nil {
		t.logger.Warn("failed to send initialized notification", "error", err)
	}
	t.logger.Info("worker handshake complete", "models", len(hs.Models()))
	return hs, nil
}

// CreateChatRequest admits a request and returns its context immediately.
// Thread creation and turn submission continue in the background and
// report through the context's events. Cancelling ctx fails the context
// with request_aborted.
func (t *Transport) CreateChatRequest(ctx context.Context, requestID string, params TurnParams) (*RequestContext, error) {
	if requestID == "" {
		requestID = uuid.NewString()
	}
	if err := t.admit(); err != nil {
		return nil, err
	}
	if _, err := t.EnsureHandshake(ctx); err != nil {
		return nil, err
	}

	timeout := params.Timeout
	if timeout <= 0 {
		timeout = t.opts.RequestTimeout
	}
	grace := t.opts.CompletionGrace
	if grace <= 0 {
		grace = DefaultCompletionGrace(timeout)
	}

	rc := newRequestContext(ctx, requestID, grace)

	t.mu.Lock()
	if err := t.admitLocked(); err != nil {
		t.mu.Unlock()
		rc.box.close()
		return nil, err
	}
	if _, dup := t.byRequest[requestID]; dup {
		t.mu.Unlock()
		rc.box.close()
		return nil, newError(CodeWorkerError, fmt.Sprintf("duplicate request id %q", requestID), false)
	}
	t.byRequest[requestID] = rc
	t.byConversation[rc.clientConversationID] = rc
	if params.ThreadID != "" {
		// Known threads are indexed before returning so a resumed turn
		// receives events that follow an immediate tool output.
		rc.setThreadID(params.ThreadID)
		t.byConversation[params.ThreadID] = rc
	}
	rc.registered = true
	t.active++
	active := t.active
	t.mu.Unlock()

	observability.WorkerActiveRequests.Set(float64(active))
	debug.Log("worker", "request admitted", "request_id", requestID, "active", active, "max", t.opts.MaxConcurrency)

	rc.mu.Lock()
	rc.timeout = time.AfterFunc(timeout, func() {
		t.fail(rc, newError(CodeWorkerRequestTimeout, "request timeout", true))
	})
	rc.mu.Unlock()

	go func() {
		select {
		case <-ctx.Done():
			t.Cancel(rc, errAborted())
		case <-rc.done:
		}
	}()
	go t.runTurn(ctx, rc, params, timeout)

	return rc, nil
}

func (t *Transport) admit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.admitLocked()
}

func (t *Transport) admitLocked() error {
	switch {
	case t.destroyed:
		return errDestroyed()
	case t.stdin == nil:
		return errUnavailable()
	case t.active >= t.opts.MaxConcurrency:
		observability.WorkerBusyRejectedTotal.Inc()
		t.logger.Warn("worker concurrency reject", "active_requests", t.active, "max_concurrency", t.opts.MaxConcurrency)
		return errBusy()
	}
	return nil
}

func (t *Transport) runTurn(ctx context.Context, rc *RequestContext, params TurnParams, timeout time.Duration) {
	threadID, err := t.ensureConversation(ctx, rc, &params, timeout)
	if err != nil {
		t.fail(rc, err)
		return
	}
	if params.Resume || rc.Completed() {
		return
	}

	result, err := t.call(ctx, rc, "turn/start", params.turnStartParams(threadID), timeout)
	if err != nil {
		t.logger.Warn("turn/start rejected", "request_id", rc.requestID, "thread_id", threadID, "error", err)
		t.fail(rc, err)
		return
	}
	res := gjson.ParseBytes(result)
	if server := firstString(res, "threadId", "thread_id"); server != "" && server != threadID {
		t.indexConversation(rc, server)
	}
	if turnID := firstString(res, "turn.id", "turnId", "turn_id"); turnID != "" {
		rc.mu.Lock()
		rc.turnID = turnID
		rc.mu.Unlock()
	}
}

func (t *Transport) ensureConversation(ctx context.Context, rc *RequestContext, params *TurnParams, timeout time.Duration) (string, error) {
	if params.ThreadID != "" {
		t.indexConversation(rc, params.ThreadID)
		return params.ThreadID, nil
	}
	if params.Resume {
		return "", newError(CodeWorkerError, "resume requires a thread id", false)
	}

	result, err := t.call(ctx, rc, "thread/start", params.threadStartParams(), timeout)
	if err != nil {
		return "", err
	}
	threadID := firstString(gjson.ParseBytes(result), "threadId", "thread_id", "thread.id")
	if threadID == "" {
		return "", newError(CodeWorkerInvalidResponse, "thread/start did not return a thread id", true)
	}
	t.indexConversation(rc, threadID)
	return threadID, nil
}

// indexConversation records the thread id on rc and indexes rc under it.
func (t *Transport) indexConversation(rc *RequestContext, threadID string) {
	rc.setThreadID(threadID)
	t.mu.Lock()
	if rc.registered {
		t.byConversation[threadID] = rc
	}
	t.mu.Unlock()
}

// call writes a request and waits for its response, the timeout, or ctx.
func (t *Transport) call(ctx context.Context, rc *RequestContext, method string, params any, timeout time.Duration) (json.RawMessage, error) {
	pc := &pendingCall{method: method, rc: rc, start: time.Now(), done: make(chan rpcResult, 1)}

	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return nil, errDestroyed()
	}
	if t.stdin == nil {
		t.mu.Unlock()
		return nil, errUnavailable()
	}
	id := t.nextIDLocked()
	t.pending[id] = pc
	t.mu.Unlock()

	if rc != nil && method == "turn/start" {
		rc.mu.Lock()
		rc.turnRPCID = id
		rc.mu.Unlock()
	}

	msg, err := jsonrpc.NewRequest(id, method, params)
	if err == nil {
		err = t.write(msg)
	}
	if err != nil {
		t.takePending(id)
		observability.WorkerRPCTotal.WithLabelValues(method, "error").Inc()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-pc.done:
		return t.observe(pc, res)
	case <-timer.C:
		if !t.takePending(id) {
			return t.observe(pc, <-pc.done)
		}
		observability.WorkerRPCTotal.WithLabelValues(method, "timeout").Inc()
		return nil, errTimeout(method)
	case <-ctx.Done():
		if !t.takePending(id) {
			return t.observe(pc, <-pc.done)
		}
		return nil, errAborted()
	}
}

func (t *Transport) observe(pc *pendingCall, res rpcResult) (json.RawMessage, error) {
	status := "ok"
	if res.err != nil {
		status = "error"
	}
	observability.WorkerRPCTotal.WithLabelValues(pc.method, status).Inc()
	observability.WorkerRPCLatency.WithLabelValues(pc.method).Observe(time.Since(pc.start).Seconds())
	return res.result, res.err
}

// takePending removes a pending call and reports whether it was still there.
func (t *Transport) takePending(id int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.pending[id]; !ok {
		return false
	}
	delete(t.pending, id)
	return true
}

// nextIDLocked returns the next free id, wrapping after 2^31.
func (t *Transport) nextIDLocked() int64 {
	for {
		id := t.rpcSeq
		t.rpcSeq++
		if t.rpcSeq > maxRPCID {
			t.rpcSeq = 1
		}
		if _, busy := t.pending[id]; !busy {
			return id
		}
	}
}

// write serializes one message onto the worker's stdin.
func (t *Transport) write(msg *jsonrpc.Message) error {
	t.mu.Lock()
	w := t.stdin
	t.mu.Unlock()
	if w == nil {
		return errUnavailable()
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if debug.Enabled("rpc") {
		data, _ := json.Marshal(msg)
		debug.Log("rpc", "send", "line", debug.Payload("rpc", string(data), 512))
	}
	if err := jsonrpc.Encode(w, msg); err != nil {
		return &TransportError{Code: CodeWorkerUnavailable, Message: "write to worker: " + err.Error(), Retryable: true}
	}
	return nil
}

func (t *Transport) handleLine(line []byte) {
	line = bytes.TrimSpace(line)
	debug.Log("rpc", "recv", "line", debug.Payload("rpc", string(line), 512))

	msg, err := jsonrpc.Decode(line)
	if err != nil {
		t.logger.Warn("unable to parse worker output", "error", err, "line", debug.Truncate(string(line), 200))
		return
	}
	switch msg.Classify() {
	case jsonrpc.KindRequest:
		t.handleServerRequest(msg)
	case jsonrpc.KindResponse:
		t.handleResponse(msg)
	case jsonrpc.KindNotification:
		t.handleNotification(msg)
	default:
		t.logger.Warn("unrecognized worker message", "line", debug.Truncate(string(line), 200))
	}
}

func (t *Transport) handleResponse(msg *jsonrpc.Message) {
	id, ok := msg.IntID()
	if !ok {
		debug.Log("rpc", "response with non-numeric id", "id", string(msg.ID))
		return
	}
	t.mu.Lock()
	pc := t.pending[id]
	delete(t.pending, id)
	t.mu.Unlock()
	if pc == nil {
		debug.Log("rpc", "response for unknown id", "id", id)
		return
	}

	if msg.Error != nil {
		detail, _ := json.Marshal(msg.Error)
		pc.done <- rpcResult{err: &TransportError{
			Code:      CodeRPCError,
			Message:   msg.Error.Message,
			Retryable: true,
			RPCCode:   msg.Error.Code,
			Detail:    detail,
		}}
		return
	}
	result := msg.Result
	if len(result) == 0 {
		result = json.RawMessage("null")
	}
	pc.done <- rpcResult{result: result}
}

// resolveContext finds the owning context for a notification's params.
func (t *Transport) resolveContext(params gjson.Result) *RequestContext {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range contextCandidates(params) {
		if rc := t.byConversation[id]; rc != nil {
			return rc
		}
		if rc := t.byRequest[id]; rc != nil {
			return rc
		}
	}
	if len(t.byRequest) == 1 {
		for _, rc := range t.byRequest {
			return rc
		}
	}
	return nil
}

// scheduleCompletion completes rc once it has both a result and a final
// message, or after the grace period when only the result arrived.
func (t *Transport) scheduleCompletion(rc *RequestContext) {
	rc.mu.Lock()
	if rc.completed {
		rc.mu.Unlock()
		return
	}
	if rc.completionTimer != nil {
		rc.completionTimer.Stop()
		rc.completionTimer = nil
	}
	hasResult := rc.result != nil
	hasMessage := rc.finalMessage != nil
	if hasResult && !hasMessage {
		rc.completionTimer = time.AfterFunc(rc.grace, func() {
			debug.Log("worker", "completing without final message", "request_id", rc.requestID)
			t.complete(rc)
		})
	}
	rc.mu.Unlock()

	if hasResult && hasMessage {
		t.complete(rc)
	}
}

// finalize marks rc completed exactly once, removes it from the indexes,
// and delivers ev (nil for Release).
func (t *Transport) finalize(rc *RequestContext, ev *Event, err error) bool {
	rc.mu.Lock()
	if rc.completed {
		rc.mu.Unlock()
		return false
	}
	rc.completed = true
	rc.err = err
	if rc.timeout != nil {
		rc.timeout.Stop()
	}
	if rc.completionTimer != nil {
		rc.completionTimer.Stop()
		rc.completionTimer = nil
	}
	if ev != nil && ev.Kind == EventResult {
		rc.summary = rc.buildSummary()
		ev.Summary = rc.summary
	}
	rc.mu.Unlock()

	t.unregister(rc)
	if ev != nil {
		rc.box.pushLast(*ev)
	} else {
		rc.box.close()
	}
	close(rc.done)
	return true
}

func (t *Transport) complete(rc *RequestContext) {
	if t.finalize(rc, &Event{Kind: EventResult}, nil) {
		debug.Log("worker", "request completed", "request_id", rc.requestID, "finish_reason", rc.Summary().FinishReason)
	}
}

func (t *Transport) fail(rc *RequestContext, err error) {
	if t.finalize(rc, &Event{Kind: EventError, Err: err}, err) {
		debug.Log("worker", "request failed", "request_id", rc.requestID, "error", err)
	}
}

func (t *Transport) unregister(rc *RequestContext) {
	t.mu.Lock()
	if !rc.registered {
		t.mu.Unlock()
		return
	}
	rc.registered = false
	if t.byRequest[rc.requestID] == rc {
		delete(t.byRequest, rc.requestID)
	}
	if t.byConversation[rc.clientConversationID] == rc {
		delete(t.byConversation, rc.clientConversationID)
	}
	if id := rc.ThreadID(); id != "" && t.byConversation[id] == rc {
		delete(t.byConversation, id)
	}
	if t.active > 0 {
		t.active--
	}
	active := t.active
	t.mu.Unlock()
	observability.WorkerActiveRequests.Set(float64(active))
}

// Cancel fails rc and every RPC still pending on its behalf. err defaults to
// request_aborted. Cancelling a finalized context is a no-op.
func (t *Transport) Cancel(rc *RequestContext, err error) {
	if rc == nil {
		return
	}
	if err == nil {
		err = errAborted()
	}
	t.mu.Lock()
	var calls []*pendingCall
	for id, pc := range t.pending {
		if pc.rc == rc {
			delete(t.pending, id)
			calls = append(calls, pc)
		}
	}
	t.mu.Unlock()
	for _, pc := range calls {
		pc.done <- rpcResult{err: err}
	}
	t.fail(rc, err)
}

// Release detaches a context whose turn is parked on a tool call. The
// context leaves the indexes and the active count and its event channel
// closes, while the pending tool call stays answerable.
func (t *Transport) Release(rc *RequestContext) {
	if rc == nil {
		return
	}
	if t.finalize(rc, nil, nil) {
		debug.Log("worker", "request released", "request_id", rc.requestID, "thread_id", rc.ThreadID())
	}
}

func (t *Transport) handleExit(gen uint64, cause error) {
	t.mu.Lock()
	if gen != t.gen || t.stdin == nil {
		t.mu.Unlock()
		return
	}
	t.stdin = nil
	t.handshake = nil
	t.login = nil
	calls, contexts := t.drainLocked()
	t.mu.Unlock()

	if cause != nil {
		t.logger.Warn("worker stdout closed", "error", cause)
	} else {
		t.logger.Warn("worker exited", "pending_calls", len(calls), "open_requests", len(contexts))
	}
	t.failAll(calls, contexts, errExited)
}

// Destroy fails every pending call and open context with
// transport_destroyed and refuses further work.
func (t *Transport) Destroy() {
	t.mu.Lock()
	if t.destroyed {
		t.mu.Unlock()
		return
	}
	t.destroyed = true
	t.gen++
	t.stdin = nil
	t.handshake = nil
	t.login = nil
	calls, contexts := t.drainLocked()
	t.mu.Unlock()

	t.failAll(calls, contexts, errDestroyed)
}

// drainLocked empties every map and returns what was pending. The active
// count returns to zero.
func (t *Transport) drainLocked() ([]*pendingCall, []*RequestContext) {
	calls := make([]*pendingCall, 0, len(t.pending))
	for _, pc := range t.pending {
		calls = append(calls, pc)
	}
	contexts := make([]*RequestContext, 0, len(t.byRequest))
	for _, rc := range t.byRequest {
		rc.registered = false
		contexts = append(contexts, rc)
	}
	clear(t.pending)
	clear(t.toolCalls)
	clear(t.shimCalls)
	clear(t.byRequest)
	clear(t.byConversation)
	t.active = 0
	observability.WorkerActiveRequests.Set(0)
	return calls, contexts
}

func (t *Transport) failAll(calls []*pendingCall, contexts []*RequestContext, mkErr func() *TransportError) {
	for _, pc := range calls {
		pc.done <- rpcResult{err: mkErr()}
	}
	for _, rc := range contexts {
		t.fail(rc, mkErr())
	}
}
