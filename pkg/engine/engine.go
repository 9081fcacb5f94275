package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/rhuss/codexgate/pkg/api"
	"github.com/rhuss/codexgate/pkg/debug"
	"github.com/rhuss/codexgate/pkg/observability"
	"github.com/rhuss/codexgate/pkg/toolcall"
	"github.com/rhuss/codexgate/pkg/transport"
	"github.com/rhuss/codexgate/pkg/worker"
)

// Backend is the worker surface the engine drives. *worker.Transport
// implements it.
type Backend interface {
	EnsureHandshake(ctx context.Context) (*worker.Handshake, error)
	CreateChatRequest(ctx context.Context, requestID string, params worker.TurnParams) (*worker.RequestContext, error)
	Cancel(rc *worker.RequestContext, err error)
	Release(rc *worker.RequestContext)
	PendingToolCall(callID string) *worker.PendingToolCall
	RespondToToolCall(callID string, out worker.ToolOutput) bool
	ConsumeShimToolCall(callID string) *worker.ShimToolCall
	LoginDetails(ctx context.Context) (*worker.LoginDetails, error)
}

// Killer terminates the worker process. *worker.Supervisor implements it.
type Killer interface {
	Kill() error
}

var _ Backend = (*worker.Transport)(nil)

// Engine turns Responses API requests into worker turns. It implements
// transport.ResponseCreator.
type Engine struct {
	backend Backend
	killer  Killer
	cfg     Config
}

// Ensure Engine implements transport.ResponseCreator at compile time.
var _ transport.ResponseCreator = (*Engine)(nil)

// Option configures an Engine.
type Option func(*Engine)

// WithKiller sets the process killer used by KillOnDisconnect.
func WithKiller(k Killer) Option {
	return func(e *Engine) { e.killer = k }
}

// New creates an Engine. The backend must not be nil.
func New(b Backend, cfg Config, opts ...Option) (*Engine, error) {
	if b == nil {
		return nil, fmt.Errorf("engine: backend must not be nil")
	}
	if cfg.Validation == (api.ValidationConfig{}) {
		cfg.Validation = api.DefaultValidationConfig()
	}
	e := &Engine{backend: b, cfg: cfg}
	for _, o := range opts {
		o(e)
	}
	return e, nil
}

// Models returns the models the worker advertised at handshake.
func (e *Engine) Models(ctx context.Context) ([]api.Model, error) {
	hs, err := e.backend.EnsureHandshake(ctx)
	if err != nil {
		return nil, e.mapError(ctx, err)
	}
	advertised := hs.Models()
	out := make([]api.Model, 0, len(advertised))
	for _, m := range advertised {
		out = append(out, api.Model{ID: m.ID, Object: "model", OwnedBy: "codex"})
	}
	return out, nil
}

// CreateResponse runs one turn and writes the result to w, either as a
// single JSON response or as a stream of events. Errors raised before any
// output is written are returned as *api.APIError for the transport to
// render.
func (e *Engine) CreateResponse(ctx context.Context, req *api.CreateResponseRequest, w transport.ResponseWriter) error {
	start := time.Now()

	if req.Model == "" {
		req.Model = e.cfg.DefaultModel
	}
	if apiErr := api.ValidateRequest(req, e.cfg.Validation); apiErr != nil {
		return apiErr
	}
	norm, apiErr := NormalizeRequest(req)
	if apiErr != nil {
		return apiErr
	}

	hs, err := e.backend.EnsureHandshake(ctx)
	if err != nil {
		return e.mapError(ctx, err)
	}
	if norm.ToolsRequested && !hs.SupportsTools() {
		return api.NewInvalidRequestError("tools", "tools are not supported by backend")
	}

	params := e.turnParams(req, norm)
	pending := e.planToolOutputs(norm, &params)
	if len(pending) > 0 {
		params.ThreadID = pending[0].threadID
		params.Resume = true
	}

	rc, err := e.backend.CreateChatRequest(ctx, transport.RequestIDFromContext(ctx), params)
	if err != nil {
		return e.mapError(ctx, err)
	}
	// Answer parked calls only once the resumed context is registered, so
	// the worker's follow-up events have somewhere to go.
	for _, p := range pending {
		if !e.backend.RespondToToolCall(p.callID, worker.ToolOutput{Output: p.output}) {
			slog.Warn("tool output not delivered", "call_id", p.callID, "thread_id", p.threadID)
			continue
		}
		debug.Log("engine", "relayed tool output", "call_id", p.callID, "thread_id", p.threadID)
	}

	var parserOpts *toolcall.Options
	if opts, ok := ParserOptions(req, e.cfg); ok {
		parserOpts = &opts
	}

	t := &turn{
		engine:     e,
		req:        req,
		rc:         rc,
		responseID: api.NewResponseID(),
		created:    start.Unix(),
		parser:     parserOpts,
	}
	if req.Stream {
		err = t.stream(ctx, w)
	} else {
		err = t.collect(ctx, w)
	}

	status := t.status
	if status == "" {
		status = "error"
	}
	observability.TurnLatency.WithLabelValues(req.Model, status).Observe(time.Since(start).Seconds())
	if t.usage.Prompt != nil {
		observability.TokensTotal.WithLabelValues(req.Model, "input").Add(float64(*t.usage.Prompt))
	}
	if t.usage.Completion != nil {
		observability.TokensTotal.WithLabelValues(req.Model, "output").Add(float64(*t.usage.Completion))
	}
	if t.native > 0 {
		observability.ToolCallsTotal.WithLabelValues("native").Add(float64(t.native))
	}
	if t.inline > 0 {
		observability.ToolCallsTotal.WithLabelValues("inline").Add(float64(t.inline))
	}
	return err
}

// mapError is MapTransportError plus the login hint: an unauthorized worker
// gets asked for a ChatGPT login URL, which is folded into the 401 body.
func (e *Engine) mapError(ctx context.Context, err error) *api.APIError {
	apiErr := MapTransportError(err)
	if apiErr == nil || apiErr.Status != http.StatusUnauthorized || strings.Contains(apiErr.Message, "login_url=") {
		return apiErr
	}
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), loginTimeout)
	defer cancel()
	details, lerr := e.backend.LoginDetails(lctx)
	if lerr != nil {
		slog.Warn("fetching login details failed", "error", lerr)
		return apiErr
	}
	if details == nil {
		return apiErr
	}
	return authRequiredError(&worker.TransportError{Code: CodeAuthRequired, Detail: mustJSON(details)})
}

func (e *Engine) turnParams(req *api.CreateResponseRequest, norm *NormalizedRequest) worker.TurnParams {
	p := worker.TurnParams{
		ThreadID:       req.ThreadID,
		Model:          req.Model,
		Cwd:            e.cfg.Cwd,
		ApprovalPolicy: e.cfg.ApprovalPolicy,
		SandboxMode:    e.cfg.SandboxMode,
		DynamicTools:   norm.DynamicTools,
		Items:          norm.Items,
		OutputSchema:   norm.OutputSchema,
		Summary:        "auto",
	}
	if req.Reasoning != nil {
		p.Effort = req.Reasoning.Effort
		if req.Reasoning.Summary != "" {
			p.Summary = req.Reasoning.Summary
		}
	}
	if e.cfg.DisableInternalTools {
		p.BaseInstructions = internalToolsInstructions
		p.Config = internalToolsConfig()
	}
	return p
}

// pendingOutput is a tool output for a call the worker is parked on.
type pendingOutput struct {
	callID   string
	threadID string
	output   string
}

// planToolOutputs sorts the request's tool outputs. Outputs for calls the
// worker is parked on are returned for relaying; outputs for shimmed calls
// are appended to the turn input. Only calls on the first parked thread are
// relayed since a turn resumes a single thread.
func (e *Engine) planToolOutputs(norm *NormalizedRequest, params *worker.TurnParams) []pendingOutput {
	var out []pendingOutput
	for _, o := range norm.ToolOutputs {
		if p := e.backend.PendingToolCall(o.CallID); p != nil {
			if len(out) == 0 || out[0].threadID == p.ThreadID {
				out = append(out, pendingOutput{callID: o.CallID, threadID: p.ThreadID, output: o.Output})
				continue
			}
		}
		if shim := e.backend.ConsumeShimToolCall(o.CallID); shim != nil {
			params.Items = append(params.Items, worker.TextInput(
				fmt.Sprintf("[function_call_output call_id=%s output=%s]", o.CallID, o.Output)))
		}
	}
	return out
}

// errStreamClosed stops the event loop once the output side has ended the
// response on its own.
var errStreamClosed = errors.New("engine: stream closed")

const loginTimeout = 5 * time.Second

// turn is the state of one CreateResponse call.
type turn struct {
	engine     *Engine
	req        *api.CreateResponseRequest
	rc         *worker.RequestContext
	responseID string
	created    int64
	parser     *toolcall.Options

	status string
	usage  TokenUsage
	native int
	inline int
}

func idleTimeoutError() *api.APIError {
	e := api.NewTimeoutError("idle_timeout", "backend idle timeout")
	e.Status = http.StatusGatewayTimeout
	return e
}

// drive feeds worker events through n until the turn finishes. check is
// consulted after every event and may stop the loop early. A turn parked on
// a dynamic tool call finishes with reason tool_calls and is released so
// the call stays answerable.
func (t *turn) drive(ctx context.Context, n *Normalizer, check func() error) error {
	e := t.engine
	idleTimeout := e.cfg.idleTimeout()
	idle := time.NewTimer(idleTimeout)
	defer idle.Stop()

	events := t.rc.Events()
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				if err := t.rc.Err(); err != nil {
					if ctx.Err() != nil {
						return t.disconnected(ctx, n)
					}
					return err
				}
				n.Finish("stop", TriggerTaskComplete)
				return nil
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(idleTimeout)

			if ev.Kind == worker.EventError {
				if ctx.Err() != nil {
					return t.disconnected(ctx, n)
				}
				return ev.Err
			}
			if line, ok := eventLine(ev); ok {
				n.HandleLine(line)
			}
			if ev.Kind == worker.EventNotification && ev.Method == worker.MethodDynamicToolCall {
				n.Finish("tool_calls", TriggerToolCall)
				e.backend.Release(t.rc)
			}
			if err := check(); err != nil {
				e.backend.Cancel(t.rc, nil)
				return err
			}
			if n.Finished() {
				return nil
			}

		case <-idle.C:
			slog.Warn("worker idle timeout", "request_id", t.rc.ID(), "timeout", idleTimeout)
			n.Finish("error", TriggerTimeout)
			e.backend.Cancel(t.rc, nil)
			return idleTimeoutError()

		case <-ctx.Done():
			return t.disconnected(ctx, n)
		}
	}
}

// disconnected ends a turn whose client went away.
func (t *turn) disconnected(ctx context.Context, n *Normalizer) error {
	e := t.engine
	n.Finish("cancelled", TriggerDisconnect)
	if e.cfg.KillOnDisconnect && e.killer != nil && !cancelledByClient(ctx) {
		slog.Info("client disconnected, killing worker", "request_id", t.rc.ID())
		if err := e.killer.Kill(); err != nil {
			slog.Warn("killing worker after disconnect failed", "error", err)
		}
	}
	e.backend.Cancel(t.rc, nil)
	return ctx.Err()
}

func (t *turn) collect(ctx context.Context, w transport.ResponseWriter) error {
	col := NewCollector(t.parser)
	n := NewNormalizer(col.Handle)
	err := t.drive(ctx, n, func() error { return nil })
	t.usage = col.Usage()
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return t.engine.mapError(ctx, err)
	}

	resp := col.Envelope(t.responseID, t.req.Model, t.created)
	t.status = string(resp.Status)
	t.native, t.inline = col.ToolCalls()
	return w.WriteResponse(ctx, resp)
}

func (t *turn) stream(ctx context.Context, w transport.ResponseWriter) error {
	ad := NewStreamAdapter(ctx, w, StreamOptions{
		ResponseID:   t.responseID,
		Model:        t.req.Model,
		Created:      t.created,
		IncludeUsage: t.req.IncludeUsage(),
		Parser:       t.parser,
	})
	n := NewNormalizer(func(ev Event) { _ = ad.Handle(ev) })
	err := t.drive(ctx, n, func() error {
		if werr := ad.Err(); werr != nil {
			return werr
		}
		if ad.Closed() {
			return errStreamClosed
		}
		return nil
	})
	t.usage = ad.Usage()
	t.native, t.inline = ad.ToolCalls()

	switch {
	case err == nil:
		if ferr := ad.Finalize(); ferr != nil {
			return ferr
		}
		t.status = string(ad.Status())
		return nil
	case errors.Is(err, errStreamClosed):
		t.status = string(ad.Status())
		return nil
	case ad.Err() != nil:
		return ad.Err()
	case ctx.Err() != nil:
		if !cancelledByClient(ctx) || !ad.Started() {
			return ctx.Err()
		}
		t.status = string(api.ResponseStatusFailed)
		return ad.Fail(responseCancelledError())
	}

	apiErr := t.engine.mapError(ctx, err)
	if !ad.Started() {
		return apiErr
	}
	t.status = string(api.ResponseStatusFailed)
	if apiErr.Type != api.ErrorTypeRequestCancelled {
		slog.Warn("turn failed mid-stream", "request_id", t.rc.ID(), "error", apiErr.Error())
	}
	return ad.Fail(apiErr)
}

// cancelledByClient reports whether ctx was cancelled through
// DELETE /v1/responses/{id} rather than by a dropped connection. The
// caller is still listening in that case.
func cancelledByClient(ctx context.Context) bool {
	return errors.Is(context.Cause(ctx), transport.ErrResponseCancelled)
}

func responseCancelledError() *api.APIError {
	return &api.APIError{
		Type:    api.ErrorTypeRequestCancelled,
		Code:    "response_cancelled",
		Message: "response cancelled",
		Status:  transport.StatusClientClosedRequest,
	}
}
