package worker_test

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/rhuss/codexgate/pkg/jsonrpc"
	"github.com/rhuss/codexgate/pkg/worker"
	"github.com/rhuss/codexgate/pkg/worker/workertest"
)

const waitTimeout = 2 * time.Second

func newTransport(t *testing.T, opts worker.Options) (*worker.Transport, *workertest.Worker) {
	t.Helper()
	tr := worker.New(opts)
	w := workertest.New()
	require.NoError(t, tr.Attach(w.Stdin(), w.Stdout()))
	t.Cleanup(func() {
		tr.Destroy()
		w.Close()
	})
	return tr, w
}

// collect reads events until the channel closes or the timeout expires.
func collect(t *testing.T, rc *worker.RequestContext) []worker.Event {
	t.Helper()
	var events []worker.Event
	timer := time.NewTimer(waitTimeout)
	defer timer.Stop()
	for {
		select {
		case ev, ok := <-rc.Events():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timer.C:
			t.Fatalf("timed out waiting for events; got %d so far", len(events))
		}
	}
}

func waitDone(t *testing.T, rc *worker.RequestContext) {
	t.Helper()
	select {
	case <-rc.Done():
	case <-time.After(waitTimeout):
		t.Fatal("request context was not finalized")
	}
}

func kinds(events []worker.Event) []worker.EventKind {
	out := make([]worker.EventKind, 0, len(events))
	for _, ev := range events {
		if ev.Kind == worker.EventNotification {
			continue
		}
		out = append(out, ev.Kind)
	}
	return out
}

func textParams(text string) worker.TurnParams {
	return worker.TurnParams{Model: "gpt-5", Items: []worker.InputItem{worker.TextInput(text)}}
}

func TestEnsureHandshake_Deduplicates(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})

	var wg sync.WaitGroup
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			hs, err := tr.EnsureHandshake(context.Background())
			assert.NoError(t, err)
			assert.NotNil(t, hs)
		}()
	}
	wg.Wait()

	_, ok := w.WaitForMethod("initialized", waitTimeout)
	require.True(t, ok, "initialized notification not sent")
	assert.Len(t, w.Received("initialize"), 1)
	assert.True(t, tr.Ready())

	models := tr.Handshake().Models()
	require.Len(t, models, 2)
	assert.Equal(t, "gpt-5-codex", models[0].ID)

	init := w.Received("initialize")[0]
	params := gjson.ParseBytes(init.Params)
	assert.Equal(t, "v2", params.Get("protocolVersion").String())
	assert.Equal(t, "codex-app-server-proxy", params.Get("clientInfo.name").String())
}

func TestEnsureHandshake_NotAttached(t *testing.T) {
	tr := worker.New(worker.Options{})
	_, err := tr.EnsureHandshake(context.Background())
	assert.True(t, worker.HasCode(err, worker.CodeWorkerNotReady), "err = %v", err)
}

func TestEnsureHandshake_Timeout(t *testing.T) {
	tr, w := newTransport(t, worker.Options{HandshakeTimeout: 30 * time.Millisecond})
	w.Handle("initialize", func(*workertest.Worker, *jsonrpc.Message) (any, *jsonrpc.Error) {
		return workertest.NoReply, nil
	})

	_, err := tr.EnsureHandshake(context.Background())
	te, ok := worker.AsTransportError(err)
	require.True(t, ok, "err = %v", err)
	assert.Equal(t, worker.CodeHandshakeTimeout, te.Code)
	assert.True(t, te.Retryable)
	assert.False(t, tr.Ready())
}

func TestEnsureHandshake_RPCError(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.Handle("initialize", func(*workertest.Worker, *jsonrpc.Message) (any, *jsonrpc.Error) {
		return nil, &jsonrpc.Error{Code: -32000, Message: "not logged in"}
	})

	_, err := tr.EnsureHandshake(context.Background())
	te, ok := worker.AsTransportError(err)
	require.True(t, ok)
	assert.Equal(t, worker.CodeHandshakeFailed, te.Code)
	assert.Equal(t, "not logged in", te.Message)
}

func TestCreateChatRequest_CompletesTurn(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		w.CompleteTurn(turn, "Hel", "lo")
	})

	rc, err := tr.CreateChatRequest(context.Background(), "req-1", textParams("hi"))
	require.NoError(t, err)
	assert.Equal(t, 1, tr.ActiveRequests())

	events := collect(t, rc)
	assert.Equal(t, []worker.EventKind{
		worker.EventDelta, worker.EventDelta, worker.EventUsage, worker.EventMessage, worker.EventResult,
	}, kinds(events))

	last := events[len(events)-1]
	require.NotNil(t, last.Summary)
	assert.Equal(t, "req-1", last.Summary.RequestID)
	assert.Equal(t, "thr_1", last.Summary.ConversationID)
	assert.Equal(t, 2, last.Summary.Deltas)
	assert.Equal(t, "stop", last.Summary.FinishReason)
	assert.Equal(t, worker.Usage{PromptTokens: 11, CompletionTokens: 2}, last.Summary.Usage)
	assert.Equal(t, "Hello", gjson.GetBytes(last.Summary.FinalMessage, "message").String())

	waitDone(t, rc)
	assert.NoError(t, rc.Err())
	assert.Equal(t, 0, tr.ActiveRequests())
	assert.Eventually(t, func() bool { return rc.TurnID() == "turn_1" }, waitTimeout, 5*time.Millisecond)

	start := w.Received("turn/start")[0]
	assert.Equal(t, "thr_1", gjson.GetBytes(start.Params, "threadId").String())
	assert.Equal(t, "hi", gjson.GetBytes(start.Params, "input.0.text").String())
}

func TestCreateChatRequest_AdoptsThreadID(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		w.CompleteTurn(turn, "ok")
	})

	params := textParams("again")
	params.ThreadID = "thr_existing"
	rc, err := tr.CreateChatRequest(context.Background(), "", params)
	require.NoError(t, err)
	assert.NotEmpty(t, rc.ID())

	collect(t, rc)
	waitDone(t, rc)
	assert.Empty(t, w.Received("thread/start"))
	assert.Equal(t, "thr_existing", rc.ConversationID())
}

func TestCreateChatRequest_BusyAtCapacity(t *testing.T) {
	tr, _ := newTransport(t, worker.Options{MaxConcurrency: 2})

	for i := range 2 {
		_, err := tr.CreateChatRequest(context.Background(), string(rune('a'+i)), textParams("x"))
		require.NoError(t, err)
	}

	start := time.Now()
	_, err := tr.CreateChatRequest(context.Background(), "c", textParams("x"))
	assert.Less(t, time.Since(start), 500*time.Millisecond, "busy rejection must not block")

	te, ok := worker.AsTransportError(err)
	require.True(t, ok, "err = %v", err)
	assert.Equal(t, worker.CodeWorkerBusy, te.Code)
	assert.True(t, te.Retryable)
	assert.Equal(t, 2, tr.ActiveRequests())
}

func TestCreateChatRequest_NoWorker(t *testing.T) {
	tr := worker.New(worker.Options{})
	_, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	assert.True(t, worker.HasCode(err, worker.CodeWorkerUnavailable), "err = %v", err)
}

func TestCreateChatRequest_DuplicateID(t *testing.T) {
	tr, _ := newTransport(t, worker.Options{MaxConcurrency: 4})
	_, err := tr.CreateChatRequest(context.Background(), "dup", textParams("x"))
	require.NoError(t, err)
	_, err = tr.CreateChatRequest(context.Background(), "dup", textParams("x"))
	assert.Error(t, err)
	assert.Equal(t, 1, tr.ActiveRequests())
}

func TestCompletionGrace_ResultWithoutMessage(t *testing.T) {
	tr, w := newTransport(t, worker.Options{CompletionGrace: 20 * time.Millisecond})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		_ = w.Notify("turn/completed", map[string]any{
			"threadId": turn.ThreadID,
			"turn":     map[string]any{"id": turn.TurnID, "status": "completed"},
		})
	})

	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)
	events := collect(t, rc)

	last := events[len(events)-1]
	require.Equal(t, worker.EventResult, last.Kind)
	assert.Nil(t, last.Summary.FinalMessage)
	assert.NotNil(t, last.Summary.Result)
}

func TestTurnCompletedFailed_SetsErrorFinish(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		_ = w.Notify("agentMessage", map[string]any{"threadId": turn.ThreadID, "message": "partial"})
		_ = w.Notify("turn/completed", map[string]any{
			"threadId": turn.ThreadID,
			"turn":     map[string]any{"status": "failed"},
		})
	})

	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)
	events := collect(t, rc)
	assert.Equal(t, "error", events[len(events)-1].Summary.FinishReason)
}

func TestItemCompleted_SynthesizesFinalMessage(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		_ = w.Notify("item/completed", map[string]any{
			"threadId": turn.ThreadID,
			"item": map[string]any{
				"type":    "agentMessage",
				"content": []any{map[string]any{"text": "a"}, map[string]any{"text": "b"}},
			},
		})
	})

	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)
	events := collect(t, rc)

	last := events[len(events)-1]
	require.Equal(t, worker.EventResult, last.Kind)
	assert.JSONEq(t, `{"message":"ab"}`, string(last.Summary.FinalMessage))
	assert.Equal(t, "stop", last.Summary.FinishReason)
}

func TestContentDeltaSuppressesStringDeltas(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		_ = w.Notify("codex/event/agent_message_content_delta", map[string]any{
			"threadId": turn.ThreadID, "msg": map[string]any{"delta": "A"},
		})
		_ = w.Notify("agentMessageDelta", map[string]any{"threadId": turn.ThreadID, "delta": "A"})
		w.CompleteTurn(turn)
	})

	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)
	events := collect(t, rc)
	assert.Equal(t, 1, events[len(events)-1].Summary.Deltas)
}

func TestTokenUsageUpdated(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		_ = w.Notify("thread/tokenUsage/updated", map[string]any{
			"threadId":   turn.ThreadID,
			"tokenUsage": map[string]any{"last": map[string]any{"inputTokens": 40, "outputTokens": 7}},
		})
		_ = w.Notify("agentMessage", map[string]any{"threadId": turn.ThreadID, "message": "x"})
		_ = w.Notify("task_complete", map[string]any{"threadId": turn.ThreadID})
	})

	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)
	events := collect(t, rc)
	assert.Equal(t, worker.Usage{PromptTokens: 40, CompletionTokens: 7}, events[len(events)-1].Summary.Usage)
}

func TestWorkerExit_FailsEverything(t *testing.T) {
	tr := worker.New(worker.Options{MaxConcurrency: 3})
	w := workertest.New()
	require.NoError(t, tr.Attach(w.Stdin(), w.Stdout()))
	t.Cleanup(tr.Destroy)

	// turn/start never answers, so every context keeps a pending RPC.
	w.Handle("turn/start", func(*workertest.Worker, *jsonrpc.Message) (any, *jsonrpc.Error) {
		return workertest.NoReply, nil
	})

	var contexts []*worker.RequestContext
	for _, id := range []string{"a", "b", "c"} {
		rc, err := tr.CreateChatRequest(context.Background(), id, textParams("x"))
		require.NoError(t, err)
		contexts = append(contexts, rc)
	}
	require.Eventually(t, func() bool { return len(w.Received("turn/start")) == 3 }, waitTimeout, 5*time.Millisecond)

	w.Close()

	for _, rc := range contexts {
		waitDone(t, rc)
		assert.True(t, worker.HasCode(rc.Err(), worker.CodeWorkerExited), "err = %v", rc.Err())
		te, _ := worker.AsTransportError(rc.Err())
		assert.True(t, te.Retryable)
	}
	assert.Equal(t, 0, tr.ActiveRequests())
	assert.False(t, tr.Ready())

	_, err := tr.CreateChatRequest(context.Background(), "after", textParams("x"))
	assert.True(t, worker.HasCode(err, worker.CodeWorkerUnavailable), "err = %v", err)
}

func TestDestroy(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.Handle("turn/start", func(*workertest.Worker, *jsonrpc.Message) (any, *jsonrpc.Error) {
		return workertest.NoReply, nil
	})
	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)

	tr.Destroy()
	waitDone(t, rc)
	te, ok := worker.AsTransportError(rc.Err())
	require.True(t, ok)
	assert.Equal(t, worker.CodeTransportDestroyed, te.Code)
	assert.True(t, te.Retryable)

	_, err = tr.EnsureHandshake(context.Background())
	assert.True(t, worker.HasCode(err, worker.CodeTransportDestroyed))
}

func TestRequestTimeout(t *testing.T) {
	tr, _ := newTransport(t, worker.Options{RequestTimeout: 40 * time.Millisecond})
	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)

	events := collect(t, rc)
	last := events[len(events)-1]
	require.Equal(t, worker.EventError, last.Kind)
	te, ok := worker.AsTransportError(last.Err)
	require.True(t, ok)
	assert.Equal(t, worker.CodeWorkerRequestTimeout, te.Code)
	assert.True(t, te.Retryable)
}

func TestCancelOnContextDone(t *testing.T) {
	tr, _ := newTransport(t, worker.Options{})
	ctx, cancel := context.WithCancel(context.Background())
	rc, err := tr.CreateChatRequest(ctx, "r", textParams("x"))
	require.NoError(t, err)

	cancel()
	waitDone(t, rc)
	assert.True(t, worker.HasCode(rc.Err(), worker.CodeRequestAborted), "err = %v", rc.Err())
	assert.Equal(t, 0, tr.ActiveRequests())

	// Cancelling again is a no-op.
	tr.Cancel(rc, nil)
	assert.True(t, worker.HasCode(rc.Err(), worker.CodeRequestAborted))
}

func TestTurnStartRejected(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.Handle("turn/start", func(*workertest.Worker, *jsonrpc.Message) (any, *jsonrpc.Error) {
		return nil, &jsonrpc.Error{Code: jsonrpc.CodeInvalidParams, Message: "bad input"}
	})

	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)
	waitDone(t, rc)

	te, ok := worker.AsTransportError(rc.Err())
	require.True(t, ok)
	assert.Equal(t, worker.CodeRPCError, te.Code)
	assert.Equal(t, jsonrpc.CodeInvalidParams, te.RPCCode)
	assert.Equal(t, "bad input", te.Message)
}

func TestRequestTimeoutNotification(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		_ = w.Notify("requestTimeout", map[string]any{"threadId": turn.ThreadID})
	})
	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)
	waitDone(t, rc)
	assert.True(t, worker.HasCode(rc.Err(), worker.CodeWorkerRequestTimeout))
}

func TestErrorNotification(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		_ = w.Notify("error", map[string]any{"threadId": turn.ThreadID, "willRetry": true, "error": map[string]any{"message": "retrying"}})
		_ = w.Notify("error", map[string]any{
			"threadId": turn.ThreadID,
			"error":    map[string]any{"message": "usage limit", "codexErrorInfo": "usageLimitExceeded"},
		})
	})
	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)
	waitDone(t, rc)

	te, ok := worker.AsTransportError(rc.Err())
	require.True(t, ok)
	assert.Equal(t, worker.CodeWorkerError, te.Code)
	assert.Equal(t, "usage limit", te.Message)
	assert.Equal(t, "usageLimitExceeded", gjson.GetBytes(te.Detail, "error.codexErrorInfo").String())
}

func TestOutputItemPassthroughGetsType(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		_ = w.Notify("response.output_item.added", map[string]any{"threadId": turn.ThreadID, "item": map[string]any{"id": "x"}})
		_ = w.Notify("response.function_call_arguments.delta", map[string]any{"threadId": turn.ThreadID, "item_id": "x", "delta": `{"a":1}`})
		w.CompleteTurn(turn, "ok")
	})
	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)

	var items []worker.Event
	deltas := 0
	for _, ev := range collect(t, rc) {
		switch ev.Kind {
		case worker.EventOutputItem:
			items = append(items, ev)
		case worker.EventDelta:
			deltas++
		}
	}
	require.Len(t, items, 2)
	assert.Equal(t, "response.output_item.added", items[0].Method)
	assert.Equal(t, "response.output_item.added", gjson.GetBytes(items[0].Payload, "type").String())
	assert.Equal(t, "response.function_call_arguments.delta", items[1].Method)
	assert.Equal(t, 1, deltas, "argument fragments must not travel as text deltas")
}

func TestTypedNotificationsAreNotForwardedRaw(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		_ = w.Notify("tokenCount", map[string]any{"threadId": turn.ThreadID, "prompt_tokens": 3})
		_ = w.Notify("response.output_item.done", map[string]any{"threadId": turn.ThreadID, "item": map[string]any{"id": "x"}})
		w.CompleteTurn(turn, "a", "b")
	})
	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)

	for _, ev := range collect(t, rc) {
		assert.NotEqual(t, worker.EventNotification, ev.Kind, "typed notification %q also forwarded raw", ev.Method)
	}
}

func TestUnknownNotificationIsForwarded(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		_ = w.Notify("thread/started", map[string]any{"threadId": turn.ThreadID})
		w.CompleteTurn(turn)
	})
	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)

	var methods []string
	for _, ev := range collect(t, rc) {
		if ev.Kind == worker.EventNotification {
			methods = append(methods, ev.Method)
		}
	}
	assert.Contains(t, methods, "thread/started")
}

func TestMalformedLinesAreIgnored(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		_ = w.WriteRaw("not json")
		_ = w.WriteRaw(`{"jsonrpc":"2.0"}`)
		w.CompleteTurn(turn, "fine")
	})
	rc, err := tr.CreateChatRequest(context.Background(), "r", textParams("x"))
	require.NoError(t, err)
	events := collect(t, rc)
	assert.Equal(t, worker.EventResult, events[len(events)-1].Kind)
}

func TestHandshakeCapabilities(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.Handle("initialize", func(*workertest.Worker, *jsonrpc.Message) (any, *jsonrpc.Error) {
		return map[string]any{"advertised_models": []string{"m1"}, "capabilities": map[string]any{"tools": false}}, nil
	})
	hs, err := tr.EnsureHandshake(context.Background())
	require.NoError(t, err)
	assert.False(t, hs.SupportsTools())
	require.Len(t, hs.Models(), 1)
	assert.Equal(t, "m1", hs.Models()[0].ID)
	assert.JSONEq(t, `{"tools":false}`, string(hs.Capabilities()))
}

func TestLoginDetails(t *testing.T) {
	tr, w := newTransport(t, worker.Options{})
	w.Handle("account/login/start", func(*workertest.Worker, *jsonrpc.Message) (any, *jsonrpc.Error) {
		return map[string]any{"type": "chatgpt", "authUrl": "https://auth.example/login", "loginId": "l1"}, nil
	})

	d, err := tr.LoginDetails(context.Background())
	require.NoError(t, err)
	require.NotNil(t, d)
	assert.Equal(t, "https://auth.example/login", d.AuthURL)

	_, err = tr.LoginDetails(context.Background())
	require.NoError(t, err)
	assert.Len(t, w.Received("account/login/start"), 1, "login details are cached")

	data, _ := json.Marshal(d)
	assert.JSONEq(t, `{"auth_url":"https://auth.example/login","login_id":"l1"}`, string(data))
}
