// Command mock-worker is a deterministic stand-in for the codex app-server.
// It speaks line-delimited JSON-RPC on stdin/stdout so the gateway can be
// run and tested end to end without a model:
//
//	CODEXGATE_WORKER_COMMAND=mock-worker CODEXGATE_WORKER_ARGS= server
//
// Replies depend on the last user message:
//
//	"count from 1 to 5"  streams the numbers one delta at a time
//	"call tool <name>"   requests the client tool <name>, then reports its output
//	anything else        echoes the message back word by word
//
// MOCK_DELAY (a Go duration) pauses between deltas.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"github.com/rhuss/codexgate/pkg/worker"
	"github.com/rhuss/codexgate/pkg/worker/workertest"
)

// toolWait bounds how long a requested tool call may stay unanswered.
const toolWait = 10 * time.Minute

func main() {
	// stdout carries the protocol; logs go to stderr.
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, nil)))

	var delay time.Duration
	if v := os.Getenv("MOCK_DELAY"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			slog.Error("invalid MOCK_DELAY", "value", v, "error", err)
			os.Exit(2)
		}
		delay = d
	}

	w := workertest.NewWorker(os.Stdin, os.Stdout)
	w.AfterTurn(func(w *workertest.Worker, turn workertest.Turn) {
		respond(w, turn, delay)
	})

	slog.Info("mock worker ready")
	if err := w.Run(); err != nil {
		slog.Error("mock worker failed", "error", err)
		os.Exit(1)
	}
}

func respond(w *workertest.Worker, turn workertest.Turn, delay time.Duration) {
	msg := lastUserMessage(turn.Text)
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "count from 1 to 5"):
		stream(w, turn, delay, []string{"1", ", 2", ", 3", ", 4", ", 5"})
	case strings.HasPrefix(lower, "call tool "):
		callTool(w, turn, strings.TrimSpace(msg[len("call tool "):]))
	default:
		if msg == "" {
			msg = "(empty)"
		}
		words := strings.SplitAfter("You said: "+msg, " ")
		stream(w, turn, delay, words)
	}
}

func stream(w *workertest.Worker, turn workertest.Turn, delay time.Duration, deltas []string) {
	if delay <= 0 {
		w.CompleteTurn(turn, deltas...)
		return
	}
	for _, d := range deltas {
		_ = w.Notify("agentMessageDelta", map[string]any{"threadId": turn.ThreadID, "delta": d})
		time.Sleep(delay)
	}
	_ = w.Notify("agentMessage", map[string]any{"threadId": turn.ThreadID, "message": strings.Join(deltas, "")})
	_ = w.Notify("task_complete", map[string]any{"threadId": turn.ThreadID, "finish_reason": "stop"})
}

// callTool issues a dynamic tool call and finishes the turn once the
// gateway answers it with the client's output.
func callTool(w *workertest.Worker, turn workertest.Turn, tool string) {
	callID := "call_" + turn.TurnID
	id, err := w.Request(worker.MethodToolCall, map[string]any{
		"callId":    callID,
		"threadId":  turn.ThreadID,
		"turnId":    turn.TurnID,
		"tool":      tool,
		"arguments": map[string]any{},
	})
	if err != nil {
		slog.Error("tool call request failed", "error", err)
		return
	}
	reply, ok := w.WaitForResponse(id, toolWait)
	if !ok {
		slog.Warn("tool call unanswered", "call_id", callID)
		return
	}
	output := gjson.GetBytes(reply.Result, "output").String()
	if reply.Error != nil {
		output = "error: " + reply.Error.Message
	}
	_ = w.Notify("agentMessage", map[string]any{
		"threadId": turn.ThreadID,
		"message":  fmt.Sprintf("%s returned: %s", tool, output),
	})
	_ = w.Notify("task_complete", map[string]any{"threadId": turn.ThreadID, "finish_reason": "stop"})
}

// lastUserMessage picks the text of the last "[user]" line of a turn input.
func lastUserMessage(text string) string {
	lines := strings.Split(text, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if rest, ok := strings.CutPrefix(lines[i], "[user] "); ok {
			return strings.TrimSpace(rest)
		}
	}
	return strings.TrimSpace(text)
}
