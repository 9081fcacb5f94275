// Package api defines the wire types of the codexgate Responses API.
//
// It covers the request body of POST /v1/responses, the response envelope,
// input and output items, streaming events, structured errors, and id
// helpers. All types produce JSON compatible with the OpenAI Responses API
// so existing client libraries work unchanged.
//
// Core types:
//   - [CreateResponseRequest]: client request, input as text or items
//   - [Response]: envelope with the assistant message first, then function calls
//   - [StreamEvent]: one server-sent event
//   - [APIError]: structured error with type, code, param, message, retryable
//
// The package performs no I/O and depends on the standard library only.
package api
