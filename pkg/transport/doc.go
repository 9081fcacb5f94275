// Package transport defines the handler contracts and middleware chain
// between the HTTP layer and the engine.
//
// ResponseCreator is the single operation the gateway serves: run one turn
// and write either a complete JSON response or a stream of events to a
// ResponseWriter. The ResponseWriter hides whether the caller asked for
// JSON or Server-Sent Events.
//
// Middleware wraps a ResponseCreator with cross-cutting behavior. The
// built-in chain is panic recovery, request ID assignment (X-Request-ID,
// UUIDs when absent) and structured logging via log/slog. HTTP-level
// concerns such as authentication and metrics live in their own packages
// and wrap the http.Handler instead.
//
// InFlightRegistry tracks streaming responses by id so that
// DELETE /v1/responses/{id} can cancel one that is still running.
//
// HTTPStatusFromError maps client-facing errors to status codes; an
// explicit Status on the error always wins.
package transport
