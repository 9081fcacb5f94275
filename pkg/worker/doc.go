// Package worker owns the connection to the single codex app-server worker
// process.
//
// A Transport multiplexes many logical requests over the worker's stdio
// pipe: it performs the initialize handshake, starts threads and turns,
// routes every inbound line to the RequestContext it belongs to, answers
// worker-initiated tool calls, and enforces the concurrency cap. A
// Supervisor launches the worker binary, attaches its pipes to the
// Transport, and restarts it with backoff when it exits.
//
// Transports are constructed explicitly with New and torn down with
// Destroy; there is no package-level instance.
package worker
