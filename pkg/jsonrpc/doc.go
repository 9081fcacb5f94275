// Package jsonrpc implements the JSON-RPC 2.0 message model used on the
// worker's stdio pipe: one compact JSON object per line, numeric request
// ids, and bidirectional requests (the worker may call back into the
// gateway).
package jsonrpc
