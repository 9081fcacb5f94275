// Package engine implements the request pipeline of the gateway. The Engine
// struct implements transport.ResponseCreator: it normalizes a Responses API
// request into worker turn input, relays tool outputs to parked turns, runs
// the turn on a worker.Transport and renders the worker's events either as a
// JSON envelope (Collector) or as a server-sent event stream
// (StreamAdapter). Worker events pass through a Normalizer that turns the
// several wire shapes the worker uses into one canonical event stream.
// Inline <tool_call> blocks in assistant text are recovered with the
// toolcall package.
package engine
