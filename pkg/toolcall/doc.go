// Package toolcall extracts and merges tool invocations produced by the
// worker.
//
// Two independent engines live here:
//
//   - [Parser] is a forward-only scanner over assistant text deltas. Models
//     that cannot emit structured tool calls write them inline as
//     <tool_call>{"name": "...", "arguments": "..."}</tool_call>. The parser
//     separates visible text from parsed calls, tolerating tags split across
//     chunk boundaries.
//   - [Aggregator] merges structured tool-call fragments (the plural
//     "tool_calls" array form and the legacy singular "function_call" form)
//     into complete records keyed by id or ordinal.
//
// Both are stateful per response and not safe for concurrent use.
package toolcall
