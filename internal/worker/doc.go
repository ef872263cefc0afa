// Package worker wraps the external Lean processes that do the actual work.
//
// A worker is bound to exactly one Header for its whole life. Two variants
// share the Worker contract:
//
//   - ReplWorker keeps a Lean REPL running, loads the header once and then
//     answers check requests over the blank-line framed JSON protocol.
//   - ExportWorker owns a scratch directory and runs the ast-export binary
//     once per tree-extraction request.
//
// Lifecycle:
//
//	Starting -> Ready -> Busy -> {Ready | Draining | Dead}
//	Draining -> Dead
//
// Dead is terminal. A worker never retries a request on its own; crashes and
// timeouts are reported to the caller, which decides whether to retire it.
package worker
