// Package dispatch turns batches of check and tree-extraction requests into
// pool work and assembles the responses.
//
// Every request runs on its own goroutine and fails on its own: one bad
// item never cancels its siblings, and responses come back in input order.
//
// Per request:
//   - Validate and resolve the header (explicit, or the leading import
//     lines split off the code)
//   - Acquire a worker for the header, execute under the per-item timeout
//   - Release the worker, or retire it on timeout or crash
//   - Retry a crash once on a fresh worker if the caller's deadline leaves
//     room for another full timeout
//
// Error codes:
//   - invalid_request: malformed input, nothing was executed
//   - initialization_error: no worker could load the header
//   - pool_exhausted: no worker became free in time
//   - execution_timeout: the worker exceeded the per-item timeout
//   - worker_crashed / memory_limit_exceeded: the worker died mid-request
//   - worker_crashed_repeatedly: the retry crashed too
//   - request_failed: a healthy worker refused the request
//   - pool_closed, internal
package dispatch
