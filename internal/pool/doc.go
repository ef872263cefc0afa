// Package pool schedules requests onto header-bound workers.
//
// The pool owns every worker. Callers borrow one with Acquire and hand it
// back with Release, reporting how the request went. All bookkeeping sits
// behind a single mutex; spawning, executing and terminating happen outside
// it.
//
// Selection for a header, in order:
//
//  1. reuse an idle worker bound to the header;
//  2. spawn a new one while the global count is below capacity (the slot is
//     reserved before the spawn starts);
//  3. at capacity, evict the least recently used idle worker of another
//     header and spawn in its place;
//  4. queue FIFO behind earlier callers for the header until a worker is
//     handed over or capacity frees up, bounded by the acquire deadline.
//
// The first spawn of a header nobody has seen before is serialized: other
// callers for that header queue until it resolves instead of all paying the
// header load cost at once.
package pool
