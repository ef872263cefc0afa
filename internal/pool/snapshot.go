package pool

// Stats are lifetime counters.
type Stats struct {
	Spawned       int64 `json:"spawned"`
	SpawnFailures int64 `json:"spawn_failures"`
	Retired       int64 `json:"retired"`
	Crashed       int64 `json:"crashed"`
	Evicted       int64 `json:"evicted"`
	Exhausted     int64 `json:"exhausted"`
}

// HeaderStatus is the per-header slice of a Snapshot.
type HeaderStatus struct {
	Key             string `json:"key"`
	Kind            string `json:"kind"`
	Summary         string `json:"summary"`
	Workers         int    `json:"workers"`
	Busy            int    `json:"busy"`
	Idle            int    `json:"idle"`
	Spawning        int    `json:"spawning"`
	Waiting         int    `json:"waiting"`
	Crashes         int64  `json:"crashes"`
	RepeatedCrashes int64  `json:"repeated_crashes"`
}

// Snapshot is a point-in-time view of the pool.
type Snapshot struct {
	Capacity int            `json:"capacity"`
	Total    int            `json:"total"`
	Busy     int            `json:"busy"`
	Idle     int            `json:"idle"`
	Spawning int            `json:"spawning"`
	Waiting  int            `json:"waiting"`
	Closed   bool           `json:"closed"`
	Headers  []HeaderStatus `json:"headers"`
	Stats    Stats          `json:"stats"`
}
