package analytics

import "time"

type EventType string

const (
	EventQuery  EventType = "query"
	EventReload EventType = "reload"
)

// QueryEvent is emitted once per answered search.
type QueryEvent struct {
	Type      EventType `json:"type"`
	Query     string    `json:"query"`
	TopK      int       `json:"top_k"`
	Returned  int       `json:"returned"`
	TopScore  float64   `json:"top_score"`
	Sources   []string  `json:"sources"`
	Degraded  bool      `json:"degraded"`
	CacheHit  bool      `json:"cache_hit"`
	Version   uint64    `json:"version"`
	LatencyMs int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
	RequestID string    `json:"request_id,omitempty"`
}

// Matched reports whether the query got at least one confident answer.
func (e QueryEvent) Matched() bool { return e.Returned > 0 }

// ReloadEvent is emitted for every reload attempt, successful or not.
type ReloadEvent struct {
	Type       EventType `json:"type"`
	ReloadID   string    `json:"reload_id"`
	Status     string    `json:"status"`
	Version    uint64    `json:"version,omitempty"`
	Records    int       `json:"records"`
	Checksum   string    `json:"checksum,omitempty"`
	Source     string    `json:"source"`
	Stage      string    `json:"stage,omitempty"`
	Error      string    `json:"error,omitempty"`
	DurationMs int64     `json:"duration_ms"`
	Timestamp  time.Time `json:"timestamp"`
}
