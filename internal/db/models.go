package db

// Run statuses
const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

// Upsert represents a row in the upserts table
type Upsert struct {
	ID        string  `json:"id"`
	NodeID    string  `json:"node_id"`
	MatchID   string  `json:"match_id"`   // differs from NodeID on rename
	Mode      string  `json:"mode"`       // "streaming" or "in-memory"
	Inserted  bool    `json:"inserted"`
	Columns   int     `json:"columns"`
	Source    *string `json:"source"`     // repo-relative script, nil for manual rows
	CreatedAt int64   `json:"created_at"` // Unix millis
}

// Run represents a row in the runs table
type Run struct {
	ID         string  `json:"id"`
	NodeID     string  `json:"node_id"`
	Command    string  `json:"command"`
	WorkingDir string  `json:"working_dir"`
	Status     string  `json:"status"`
	ExitCode   *int    `json:"exit_code"`
	Output     *string `json:"output"`      // tail of combined output
	StartedAt  int64   `json:"started_at"`  // Unix millis
	FinishedAt *int64  `json:"finished_at"` // Unix millis
}
