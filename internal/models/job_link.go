package models

import "time"

// JobLink is one output link attached to a job. Links are append-only within
// a job; bbox and temporal are optional spatial/temporal extents of the output.
type JobLink struct {
	ID        int64      `json:"-"`
	JobID     string     `json:"-"`
	Href      string     `json:"href"`
	Rel       string     `json:"rel"`
	Type      string     `json:"type,omitempty"`
	Title     string     `json:"title,omitempty"`
	BBox      []float64  `json:"bbox,omitempty"`
	Temporal  *Temporal  `json:"temporal,omitempty"`
	CreatedAt time.Time  `json:"-"`
}

// Temporal is the time range covered by an output link
type Temporal struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}
