package model

import "time"

// SubmissionExport is the top-level JSON structure for submission history export.
type SubmissionExport struct {
	ExportedAt time.Time       `json:"exported_at"`
	Count      int             `json:"count"`
	Sessions   []SessionExport `json:"sessions"`
}

// SessionExport groups one session's submissions in submission order.
type SessionExport struct {
	SessionID   string             `json:"session_id"`
	StudentID   string             `json:"student_id"`
	Submissions []SubmissionRecord `json:"submissions"`
}
