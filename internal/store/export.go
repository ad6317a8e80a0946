package store

import (
	"fmt"
	"time"

	"github.com/someta/mathhelper/internal/model"
)

// ExportSubmissions builds an export of all submissions grouped by session.
func (s *Store) ExportSubmissions() (model.SubmissionExport, error) {
	records, err := s.ListAllSubmissions()
	if err != nil {
		return model.SubmissionExport{}, fmt.Errorf("list submissions: %w", err)
	}

	export := model.SubmissionExport{
		ExportedAt: time.Now().UTC(),
		Count:      len(records),
		Sessions:   []model.SessionExport{},
	}
	for _, r := range records {
		n := len(export.Sessions)
		if n == 0 || export.Sessions[n-1].SessionID != r.SessionID {
			export.Sessions = append(export.Sessions, model.SessionExport{
				SessionID: r.SessionID,
				StudentID: r.StudentID,
			})
			n++
		}
		export.Sessions[n-1].Submissions = append(export.Sessions[n-1].Submissions, r)
	}
	return export, nil
}
