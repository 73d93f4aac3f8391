package tune

import "time"

// PageOutcome is the result of reading one page. Err is nil on success.
type PageOutcome struct {
	Page uint8
	Err  error
}

// SyncReport describes one sync pass.
type SyncReport struct {
	Outcomes []PageOutcome
	Elapsed  time.Duration
}

// Full reports whether every page was read.
func (r *SyncReport) Full() bool { return len(r.FailedPages()) == 0 }

// FailedPages lists pages that were zero-filled, in the order they were
// attempted.
func (r *SyncReport) FailedPages() []uint8 {
	var out []uint8
	for _, o := range r.Outcomes {
		if o.Err != nil {
			out = append(out, o.Page)
		}
	}
	return out
}

// Err returns a *PartialSyncError when any page failed, otherwise nil.
func (r *SyncReport) Err() error {
	var e PartialSyncError
	for _, o := range r.Outcomes {
		if o.Err != nil {
			e.FailedPages = append(e.FailedPages, o.Page)
			e.Errs = append(e.Errs, o.Err)
		}
	}
	if len(e.FailedPages) == 0 {
		return nil
	}
	return &e
}
