package tune

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrVerifyMismatch is matched by every *VerifyMismatchError.
	ErrVerifyMismatch = errors.New("tune: verification mismatch")

	ErrUnknownPage = errors.New("tune: page not in layout")
	ErrOutOfRange  = errors.New("tune: write outside page")
)

// VerifyMismatchError reports that the device did not hold the written bytes
// when read back.
type VerifyMismatchError struct {
	Page   uint8
	Offset uint16
}

func (e *VerifyMismatchError) Error() string {
	return fmt.Sprintf("tune: page %d offset %d: read-back differs from written data", e.Page, e.Offset)
}

func (e *VerifyMismatchError) Is(target error) bool { return target == ErrVerifyMismatch }

// WriteError is one queue entry that Flush could not confirm.
type WriteError struct {
	Entry WriteEntry
	Err   error
}

func (e *WriteError) Error() string {
	return fmt.Sprintf("tune: write page %d offset %d (%d bytes): %v",
		e.Entry.Page, e.Entry.Offset, len(e.Entry.Data), e.Err)
}

func (e *WriteError) Unwrap() error { return e.Err }

// PartialSyncError lists the pages a sync could not read. It never means the
// cache is unusable: failed pages are zero-filled.
type PartialSyncError struct {
	FailedPages []uint8
	Errs        []error
}

func (e *PartialSyncError) Error() string {
	pages := make([]string, len(e.FailedPages))
	for i, p := range e.FailedPages {
		pages[i] = fmt.Sprint(p)
	}
	return fmt.Sprintf("tune: partial sync, pages [%s] failed", strings.Join(pages, " "))
}

func (e *PartialSyncError) Unwrap() []error { return e.Errs }
