package tune

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Device is the part of the connection manager the orchestrator drives.
// *ecu.Manager satisfies it.
type Device interface {
	ReadPage(ctx context.Context, index uint8) ([]byte, error)
	WritePage(ctx context.Context, index uint8, offset uint16, data []byte) error
	Burn(ctx context.Context, index uint8) error
}

// Orchestrator moves pages between the device and a Cache.
type Orchestrator struct {
	dev   Device
	cache *Cache
	log   *zap.Logger

	flushMu sync.Mutex
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger. The default discards output.
func WithLogger(l *zap.Logger) Option {
	return func(o *Orchestrator) { o.log = l }
}

func NewOrchestrator(dev Device, cache *Cache, opts ...Option) *Orchestrator {
	o := &Orchestrator{dev: dev, cache: cache, log: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Cache returns the cache the orchestrator fills.
func (o *Orchestrator) Cache() *Cache { return o.cache }

// Sync reads every page of the layout in index order.
func (o *Orchestrator) Sync(ctx context.Context) *SyncReport {
	pages := o.cache.Layout().Sorted()
	idx := make([]uint8, len(pages))
	for i, p := range pages {
		idx[i] = p.Index
	}
	return o.SyncPages(ctx, idx...)
}

// SyncPages reads the given pages. A page that cannot be read is zero-filled
// and reported; the remaining pages are still read. Unsaved edits survive.
func (o *Orchestrator) SyncPages(ctx context.Context, pages ...uint8) *SyncReport {
	start := time.Now()
	report := &SyncReport{Outcomes: make([]PageOutcome, 0, len(pages))}

	for _, page := range pages {
		data, err := o.dev.ReadPage(ctx, page)
		if err == nil {
			if p, _ := o.cache.Layout().Page(page); len(data) != int(p.Length) {
				err = fmt.Errorf("page %d: got %d bytes, want %d", page, len(data), p.Length)
			}
		}
		if err != nil {
			o.log.Warn("page sync failed", zap.Uint8("page", page), zap.Error(err))
			o.cache.load(page, nil)
		} else {
			o.cache.load(page, data)
		}
		report.Outcomes = append(report.Outcomes, PageOutcome{Page: page, Err: err})
	}

	report.Elapsed = time.Since(start)
	if failed := report.FailedPages(); len(failed) > 0 {
		o.log.Warn("partial sync", zap.Int("pages", len(pages)), zap.Uint8s("failed", failed),
			zap.Duration("elapsed", report.Elapsed))
	} else {
		o.log.Info("sync complete", zap.Int("pages", len(pages)), zap.Duration("elapsed", report.Elapsed))
	}
	return report
}

// Flush writes queued edits in the order they were made. Each write is
// verified by reading the region back. A mismatching entry is quarantined and
// Flush moves on; a failed write stops Flush and leaves that entry and every
// later one queued. The returned error combines one *WriteError per entry
// that was not confirmed.
func (o *Orchestrator) Flush(ctx context.Context) error {
	o.flushMu.Lock()
	defer o.flushMu.Unlock()

	var errs error
	written := 0
	for {
		if err := ctx.Err(); err != nil {
			return multierr.Append(errs, err)
		}
		e, ok := o.cache.head()
		if !ok {
			break
		}

		if err := o.dev.WritePage(ctx, e.Page, e.Offset, e.Data); err != nil {
			o.log.Warn("flush stopped", zap.Uint8("page", e.Page), zap.Uint16("offset", e.Offset),
				zap.Int("queued", len(o.cache.Pending())), zap.Error(err))
			return multierr.Append(errs, &WriteError{Entry: e, Err: err})
		}

		if err := o.verify(ctx, e); err != nil {
			if !errors.Is(err, ErrVerifyMismatch) {
				// Write landed but we could not check it; keep it queued.
				return multierr.Append(errs, &WriteError{Entry: e, Err: err})
			}
			o.log.Warn("write quarantined", zap.Uint8("page", e.Page), zap.Uint16("offset", e.Offset),
				zap.Error(err))
			o.cache.quarantined(e.Seq, err)
			errs = multierr.Append(errs, &WriteError{Entry: e, Err: err})
			continue
		}
		o.cache.verified(e.Seq)
		written++
	}

	if written > 0 {
		o.log.Info("flush complete", zap.Int("written", written), zap.Uint8s("dirty", o.cache.Dirty()))
	}
	return errs
}

func (o *Orchestrator) verify(ctx context.Context, e WriteEntry) error {
	page, err := o.dev.ReadPage(ctx, e.Page)
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	end := int(e.Offset) + len(e.Data)
	if end > len(page) || !bytes.Equal(page[e.Offset:end], e.Data) {
		return &VerifyMismatchError{Page: e.Page, Offset: e.Offset}
	}
	return nil
}

// Burn commits pages to flash. With no pages it burns every page of the
// layout. Dirty pages are burned as well; what they hold on the device is
// whatever has been flushed.
func (o *Orchestrator) Burn(ctx context.Context, pages ...uint8) error {
	if len(pages) == 0 {
		for _, p := range o.cache.Layout().Sorted() {
			pages = append(pages, p.Index)
		}
	}
	var errs error
	for _, p := range pages {
		if err := o.dev.Burn(ctx, p); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		o.log.Info("page burned", zap.Uint8("page", p))
	}
	return errs
}
