// Package tune keeps a local image of the ECU's tune pages, queues edits
// made against it, and synchronises both directions through the connection
// manager.
package tune

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/shaunagostinho/goefitune/internal/layout"
)

// WriteEntry is one queued edit.
type WriteEntry struct {
	Seq        uint64    `json:"seq"`
	Page       uint8     `json:"page"`
	Offset     uint16    `json:"offset"`
	Data       []byte    `json:"data"`
	EnqueuedAt time.Time `json:"enqueuedAt"`
}

// QuarantinedEntry is an edit whose verification failed. It is not retried
// until Requeue.
type QuarantinedEntry struct {
	WriteEntry
	Reason string `json:"reason"`
}

// Cache is the write-behind page cache. A page is dirty exactly while it
// holds edits that have not been verified on the device; every such edit is
// either queued or quarantined.
type Cache struct {
	layout *layout.Layout

	mu         sync.Mutex
	pages      map[uint8][]byte
	dirty      map[uint8]bool
	queue      []WriteEntry
	quarantine []QuarantinedEntry
	seq        uint64
}

// NewCache returns a zero-filled cache shaped by l.
func NewCache(l *layout.Layout) *Cache {
	c := &Cache{
		layout: l,
		pages:  make(map[uint8][]byte, len(l.Pages)),
		dirty:  make(map[uint8]bool),
	}
	for _, p := range l.Pages {
		c.pages[p.Index] = make([]byte, p.Length)
	}
	return c
}

// Layout returns the layout the cache was built for.
func (c *Cache) Layout() *layout.Layout { return c.layout }

// Snapshot returns a copy of a page buffer.
func (c *Cache) Snapshot(page uint8) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, ok := c.pages[page]
	if !ok {
		return nil, fmt.Errorf("page %d: %w", page, ErrUnknownPage)
	}
	return append([]byte(nil), buf...), nil
}

// Read returns a copy of n bytes at offset within page.
func (c *Cache) Read(page uint8, offset uint16, n int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	buf, err := c.region(page, offset, n)
	if err != nil {
		return nil, err
	}
	return append([]byte(nil), buf...), nil
}

// WriteCell applies an edit to the cache immediately and queues it for the
// device. It does no I/O.
func (c *Cache) WriteCell(page uint8, offset uint16, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("page %d offset %d: empty write: %w", page, offset, ErrOutOfRange)
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	dst, err := c.region(page, offset, len(data))
	if err != nil {
		return err
	}
	copy(dst, data)
	c.dirty[page] = true
	c.seq++
	c.queue = append(c.queue, WriteEntry{
		Seq:        c.seq,
		Page:       page,
		Offset:     offset,
		Data:       append([]byte(nil), data...),
		EnqueuedAt: time.Now(),
	})
	return nil
}

func (c *Cache) region(page uint8, offset uint16, n int) ([]byte, error) {
	buf, ok := c.pages[page]
	if !ok {
		return nil, fmt.Errorf("page %d: %w", page, ErrUnknownPage)
	}
	if n < 0 || int(offset)+n > len(buf) {
		return nil, fmt.Errorf("page %d offset %d length %d (page is %d bytes): %w",
			page, offset, n, len(buf), ErrOutOfRange)
	}
	return buf[int(offset) : int(offset)+n], nil
}

// IsDirty reports whether page has unverified edits.
func (c *Cache) IsDirty(page uint8) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirty[page]
}

// Dirty lists dirty pages in index order.
func (c *Cache) Dirty() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dirtyLocked()
}

func (c *Cache) dirtyLocked() []uint8 {
	out := make([]uint8, 0, len(c.dirty))
	for p := range c.dirty {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Pending returns the queued edits in FIFO order.
func (c *Cache) Pending() []WriteEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]WriteEntry(nil), c.queue...)
}

// Quarantined returns edits that failed verification.
func (c *Cache) Quarantined() []QuarantinedEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]QuarantinedEntry(nil), c.quarantine...)
}

// Requeue moves page's quarantined edits back to the end of the write queue
// and returns how many moved.
func (c *Cache) Requeue(page uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	kept := c.quarantine[:0]
	for _, q := range c.quarantine {
		if q.Page != page {
			kept = append(kept, q)
			continue
		}
		c.seq++
		e := q.WriteEntry
		e.Seq = c.seq
		e.EnqueuedAt = time.Now()
		c.queue = append(c.queue, e)
		n++
	}
	c.quarantine = kept
	return n
}

// load installs a page image read from the device. Unsaved edits to the page
// are laid back over it so they are not lost.
func (c *Cache) load(page uint8, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()

	buf, ok := c.pages[page]
	if !ok {
		return
	}
	img := make([]byte, len(buf))
	copy(img, data)
	if c.dirty[page] {
		for _, q := range c.quarantine {
			if q.Page == page {
				copy(img[q.Offset:], q.Data)
			}
		}
		for _, e := range c.queue {
			if e.Page == page {
				copy(img[e.Offset:], e.Data)
			}
		}
	}
	c.pages[page] = img
}

// head returns the oldest queued edit.
func (c *Cache) head() (WriteEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.queue) == 0 {
		return WriteEntry{}, false
	}
	return c.queue[0], true
}

func (c *Cache) remove(seq uint64) (WriteEntry, bool) {
	for i, e := range c.queue {
		if e.Seq == seq {
			c.queue = append(c.queue[:i], c.queue[i+1:]...)
			return e, true
		}
	}
	return WriteEntry{}, false
}

// verified drops a confirmed edit. The page stops being dirty once no other
// edit to it is queued or quarantined.
func (c *Cache) verified(seq uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.remove(seq)
	if !ok {
		return
	}
	for _, other := range c.queue {
		if other.Page == e.Page {
			return
		}
	}
	for _, q := range c.quarantine {
		if q.Page == e.Page {
			return
		}
	}
	delete(c.dirty, e.Page)
}

// quarantined moves an edit out of the queue after a failed verification.
// The page stays dirty.
func (c *Cache) quarantined(seq uint64, reason error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.remove(seq); ok {
		c.quarantine = append(c.quarantine, QuarantinedEntry{WriteEntry: e, Reason: reason.Error()})
	}
}

// image is the persistent form of the cache.
type image struct {
	Pages      map[uint8][]byte
	Dirty      []uint8
	Queue      []WriteEntry
	Quarantine []QuarantinedEntry
}

func (c *Cache) export() image {
	c.mu.Lock()
	defer c.mu.Unlock()
	img := image{
		Pages:      make(map[uint8][]byte, len(c.pages)),
		Dirty:      c.dirtyLocked(),
		Queue:      append([]WriteEntry(nil), c.queue...),
		Quarantine: append([]QuarantinedEntry(nil), c.quarantine...),
	}
	for p, buf := range c.pages {
		img.Pages[p] = append([]byte(nil), buf...)
	}
	return img
}

// restore replaces the cache contents with img. Pages the layout does not
// know, or whose size changed, are ignored along with their edits.
func (c *Cache) restore(img image) {
	c.mu.Lock()
	defer c.mu.Unlock()

	valid := func(page uint8) bool {
		p, ok := c.layout.Page(page)
		return ok && len(img.Pages[page]) == int(p.Length)
	}
	for p, buf := range img.Pages {
		if valid(p) {
			c.pages[p] = append([]byte(nil), buf...)
		}
	}
	c.dirty = make(map[uint8]bool)
	for _, p := range img.Dirty {
		if valid(p) {
			c.dirty[p] = true
		}
	}
	c.queue = c.queue[:0]
	for _, e := range img.Queue {
		if valid(e.Page) {
			c.queue = append(c.queue, e)
		}
		if e.Seq > c.seq {
			c.seq = e.Seq
		}
	}
	c.quarantine = c.quarantine[:0]
	for _, q := range img.Quarantine {
		if valid(q.Page) {
			c.quarantine = append(c.quarantine, q)
		}
		if q.Seq > c.seq {
			c.seq = q.Seq
		}
	}
}
