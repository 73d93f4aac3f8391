package tune

import (
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/prologic/bitcask"
)

// ErrSignatureChanged is returned by LoadCache when the stored tune was taken
// from a controller with a different signature.
var ErrSignatureChanged = errors.New("tune: stored tune belongs to another signature")

// Store persists a cache between runs: page images, the dirty set, the write
// queue and the quarantine. Each item is its own key so values stay small.
//
//	meta_signature   controller signature
//	page_<n>         raw page image
//	dirty_<n>        present while page n is dirty
//	queue_<seq>      JSON WriteEntry
//	quar_<seq>       JSON QuarantinedEntry
type Store struct {
	bc *bitcask.Bitcask
	sync.Mutex
}

func OpenStore(path string) (*Store, error) {
	bc, err := bitcask.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open tune store %s: %w", path, err)
	}
	return &Store{bc: bc}, nil
}

func (s *Store) Close() error {
	s.Lock()
	defer s.Unlock()
	return s.bc.Close()
}

// SaveCache replaces the stored tune with the cache's current contents.
func (s *Store) SaveCache(signature string, c *Cache) error {
	img := c.export()

	s.Lock()
	defer s.Unlock()

	// Keys streams from the index; collect before deleting.
	var stale [][]byte
	for k := range s.bc.Keys() {
		if isVolatile(string(k)) {
			stale = append(stale, k)
		}
	}
	for _, k := range stale {
		if err := s.bc.Delete(k); err != nil {
			return fmt.Errorf("tune store: delete %s: %w", k, err)
		}
	}

	if err := s.bc.Put(key("meta", "signature"), []byte(signature)); err != nil {
		return err
	}
	for p, buf := range img.Pages {
		if err := s.bc.Put(pageKey("page", p), buf); err != nil {
			return err
		}
	}
	for _, p := range img.Dirty {
		if err := s.bc.Put(pageKey("dirty", p), []byte{1}); err != nil {
			return err
		}
	}
	for _, e := range img.Queue {
		if err := s.put(seqKey("queue", e.Seq), e); err != nil {
			return err
		}
	}
	for _, q := range img.Quarantine {
		if err := s.put(seqKey("quar", q.Seq), q); err != nil {
			return err
		}
	}
	return s.bc.Sync()
}

// LoadCache restores the stored tune into c. If nothing is stored it returns
// false and leaves c untouched. A non-empty signature must match the one the
// tune was saved with.
func (s *Store) LoadCache(signature string, c *Cache) (bool, error) {
	s.Lock()
	defer s.Unlock()

	stored, err := s.bc.Get(key("meta", "signature"))
	if errors.Is(err, bitcask.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if signature != "" && string(stored) != signature {
		return false, fmt.Errorf("%w: stored %q, controller %q", ErrSignatureChanged, stored, signature)
	}

	var keys []string
	for k := range s.bc.Keys() {
		keys = append(keys, string(k))
	}
	sort.Strings(keys)

	img := image{Pages: make(map[uint8][]byte)}
	for _, k := range keys {
		typ, id, ok := strings.Cut(k, "_")
		if !ok {
			continue
		}
		v, err := s.bc.Get([]byte(k))
		if err != nil {
			return false, fmt.Errorf("tune store: get %s: %w", k, err)
		}
		switch typ {
		case "page", "dirty":
			n, err := strconv.ParseUint(id, 10, 8)
			if err != nil {
				continue
			}
			if typ == "page" {
				img.Pages[uint8(n)] = v
			} else {
				img.Dirty = append(img.Dirty, uint8(n))
			}
		case "queue":
			var e WriteEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return false, fmt.Errorf("tune store: %s: %w", k, err)
			}
			img.Queue = append(img.Queue, e)
		case "quar":
			var q QuarantinedEntry
			if err := json.Unmarshal(v, &q); err != nil {
				return false, fmt.Errorf("tune store: %s: %w", k, err)
			}
			img.Quarantine = append(img.Quarantine, q)
		}
	}
	c.restore(img)
	return true, nil
}

// Signature returns the signature the stored tune was saved with.
func (s *Store) Signature() (string, error) {
	s.Lock()
	defer s.Unlock()
	v, err := s.bc.Get(key("meta", "signature"))
	if errors.Is(err, bitcask.ErrKeyNotFound) {
		return "", nil
	}
	return string(v), err
}

func (s *Store) put(k []byte, v interface{}) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.bc.Put(k, b)
}

func isVolatile(k string) bool {
	return strings.HasPrefix(k, "dirty_") || strings.HasPrefix(k, "queue_") || strings.HasPrefix(k, "quar_")
}

func key(typ, id string) []byte { return []byte(typ + "_" + id) }

func pageKey(typ string, page uint8) []byte { return key(typ, strconv.Itoa(int(page))) }

// seqKey pads the sequence so key order is queue order.
func seqKey(typ string, seq uint64) []byte { return key(typ, fmt.Sprintf("%020d", seq)) }
