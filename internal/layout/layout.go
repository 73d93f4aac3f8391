// Package layout describes an ECU's memory map and command set. Layouts are
// produced by tooling outside this module (from the controller's INI) and
// consumed here as YAML.
package layout

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/goefitune/internal/protocol"
)

// Page is one independently addressable tune memory page.
type Page struct {
	Index  uint8  `yaml:"index" json:"index"`
	Length uint16 `yaml:"length" json:"length"`
	// OffsetBase is added to page-local offsets on the wire.
	OffsetBase uint16 `yaml:"offset_base" json:"offsetBase"`
}

// Commands overrides entries of the default command table, keyed by tag name
// (signature, page_read, page_write, memory_read, memory_write, realtime,
// burn).
type Commands struct {
	Opcodes    map[string]string `yaml:"opcodes,omitempty" json:"opcodes,omitempty"`
	Verbs      map[string]string `yaml:"verbs,omitempty" json:"verbs,omitempty"`
	BlockVerbs map[string]string `yaml:"block_verbs,omitempty" json:"blockVerbs,omitempty"`
}

// Layout is the static description of one firmware.
type Layout struct {
	Name string `yaml:"name" json:"name"`

	// Signature is the expected handshake answer. Empty accepts anything.
	Signature       string `yaml:"signature" json:"signature"`
	SignatureLength uint16 `yaml:"signature_length" json:"signatureLength"`

	Variant string `yaml:"variant" json:"variant"`
	Family  string `yaml:"family" json:"family"`
	EchoCRC bool   `yaml:"echo_crc" json:"echoCrc"`
	Prompt  string `yaml:"prompt,omitempty" json:"prompt,omitempty"`

	RealtimeSize uint16   `yaml:"realtime_size" json:"realtimeSize"`
	Pages        []Page   `yaml:"pages" json:"pages"`
	Commands     Commands `yaml:"commands,omitempty" json:"commands,omitempty"`
}

var tagKeys = map[string]protocol.Tag{
	"signature":    protocol.TagSignature,
	"page_read":    protocol.TagPageRead,
	"page_write":   protocol.TagPageWrite,
	"memory_read":  protocol.TagMemoryRead,
	"memory_write": protocol.TagMemoryWrite,
	"realtime":     protocol.TagRealtimeQuery,
	"burn":         protocol.TagBurn,
}

// Default returns a Speeduino-shaped layout: a 130-byte realtime block and
// six tune pages. It backs demo mode and the tests.
func Default() *Layout {
	return &Layout{
		Name:            "speeduino-202402",
		Signature:       "speeduino 202402",
		SignatureLength: 16,
		Variant:         protocol.BinaryFramed.String(),
		Family:          protocol.FamilyStatusByte.String(),
		RealtimeSize:    130,
		Pages: []Page{
			{Index: 1, Length: 128},
			{Index: 2, Length: 288},
			{Index: 3, Length: 288},
			{Index: 4, Length: 128},
			{Index: 5, Length: 288},
			{Index: 6, Length: 240},
		},
	}
}

// Load reads and validates a YAML layout file.
func Load(path string) (*Layout, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read layout: %w", err)
	}
	l, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("layout %s: %w", path, err)
	}
	return l, nil
}

// Parse decodes and validates a YAML layout.
func Parse(data []byte) (*Layout, error) {
	l := &Layout{}
	if err := yaml.Unmarshal(data, l); err != nil {
		return nil, fmt.Errorf("parse layout: %w", err)
	}
	if err := l.Validate(); err != nil {
		return nil, err
	}
	return l, nil
}

// Save writes the layout as YAML.
func (l *Layout) Save(path string) error {
	data, err := yaml.Marshal(l)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0644)
}

// Validate checks the layout is usable.
func (l *Layout) Validate() error {
	if len(l.Pages) == 0 {
		return fmt.Errorf("layout has no pages")
	}
	if l.RealtimeSize == 0 {
		return fmt.Errorf("realtime_size must be positive")
	}
	seen := make(map[uint8]bool, len(l.Pages))
	for _, p := range l.Pages {
		if seen[p.Index] {
			return fmt.Errorf("page %d listed twice", p.Index)
		}
		seen[p.Index] = true
		if p.Length == 0 {
			return fmt.Errorf("page %d has zero length", p.Index)
		}
		if int(p.OffsetBase)+int(p.Length) > 0xffff {
			return fmt.Errorf("page %d extends past the 16-bit offset range", p.Index)
		}
	}
	if _, err := l.Adapter(); err != nil {
		return err
	}
	return nil
}

// Page looks up a page by index.
func (l *Layout) Page(index uint8) (Page, bool) {
	for _, p := range l.Pages {
		if p.Index == index {
			return p, true
		}
	}
	return Page{}, false
}

// Sorted returns the pages in index order.
func (l *Layout) Sorted() []Page {
	out := append([]Page(nil), l.Pages...)
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

func (l *Layout) ProtocolVariant() (protocol.Variant, error) {
	return protocol.ParseVariant(l.Variant)
}

func (l *Layout) ProtocolFamily() (protocol.Family, error) {
	return protocol.ParseFamily(l.Family)
}

// Table returns the default command table with the layout's overrides.
func (l *Layout) Table() (protocol.CommandTable, error) {
	t := protocol.CommandTable{
		Opcodes:    map[protocol.Tag]byte{},
		Verbs:      map[protocol.Tag]string{},
		BlockVerbs: map[protocol.Tag]string{},
	}
	for k, v := range l.Commands.Opcodes {
		tag, ok := tagKeys[k]
		if !ok {
			return t, fmt.Errorf("unknown command %q", k)
		}
		if len(v) != 1 {
			return t, fmt.Errorf("opcode for %s must be a single byte, got %q", k, v)
		}
		t.Opcodes[tag] = v[0]
	}
	if err := copyVerbs(t.Verbs, l.Commands.Verbs); err != nil {
		return t, err
	}
	if err := copyVerbs(t.BlockVerbs, l.Commands.BlockVerbs); err != nil {
		return t, err
	}
	return protocol.DefaultCommandTable().Merge(t), nil
}

func copyVerbs(dst map[protocol.Tag]string, src map[string]string) error {
	for k, v := range src {
		tag, ok := tagKeys[k]
		if !ok {
			return fmt.Errorf("unknown command %q", k)
		}
		dst[tag] = v
	}
	return nil
}

// Adapter builds the protocol adapter the layout describes.
func (l *Layout) Adapter() (*protocol.Adapter, error) {
	v, err := l.ProtocolVariant()
	if err != nil {
		return nil, err
	}
	f, err := l.ProtocolFamily()
	if err != nil {
		return nil, err
	}
	t, err := l.Table()
	if err != nil {
		return nil, err
	}
	return protocol.New(v, f, protocol.Options{Table: t, Prompt: l.Prompt, EchoCRC: l.EchoCRC})
}
