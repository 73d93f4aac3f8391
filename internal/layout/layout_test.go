package layout

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shaunagostinho/goefitune/internal/protocol"
)

func TestDefaultIsValid(t *testing.T) {
	l := Default()
	require.NoError(t, l.Validate())

	a, err := l.Adapter()
	require.NoError(t, err)
	assert.Equal(t, protocol.BinaryFramed, a.Variant())
	assert.Equal(t, protocol.FamilyStatusByte, a.Family())

	p, ok := l.Page(3)
	require.True(t, ok)
	assert.Equal(t, uint16(288), p.Length)
	_, ok = l.Page(42)
	assert.False(t, ok)
}

func TestParse(t *testing.T) {
	src := `
name: console-ecu
signature: "rusEFI 2024"
variant: line
family: status
realtime_size: 64
pages:
  - {index: 2, length: 64, offset_base: 256}
  - {index: 0, length: 32}
commands:
  verbs:
    page_read: hexdump
`
	l, err := Parse([]byte(src))
	require.NoError(t, err)
	assert.Equal(t, "console-ecu", l.Name)
	assert.Equal(t, uint16(256), l.Pages[0].OffsetBase)
	assert.Equal(t, []uint8{0, 2}, []uint8{l.Sorted()[0].Index, l.Sorted()[1].Index})

	table, err := l.Table()
	require.NoError(t, err)
	assert.Equal(t, "hexdump", table.Verbs[protocol.TagPageRead])
	assert.Equal(t, "write", table.Verbs[protocol.TagPageWrite])
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Layout)
	}{
		{"no pages", func(l *Layout) { l.Pages = nil }},
		{"duplicate page", func(l *Layout) { l.Pages = append(l.Pages, l.Pages[0]) }},
		{"zero length", func(l *Layout) { l.Pages[0].Length = 0 }},
		{"no realtime", func(l *Layout) { l.RealtimeSize = 0 }},
		{"checksum on line", func(l *Layout) { l.Variant, l.Family = "line", "crc32" }},
		{"bad variant", func(l *Layout) { l.Variant = "can" }},
		{"long opcode", func(l *Layout) { l.Commands.Opcodes = map[string]string{"burn": "bb"} }},
		{"unknown command", func(l *Layout) { l.Commands.Verbs = map[string]string{"erase": "x"} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := Default()
			tt.mutate(l)
			assert.Error(t, l.Validate())
		})
	}
}

func TestSaveLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "layout.yaml")
	require.NoError(t, Default().Save(path))

	l, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, Default(), l)
}
