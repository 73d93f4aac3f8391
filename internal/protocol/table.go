package protocol

import "fmt"

// CommandTable names the wire spelling of every command tag: single-byte
// opcodes for binary framed controllers, verbs for line oriented ones.
// BlockVerbs are the binary-block variants of the read verbs that line
// oriented controllers use for fast comms.
type CommandTable struct {
	Opcodes    map[Tag]byte
	Verbs      map[Tag]string
	BlockVerbs map[Tag]string
}

// DefaultCommandTable returns the Speeduino-compatible opcodes and the
// default console verbs.
func DefaultCommandTable() CommandTable {
	return CommandTable{
		Opcodes: map[Tag]byte{
			TagSignature:     'Q',
			TagPageRead:      'R',
			TagPageWrite:     'W',
			TagMemoryRead:    'r',
			TagMemoryWrite:   'M',
			TagRealtimeQuery: 'A',
			TagBurn:          'b',
		},
		Verbs: map[Tag]string{
			TagSignature:     "signature",
			TagPageRead:      "dump",
			TagPageWrite:     "write",
			TagMemoryRead:    "peek",
			TagMemoryWrite:   "poke",
			TagRealtimeQuery: "rt",
			TagBurn:          "burn",
		},
		BlockVerbs: map[Tag]string{
			TagPageRead:      "read",
			TagMemoryRead:    "peekb",
			TagRealtimeQuery: "rtb",
		},
	}
}

// Merge returns t with every entry of o laid over it.
func (t CommandTable) Merge(o CommandTable) CommandTable {
	out := CommandTable{
		Opcodes:    make(map[Tag]byte, len(t.Opcodes)),
		Verbs:      make(map[Tag]string, len(t.Verbs)),
		BlockVerbs: make(map[Tag]string, len(t.BlockVerbs)),
	}
	for k, v := range t.Opcodes {
		out.Opcodes[k] = v
	}
	for k, v := range o.Opcodes {
		out.Opcodes[k] = v
	}
	for k, v := range t.Verbs {
		out.Verbs[k] = v
	}
	for k, v := range o.Verbs {
		out.Verbs[k] = v
	}
	for k, v := range t.BlockVerbs {
		out.BlockVerbs[k] = v
	}
	for k, v := range o.BlockVerbs {
		out.BlockVerbs[k] = v
	}
	return out
}

// Validate rejects tables where two tags share an opcode or a verb.
func (t CommandTable) Validate() error {
	ops := make(map[byte]Tag, len(t.Opcodes))
	for tag, op := range t.Opcodes {
		if prev, ok := ops[op]; ok {
			return fmt.Errorf("opcode %q used by both %s and %s", op, prev, tag)
		}
		ops[op] = tag
	}
	verbs := make(map[string]Tag)
	for _, m := range []map[Tag]string{t.Verbs, t.BlockVerbs} {
		for tag, v := range m {
			if v == "" || !printable(v) {
				return fmt.Errorf("verb for %s must be printable ASCII, got %q", tag, v)
			}
			if prev, ok := verbs[v]; ok && prev != tag {
				return fmt.Errorf("verb %q used by both %s and %s", v, prev, tag)
			}
			verbs[v] = tag
		}
	}
	return nil
}

func (t CommandTable) opcodeTag(op byte) (Tag, bool) {
	for tag, o := range t.Opcodes {
		if o == op {
			return tag, true
		}
	}
	return 0, false
}

func (t CommandTable) verbTag(v string) (Tag, bool) {
	for _, m := range []map[Tag]string{t.Verbs, t.BlockVerbs} {
		for tag, verb := range m {
			if verb == v {
				return tag, true
			}
		}
	}
	return 0, false
}

func printable(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] < 0x20 || s[i] > 0x7e {
			return false
		}
	}
	return true
}
