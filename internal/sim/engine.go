package sim

import (
	"encoding/binary"
	"math"
	"math/rand"
	"time"
)

// engine produces a plausible Speeduino output-channel block: RPM cycling
// between idle and revving with load, temperatures and fuelling following.
type engine struct {
	t   float64 // virtual time accumulator
	rnd *rand.Rand
}

func newEngine(seed int64) *engine {
	return &engine{rnd: rand.New(rand.NewSource(seed))}
}

// block fills size bytes using the primary OCH offsets. Channels that fall
// past size are left out.
func (e *engine) block(size int) []byte {
	e.t += 0.05 // ~20Hz tick

	rpmBase := 850.0 + 4000.0*math.Sin(e.t*0.3)*math.Sin(e.t*0.3)
	rpm := uint16(rpmBase + e.rnd.Float64()*50)

	load := (float64(rpm) - 850) / (8000 - 850)
	mapVal := uint16(30 + load*170) // 30-200 kPa
	tps := math.Max(0, math.Min(100, load*100))

	afr := math.Max(10, math.Min(18, 14.7-(tps/100)*1.5+e.rnd.Float64()*0.4))
	coolant := 85.0 + e.rnd.Float64()*5
	iat := 30.0 + e.rnd.Float64()*8
	if mapVal > 150 {
		iat = 55 + e.rnd.Float64()*15
	}
	battery := 13.8 + e.rnd.Float64()*0.4
	pw1 := 2.0 + tps/100*10
	ve := uint8(40 + tps/100*55)
	advance := int8(10 + (tps/100)*28)

	d := make([]byte, size)
	put8 := func(off int, v byte) {
		if off < size {
			d[off] = v
		}
	}
	put16 := func(off int, v uint16) {
		if off+1 < size {
			binary.LittleEndian.PutUint16(d[off:], v)
		}
	}

	put8(0, uint8(time.Now().Unix()%256))
	put8(2, 1<<0) // running
	put16(4, mapVal)
	put8(6, uint8(iat+40))
	put8(7, uint8(coolant+40))
	put8(8, 100)
	put8(9, uint8(battery*10))
	put8(10, uint8(afr*10))
	put8(11, uint8(95+e.rnd.Float64()*10))
	put8(12, 100)
	put8(13, 100)
	put16(14, rpm)
	put16(17, uint16(95+e.rnd.Float64()*10))
	put8(19, ve)
	put8(20, ve-5)
	put8(21, 147)
	put8(24, byte(advance))
	put8(25, uint8(tps*2))
	put16(26, 5000+uint16(e.rnd.Float64()*200))
	put16(28, 4096+uint16(e.rnd.Float64()*512))
	put8(32, 1<<7) // sync
	put8(41, 101)
	put16(76, uint16(pw1*1000))
	put16(78, uint16(pw1*1000))
	put16(90, 3500)
	put8(102, ve)
	put16(104, uint16(tps/100*220))
	put8(107, 43)
	return d
}
