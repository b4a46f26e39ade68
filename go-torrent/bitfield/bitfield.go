package bitfield

import "sync"

// Bitfield is a fixed size bit array indexed MSB first, so that bit 0 is the
// most significant bit of byte 0. This is the layout of the peer wire
// protocol's bitfield message.
//
// Single Get/Set calls are safe for concurrent use. Compound sequences that
// span several calls must be wrapped in Lock/Unlock and use the Unlocked
// variants.
type Bitfield struct {
	mu    sync.Mutex
	count int
	data  []byte
}

// New returns a bitfield of count bits all set to defaultBit. The unused tail
// bits of the last byte are set from fillByte.
func New(count int, defaultBit bool, fillByte byte) *Bitfield {
	bf := &Bitfield{
		count: count,
		data:  make([]byte, (count+7)/8),
	}
	if len(bf.data) > 0 {
		bf.data[len(bf.data)-1] = fillByte
	}
	for i := 0; i < count; i++ {
		bf.SetUnlocked(i, defaultBit)
	}
	return bf
}

// FromBytes copies a wire bitfield of count bits. Missing trailing bytes are
// treated as zero.
func FromBytes(count int, data []byte) *Bitfield {
	bf := New(count, false, 0)
	copy(bf.data, data)
	return bf
}

func (bf *Bitfield) Len() int {
	return bf.count
}

func (bf *Bitfield) Lock() {
	bf.mu.Lock()
}

func (bf *Bitfield) Unlock() {
	bf.mu.Unlock()
}

func (bf *Bitfield) Get(i int) bool {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	return bf.GetUnlocked(i)
}

func (bf *Bitfield) Set(i int, v bool) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	bf.SetUnlocked(i, v)
}

// GetUnlocked reads bit i. The caller holds the lock. Indices outside
// [0, Len()) read as unset.
func (bf *Bitfield) GetUnlocked(i int) bool {
	if i < 0 || i >= bf.count {
		return false
	}
	return bf.data[i/8]&(0x80>>uint(i%8)) != 0
}

// SetUnlocked writes bit i. The caller holds the lock. Out of range writes
// are ignored.
func (bf *Bitfield) SetUnlocked(i int, v bool) {
	if i < 0 || i >= bf.count {
		return
	}
	if v {
		bf.data[i/8] |= 0x80 >> uint(i%8)
	} else {
		bf.data[i/8] &^= 0x80 >> uint(i%8)
	}
}

// Bytes returns a copy of the packed bits with the tail bits cleared.
func (bf *Bitfield) Bytes() []byte {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	out := make([]byte, len(bf.data))
	copy(out, bf.data)
	if rem := bf.count % 8; rem != 0 && len(out) > 0 {
		out[len(out)-1] &= byte(0xFF << uint(8-rem))
	}
	return out
}

// Count returns the number of set bits.
func (bf *Bitfield) Count() int {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	n := 0
	for i := 0; i < bf.count; i++ {
		if bf.GetUnlocked(i) {
			n++
		}
	}
	return n
}

// All reports whether every bit is set. An empty bitfield is not full.
func (bf *Bitfield) All() bool {
	return bf.count > 0 && bf.Count() == bf.count
}

// Resize grows or shrinks the bitfield, keeping the bits that fit.
func (bf *Bitfield) Resize(count int) {
	bf.mu.Lock()
	defer bf.mu.Unlock()

	data := make([]byte, (count+7)/8)
	copy(data, bf.data)
	bf.data = data
	old := bf.count
	bf.count = count
	for i := old; i < count; i++ {
		bf.SetUnlocked(i, false)
	}
}
