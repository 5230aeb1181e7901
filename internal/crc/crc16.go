// Package crc computes the 16-bit checksum used by the receiver for frames,
// database page headers and individual records.
package crc

// Parameters observed on G4 receivers: CRC-16/XMODEM, MSB first, no final xor.
const (
	Polynomial uint16 = 0x1021
	Seed       uint16 = 0x0000
)

// Table is a precomputed CRC-16 lookup table for one polynomial and seed.
type Table struct {
	seed    uint16
	entries [256]uint16
}

// Default is the table matching the receiver's generator.
var Default = MakeTable(Polynomial, Seed)

// MakeTable builds a non-reflected table for poly starting from seed.
func MakeTable(poly, seed uint16) *Table {
	t := &Table{seed: seed}
	for i := range t.entries {
		c := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if c&0x8000 != 0 {
				c = c<<1 ^ poly
			} else {
				c <<= 1
			}
		}
		t.entries[i] = c
	}
	return t
}

// Checksum returns the CRC of b.
func (t *Table) Checksum(b []byte) uint16 {
	return t.Update(t.seed, b)
}

// Update continues a running checksum with b.
func (t *Table) Update(c uint16, b []byte) uint16 {
	for _, v := range b {
		c = c<<8 ^ t.entries[byte(c>>8)^v]
	}
	return c
}

// Validate reports whether b hashes to want.
func (t *Table) Validate(b []byte, want uint16) bool {
	return t.Checksum(b) == want
}

// Checksum uses the Default table.
func Checksum(b []byte) uint16 { return Default.Checksum(b) }

// Validate uses the Default table.
func Validate(b []byte, want uint16) bool { return Default.Validate(b, want) }
