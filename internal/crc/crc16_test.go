package crc

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/adc68/blood-shepherd/internal/testutil"
)

func TestChecksumKnownVectors(t *testing.T) {
	// CRC-16/XMODEM check value.
	require.Equal(t, uint16(0x31C3), Checksum([]byte("123456789")))

	// Page range response captured from a receiver: header and payload
	// followed by the trailer 97 11.
	frame := testutil.LoadHex(t, "frames/page_range.hex")
	body, trailer := frame[:len(frame)-2], frame[len(frame)-2:]
	require.Equal(t, uint16(0x1197), Checksum(body))
	require.True(t, Validate(body, uint16(trailer[0])|uint16(trailer[1])<<8))
}

func TestChecksumDetectsSingleBitFlips(t *testing.T) {
	frame := testutil.LoadHex(t, "frames/firmware_header.hex")
	body := append([]byte(nil), frame[:len(frame)-2]...)
	want := Checksum(body)

	for i := range body {
		for bit := 0; bit < 8; bit++ {
			body[i] ^= 1 << bit
			require.NotEqual(t, want, Checksum(body), "flip byte %d bit %d", i, bit)
			body[i] ^= 1 << bit
		}
	}
	require.Equal(t, want, Checksum(body))
}

func TestUpdateMatchesChecksum(t *testing.T) {
	data := []byte("<FirmwareHeader SchemaVersion='1'/>")
	c := Default.Update(Seed, data[:10])
	c = Default.Update(c, data[10:])
	require.Equal(t, Checksum(data), c)
}

func TestMakeTableSeed(t *testing.T) {
	// CRC-16/CCITT-FALSE shares the polynomial with a 0xFFFF seed.
	ccitt := MakeTable(Polynomial, 0xFFFF)
	require.Equal(t, uint16(0x29B1), ccitt.Checksum([]byte("123456789")))
	require.Equal(t, uint16(0xFFFF), ccitt.Checksum(nil))
	require.Equal(t, uint16(0x0000), Checksum(nil))
}
