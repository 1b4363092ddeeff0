package hdlc

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := [][]byte{
		{},
		{0x01},
		{0x7E, 0x7D, 0x00, 0xFF},
		bytes.Repeat([]byte{0x7E}, 16),
		bytes.Repeat([]byte{0xAB}, 4096),
	}
	for _, payload := range cases {
		f := New()
		wire := f.Encode(0x05, payload)
		require.True(t, len(wire) >= 2)
		require.Equal(t, byte(Sentinel), wire[0])
		require.Equal(t, byte(Sentinel), wire[len(wire)-1])

		got, err := f.Decode(wire)
		require.NoError(t, err)
		require.Equal(t, uint8(0x05), got.Command)
		require.Equal(t, payload, got.Payload)
	}
}

func TestEncodeDecodeRoundTripTranscodeDisabled(t *testing.T) {
	payload := []byte{0x7E, 0x7D, 0x10, 0x20, 0x00, 0xFF}
	f := New()
	f.DisableTranscode()
	require.True(t, f.TranscodeDisabled())

	wire := f.Encode(0x12, payload)
	got, err := f.Decode(wire)
	require.NoError(t, err)
	require.Equal(t, uint8(0x12), got.Command)
	require.Equal(t, payload, got.Payload)
}

func TestDecodeRejectsCorruptedCRC(t *testing.T) {
	f := New()
	wire := f.Encode(0x03, []byte{1, 2, 3})
	// Invert the first interior byte that is neither a sentinel nor an
	// escape (the command byte), to corrupt the CRC check deterministically.
	corrupted := make([]byte, len(wire))
	copy(corrupted, wire)
	for i := 1; i < len(corrupted)-1; i++ {
		if corrupted[i] != Sentinel && corrupted[i] != Escape {
			corrupted[i] ^= 0xFF
			break
		}
	}
	_, err := f.Decode(corrupted)
	require.Error(t, err)
}

func TestDecodeRejectsMissingSentinels(t *testing.T) {
	f := New()
	_, err := f.Decode([]byte{0x01, 0x02, 0x03})
	require.Error(t, err)
}

func TestCRC16KnownVector(t *testing.T) {
	// CRC-16/XMODEM ("123456789") = 0x31C3: poly 0x1021, init 0x0000,
	// MSB-first, no input/output reflection — matches this package's
	// CRC16.
	got := CRC16([]byte("123456789"))
	require.Equal(t, uint16(0x31C3), got)
}

func TestSplitFindsFrameBoundaries(t *testing.T) {
	f := New()
	a := f.Encode(0x01, []byte{1})
	b := f.Encode(0x02, []byte{2})
	buf := append(append([]byte{}, a...), b...)

	frame1, n1, ok := Split(buf)
	require.True(t, ok)
	require.Equal(t, a, frame1)

	frame2, n2, ok := Split(buf[n1:])
	require.True(t, ok)
	require.Equal(t, b, frame2)
	require.Equal(t, len(buf), n1+n2)
}

func TestStuffingEscapesReservedBytes(t *testing.T) {
	f := New()
	wire := f.Encode(Sentinel, []byte{Escape})
	// Interior bytes (excluding the two delimiter sentinels) must never
	// contain a bare Sentinel or Escape without an Escape prefix.
	interior := wire[1 : len(wire)-1]
	for i := 0; i < len(interior); i++ {
		if interior[i] == Sentinel {
			t.Fatalf("unescaped sentinel at offset %d", i)
		}
		if interior[i] == Escape {
			i++ // skip the escaped byte
		}
	}
}
