// Package hdlc implements the Spreadtrum BSL wire framing described in
// spec §4.2/§6: command byte + big-endian length + payload, CRC-16/CCITT
// trailer, byte-stuffed between 0x7E sentinels, with a sticky
// transcode-disable mode entered after FDL2.
package hdlc

import (
	"bytes"
	"fmt"
)

const (
	// Sentinel delimits the start and end of every frame.
	Sentinel = 0x7E
	// Escape precedes a byte-stuffed sentinel or escape byte.
	Escape = 0x7D
	// escapeXOR is applied to the stuffed byte, per spec §4.2:
	// {0x7E,0x7D} -> {0x7D 0x5E, 0x7D 0x5D}.
	escapeXOR = 0x20
)

// Frame is a decoded BSL packet (spec §3): command byte, payload and the
// CRC16 that protected it on the wire.
type Frame struct {
	Command uint8
	Payload []byte
	CRC     uint16
}

// crcTable is the CRC-16/CCITT (polynomial 0x1021, initial 0x0000,
// MSB-first) table, computed once at init.
var crcTable [256]uint16

func init() {
	const poly = 0x1021
	for i := 0; i < 256; i++ {
		crc := uint16(i) << 8
		for b := 0; b < 8; b++ {
			if crc&0x8000 != 0 {
				crc = (crc << 1) ^ poly
			} else {
				crc <<= 1
			}
		}
		crcTable[i] = crc
	}
}

// CRC16 computes the CCITT CRC-16 (initial 0x0000, MSB-first) over data,
// per spec §4.2.
func CRC16(data []byte) uint16 {
	crc := uint16(0)
	for _, b := range data {
		crc = (crc << 8) ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}

// Framer encodes and decodes BSL frames. Its transcode-disable mode is
// sticky per session once FDL2 issues DISABLE_TRANSCODE (spec §4.2): after
// that, payload bytes are no longer escaped (header and CRC still are).
type Framer struct {
	transcodeDisabled bool
}

// New returns a Framer in the default (fully escaped) mode.
func New() *Framer { return &Framer{} }

// DisableTranscode switches the Framer into the post-FDL2 mode where
// payload bytes are sent verbatim between sentinels.
func (f *Framer) DisableTranscode() { f.transcodeDisabled = true }

// TranscodeDisabled reports the current mode.
func (f *Framer) TranscodeDisabled() bool { return f.transcodeDisabled }

// Encode builds a complete wire frame for (cmd, payload): header + CRC are
// always escaped; payload is escaped unless transcode has been disabled.
func (f *Framer) Encode(cmd uint8, payload []byte) []byte {
	header := make([]byte, 3+len(payload))
	header[0] = cmd
	header[1] = byte(len(payload) >> 8)
	header[2] = byte(len(payload))
	copy(header[3:], payload)

	crc := CRC16(header)

	var out bytes.Buffer
	out.WriteByte(Sentinel)

	headerPart := header[:3]
	payloadPart := header[3:]

	stuff(&out, headerPart, true)
	if f.transcodeDisabled {
		out.Write(payloadPart)
	} else {
		stuff(&out, payloadPart, true)
	}

	crcBytes := []byte{byte(crc >> 8), byte(crc)}
	stuff(&out, crcBytes, true)

	out.WriteByte(Sentinel)
	return out.Bytes()
}

// stuff appends src to out, escaping Sentinel/Escape bytes when escape is
// true.
func stuff(out *bytes.Buffer, src []byte, escape bool) {
	if !escape {
		out.Write(src)
		return
	}
	for _, b := range src {
		if b == Sentinel || b == Escape {
			out.WriteByte(Escape)
			out.WriteByte(b ^ escapeXOR)
		} else {
			out.WriteByte(b)
		}
	}
}

// Decode parses one complete framed message (sentinel-to-sentinel,
// inclusive) previously produced by Encode (in either transcode mode),
// verifying its CRC. It does not perform resynchronization; callers
// scanning a byte stream should locate sentinel boundaries first via
// Split.
func (f *Framer) Decode(frame []byte) (Frame, error) {
	if len(frame) < 2 || frame[0] != Sentinel || frame[len(frame)-1] != Sentinel {
		return Frame{}, fmt.Errorf("hdlc: frame missing sentinel delimiters")
	}
	body := frame[1 : len(frame)-1]

	// Header (cmd + 2-byte length) and CRC trailer are always escaped. The
	// whole body is unstuffed once to read cmd and length; with transcoding
	// disabled the payload is then taken verbatim from the wire body below.
	unescapedAll := unstuff(body)

	if len(unescapedAll) < 5 {
		return Frame{}, fmt.Errorf("hdlc: frame too short")
	}
	cmd := unescapedAll[0]
	length := int(unescapedAll[1])<<8 | int(unescapedAll[2])

	if f.transcodeDisabled {
		// Payload was not escaped on the wire: re-derive by unstuffing
		// only the header and CRC portions, leaving the payload region of
		// body verbatim. We locate the payload by re-stuffing the header
		// to find its wire length.
		headerWire := stuffBytes(unescapedAll[:3])
		if len(body) < len(headerWire) {
			return Frame{}, fmt.Errorf("hdlc: frame truncated header")
		}
		rest := body[len(headerWire):]
		if len(rest) < length {
			return Frame{}, fmt.Errorf("hdlc: frame truncated payload")
		}
		payload := rest[:length]
		crcWire := rest[length:]
		crcBytes := unstuff(crcWire)
		if len(crcBytes) != 2 {
			return Frame{}, fmt.Errorf("hdlc: malformed crc trailer")
		}
		gotCRC := uint16(crcBytes[0])<<8 | uint16(crcBytes[1])
		header := append([]byte{cmd, unescapedAll[1], unescapedAll[2]}, payload...)
		wantCRC := CRC16(header)
		if gotCRC != wantCRC {
			return Frame{}, fmt.Errorf("hdlc: crc mismatch: got %04x want %04x", gotCRC, wantCRC)
		}
		return Frame{Command: cmd, Payload: payload, CRC: gotCRC}, nil
	}

	if len(unescapedAll) < 3+length+2 {
		return Frame{}, fmt.Errorf("hdlc: frame truncated")
	}
	payload := unescapedAll[3 : 3+length]
	crcBytes := unescapedAll[3+length : 3+length+2]
	gotCRC := uint16(crcBytes[0])<<8 | uint16(crcBytes[1])
	wantCRC := CRC16(unescapedAll[:3+length])
	if gotCRC != wantCRC {
		return Frame{}, fmt.Errorf("hdlc: crc mismatch: got %04x want %04x", gotCRC, wantCRC)
	}
	return Frame{Command: cmd, Payload: payload, CRC: gotCRC}, nil
}

func stuffBytes(src []byte) []byte {
	var b bytes.Buffer
	stuff(&b, src, true)
	return b.Bytes()
}

// unstuff reverses byte-stuffing: every Escape byte is dropped and the
// following byte XORed back.
func unstuff(src []byte) []byte {
	out := make([]byte, 0, len(src))
	for i := 0; i < len(src); i++ {
		b := src[i]
		if b == Escape && i+1 < len(src) {
			i++
			out = append(out, src[i]^escapeXOR)
			continue
		}
		out = append(out, b)
	}
	return out
}

// Split scans buf for the next complete sentinel-delimited frame,
// returning it along with the number of bytes consumed from buf. It
// implements the resynchronization spec §4.2 requires on CRC failure: a
// caller that gets a Decode error should call Split again starting after
// the first sentinel of the failed frame to look for the next one.
func Split(buf []byte) (frame []byte, consumed int, ok bool) {
	start := bytes.IndexByte(buf, Sentinel)
	if start < 0 {
		return nil, len(buf), false
	}
	end := bytes.IndexByte(buf[start+1:], Sentinel)
	if end < 0 {
		return nil, start, false
	}
	end += start + 1
	return buf[start : end+1], end + 1, true
}
