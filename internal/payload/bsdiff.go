package payload

import (
	"bytes"
	"compress/bzip2"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// bsdiffMagic is the classic bsdiff 4.x patch-file signature used for the
// BSDIFF family of payload operations.
const bsdiffMagic = "BSDIFF40"

// applyBsdiff applies a classic bsdiff patch (header + bzip2-compressed
// control/diff/extra streams) to old, producing a newSize-byte result
// (spec §4.7: "BSDIFF / ... apply the diff algorithm using source extents
// + diff-blob -> destination extents").
func applyBsdiff(patch []byte, old []byte) ([]byte, error) {
	return applyBsdiffStreams(patch, old, bzip2.NewReader)
}

// applyBrotliBsdiff applies a bsdiff patch whose three streams are
// brotli-compressed instead of bzip2-compressed, matching payload's
// BROTLI_BSDIFF operation.
func applyBrotliBsdiff(patch []byte, old []byte) ([]byte, error) {
	return applyBsdiffStreams(patch, old, func(r io.Reader) io.Reader { return brotli.NewReader(r) })
}

func applyBsdiffStreams(patch []byte, old []byte, decompress func(io.Reader) io.Reader) ([]byte, error) {
	if len(patch) < 32 || string(patch[0:8]) != bsdiffMagic {
		return nil, fmt.Errorf("bsdiff: bad magic")
	}
	ctrlLen := int64(binary.LittleEndian.Uint64(patch[8:16]))
	diffLen := int64(binary.LittleEndian.Uint64(patch[16:24]))
	newSize := int64(binary.LittleEndian.Uint64(patch[24:32]))
	if ctrlLen < 0 || diffLen < 0 || newSize < 0 {
		return nil, fmt.Errorf("bsdiff: negative stream length")
	}

	ctrlStart := int64(32)
	diffStart := ctrlStart + ctrlLen
	extraStart := diffStart + diffLen
	if extraStart > int64(len(patch)) {
		return nil, fmt.Errorf("bsdiff: truncated patch")
	}

	ctrlStream := decompress(bytes.NewReader(patch[ctrlStart:diffStart]))
	diffStream := decompress(bytes.NewReader(patch[diffStart:extraStart]))
	extraStream := decompress(bytes.NewReader(patch[extraStart:]))

	out := make([]byte, newSize)
	var oldPos, newPos int64

	readCtrlInt64 := func(r io.Reader) (int64, error) {
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		u := binary.LittleEndian.Uint64(b[:])
		neg := u&(1<<63) != 0
		u &^= 1 << 63
		v := int64(u)
		if neg {
			v = -v
		}
		return v, nil
	}

	for newPos < newSize {
		diffCount, err := readCtrlInt64(ctrlStream)
		if err != nil {
			return nil, fmt.Errorf("bsdiff: read ctrl diff length: %w", err)
		}
		extraCount, err := readCtrlInt64(ctrlStream)
		if err != nil {
			return nil, fmt.Errorf("bsdiff: read ctrl extra length: %w", err)
		}
		seek, err := readCtrlInt64(ctrlStream)
		if err != nil {
			return nil, fmt.Errorf("bsdiff: read ctrl seek: %w", err)
		}

		if newPos+diffCount > newSize {
			return nil, fmt.Errorf("bsdiff: diff run overruns output")
		}
		diffBuf := make([]byte, diffCount)
		if _, err := io.ReadFull(diffStream, diffBuf); err != nil {
			return nil, fmt.Errorf("bsdiff: read diff bytes: %w", err)
		}
		for i := int64(0); i < diffCount; i++ {
			var oldByte byte
			if oldPos+i >= 0 && oldPos+i < int64(len(old)) {
				oldByte = old[oldPos+i]
			}
			out[newPos+i] = diffBuf[i] + oldByte
		}
		newPos += diffCount
		oldPos += diffCount

		if newPos+extraCount > newSize {
			return nil, fmt.Errorf("bsdiff: extra run overruns output")
		}
		if extraCount > 0 {
			if _, err := io.ReadFull(extraStream, out[newPos:newPos+extraCount]); err != nil {
				return nil, fmt.Errorf("bsdiff: read extra bytes: %w", err)
			}
			newPos += extraCount
		}

		oldPos += seek
	}

	return out, nil
}
