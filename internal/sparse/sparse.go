// Package sparse implements the Android sparse image format (spec §6):
// a 28-byte header followed by RAW/FILL/DONT_CARE/CRC32 chunks, plus the
// sparse sub-chunking algorithm the Fastboot client uses to split a sparse
// image into download-sized pieces (spec §4.6). A non-sparse image is
// passed through only when it already fits.
package sparse

import (
	"encoding/binary"
	"io"

	"flashkit/internal/xerrors"
)

const (
	magic       = 0xED26FF3A
	headerSize  = 28
	chunkHeader = 12
)

// ChunkType is the sparse chunk discriminator.
type ChunkType uint16

const (
	ChunkRaw      ChunkType = 0xCAC1
	ChunkFill     ChunkType = 0xCAC2
	ChunkDontCare ChunkType = 0xCAC3
	ChunkCRC32    ChunkType = 0xCAC4
)

// Header is the decoded sparse image header.
type Header struct {
	BlockSize       uint32
	TotalBlocks     uint32
	TotalChunks     uint32
	ImageChecksum   uint32
}

// ParseHeader decodes the 28-byte sparse header, returning (header, true)
// or (_, false) if raw doesn't start with the sparse magic (i.e. this is
// a plain raw image, not a sparse one).
func ParseHeader(raw []byte) (Header, bool) {
	if len(raw) < headerSize || binary.LittleEndian.Uint32(raw[0:4]) != magic {
		return Header{}, false
	}
	return Header{
		BlockSize:     binary.LittleEndian.Uint32(raw[12:16]),
		TotalBlocks:   binary.LittleEndian.Uint32(raw[16:20]),
		TotalChunks:   binary.LittleEndian.Uint32(raw[20:24]),
		ImageChecksum: binary.LittleEndian.Uint32(raw[24:28]),
	}, true
}

// IsSparse reports whether raw begins with the sparse magic.
func IsSparse(raw []byte) bool {
	_, ok := ParseHeader(raw)
	return ok
}

// Expand fully decodes a sparse image into its expanded raw form. Per
// spec §8 ("Sparse expansion"): the result's length equals
// blocks*block_size and is bit-identical to the concatenation of chunk
// bodies (raw verbatim, fill repeated, dont-care zero-filled).
func Expand(raw []byte) ([]byte, error) {
	header, ok := ParseHeader(raw)
	if !ok {
		return nil, xerrors.Wrap(xerrors.KindProtocol, "sparse.Expand", "not a sparse image")
	}
	out := make([]byte, 0, int(header.TotalBlocks)*int(header.BlockSize))
	off := headerSize
	for c := uint32(0); c < header.TotalChunks; c++ {
		if off+chunkHeader > len(raw) {
			return nil, xerrors.Wrap(xerrors.KindProtocol, "sparse.Expand", "truncated chunk header at chunk %d", c)
		}
		ctype := ChunkType(binary.LittleEndian.Uint16(raw[off : off+2]))
		chunkBlocks := binary.LittleEndian.Uint32(raw[off+4 : off+8])
		totalSize := binary.LittleEndian.Uint32(raw[off+8 : off+12])
		body := raw[off+chunkHeader : off+int(totalSize)]
		blockBytes := int(chunkBlocks) * int(header.BlockSize)

		switch ctype {
		case ChunkRaw:
			if len(body) != blockBytes {
				return nil, xerrors.Wrap(xerrors.KindProtocol, "sparse.Expand", "raw chunk %d size mismatch", c)
			}
			out = append(out, body...)
		case ChunkFill:
			if len(body) != 4 {
				return nil, xerrors.Wrap(xerrors.KindProtocol, "sparse.Expand", "fill chunk %d needs 4-byte pattern", c)
			}
			for n := 0; n < blockBytes; n += 4 {
				out = append(out, body...)
			}
		case ChunkDontCare:
			out = append(out, make([]byte, blockBytes)...)
		case ChunkCRC32:
			// Verification chunk, no payload bytes contributed.
		default:
			return nil, xerrors.Wrap(xerrors.KindProtocol, "sparse.Expand", "unknown chunk type 0x%04x", ctype)
		}
		off += int(totalSize)
	}
	return out, nil
}

// SubImage is one piece of a sparse image decomposed to fit within a
// maxBytes download window (spec §4.6's sparse sub-image protocol).
type SubImage struct {
	Data []byte
}

// Resize decomposes a sparse image into SubImages no larger than
// maxBytes each, re-emitting each as an independent well-formed sparse
// image the device can download+flash in sequence, concatenating their
// effect on-device. Chunks are never split: a chunk whose entry alone
// exceeds maxBytes goes into a sub-image of its own, which is then larger
// than maxBytes. When raw is not sparse and fits within maxBytes already,
// Resize returns it unchanged as a single SubImage; a larger non-sparse
// image is rejected with an Unsupported error.
func Resize(raw []byte, maxBytes int) ([]SubImage, error) {
	header, ok := ParseHeader(raw)
	if !ok {
		if len(raw) <= maxBytes {
			return []SubImage{{Data: raw}}, nil
		}
		return nil, xerrors.Wrap(xerrors.KindUnsupported, "sparse.Resize", "raw (non-sparse) image exceeds max download size and cannot be chunked")
	}
	if len(raw) <= maxBytes {
		return []SubImage{{Data: raw}}, nil
	}

	var chunks []rawChunk
	off := headerSize
	for c := uint32(0); c < header.TotalChunks; c++ {
		ctype := ChunkType(binary.LittleEndian.Uint16(raw[off : off+2]))
		chunkBlocks := binary.LittleEndian.Uint32(raw[off+4 : off+8])
		totalSize := binary.LittleEndian.Uint32(raw[off+8 : off+12])
		body := raw[off+chunkHeader : off+int(totalSize)]
		chunks = append(chunks, rawChunk{ctype, chunkBlocks, body})
		off += int(totalSize)
	}

	var subImages []SubImage
	var cur []rawChunk
	curBytes := headerSize

	flush := func() {
		if len(cur) == 0 {
			return
		}
		subImages = append(subImages, SubImage{Data: buildSparse(header.BlockSize, cur)})
		cur = nil
		curBytes = headerSize
	}

	for _, ch := range chunks {
		entrySize := chunkHeader + len(ch.body)
		if curBytes+entrySize > maxBytes && len(cur) > 0 {
			flush()
		}
		cur = append(cur, ch)
		curBytes += entrySize
	}
	flush()

	return subImages, nil
}

// rawChunk is an in-memory chunk awaiting re-emission into a resized
// sparse sub-image.
type rawChunk struct {
	ctype  ChunkType
	blocks uint32
	body   []byte
}

func buildSparse(blockSize uint32, chunks []rawChunk) []byte {
	var totalBlocks uint32
	for _, c := range chunks {
		totalBlocks += c.blocks
	}
	out := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(out[0:4], magic)
	binary.LittleEndian.PutUint16(out[4:6], 1) // major version
	binary.LittleEndian.PutUint16(out[6:8], 0) // minor version
	binary.LittleEndian.PutUint16(out[8:10], headerSize)
	binary.LittleEndian.PutUint16(out[10:12], chunkHeader)
	binary.LittleEndian.PutUint32(out[12:16], blockSize)
	binary.LittleEndian.PutUint32(out[16:20], totalBlocks)
	binary.LittleEndian.PutUint32(out[20:24], uint32(len(chunks)))
	binary.LittleEndian.PutUint32(out[24:28], 0) // checksum unused in this re-emission

	for _, c := range chunks {
		hdr := make([]byte, chunkHeader)
		binary.LittleEndian.PutUint16(hdr[0:2], uint16(c.ctype))
		binary.LittleEndian.PutUint32(hdr[4:8], c.blocks)
		binary.LittleEndian.PutUint32(hdr[8:12], uint32(chunkHeader+len(c.body)))
		out = append(out, hdr...)
		out = append(out, c.body...)
	}
	return out
}

// CopyN is a thin wrapper over io.CopyN for streaming a sub-image's
// download body in bounded pieces; the fastboot client does not call it
// (download writes fixed 16KiB slices directly).
func CopyN(w io.Writer, r io.Reader, n int64) (int64, error) {
	return io.CopyN(w, r, n)
}
