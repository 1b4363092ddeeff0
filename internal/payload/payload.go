// Package payload parses the A/B OTA "payload.bin" container and extracts
// individual partitions from it (spec §4.7). It hand-decodes the subset of
// chromeos_update_engine.DeltaArchiveManifest fields needed to enumerate
// partitions and their install operations — per spec §4.7 ("the extractor
// locates the manifest without decoding fields that are not required") —
// rather than vendoring the upstream .proto (see DESIGN.md).
package payload

import (
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"flashkit/internal/xerrors"
)

// Magic is the required 4-byte payload container signature.
const Magic = "CrAU"

// SupportedVersion is the only format-version this extractor understands
// (spec §6: "version u64 BE (supported: 2)").
const SupportedVersion = 2

// BlockSize is the payload's fixed block size (spec §3).
const BlockSize = 4096

// headerLen is magic(4) + version(8) + manifest_size(8) + metadata_sig_size(4).
const headerLen = 4 + 8 + 8 + 4

// Header is the decoded fixed-size payload preamble.
type Header struct {
	Version              uint64
	ManifestSize         uint64
	MetadataSignatureSize uint32
}

// Extent is a contiguous run of blocks (spec §3).
type Extent struct {
	StartBlock uint64
	NumBlocks  uint64
}

// OpType is the install-operation discriminator (spec §3/§4.7).
type OpType int

const (
	OpReplace OpType = iota
	OpReplaceBZ
	OpReplaceXZ
	OpSourceCopy
	OpZero
	OpDiscard
	OpBsdiff
	OpSourceBsdiff
	OpBrotliBsdiff
	OpPuffdiff
	OpUnknown
)

// opFromWire maps the DeltaArchiveManifest InstallOperation.Type enum
// values (upstream numbering) onto OpType.
func opFromWire(v uint64) OpType {
	switch v {
	case 0:
		return OpReplace
	case 1:
		return OpReplaceBZ
	case 4:
		return OpSourceCopy
	case 5:
		return OpSourceBsdiff
	case 6:
		return OpZero
	case 7:
		return OpDiscard
	case 8:
		return OpReplaceXZ
	case 9:
		return OpPuffdiff
	case 10:
		return OpBrotliBsdiff
	default:
		return OpUnknown
	}
}

func (t OpType) String() string {
	switch t {
	case OpReplace:
		return "REPLACE"
	case OpReplaceBZ:
		return "REPLACE_BZ"
	case OpReplaceXZ:
		return "REPLACE_XZ"
	case OpSourceCopy:
		return "SOURCE_COPY"
	case OpZero:
		return "ZERO"
	case OpDiscard:
		return "DISCARD"
	case OpBsdiff:
		return "BSDIFF"
	case OpSourceBsdiff:
		return "SOURCE_BSDIFF"
	case OpBrotliBsdiff:
		return "BROTLI_BSDIFF"
	case OpPuffdiff:
		return "PUFFDIFF"
	default:
		return "UNKNOWN"
	}
}

// InstallOperation is one ordered step of a partition's extraction (spec §3).
type InstallOperation struct {
	Type        OpType
	SrcExtents  []Extent
	DstExtents  []Extent
	DataOffset  int64
	DataLength  int64
	DataSHA256  []byte
}

// PartitionInfo describes a partition's expected size and content hash.
type PartitionInfo struct {
	Size uint64
	Hash []byte
}

// Partition is one payload-described partition update (spec §3: "Payload
// Partition").
type Partition struct {
	Name       string
	New        PartitionInfo
	Old        *PartitionInfo // nil for full (non-delta) payloads
	Operations []InstallOperation
}

// Manifest is the decoded subset of DeltaArchiveManifest flashkit needs.
type Manifest struct {
	BlockSize  uint32
	Partitions []Partition
}

// ParseHeader reads and validates the fixed preamble from r, positioning
// the reader immediately after it (at the start of the manifest bytes).
func ParseHeader(r io.Reader) (Header, error) {
	var raw [headerLen]byte
	if _, err := io.ReadFull(r, raw[:]); err != nil {
		return Header{}, xerrors.Wrap(xerrors.KindProtocol, "payload.ParseHeader", "read preamble: %v", err)
	}
	if string(raw[0:4]) != Magic {
		return Header{}, xerrors.Wrap(xerrors.KindProtocol, "payload.ParseHeader", "bad magic %q", raw[0:4])
	}
	h := Header{
		Version:               binary.BigEndian.Uint64(raw[4:12]),
		ManifestSize:          binary.BigEndian.Uint64(raw[12:20]),
		MetadataSignatureSize: binary.BigEndian.Uint32(raw[20:24]),
	}
	if h.Version != SupportedVersion {
		return h, xerrors.Wrap(xerrors.KindUnsupported, "payload.ParseHeader", "unsupported payload version %d", h.Version)
	}
	return h, nil
}

// Parsed bundles the header, manifest and the absolute blob base offset
// (bytes from the start of the container to the first blob byte) needed
// to resolve every operation's DataOffset.
type Parsed struct {
	Header   Header
	Manifest Manifest
	BlobBase int64
}

// Parse reads a full payload container from r (which must support
// ReadAt-free sequential reads up through the manifest; the blob itself
// is addressed separately via BlobBase + DataOffset against a ReaderAt).
func Parse(r io.Reader) (*Parsed, error) {
	h, err := ParseHeader(r)
	if err != nil {
		return nil, err
	}
	manifestRaw := make([]byte, h.ManifestSize)
	if _, err := io.ReadFull(r, manifestRaw); err != nil {
		return nil, xerrors.Wrap(xerrors.KindProtocol, "payload.Parse", "read manifest: %v", err)
	}
	// Metadata signature bytes are opaque and not needed for extraction;
	// skip over them to reach the blob.
	if h.MetadataSignatureSize > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(h.MetadataSignatureSize)); err != nil {
			return nil, xerrors.Wrap(xerrors.KindProtocol, "payload.Parse", "skip metadata signature: %v", err)
		}
	}
	m, err := parseManifest(manifestRaw)
	if err != nil {
		return nil, err
	}
	return &Parsed{
		Header:   h,
		Manifest: *m,
		BlobBase: int64(headerLen) + int64(h.ManifestSize) + int64(h.MetadataSignatureSize),
	}, nil
}

// --- minimal protobuf wire-format decoding ---
//
// Only varint and length-delimited fields appear anywhere in the subset
// of DeltaArchiveManifest this package reads, so the decoder below
// implements exactly those two wire types plus skip-support for the
// others (fixed32/fixed64), per standard protobuf wire-format rules.

func readVarint(b []byte) (uint64, int, error) {
	var v uint64
	for i := 0; i < len(b) && i < 10; i++ {
		v |= uint64(b[i]&0x7f) << (7 * uint(i))
		if b[i]&0x80 == 0 {
			return v, i + 1, nil
		}
	}
	return 0, 0, fmt.Errorf("truncated varint")
}

// forEachField walks the top-level fields of a protobuf message, invoking
// fn with the field number, wire type and the field's raw payload bytes
// (the varint itself for wire type 0, the inner bytes for length-delimited
// fields, or the fixed-width bytes for 32/64-bit fields).
func forEachField(data []byte, fn func(num int, wireType int, payload []byte) error) error {
	i := 0
	for i < len(data) {
		tag, n, err := readVarint(data[i:])
		if err != nil {
			return fmt.Errorf("tag at offset %d: %w", i, err)
		}
		i += n
		num := int(tag >> 3)
		wireType := int(tag & 0x7)
		switch wireType {
		case 0: // varint
			_, vn, err := readVarint(data[i:])
			if err != nil {
				return fmt.Errorf("varint field %d: %w", num, err)
			}
			if err := fn(num, wireType, data[i:i+vn]); err != nil {
				return err
			}
			i += vn
		case 1: // fixed64
			if i+8 > len(data) {
				return fmt.Errorf("truncated fixed64 field %d", num)
			}
			if err := fn(num, wireType, data[i:i+8]); err != nil {
				return err
			}
			i += 8
		case 2: // length-delimited
			ln, vn, err := readVarint(data[i:])
			if err != nil {
				return fmt.Errorf("length field %d: %w", num, err)
			}
			i += vn
			if i+int(ln) > len(data) {
				return fmt.Errorf("truncated length-delimited field %d", num)
			}
			if err := fn(num, wireType, data[i:i+int(ln)]); err != nil {
				return err
			}
			i += int(ln)
		case 5: // fixed32
			if i+4 > len(data) {
				return fmt.Errorf("truncated fixed32 field %d", num)
			}
			if err := fn(num, wireType, data[i:i+4]); err != nil {
				return err
			}
			i += 4
		default:
			return fmt.Errorf("unsupported wire type %d on field %d", wireType, num)
		}
	}
	return nil
}

func decodeVarint(raw []byte) uint64 {
	v, _, _ := readVarint(raw)
	return v
}

// Field numbers below mirror the subset of the public
// chromeos_update_engine.DeltaArchiveManifest / PartitionUpdate /
// InstallOperation schema that flashkit reads (block_size=3,
// partitions=13 at the top level; name=1, old_partition_info=6,
// new_partition_info=7, operations=8 on PartitionUpdate; type=1,
// data_offset=2, data_length=3, src_extents=4, dst_extents=6,
// data_sha256_hash=8 on InstallOperation).
func parseManifest(data []byte) (*Manifest, error) {
	m := &Manifest{BlockSize: BlockSize}
	err := forEachField(data, func(num, wireType int, payload []byte) error {
		switch num {
		case 3:
			m.BlockSize = uint32(decodeVarint(payload))
		case 13:
			p, err := parsePartitionUpdate(payload)
			if err != nil {
				return fmt.Errorf("partition %d: %w", len(m.Partitions), err)
			}
			m.Partitions = append(m.Partitions, *p)
		}
		return nil
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.KindProtocol, "payload.parseManifest", "%v", err)
	}
	return m, nil
}

func parsePartitionUpdate(data []byte) (*Partition, error) {
	p := &Partition{}
	err := forEachField(data, func(num, wireType int, payload []byte) error {
		switch num {
		case 1:
			p.Name = string(payload)
		case 6:
			info, err := parsePartitionInfo(payload)
			if err != nil {
				return err
			}
			p.Old = &info
		case 7:
			info, err := parsePartitionInfo(payload)
			if err != nil {
				return err
			}
			p.New = info
		case 8:
			op, err := parseInstallOperation(payload)
			if err != nil {
				return fmt.Errorf("operation %d: %w", len(p.Operations), err)
			}
			p.Operations = append(p.Operations, op)
		}
		return nil
	})
	return p, err
}

func parsePartitionInfo(data []byte) (PartitionInfo, error) {
	var info PartitionInfo
	err := forEachField(data, func(num, wireType int, payload []byte) error {
		switch num {
		case 1:
			info.Size = decodeVarint(payload)
		case 2:
			info.Hash = append([]byte(nil), payload...)
		}
		return nil
	})
	return info, err
}

func parseInstallOperation(data []byte) (InstallOperation, error) {
	var op InstallOperation
	err := forEachField(data, func(num, wireType int, payload []byte) error {
		switch num {
		case 1:
			op.Type = opFromWire(decodeVarint(payload))
		case 2:
			op.DataOffset = int64(decodeVarint(payload))
		case 3:
			op.DataLength = int64(decodeVarint(payload))
		case 4:
			e, err := parseExtent(payload)
			if err != nil {
				return err
			}
			op.SrcExtents = append(op.SrcExtents, e)
		case 6:
			e, err := parseExtent(payload)
			if err != nil {
				return err
			}
			op.DstExtents = append(op.DstExtents, e)
		case 8:
			op.DataSHA256 = append([]byte(nil), payload...)
		}
		return nil
	})
	return op, err
}

func parseExtent(data []byte) (Extent, error) {
	var e Extent
	err := forEachField(data, func(num, wireType int, payload []byte) error {
		switch num {
		case 1:
			e.StartBlock = decodeVarint(payload)
		case 2:
			e.NumBlocks = decodeVarint(payload)
		}
		return nil
	})
	return e, err
}

// VerifySHA256 reports whether data's digest matches want (nil/empty want
// is treated as "nothing to verify").
func VerifySHA256(data, want []byte) bool {
	if len(want) == 0 {
		return true
	}
	sum := sha256.Sum256(data)
	return string(sum[:]) == string(want)
}
