package payload

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/binary"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

// --- tiny protobuf encoder, used only to build fixtures for these tests ---

func pbVarint(buf *bytes.Buffer, field int, v uint64) {
	tag := uint64(field)<<3 | 0
	pbRawVarint(buf, tag)
	pbRawVarint(buf, v)
}

func pbRawVarint(buf *bytes.Buffer, v uint64) {
	for v >= 0x80 {
		buf.WriteByte(byte(v) | 0x80)
		v >>= 7
	}
	buf.WriteByte(byte(v))
}

func pbBytes(buf *bytes.Buffer, field int, b []byte) {
	tag := uint64(field)<<3 | 2
	pbRawVarint(buf, tag)
	pbRawVarint(buf, uint64(len(b)))
	buf.Write(b)
}

func encodeExtent(start, count uint64) []byte {
	var b bytes.Buffer
	pbVarint(&b, 1, start)
	pbVarint(&b, 2, count)
	return b.Bytes()
}

func encodePartitionInfo(size uint64, hash []byte) []byte {
	var b bytes.Buffer
	pbVarint(&b, 1, size)
	if len(hash) > 0 {
		pbBytes(&b, 2, hash)
	}
	return b.Bytes()
}

type opFixture struct {
	typ        uint64
	dataOffset uint64
	dataLength uint64
	sha256     []byte
	src        [][2]uint64
	dst        [][2]uint64
}

func encodeOp(o opFixture) []byte {
	var b bytes.Buffer
	pbVarint(&b, 1, o.typ)
	pbVarint(&b, 2, o.dataOffset)
	pbVarint(&b, 3, o.dataLength)
	for _, e := range o.src {
		pbBytes(&b, 4, encodeExtent(e[0], e[1]))
	}
	for _, e := range o.dst {
		pbBytes(&b, 6, encodeExtent(e[0], e[1]))
	}
	if len(o.sha256) > 0 {
		pbBytes(&b, 8, o.sha256)
	}
	return b.Bytes()
}

func encodePartitionUpdate(name string, newInfo []byte, ops [][]byte) []byte {
	var b bytes.Buffer
	pbBytes(&b, 1, []byte(name))
	pbBytes(&b, 7, newInfo)
	for _, op := range ops {
		pbBytes(&b, 8, op)
	}
	return b.Bytes()
}

func encodeManifest(blockSize uint32, partitions [][]byte) []byte {
	var b bytes.Buffer
	pbVarint(&b, 3, uint64(blockSize))
	for _, p := range partitions {
		pbBytes(&b, 13, p)
	}
	return b.Bytes()
}

func buildPayload(t *testing.T, manifest []byte, blob []byte) []byte {
	t.Helper()
	var header bytes.Buffer
	header.WriteString(Magic)
	var v8 [8]byte
	binary.BigEndian.PutUint64(v8[:], SupportedVersion)
	header.Write(v8[:])
	binary.BigEndian.PutUint64(v8[:], uint64(len(manifest)))
	header.Write(v8[:])
	var v4 [4]byte
	binary.BigEndian.PutUint32(v4[:], 0) // no metadata signature
	header.Write(v4[:])
	header.Write(manifest)
	header.Write(blob)
	return header.Bytes()
}

func TestParseManifestRoundTrip(t *testing.T) {
	data := bytes.Repeat([]byte{0xAB}, 4*1024*1024)
	sum := sha256.Sum256(data)

	op := encodeOp(opFixture{
		typ: 0, dataOffset: 0, dataLength: uint64(len(data)), sha256: sum[:],
		dst: [][2]uint64{{0, 1024}},
	})
	info := encodePartitionInfo(uint64(len(data)), sum[:])
	part := encodePartitionUpdate("boot", info, [][]byte{op})
	manifest := encodeManifest(4096, [][]byte{part})

	raw := buildPayload(t, manifest, data)

	parsed, err := Parse(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, uint32(4096), parsed.Manifest.BlockSize)
	require.Len(t, parsed.Manifest.Partitions, 1)

	p := parsed.Manifest.Partitions[0]
	require.Equal(t, "boot", p.Name)
	require.Equal(t, uint64(len(data)), p.New.Size)
	require.Len(t, p.Operations, 1)
	require.Equal(t, OpReplace, p.Operations[0].Type)
	require.Equal(t, int64(len(data)), p.Operations[0].DataLength)
}

// TestExtractPartitionThreeReplaceOps mirrors spec §8 scenario 4: three
// REPLACE ops (4MB, 8MB, 4MB) over destination extents
// [(0,1024),(1024,2048),(3072,1024)] at block size 4096, yielding a 16MiB
// output whose sha256 matches new_partition_info.hash.
func TestExtractPartitionThreeReplaceOps(t *testing.T) {
	const blockSize = 4096
	sizes := []int{4 << 20, 8 << 20, 4 << 20}
	dstExtents := [][2]uint64{{0, 1024}, {1024, 2048}, {3072, 1024}}

	var blob bytes.Buffer
	var ops []InstallOperation
	var full bytes.Buffer
	offset := int64(0)
	for i, sz := range sizes {
		chunk := bytes.Repeat([]byte{byte(0x10 + i)}, sz)
		sum := sha256.Sum256(chunk)
		blob.Write(chunk)
		full.Write(chunk)
		ops = append(ops, InstallOperation{
			Type:       OpReplace,
			DataOffset: offset,
			DataLength: int64(sz),
			DataSHA256: sum[:],
			DstExtents: []Extent{{StartBlock: dstExtents[i][0], NumBlocks: dstExtents[i][1]}},
		})
		offset += int64(sz)
	}
	wantSum := sha256.Sum256(full.Bytes())

	part := Partition{
		Name:       "system",
		New:        PartitionInfo{Size: uint64(full.Len()), Hash: wantSum[:]},
		Operations: ops,
	}

	dir := t.TempDir()
	outPath := dir + "/system.img"
	f, err := os.Create(outPath)
	require.NoError(t, err)
	defer f.Close()

	var progressCalls int
	err = ExtractPartition(context.Background(), 0, bytes.NewReader(blob.Bytes()), nil, part, blockSize, f, func(done, total int64) {
		progressCalls++
		require.LessOrEqual(t, done, total)
	})
	require.NoError(t, err)
	require.Equal(t, 3, progressCalls)

	written, err := os.ReadFile(outPath)
	require.NoError(t, err)
	require.Len(t, written, 16<<20)
	gotSum := sha256.Sum256(written)
	require.Equal(t, wantSum, gotSum)
}

// TestExtractPartitionDeterministic verifies spec §8's payload-determinism
// property: two sequential extractions of the same manifest produce
// byte-identical files.
func TestExtractPartitionDeterministic(t *testing.T) {
	const blockSize = 4096
	data := bytes.Repeat([]byte{0x42}, blockSize*4)
	sum := sha256.Sum256(data)
	part := Partition{
		Name: "vendor",
		New:  PartitionInfo{Size: uint64(len(data))},
		Operations: []InstallOperation{{
			Type: OpReplace, DataOffset: 0, DataLength: int64(len(data)), DataSHA256: sum[:],
			DstExtents: []Extent{{StartBlock: 0, NumBlocks: 4}},
		}},
	}

	extractOnce := func() []byte {
		f, err := os.CreateTemp(t.TempDir(), "vendor-*.img")
		require.NoError(t, err)
		defer f.Close()
		require.NoError(t, ExtractPartition(context.Background(), 0, bytes.NewReader(data), nil, part, blockSize, f, nil))
		out, err := os.ReadFile(f.Name())
		require.NoError(t, err)
		return out
	}

	first := extractOnce()
	second := extractOnce()
	require.Equal(t, first, second)
}

func TestExtractPartitionIntegrityFailure(t *testing.T) {
	const blockSize = 4096
	data := bytes.Repeat([]byte{0x01}, blockSize)
	part := Partition{
		New: PartitionInfo{Size: uint64(len(data))},
		Operations: []InstallOperation{{
			Type: OpReplace, DataOffset: 0, DataLength: int64(len(data)),
			DataSHA256: bytes.Repeat([]byte{0xFF}, 32), // deliberately wrong
			DstExtents: []Extent{{StartBlock: 0, NumBlocks: 1}},
		}},
	}
	f, err := os.CreateTemp(t.TempDir(), "bad-*.img")
	require.NoError(t, err)
	defer f.Close()

	err = ExtractPartition(context.Background(), 0, bytes.NewReader(data), nil, part, blockSize, f, nil)
	require.Error(t, err)
}

func TestExtractPartitionSourceCopy(t *testing.T) {
	const blockSize = 4096
	old := bytes.Repeat([]byte{0x99}, blockSize*2)
	part := Partition{
		New: PartitionInfo{Size: uint64(len(old))},
		Operations: []InstallOperation{{
			Type:       OpSourceCopy,
			SrcExtents: []Extent{{StartBlock: 0, NumBlocks: 2}},
			DstExtents: []Extent{{StartBlock: 0, NumBlocks: 2}},
		}},
	}
	f, err := os.CreateTemp(t.TempDir(), "copy-*.img")
	require.NoError(t, err)
	defer f.Close()

	require.NoError(t, ExtractPartition(context.Background(), 0, bytes.NewReader(nil), bytes.NewReader(old), part, blockSize, f, nil))
	out, err := os.ReadFile(f.Name())
	require.NoError(t, err)
	require.Equal(t, old, out)
}

func TestExtractPartitionCancellation(t *testing.T) {
	const blockSize = 4096
	data := bytes.Repeat([]byte{0x01}, blockSize)
	part := Partition{
		New: PartitionInfo{Size: uint64(len(data))},
		Operations: []InstallOperation{{
			Type: OpReplace, DataOffset: 0, DataLength: int64(len(data)),
			DstExtents: []Extent{{StartBlock: 0, NumBlocks: 1}},
		}},
	}
	f, err := os.CreateTemp(t.TempDir(), "cancel-*.img")
	require.NoError(t, err)
	defer f.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err = ExtractPartition(ctx, 0, bytes.NewReader(data), nil, part, blockSize, f, nil)
	require.Error(t, err)
}
