package sparse

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildRawChunk(blockSize uint32, data []byte) []byte {
	hdr := make([]byte, chunkHeader)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(ChunkRaw))
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(len(data))/blockSize)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(chunkHeader+len(data)))
	return append(hdr, data...)
}

func buildFillChunk(blockSize, blocks uint32, pattern uint32) []byte {
	hdr := make([]byte, chunkHeader)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(ChunkFill))
	binary.LittleEndian.PutUint32(hdr[4:8], blocks)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(chunkHeader+4))
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, pattern)
	return append(hdr, body...)
}

func buildDontCareChunk(blocks uint32) []byte {
	hdr := make([]byte, chunkHeader)
	binary.LittleEndian.PutUint16(hdr[0:2], uint16(ChunkDontCare))
	binary.LittleEndian.PutUint32(hdr[4:8], blocks)
	binary.LittleEndian.PutUint32(hdr[8:12], uint32(chunkHeader))
	return hdr
}

func buildSparseImage(blockSize uint32, totalBlocks uint32, chunks ...[]byte) []byte {
	var body []byte
	for _, c := range chunks {
		body = append(body, c...)
	}
	hdr := make([]byte, headerSize)
	binary.LittleEndian.PutUint32(hdr[0:4], magic)
	binary.LittleEndian.PutUint16(hdr[4:6], 1)
	binary.LittleEndian.PutUint16(hdr[6:8], 0)
	binary.LittleEndian.PutUint16(hdr[8:10], headerSize)
	binary.LittleEndian.PutUint16(hdr[10:12], chunkHeader)
	binary.LittleEndian.PutUint32(hdr[12:16], blockSize)
	binary.LittleEndian.PutUint32(hdr[16:20], totalBlocks)
	binary.LittleEndian.PutUint32(hdr[20:24], uint32(len(chunks)))
	binary.LittleEndian.PutUint32(hdr[24:28], 0)
	return append(hdr, body...)
}

func TestExpandRawFillDontCare(t *testing.T) {
	const blockSize = 4
	rawData := []byte{1, 2, 3, 4, 5, 6, 7, 8} // 2 blocks
	raw := buildRawChunk(blockSize, rawData)
	fill := buildFillChunk(blockSize, 1, 0xAABBCCDD)
	dc := buildDontCareChunk(1)

	img := buildSparseImage(blockSize, 4, raw, fill, dc)
	expanded, err := Expand(img)
	require.NoError(t, err)
	require.Len(t, expanded, 4*blockSize)
	require.Equal(t, rawData, expanded[0:8])

	wantFill := make([]byte, blockSize)
	binary.LittleEndian.PutUint32(wantFill, 0xAABBCCDD)
	require.Equal(t, wantFill, expanded[8:12])
	require.Equal(t, make([]byte, blockSize), expanded[12:16])
}

func TestIsSparseFalseForPlainImage(t *testing.T) {
	require.False(t, IsSparse([]byte{0, 1, 2, 3}))
}

func TestResizePassesThroughSmallImage(t *testing.T) {
	small := []byte{1, 2, 3}
	subs, err := Resize(small, 1024)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	require.Equal(t, small, subs[0].Data)
}

func TestResizeSplitsOversizedSparseImage(t *testing.T) {
	const blockSize = 4
	chunks := make([][]byte, 0, 10)
	var wantTotal []byte
	for i := 0; i < 10; i++ {
		data := []byte{byte(i), byte(i), byte(i), byte(i)}
		chunks = append(chunks, buildRawChunk(blockSize, data))
		wantTotal = append(wantTotal, data...)
	}
	img := buildSparseImage(blockSize, 10, chunks...)

	subs, err := Resize(img, headerSize+3*(chunkHeader+blockSize))
	require.NoError(t, err)
	require.Greater(t, len(subs), 1)

	var gotTotal []byte
	for _, s := range subs {
		expanded, err := Expand(s.Data)
		require.NoError(t, err)
		gotTotal = append(gotTotal, expanded...)
	}
	require.Equal(t, wantTotal, gotTotal)
}
