package bsl

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flashkit/internal/eventbus"
	"flashkit/internal/hdlc"
)

// streamTransport serves reads from a single byte stream (matching
// readFrame's byte-at-a-time accumulation) and records writes.
type streamTransport struct {
	in     []byte
	writes [][]byte
}

func (s *streamTransport) Write(ctx context.Context, data []byte, deadline time.Duration) error {
	s.writes = append(s.writes, append([]byte{}, data...))
	return nil
}

func (s *streamTransport) Read(ctx context.Context, n int, deadline time.Duration) ([]byte, error) {
	if len(s.in) < n {
		return nil, context.DeadlineExceeded
	}
	out := s.in[:n]
	s.in = s.in[n:]
	return out, nil
}

func (s *streamTransport) Drain(ctx context.Context) error { return nil }
func (s *streamTransport) IsAlive() bool                   { return true }
func (s *streamTransport) MaxBulkSize() int                { return 1 << 20 }
func (s *streamTransport) Close() error                    { return nil }

func TestConnectHandshakeSucceedsOnVER(t *testing.T) {
	fr := hdlc.New()
	ft := &streamTransport{in: fr.Encode(RespVer, nil)}
	c := New(ft, eventbus.New(), "s1")
	require.NoError(t, c.Connect(context.Background()))
	require.Equal(t, StateBROM, c.State())
}

func TestWritePartitionSendsStartMidstEnd(t *testing.T) {
	fr := hdlc.New()
	var stream []byte
	stream = append(stream, fr.Encode(RespAck, nil)...) // START_DATA ack
	stream = append(stream, fr.Encode(RespAck, nil)...) // MIDST_DATA ack
	stream = append(stream, fr.Encode(RespAck, nil)...) // END_DATA ack
	ft := &streamTransport{in: stream}
	c := New(ft, eventbus.New(), "s1")

	err := c.WritePartition(context.Background(), "boot", []byte{1, 2, 3, 4})
	require.NoError(t, err)
	require.Len(t, ft.writes, 3)
}

func TestWritePartitionOpFailedIsClassified(t *testing.T) {
	fr := hdlc.New()
	ft := &streamTransport{in: fr.Encode(RespOpFailed, nil)}
	c := New(ft, eventbus.New(), "s1")
	err := c.WritePartition(context.Background(), "boot", []byte{1, 2, 3, 4})
	require.Error(t, err)
}

func TestReadPartitionTableParsesEntries(t *testing.T) {
	fr := hdlc.New()
	payload := make([]byte, partitionNameLen+16)
	copy(payload, "boot")
	binary.LittleEndian.PutUint64(payload[partitionNameLen:], 2048)
	binary.LittleEndian.PutUint64(payload[partitionNameLen+8:], 4096)

	var stream []byte
	stream = append(stream, fr.Encode(RespPartition, payload)...)
	stream = append(stream, fr.Encode(RespAck, nil)...)
	ft := &streamTransport{in: stream}
	c := New(ft, eventbus.New(), "s1")

	parts, err := c.ReadPartitionTable(context.Background())
	require.NoError(t, err)
	require.Len(t, parts, 1)
	require.Equal(t, "boot", parts[0].Name)
	require.Equal(t, uint64(2048), parts[0].StartSector)
	require.Equal(t, uint64(4096), parts[0].SectorCount)
}

func TestDisableTranscodeSwitchesFramerMode(t *testing.T) {
	fr := hdlc.New()
	ft := &streamTransport{in: fr.Encode(RespAck, nil)}
	c := New(ft, eventbus.New(), "s1")
	require.NoError(t, c.DisableTranscode(context.Background()))
	require.True(t, c.framer.TranscodeDisabled())
}

func TestReadNVReturnsPayload(t *testing.T) {
	fr := hdlc.New()
	ft := &streamTransport{in: fr.Encode(RespData, []byte{0xAA, 0xBB})}
	c := New(ft, eventbus.New(), "s1")
	data, err := c.ReadNV(context.Background(), 7)
	require.NoError(t, err)
	require.True(t, bytes.Equal(data, []byte{0xAA, 0xBB}))
}
