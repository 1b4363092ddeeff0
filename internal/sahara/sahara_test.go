package sahara

import (
	"bytes"
	"context"
	"encoding/binary"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flashkit/internal/eventbus"
)

// fakeTransport replays a scripted queue of reads and records writes, same
// shape as the fastboot package's test double.
type fakeTransport struct {
	reads  [][]byte
	writes [][]byte
}

func (f *fakeTransport) Write(ctx context.Context, data []byte, deadline time.Duration) error {
	f.writes = append(f.writes, append([]byte{}, data...))
	return nil
}

func (f *fakeTransport) Read(ctx context.Context, n int, deadline time.Duration) ([]byte, error) {
	if len(f.reads) == 0 {
		return nil, context.DeadlineExceeded
	}
	next := f.reads[0]
	f.reads = f.reads[1:]
	if len(next) != n {
		// Callers always ask for exactly the header size (8) or the body
		// size decoded from that header, so a mismatch indicates a wiring
		// bug in the test fixture itself.
		return nil, context.DeadlineExceeded
	}
	return next, nil
}

func (f *fakeTransport) Drain(ctx context.Context) error { return nil }
func (f *fakeTransport) IsAlive() bool                   { return true }
func (f *fakeTransport) MaxBulkSize() int                { return 1 << 20 }
func (f *fakeTransport) Close() error                    { return nil }

func packet(cmd uint32, body []byte) []byte {
	hdr := make([]byte, 8)
	binary.LittleEndian.PutUint32(hdr[0:4], cmd)
	binary.LittleEndian.PutUint32(hdr[4:8], uint32(8+len(body)))
	return append(hdr, body...)
}

func helloBody(mode uint32) []byte {
	body := make([]byte, 16)
	binary.LittleEndian.PutUint32(body[0:4], 2)    // version
	binary.LittleEndian.PutUint32(body[4:8], 1)    // version supported
	binary.LittleEndian.PutUint32(body[8:12], 0x10000)
	binary.LittleEndian.PutUint32(body[12:16], mode)
	return body
}

// splitPacket breaks a packet built by packet() into its 8-byte header
// read and (if any) body read, matching readPacket's two-read protocol.
func splitPacket(pkt []byte) [][]byte {
	if len(pkt) == 8 {
		return [][]byte{pkt}
	}
	return [][]byte{pkt[:8], pkt[8:]}
}

type memImage struct {
	data []byte
}

func (m *memImage) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(m.data)) {
		return 0, nil
	}
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *memImage) Size() (int64, error) { return int64(len(m.data)), nil }

func TestUploadProgrammerHandshakeAndTransfer(t *testing.T) {
	image := &memImage{data: []byte{0xAA, 0xBB, 0xCC, 0xDD, 0xEE}}

	var reads [][]byte
	reads = append(reads, splitPacket(packet(CmdHello, helloBody(ModeImageTxPending)))...)
	reads = append(reads, splitPacket(packet(CmdReadData64, func() []byte {
		b := make([]byte, 20)
		binary.LittleEndian.PutUint64(b[4:12], 0)
		binary.LittleEndian.PutUint64(b[12:20], 5)
		return b
	}()))...)
	reads = append(reads, splitPacket(packet(CmdEndOfImage, func() []byte {
		b := make([]byte, 8)
		return b // status 0
	}()))...)
	reads = append(reads, splitPacket(packet(CmdDoneResp, []byte{0, 0, 0, 0}))...)

	ft := &fakeTransport{reads: reads}
	c := New(ft, eventbus.New(), "s1")

	err := c.UploadProgrammer(context.Background(), image)
	require.NoError(t, err)
	require.Equal(t, StateDone, c.State())

	// Writes are HELLO_RESP, the READ_DATA_64 reply data, then DONE;
	// confirm one of them is exactly the image bytes.
	var sawImageBytes bool
	for _, w := range ft.writes {
		if bytes.Equal(w, image.data) {
			sawImageBytes = true
		}
	}
	require.True(t, sawImageBytes)
}

func TestUploadProgrammerUnexpectedOpcodeIsProtocolError(t *testing.T) {
	var reads [][]byte
	reads = append(reads, splitPacket(packet(CmdHello, helloBody(ModeImageTxPending)))...)
	reads = append(reads, splitPacket(packet(CmdReset, nil))...)

	ft := &fakeTransport{reads: reads}
	c := New(ft, eventbus.New(), "s1")

	err := c.UploadProgrammer(context.Background(), &memImage{data: []byte{1}})
	require.Error(t, err)
	require.Equal(t, StateError, c.State())
}

func TestDeviceInfoQueriesSerialAndHardwareID(t *testing.T) {
	var reads [][]byte
	reads = append(reads, splitPacket(packet(CmdHello, helloBody(ModeCommand)))...)
	reads = append(reads, splitPacket(packet(CmdCmdReady, nil))...)

	serial := make([]byte, 4)
	binary.LittleEndian.PutUint32(serial, 0xCAFEBABE)
	reads = append(reads, splitPacket(packet(CmdCmdExecResp, serial))...)

	hwInfo := make([]byte, 12)
	binary.LittleEndian.PutUint32(hwInfo[0:4], 0x00180025)
	binary.LittleEndian.PutUint32(hwInfo[4:8], 0x11)
	copy(hwInfo[8:12], []byte{0xDE, 0xAD, 0xBE, 0xEF})
	reads = append(reads, splitPacket(packet(CmdCmdExecResp, hwInfo))...)

	ft := &fakeTransport{reads: reads}
	c := New(ft, eventbus.New(), "s1")

	id, err := c.DeviceInfo(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint64(0xCAFEBABE), id.Serial)
	require.Equal(t, uint32(0x00180025), id.HardwareID)
	require.Equal(t, uint32(0x11), id.OEMID)
	require.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, id.PKHash)
}

func TestResetEchoesOpcode(t *testing.T) {
	ft := &fakeTransport{reads: splitPacket(packet(CmdReset, nil))}
	c := New(ft, eventbus.New(), "s1")
	require.NoError(t, c.Reset(context.Background()))
	require.Equal(t, StateWaitHello, c.State())
}
