package fastboot

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"flashkit/internal/eventbus"
)

// fakeTransport replays a scripted sequence of reads and records writes.
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
	return next, nil
}

func (f *fakeTransport) Drain(ctx context.Context) error { return nil }
func (f *fakeTransport) IsAlive() bool                   { return true }
func (f *fakeTransport) MaxBulkSize() int                { return 1 << 20 }
func (f *fakeTransport) Close() error                    { return nil }

func TestGetvarReturnsInfoPayload(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{
		[]byte("INFO"), []byte("1.0.0"),
		[]byte("OKAY"),
	}}
	c := New(ft, eventbus.New(), "s1")
	v, err := c.Getvar(context.Background(), "version")
	require.NoError(t, err)
	require.Equal(t, "1.0.0", v)
	require.Equal(t, []byte("getvar:version"), ft.writes[0])
}

func TestSendCommandFailReturnsProtocolError(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{
		[]byte("FAIL"), []byte("not allowed"),
	}}
	c := New(ft, eventbus.New(), "s1")
	_, err := c.Getvar(context.Background(), "bogus")
	require.Error(t, err)
}

func TestFlashSmallImageDownloadsThenFlashes(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{
		// getvar:max-download-size
		[]byte("INFO"), []byte("0x04000000"),
		[]byte("OKAY"),
		// download:<size>
		[]byte("DATA"), []byte("00000004"),
		// after streaming bytes, OKAY
		[]byte("OKAY"),
		// flash:<part>
		[]byte("OKAY"),
	}}
	c := New(ft, eventbus.New(), "s1")
	err := c.Flash(context.Background(), "boot", []byte{1, 2, 3, 4})
	require.NoError(t, err)

	var sawFlashCmd bool
	for _, w := range ft.writes {
		if bytes.Equal(w, []byte("flash:boot")) {
			sawFlashCmd = true
		}
	}
	require.True(t, sawFlashCmd)
}

func TestEraseSendsEraseCommand(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{[]byte("OKAY")}}
	c := New(ft, eventbus.New(), "s1")
	require.NoError(t, c.Erase(context.Background(), "cache"))
	require.Equal(t, []byte("erase:cache"), ft.writes[0])
}

func TestRebootTargetsBootloader(t *testing.T) {
	ft := &fakeTransport{reads: [][]byte{[]byte("OKAY")}}
	c := New(ft, eventbus.New(), "s1")
	require.NoError(t, c.Reboot(context.Background(), "bootloader"))
	require.Equal(t, []byte("reboot-bootloader"), ft.writes[0])
}

func TestHexToIntParsesDataSize(t *testing.T) {
	n, err := hexToInt("00000004")
	require.NoError(t, err)
	require.Equal(t, 4, n)
}
