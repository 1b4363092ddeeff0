//go:build !mips && !mipsle
// +build !mips,!mipsle

// Raw USB bulk transport, adapted from the teacher's
// internal/driver/device/usb_device.go gousb usage: open by VID/PID,
// claim the bulk interface, read/write its endpoints under a
// context-scoped deadline. Excluded on MIPS builds because gousb's cgo
// libusb backend does not cross-compile there, matching the teacher's
// own build-tag split.
package transport

import (
	"context"
	"strings"
	"time"

	"github.com/google/gousb"

	"flashkit/internal/xerrors"
)

func init() {
	isDisconnectErr = func(err error) bool {
		if err == nil {
			return false
		}
		// gousb does not export a disconnect sentinel; libusb surfaces
		// unplug as a plain transfer error whose message names the
		// condition, so matching it is the same thing upstream gousb
		// callers have to do.
		msg := err.Error()
		return strings.Contains(msg, "no such device") ||
			strings.Contains(msg, "device not found") ||
			strings.Contains(msg, "LIBUSB_ERROR_NO_DEVICE")
	}
}

// USBBulkTransport is a Transport backed by a single bulk IN/OUT endpoint
// pair on a claimed USB interface.
type USBBulkTransport struct {
	ctx    *gousb.Context
	device *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	out    *gousb.OutEndpoint
	in     *gousb.InEndpoint

	endpoint Endpoint
}

// OpenUSBBulk opens the device at (vid,pid), claims interface/altsetting
// (ifaceNum, altNum) and its (outEP, inEP) bulk endpoints. vid/pid are
// plain ints so the signature matches the MIPS stub build exactly.
func OpenUSBBulk(vid, pid, ifaceNum, altNum, outEP, inEP int, endpoint Endpoint) (*USBBulkTransport, error) {
	ctx := gousb.NewContext()

	vidID, pidID := gousb.ID(vid), gousb.ID(pid)
	dev, err := ctx.OpenDeviceWithVIDPID(vidID, pidID)
	if err != nil {
		ctx.Close()
		return nil, xerrors.Wrap(xerrors.KindDisconnected, "transport.OpenUSBBulk", "open device %s:%s: %v", vidID, pidID, err)
	}
	if dev == nil {
		ctx.Close()
		return nil, xerrors.Wrap(xerrors.KindDisconnected, "transport.OpenUSBBulk", "device %s:%s not found", vidID, pidID)
	}

	cfg, err := dev.Config(1)
	if err != nil {
		dev.Close()
		ctx.Close()
		return nil, xerrors.Wrap(xerrors.KindProtocol, "transport.OpenUSBBulk", "set config: %v", err)
	}

	intf, err := cfg.Interface(ifaceNum, altNum)
	if err != nil {
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, xerrors.Wrap(xerrors.KindProtocol, "transport.OpenUSBBulk", "claim interface: %v", err)
	}

	outpt, err := intf.OutEndpoint(outEP)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, xerrors.Wrap(xerrors.KindProtocol, "transport.OpenUSBBulk", "open OUT endpoint: %v", err)
	}
	inpt, err := intf.InEndpoint(inEP)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		ctx.Close()
		return nil, xerrors.Wrap(xerrors.KindProtocol, "transport.OpenUSBBulk", "open IN endpoint: %v", err)
	}

	if endpoint.MaxBulkSize == 0 {
		endpoint.MaxBulkSize = outpt.Desc.MaxPacketSize * 64
	}

	return &USBBulkTransport{
		ctx: ctx, device: dev, config: cfg, intf: intf,
		out: outpt, in: inpt, endpoint: endpoint,
	}, nil
}

func (t *USBBulkTransport) Write(ctx context.Context, data []byte, deadline time.Duration) error {
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	_, err := t.out.WriteContext(cctx, data)
	return classifyIOError("transport.Write", err)
}

func (t *USBBulkTransport) Read(ctx context.Context, n int, deadline time.Duration) ([]byte, error) {
	cctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()
	buf := make([]byte, n)
	got, err := t.in.ReadContext(cctx, buf)
	if err != nil {
		return nil, classifyIOError("transport.Read", err)
	}
	return buf[:got], nil
}

func (t *USBBulkTransport) Drain(ctx context.Context) error {
	buf := make([]byte, t.MaxBulkSize())
	for {
		cctx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
		n, err := t.in.ReadContext(cctx, buf)
		cancel()
		if err != nil || n == 0 {
			return nil
		}
	}
}

func (t *USBBulkTransport) IsAlive() bool {
	_, err := t.device.GetStringDescriptor(1)
	return err == nil
}

func (t *USBBulkTransport) MaxBulkSize() int { return t.endpoint.MaxBulkSize }

func (t *USBBulkTransport) Close() error {
	if t.intf != nil {
		t.intf.Close()
	}
	if t.config != nil {
		t.config.Close()
	}
	if t.device != nil {
		t.device.Close()
	}
	if t.ctx != nil {
		t.ctx.Close()
	}
	return nil
}
