//go:build mips || mipsle
// +build mips mipsle

// Stub build of the raw-USB transport for MIPS targets, where gousb's cgo
// libusb backend does not cross-compile — mirrors the teacher's own
// usb_device.go exclusion on these architectures.
package transport

import (
	"flashkit/internal/xerrors"
)

// USBBulkTransport is unavailable on this architecture.
type USBBulkTransport struct{}

// OpenUSBBulk always fails on MIPS builds; callers should fall back to a
// serial-style Provider instead. vid/pid are plain ints here (rather than
// gousb.ID) so this file never has to import gousb — doing so would
// reintroduce the cgo libusb dependency this stub exists to avoid.
func OpenUSBBulk(vid, pid, ifaceNum, altNum, outEP, inEP int, endpoint Endpoint) (*USBBulkTransport, error) {
	return nil, xerrors.Wrap(xerrors.KindUnsupported, "transport.OpenUSBBulk", "raw USB bulk transport is not built for this architecture")
}
