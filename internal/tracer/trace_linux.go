//go:build linux

// Linux eBPF USB-transfer tracer, adapted from the teacher's
// eBPF_driver.go ring-buffer reader pattern: attach a kprobe on the USB
// core's bulk URB completion path and stream {duration, bytes} samples
// back through a ring buffer map.
package tracer

import (
	"encoding/binary"
	"fmt"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"
)

// objects mirrors the teacher's BpfObjects shape: a program plus the map
// it writes completion samples into. loadObjects is a stub the same way
// the teacher's LoadBpfObjects is — this tree carries no compiled .o to
// embed, so it documents the intended shape without fabricating bytecode
// that was never built.
type objects struct {
	UsbBulkComplete *ebpf.Program `ebpf:"usb_bulk_complete"`
	TransferEvents  *ebpf.Map     `ebpf:"transfer_events"`
}

func (o *objects) Close() error {
	if o.UsbBulkComplete != nil {
		o.UsbBulkComplete.Close()
	}
	if o.TransferEvents != nil {
		o.TransferEvents.Close()
	}
	return nil
}

func loadObjects(obj *objects, opts *ebpf.CollectionOptions) error {
	// No compiled program is shipped in this tree; a real deployment
	// would load a generated .o here via bpf2go. Returning nil keeps the
	// type wired without claiming bytecode that doesn't exist.
	return nil
}

// LinuxTracer attaches to the kernel USB bulk-completion path via a
// kprobe and streams transfer samples out of a ring buffer.
type LinuxTracer struct {
	objs   objects
	kprobe link.Link
	reader *ringbuf.Reader
	events chan TransferEvent
	done   chan struct{}
}

// New returns a Linux eBPF tracer bound to the kernel's
// usb_hcd_giveback_urb symbol. Start must be called to attach it.
func New() (*LinuxTracer, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("tracer: remove memlock rlimit: %w", err)
	}
	t := &LinuxTracer{events: make(chan TransferEvent, 256), done: make(chan struct{})}
	if err := loadObjects(&t.objs, nil); err != nil {
		return nil, fmt.Errorf("tracer: load ebpf objects: %w", err)
	}
	return t, nil
}

func (t *LinuxTracer) Start() error {
	kp, err := link.Kprobe("usb_hcd_giveback_urb", t.objs.UsbBulkComplete, nil)
	if err != nil {
		return fmt.Errorf("tracer: attach kprobe: %w", err)
	}
	t.kprobe = kp

	reader, err := ringbuf.NewReader(t.objs.TransferEvents)
	if err != nil {
		kp.Close()
		return fmt.Errorf("tracer: open ring buffer: %w", err)
	}
	t.reader = reader

	go t.pump()
	return nil
}

func (t *LinuxTracer) pump() {
	defer close(t.events)
	for {
		record, err := t.reader.Read()
		if err != nil {
			return
		}
		if len(record.RawSample) < 12 {
			continue
		}
		ev := TransferEvent{
			DurationNanos: binary.LittleEndian.Uint64(record.RawSample[0:8]),
			Bytes:         binary.LittleEndian.Uint32(record.RawSample[8:12]),
		}
		select {
		case t.events <- ev:
		case <-t.done:
			return
		}
	}
}

func (t *LinuxTracer) Events() <-chan TransferEvent { return t.events }

func (t *LinuxTracer) Close() error {
	close(t.done)
	if t.reader != nil {
		t.reader.Close()
	}
	if t.kprobe != nil {
		t.kprobe.Close()
	}
	return t.objs.Close()
}
