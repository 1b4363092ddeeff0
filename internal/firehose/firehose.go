// Package firehose implements the Qualcomm Firehose XML-over-USB-bulk
// sector protocol (spec §4.5/§6) that runs on the programmer Sahara
// uploads: configure, sector read/write, erase, power control, GPT
// readout and the VIP-auth ritual.
package firehose

import (
	"context"
	"encoding/xml"
	"fmt"
	"time"

	"flashkit/internal/eventbus"
	"flashkit/internal/gpt"
	"flashkit/internal/transport"
	"flashkit/internal/watchdog"
	"flashkit/internal/xerrors"
	"flashkit/internal/xlog"
)

// Default per-operation timeouts (spec §5).
const (
	configureTimeout = 20 * time.Second
	sectorIOTimeout  = 60 * time.Second
	maxDocBytes      = 1 << 20
)

// responseDoc is the shape of every document the target streams back:
// zero or more <log> lines followed by a terminal <response>.
type responseDoc struct {
	XMLName xml.Name `xml:"data"`
	Log     *struct {
		Value string `xml:"value,attr"`
	} `xml:"log"`
	Response *struct {
		Value                         string `xml:"value,attr"`
		RawMode                       string `xml:"rawmode,attr"`
		MaxPayloadSizeToTargetInBytes string `xml:"MaxPayloadSizeToTargetInBytes,attr"`
	} `xml:"response"`
}

// Client drives a configured Firehose session over a raw Transport
// (post-Sahara: the programmer is already executing).
type Client struct {
	t   transport.Transport
	wd  *watchdog.Watchdog
	bus *eventbus.Bus
	log *xlog.Logger

	sessionID   string
	storageType string
	maxPayload  int
	sectorSize  uint32
}

// New returns a Client; Configure must run before any sector operation.
func New(t transport.Transport, bus *eventbus.Bus, sessionID string) *Client {
	return &Client{
		t: t, wd: watchdog.New(nil), bus: bus, log: xlog.New("firehose"),
		sessionID: sessionID, maxPayload: 1048576, sectorSize: 512,
	}
}

func (c *Client) writeDoc(ctx context.Context, inner string) error {
	doc := fmt.Sprintf(`<?xml version="1.0" encoding="UTF-8" ?><data>%s</data>`, inner)
	return c.t.Write(ctx, append([]byte(doc), 0), configureTimeout)
}

// readDoc accumulates bytes up to the next NUL terminator (Firehose
// documents are null-terminated, spec §4.5) and unmarshals it.
func (c *Client) readDoc(ctx context.Context, timeout time.Duration) (responseDoc, error) {
	var buf []byte
	for {
		b, err := c.t.Read(ctx, 1, timeout)
		if err != nil {
			return responseDoc{}, err
		}
		if len(b) == 0 {
			continue
		}
		if b[0] == 0 {
			break
		}
		buf = append(buf, b[0])
		if len(buf) > maxDocBytes {
			return responseDoc{}, xerrors.Wrap(xerrors.KindProtocol, "firehose.readDoc", "document exceeds %d bytes without terminator", maxDocBytes)
		}
	}
	var doc responseDoc
	if err := xml.Unmarshal(buf, &doc); err != nil {
		return responseDoc{}, xerrors.Wrap(xerrors.KindProtocol, "firehose.readDoc", "malformed XML: %v", err)
	}
	return doc, nil
}

// awaitResponse reads documents, surfacing <log> lines to the event bus
// at debug level, until a terminal <response> arrives.
func (c *Client) awaitResponse(ctx context.Context, timeout time.Duration) (responseDoc, error) {
	for {
		doc, err := c.readDoc(ctx, timeout)
		if err != nil {
			return responseDoc{}, err
		}
		if doc.Log != nil {
			c.bus.PublishLog(c.sessionID, eventbus.LogDebug, doc.Log.Value)
		}
		if doc.Response != nil {
			return doc, nil
		}
	}
}

// Configure issues <configure>, renegotiating once against the device's
// reported MaxPayloadSizeToTargetInBytes if the first attempt NAKs (spec
// §4.5).
func (c *Client) Configure(ctx context.Context, storageType string, maxPayload int) error {
	c.storageType = storageType
	c.maxPayload = maxPayload

	send := func(payload int) (responseDoc, error) {
		inner := fmt.Sprintf(`<configure MemoryName="%s" MaxPayloadSizeToTargetInBytes="%d" ZLPAwareHost="1" SkipStorageInit="0" SkipWrite="0"/>`, storageType, payload)
		if err := c.writeDoc(ctx, inner); err != nil {
			return responseDoc{}, err
		}
		return c.awaitResponse(ctx, configureTimeout)
	}

	doc, err := send(maxPayload)
	if err != nil {
		return err
	}
	if doc.Response.Value == "ACK" {
		return nil
	}
	if doc.Response.MaxPayloadSizeToTargetInBytes == "" {
		return xerrors.Wrap(xerrors.KindProtocol, "firehose.Configure", "NAK with no renegotiation size offered")
	}
	var renegotiated int
	if _, serr := fmt.Sscanf(doc.Response.MaxPayloadSizeToTargetInBytes, "%d", &renegotiated); serr != nil || renegotiated <= 0 {
		return xerrors.Wrap(xerrors.KindProtocol, "firehose.Configure", "device offered unparsable payload size %q", doc.Response.MaxPayloadSizeToTargetInBytes)
	}
	doc, err = send(renegotiated)
	if err != nil {
		return err
	}
	if doc.Response.Value != "ACK" {
		return xerrors.Wrap(xerrors.KindProtocol, "firehose.Configure", "NAK after renegotiating to %d bytes", renegotiated)
	}
	c.maxPayload = renegotiated
	return nil
}

// ReadSectors emits <read>, streams exactly count*sectorSize bytes in
// maxPayload-sized chunks, then awaits ACK (spec §4.5).
func (c *Client) ReadSectors(ctx context.Context, lun int, start, count uint64) ([]byte, error) {
	inner := fmt.Sprintf(`<read SECTOR_SIZE_IN_BYTES="%d" num_partition_sectors="%d" physical_partition_number="%d" start_sector="%d"/>`,
		c.sectorSize, count, lun, start)
	if err := c.writeDoc(ctx, inner); err != nil {
		return nil, err
	}

	total := int64(count) * int64(c.sectorSize)
	out := make([]byte, 0, total)
	speed := eventbus.NewSpeedEstimator()
	for int64(len(out)) < total {
		remaining := total - int64(len(out))
		n := int64(c.maxPayload)
		if n > remaining {
			n = remaining
		}
		chunk, err := c.t.Read(ctx, int(n), sectorIOTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		bps := speed.Observe(time.Now(), int64(len(chunk)))
		c.bus.Publish(eventbus.Event{Kind: eventbus.EventProgress, Progress: &eventbus.ProgressEvent{
			SessionID: c.sessionID, BytesDone: int64(len(out)), BytesTotal: total, BytesPerSec: bps,
		}})
	}

	doc, err := c.awaitResponse(ctx, sectorIOTimeout)
	if err != nil {
		return nil, err
	}
	if doc.Response.Value != "ACK" {
		return nil, xerrors.Wrap(xerrors.KindProtocol, "firehose.ReadSectors", "NAK on read")
	}
	return out, nil
}

// Program emits <program>, streams data in maxPayload-sized chunks,
// then awaits ACK (spec §4.5).
func (c *Client) Program(ctx context.Context, partitionName string, lun int, start, count uint64, data []byte) error {
	inner := fmt.Sprintf(`<program SECTOR_SIZE_IN_BYTES="%d" num_partition_sectors="%d" physical_partition_number="%d" start_sector="%d" filename="%s"/>`,
		c.sectorSize, count, lun, start, partitionName)
	if err := c.writeDoc(ctx, inner); err != nil {
		return err
	}

	speed := eventbus.NewSpeedEstimator()
	for off := 0; off < len(data); off += c.maxPayload {
		end := off + c.maxPayload
		if end > len(data) {
			end = len(data)
		}
		if err := c.wd.Guard(ctx, sectorIOTimeout, func(cctx context.Context) error {
			return c.t.Write(cctx, data[off:end], sectorIOTimeout)
		}); err != nil {
			return err
		}
		bps := speed.Observe(time.Now(), int64(end-off))
		c.bus.Publish(eventbus.Event{Kind: eventbus.EventProgress, Progress: &eventbus.ProgressEvent{
			SessionID: c.sessionID, PartitionName: partitionName, BytesDone: int64(end), BytesTotal: int64(len(data)), BytesPerSec: bps,
		}})
	}

	doc, err := c.awaitResponse(ctx, sectorIOTimeout)
	if err != nil {
		return err
	}
	if doc.Response.Value != "ACK" {
		return xerrors.Wrap(xerrors.KindProtocol, "firehose.Program", "NAK on program of %s", partitionName)
	}
	return nil
}

// Erase emits <erase> over the given sector range.
func (c *Client) Erase(ctx context.Context, lun int, start, count uint64) error {
	inner := fmt.Sprintf(`<erase SECTOR_SIZE_IN_BYTES="%d" num_partition_sectors="%d" physical_partition_number="%d" start_sector="%d"/>`,
		c.sectorSize, count, lun, start)
	return c.sendAndExpectACK(ctx, inner, sectorIOTimeout, "firehose.Erase")
}

// Power issues <power value="reset|off|edl"/>.
func (c *Client) Power(ctx context.Context, mode string) error {
	inner := fmt.Sprintf(`<power value="%s"/>`, mode)
	return c.sendAndExpectACK(ctx, inner, configureTimeout, "firehose.Power")
}

// SetBootableStorageDrive issues <setbootablestoragedrive value="lun"/>.
func (c *Client) SetBootableStorageDrive(ctx context.Context, lun int) error {
	inner := fmt.Sprintf(`<setbootablestoragedrive value="%d"/>`, lun)
	return c.sendAndExpectACK(ctx, inner, configureTimeout, "firehose.SetBootableStorageDrive")
}

// Patch issues <patch> to overwrite size_in_bytes at byte_offset within
// a sector with value (spec §4.5).
func (c *Client) Patch(ctx context.Context, lun int, startSector uint64, byteOffset, sizeInBytes int, value string) error {
	inner := fmt.Sprintf(`<patch SECTOR_SIZE_IN_BYTES="%d" byte_offset="%d" physical_partition_number="%d" size_in_bytes="%d" start_sector="%d" value="%s"/>`,
		c.sectorSize, byteOffset, lun, sizeInBytes, startSector, value)
	return c.sendAndExpectACK(ctx, inner, sectorIOTimeout, "firehose.Patch")
}

func (c *Client) sendAndExpectACK(ctx context.Context, inner string, timeout time.Duration, op string) error {
	if err := c.writeDoc(ctx, inner); err != nil {
		return err
	}
	doc, err := c.awaitResponse(ctx, timeout)
	if err != nil {
		return err
	}
	if doc.Response.Value != "ACK" {
		return xerrors.Wrap(xerrors.KindProtocol, op, "NAK")
	}
	return nil
}

// sectorReader adapts Client.ReadSectors to gpt.Reader for a fixed LUN.
type sectorReader struct {
	ctx context.Context
	c   *Client
	lun int
}

func (r sectorReader) ReadSectors(lba uint64, count uint32, sectorSize uint32) ([]byte, error) {
	return r.c.ReadSectors(r.ctx, r.lun, lba, uint64(count))
}

// GPTRead reads and parses the GPT on the given LUN, falling back to the
// backup header on primary-header corruption (spec §4.5/§8).
func (c *Client) GPTRead(ctx context.Context, lun int, sectorSize uint32, diskSectorCount uint64) (gpt.Table, error) {
	c.sectorSize = sectorSize
	return gpt.Parse(sectorReader{ctx: ctx, c: c, lun: lun}, sectorSize, diskSectorCount)
}

// SendAuthPayload implements auth.Session for the VIP digest+signature
// ritual (spec §4.5): a "sig" nop frames each payload, which is then
// streamed like a program body; the device's next response's ACK/NAK
// reports acceptance. Both stages are non-fatal on NAK, per
// VipDigestSignature's own RecoverableFailure handling.
func (c *Client) SendAuthPayload(ctx context.Context, kind string, payload []byte) (bool, error) {
	if err := c.writeDoc(ctx, `<nop value="sig"/>`); err != nil {
		return false, err
	}
	if _, err := c.awaitResponse(ctx, configureTimeout); err != nil {
		return false, err
	}
	if err := c.wd.Guard(ctx, sectorIOTimeout, func(cctx context.Context) error {
		return c.t.Write(cctx, payload, sectorIOTimeout)
	}); err != nil {
		return false, err
	}
	doc, err := c.awaitResponse(ctx, sectorIOTimeout)
	if err != nil {
		return false, err
	}
	c.log.Debugf("vip_auth stage %s: %s", kind, doc.Response.Value)
	return doc.Response.Value == "ACK", nil
}
