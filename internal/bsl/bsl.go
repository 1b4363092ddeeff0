// Package bsl implements the Spreadtrum/Unisoc BSL/FDL client (spec
// §4.3/§6): BROM handshake, FDL1/FDL2 staging over HDLC frames, and the
// post-FDL2 command set (partition R/W, NV items, eFuse, reboot).
package bsl

import (
	"bytes"
	"context"
	"encoding/binary"
	"time"

	"flashkit/internal/chipdb"
	"flashkit/internal/eventbus"
	"flashkit/internal/hdlc"
	"flashkit/internal/model"
	"flashkit/internal/sparse"
	"flashkit/internal/transport"
	"flashkit/internal/watchdog"
	"flashkit/internal/xerrors"
	"flashkit/internal/xlog"
)

// Command opcodes (spec §6).
const (
	CmdConnect          uint8 = 0x00
	CmdStartData        uint8 = 0x01
	CmdMidstData        uint8 = 0x02
	CmdEndData          uint8 = 0x03
	CmdExecData         uint8 = 0x04
	CmdReset            uint8 = 0x05
	CmdReadFlash        uint8 = 0x06
	CmdReadChipType     uint8 = 0x07
	CmdReadNvitem       uint8 = 0x08
	CmdChangeBaud       uint8 = 0x09
	CmdEraseFlash       uint8 = 0x0A
	CmdRepartition      uint8 = 0x0B
	CmdDisableTranscode uint8 = 0x21
	CmdWriteNvitem      uint8 = 0x22
	CmdReadPartition    uint8 = 0x2D
	CmdUnlock           uint8 = 0x30
	CmdReadPubkey       uint8 = 0x31
	CmdSendSignature    uint8 = 0x32
	CmdReadLog          uint8 = 0x35
	CmdReadEfuse        uint8 = 0x60
	CmdEndProcess       uint8 = 0x7F
)

// Response opcodes (spec §6, plus SIGN_VERIFY_ERROR named in §4.3).
const (
	RespAck            uint8 = 0x80
	RespVer            uint8 = 0x81
	RespInvalid        uint8 = 0x82
	RespUnknown        uint8 = 0x83
	RespOpFailed       uint8 = 0x84
	RespVerifyError    uint8 = 0x8B
	RespSignVerifyError uint8 = 0xA6
	RespData           uint8 = 0x93
	RespPartition      uint8 = 0xBA
)

// Tuning constants (spec §4.3/§5).
const (
	maxChunkBytes        = 64 * 1024
	checkBaudBurstLen    = 128
	checkBaudAttempts    = 20
	checkBaudTimeout     = 500 * time.Millisecond
	ackTimeout           = 15 * time.Second
	midstTimeout         = 15 * time.Second
	chunkRetryLimit      = 3
	crcAbortThreshold    = 3
	maxFrameBufferBytes  = 1 << 20
	maxResyncAttempts    = 64
	partitionNameLen     = 36
)

// State is the BSL session state machine (spec §4.3).
type State int

const (
	StateDisconnected State = iota
	StateBROM
	StateFDL1
	StateFDL2
	StateError
)

// StageAddresses carries the chip-specific load/execute addresses for
// the FDL1 and FDL2 staging sequence (spec §4.3: "addresses per chip
// table §6"); callers source these from a chip profile keyed by the
// hardware id READ_CHIP_TYPE reports.
type StageAddresses struct {
	FDL1LoadAddr uint32
	FDL1ExecAddr uint32
	FDL2LoadAddr uint32
	FDL2ExecAddr uint32
}

// Client drives one Spreadtrum BSL/FDL session.
type Client struct {
	t      transport.Transport
	framer *hdlc.Framer
	wd     *watchdog.Watchdog
	bus    *eventbus.Bus
	log    *xlog.Logger
	chips  *chipdb.DB

	sessionID string
	state     State
}

// New returns a Client in StateDisconnected.
func New(t transport.Transport, bus *eventbus.Bus, sessionID string) *Client {
	return &Client{
		t: t, framer: hdlc.New(), wd: watchdog.New(nil), bus: bus,
		log: xlog.New("bsl"), sessionID: sessionID, state: StateDisconnected,
	}
}

// SetChipDB wires a chip-id table for READ_CHIP_TYPE name resolution.
func (c *Client) SetChipDB(db *chipdb.DB) { c.chips = db }

// State reports the client's current state machine position.
func (c *Client) State() State { return c.state }

func (c *Client) writeFrame(ctx context.Context, cmd uint8, payload []byte, timeout time.Duration) error {
	return c.t.Write(ctx, c.framer.Encode(cmd, payload), timeout)
}

// readFrame accumulates bytes until hdlc.Split finds a complete
// sentinel-delimited frame, decoding it; a CRC failure resynchronizes by
// discarding the failed frame's bytes and continuing to scan, per spec
// §4.2.
func (c *Client) readFrame(ctx context.Context, timeout time.Duration) (hdlc.Frame, error) {
	var buf []byte
	resyncs := 0
	for {
		b, err := c.t.Read(ctx, 1, timeout)
		if err != nil {
			return hdlc.Frame{}, err
		}
		buf = append(buf, b...)
		if len(buf) > maxFrameBufferBytes {
			return hdlc.Frame{}, xerrors.Wrap(xerrors.KindProtocol, "bsl.readFrame", "no complete frame within %d bytes", maxFrameBufferBytes)
		}
		frameBytes, consumed, ok := hdlc.Split(buf)
		if !ok {
			continue
		}
		decoded, derr := c.framer.Decode(frameBytes)
		if derr != nil {
			buf = buf[consumed:]
			resyncs++
			if resyncs > maxResyncAttempts {
				return hdlc.Frame{}, xerrors.Wrap(xerrors.KindIntegrityFailure, "bsl.readFrame", "CRC resynchronization failed after %d attempts: %v", maxResyncAttempts, derr)
			}
			continue
		}
		return decoded, nil
	}
}

func (c *Client) sendAndAwait(ctx context.Context, cmd uint8, payload []byte, timeout time.Duration) (hdlc.Frame, error) {
	if err := c.writeFrame(ctx, cmd, payload, timeout); err != nil {
		return hdlc.Frame{}, err
	}
	return c.readFrame(ctx, timeout)
}

// classifyFailure maps a non-ACK response opcode to a typed error.
func classifyFailure(op string, resp hdlc.Frame) error {
	switch resp.Command {
	case RespVerifyError:
		return xerrors.Wrap(xerrors.KindIntegrityFailure, op, "VERIFY_ERROR")
	case RespSignVerifyError:
		return xerrors.Wrap(xerrors.KindUnauthorized, op, "SIGN_VERIFY_ERROR")
	case RespOpFailed:
		return xerrors.Wrap(xerrors.KindProtocol, op, "OP_FAILED")
	case RespInvalid:
		return xerrors.Wrap(xerrors.KindProtocol, op, "INVALID command")
	case RespUnknown:
		return xerrors.Wrap(xerrors.KindProtocol, op, "UNKNOWN command")
	default:
		return xerrors.Wrap(xerrors.KindProtocol, op, "unexpected response opcode 0x%02x", resp.Command)
	}
}

func (c *Client) sendAndAwaitAck(ctx context.Context, cmd uint8, payload []byte, timeout time.Duration, op string) (hdlc.Frame, error) {
	resp, err := c.sendAndAwait(ctx, cmd, payload, timeout)
	if err != nil {
		return hdlc.Frame{}, err
	}
	if resp.Command != RespAck {
		return hdlc.Frame{}, classifyFailure(op, resp)
	}
	return resp, nil
}

// Connect performs the BROM handshake (spec §4.3: Disconnected -> BROM):
// a burst of CHECK_BAUD sentinel bytes repeated until the boot ROM
// answers VER.
func (c *Client) Connect(ctx context.Context) error {
	burst := bytes.Repeat([]byte{hdlc.Sentinel}, checkBaudBurstLen)
	for attempt := 0; attempt < checkBaudAttempts; attempt++ {
		if err := c.t.Write(ctx, burst, checkBaudTimeout); err != nil {
			return err
		}
		frame, err := c.readFrame(ctx, checkBaudTimeout)
		if err == nil && frame.Command == RespVer {
			c.state = StateBROM
			return nil
		}
	}
	c.state = StateError
	return xerrors.Wrap(xerrors.KindTimeout, "bsl.Connect", "no VER response after %d CHECK_BAUD bursts", checkBaudAttempts)
}

// sendChunks streams data as <= maxChunkBytes MIDST_DATA packets,
// expanding it first if it carries the Android sparse header (spec
// §4.3 step 2), retrying a stalled chunk up to chunkRetryLimit times
// and aborting the whole transfer after crcAbortThreshold consecutive
// CRC failures (spec §4.3 tie-breaks).
func (c *Client) sendChunks(ctx context.Context, partitionName string, data []byte) error {
	raw := data
	if sparse.IsSparse(data) {
		expanded, err := sparse.Expand(data)
		if err != nil {
			return err
		}
		raw = expanded
	}

	speed := eventbus.NewSpeedEstimator()
	crcFailures := 0
	for off := 0; off < len(raw); {
		end := off + maxChunkBytes
		if end > len(raw) {
			end = len(raw)
		}
		chunk := raw[off:end]

		acked := false
		for retry := 0; retry < chunkRetryLimit; retry++ {
			resp, err := c.sendAndAwait(ctx, CmdMidstData, chunk, midstTimeout)
			if err != nil {
				if xerrors.KindOf(err) == xerrors.KindIntegrityFailure {
					crcFailures++
					if crcFailures >= crcAbortThreshold {
						return xerrors.Wrap(xerrors.KindIntegrityFailure, "bsl.sendChunks", "aborting after %d consecutive CRC failures", crcAbortThreshold)
					}
				}
				continue
			}
			if resp.Command != RespAck {
				return classifyFailure("bsl.sendChunks", resp)
			}
			crcFailures = 0
			acked = true
			break
		}
		if !acked {
			return xerrors.Wrap(xerrors.KindTimeout, "bsl.sendChunks", "no ACK for chunk at offset %d after %d retries", off, chunkRetryLimit)
		}

		off = end
		bps := speed.Observe(time.Now(), int64(len(chunk)))
		c.bus.Publish(eventbus.Event{Kind: eventbus.EventProgress, Progress: &eventbus.ProgressEvent{
			SessionID: c.sessionID, PartitionName: partitionName, BytesDone: int64(off), BytesTotal: int64(len(raw)), BytesPerSec: bps,
		}})
	}
	return nil
}

// stage runs the common START_DATA -> chunk loop -> END_DATA ->
// (optional) EXEC_DATA sequence shared by FDL upload and
// write-partition (spec §4.3).
func (c *Client) stage(ctx context.Context, label string, startPayload, data, execPayload []byte) error {
	if _, err := c.sendAndAwaitAck(ctx, CmdStartData, startPayload, ackTimeout, "bsl."+label+".start"); err != nil {
		return err
	}
	if err := c.sendChunks(ctx, label, data); err != nil {
		return err
	}
	if _, err := c.sendAndAwaitAck(ctx, CmdEndData, nil, ackTimeout, "bsl."+label+".end"); err != nil {
		return err
	}
	if execPayload != nil {
		if _, err := c.sendAndAwaitAck(ctx, CmdExecData, execPayload, ackTimeout, "bsl."+label+".exec"); err != nil {
			return err
		}
	}
	return nil
}

func encodeAddrLen(addr uint32, length int) []byte {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint32(b[0:4], addr)
	binary.LittleEndian.PutUint32(b[4:8], uint32(length))
	return b
}

func encodeAddr(addr uint32) []byte {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, addr)
	return b
}

// UploadFDL1 stages and executes the FDL1 blob at its chip-specific
// address (spec §4.3: BROM -> FDL1).
func (c *Client) UploadFDL1(ctx context.Context, addrs StageAddresses, blob []byte) error {
	if c.state != StateBROM {
		return xerrors.Wrap(xerrors.KindProtocol, "bsl.UploadFDL1", "must be in BROM state, got %v", c.state)
	}
	err := c.stage(ctx, "fdl1", encodeAddrLen(addrs.FDL1LoadAddr, len(blob)), blob, encodeAddr(addrs.FDL1ExecAddr))
	if err != nil {
		c.state = StateError
		return err
	}
	c.state = StateFDL1
	return nil
}

// UploadFDL2 stages and executes the FDL2 blob, then issues
// DISABLE_TRANSCODE, entering the sticky post-FDL2 framing mode (spec
// §4.3: FDL1 -> FDL2; then DISABLE_TRANSCODE).
func (c *Client) UploadFDL2(ctx context.Context, addrs StageAddresses, blob []byte) error {
	if c.state != StateFDL1 {
		return xerrors.Wrap(xerrors.KindProtocol, "bsl.UploadFDL2", "must be in FDL1 state, got %v", c.state)
	}
	err := c.stage(ctx, "fdl2", encodeAddrLen(addrs.FDL2LoadAddr, len(blob)), blob, encodeAddr(addrs.FDL2ExecAddr))
	if err != nil {
		c.state = StateError
		return err
	}
	if err := c.DisableTranscode(ctx); err != nil {
		c.state = StateError
		return err
	}
	c.state = StateFDL2
	return nil
}

// DisableTranscode issues DISABLE_TRANSCODE and, on ACK, switches the
// Framer into its sticky post-FDL2 payload-unescaped mode.
func (c *Client) DisableTranscode(ctx context.Context) error {
	if _, err := c.sendAndAwaitAck(ctx, CmdDisableTranscode, nil, ackTimeout, "bsl.DisableTranscode"); err != nil {
		return err
	}
	c.framer.DisableTranscode()
	return nil
}

func encodePartitionName(name string) []byte {
	b := make([]byte, partitionNameLen)
	copy(b, name)
	return b
}

// WritePartition implements spec §4.3's write-partition algorithm in
// full: START_DATA(name, total_len) -> sparse-aware chunked
// MIDST_DATA -> END_DATA.
func (c *Client) WritePartition(ctx context.Context, name string, data []byte) error {
	startPayload := append(encodePartitionName(name), encodeAddrLen(0, len(data))...)
	return c.stage(ctx, name, startPayload, data, nil)
}

// ReadPartition reads exactly size bytes back from a partition via
// repeated DATA(0x93) response frames.
func (c *Client) ReadPartition(ctx context.Context, name string, size uint64) ([]byte, error) {
	payload := make([]byte, partitionNameLen+8)
	copy(payload, name)
	binary.LittleEndian.PutUint64(payload[partitionNameLen:], size)
	if _, err := c.sendAndAwaitAck(ctx, CmdReadPartition, payload, ackTimeout, "bsl.ReadPartition"); err != nil {
		return nil, err
	}

	out := make([]byte, 0, size)
	speed := eventbus.NewSpeedEstimator()
	for uint64(len(out)) < size {
		frame, err := c.readFrame(ctx, ackTimeout)
		if err != nil {
			return nil, err
		}
		if frame.Command != RespData {
			return nil, classifyFailure("bsl.ReadPartition", frame)
		}
		out = append(out, frame.Payload...)
		bps := speed.Observe(time.Now(), int64(len(frame.Payload)))
		c.bus.Publish(eventbus.Event{Kind: eventbus.EventProgress, Progress: &eventbus.ProgressEvent{
			SessionID: c.sessionID, PartitionName: name, BytesDone: int64(len(out)), BytesTotal: int64(size), BytesPerSec: bps,
		}})
	}
	return out, nil
}

// ErasePartition issues ERASE_FLASH for name.
func (c *Client) ErasePartition(ctx context.Context, name string) error {
	_, err := c.sendAndAwaitAck(ctx, CmdEraseFlash, encodePartitionName(name), ackTimeout, "bsl.ErasePartition")
	return err
}

// ReadNV reads NV item id's raw bytes.
func (c *Client) ReadNV(ctx context.Context, id uint16) ([]byte, error) {
	payload := make([]byte, 2)
	binary.LittleEndian.PutUint16(payload, id)
	frame, err := c.sendAndAwait(ctx, CmdReadNvitem, payload, ackTimeout)
	if err != nil {
		return nil, err
	}
	if frame.Command != RespData {
		return nil, classifyFailure("bsl.ReadNV", frame)
	}
	return frame.Payload, nil
}

// WriteNV writes NV item id's raw bytes.
func (c *Client) WriteNV(ctx context.Context, id uint16, data []byte) error {
	payload := make([]byte, 2+len(data))
	binary.LittleEndian.PutUint16(payload, id)
	copy(payload[2:], data)
	_, err := c.sendAndAwaitAck(ctx, CmdWriteNvitem, payload, ackTimeout, "bsl.WriteNV")
	return err
}

// ReadEfuse reads one eFuse block.
func (c *Client) ReadEfuse(ctx context.Context, block uint32) ([]byte, error) {
	frame, err := c.sendAndAwait(ctx, CmdReadEfuse, encodeAddr(block), ackTimeout)
	if err != nil {
		return nil, err
	}
	if frame.Command != RespData {
		return nil, classifyFailure("bsl.ReadEfuse", frame)
	}
	return frame.Payload, nil
}

// ReadPartitionTable reads the device's partition table: a stream of
// PARTITION(0xBA) entries terminated by ACK.
func (c *Client) ReadPartitionTable(ctx context.Context) ([]model.Partition, error) {
	if err := c.writeFrame(ctx, CmdReadFlash, nil, ackTimeout); err != nil {
		return nil, err
	}
	var out []model.Partition
	for {
		frame, err := c.readFrame(ctx, ackTimeout)
		if err != nil {
			return nil, err
		}
		if frame.Command == RespAck {
			return out, nil
		}
		if frame.Command != RespPartition {
			return nil, classifyFailure("bsl.ReadPartitionTable", frame)
		}
		p, perr := decodePartitionEntry(frame.Payload)
		if perr != nil {
			return nil, perr
		}
		out = append(out, p)
	}
}

func decodePartitionEntry(payload []byte) (model.Partition, error) {
	if len(payload) < partitionNameLen+16 {
		return model.Partition{}, xerrors.Wrap(xerrors.KindProtocol, "bsl.decodePartitionEntry", "short PARTITION payload")
	}
	name := bytes.TrimRight(payload[:partitionNameLen], "\x00")
	start := binary.LittleEndian.Uint64(payload[partitionNameLen : partitionNameLen+8])
	count := binary.LittleEndian.Uint64(payload[partitionNameLen+8 : partitionNameLen+16])
	return model.Partition{
		Name:        string(name),
		LUN:         0,
		StartSector: start,
		SectorCount: count,
		SectorSize:  model.StorageEMMC.DefaultSectorSize(),
	}, nil
}

// SetBaud issues CHANGE_BAUD; the caller is responsible for switching
// the underlying Transport's physical baud rate to match afterward.
func (c *Client) SetBaud(ctx context.Context, rate uint32) error {
	_, err := c.sendAndAwaitAck(ctx, CmdChangeBaud, encodeAddr(rate), ackTimeout, "bsl.SetBaud")
	return err
}

// ReadChipType queries the boot ROM's hardware id and resolves a chip
// name via the wired chipdb, if any.
func (c *Client) ReadChipType(ctx context.Context) (model.ChipIdentity, error) {
	frame, err := c.sendAndAwait(ctx, CmdReadChipType, nil, ackTimeout)
	if err != nil {
		return model.ChipIdentity{}, err
	}
	if frame.Command != RespData || len(frame.Payload) < 4 {
		return model.ChipIdentity{}, classifyFailure("bsl.ReadChipType", frame)
	}
	id := model.ChipIdentity{HardwareID: binary.LittleEndian.Uint32(frame.Payload[0:4])}
	if c.chips != nil {
		if name, ok := c.chips.Lookup(id.HardwareID); ok {
			id.ChipName = name
		}
	}
	return id, nil
}

// Reset issues RESET; the device is expected to disappear, so no
// response is awaited.
func (c *Client) Reset(ctx context.Context) error {
	if err := c.writeFrame(ctx, CmdReset, nil, ackTimeout); err != nil {
		return err
	}
	c.state = StateDisconnected
	return nil
}

// PowerOff issues RESET with the power-off variant byte set; the wire
// table (spec §6) gives no dedicated opcode, so power-off is encoded as
// RESET with payload {0x01} (plain reset uses no payload).
func (c *Client) PowerOff(ctx context.Context) error {
	if err := c.writeFrame(ctx, CmdReset, []byte{0x01}, ackTimeout); err != nil {
		return err
	}
	c.state = StateDisconnected
	return nil
}
