// Package sahara implements the Qualcomm boot-ROM Sahara handshake (spec
// §4.4/§6): HELLO/HELLO_RESP negotiation, READ_DATA_64-driven programmer
// upload, END_OF_IMAGE/DONE/DONE_RESP, DEVICE_INFO chip-identity
// extraction and RESET.
package sahara

import (
	"context"
	"encoding/binary"
	"io"
	"time"

	"flashkit/internal/eventbus"
	"flashkit/internal/model"
	"flashkit/internal/transport"
	"flashkit/internal/watchdog"
	"flashkit/internal/xerrors"
	"flashkit/internal/xlog"
)

// Command opcodes (spec §6).
const (
	CmdHello        uint32 = 1
	CmdHelloResp    uint32 = 2
	CmdReadData     uint32 = 3
	CmdEndOfImage   uint32 = 4
	CmdDone         uint32 = 5
	CmdDoneResp     uint32 = 6
	CmdReset        uint32 = 7
	CmdReadData64   uint32 = 0x12
	CmdSwitchMode   uint32 = 0x0B
	CmdCmdReady     uint32 = 0x0D
	CmdCmdExec      uint32 = 0x0E
	CmdCmdExecResp  uint32 = 0x0F
)

// Mode values exchanged in HELLO/HELLO_RESP.
const (
	ModeImageTxPending uint32 = 0x0
	ModeImageTxComplete uint32 = 0x1
	ModeMemoryDebug     uint32 = 0x2
	ModeCommand         uint32 = 0x3
)

// State is the Sahara session state machine (spec §4.4).
type State int

const (
	StateWaitHello State = iota
	StateCommand
	StateImageTransfer
	StateDone
	StateError
)

// readPacket reads the common little-endian u32 command + u32 length
// prefix every Sahara packet carries (spec §6), then the body it announces.
func readPacket(ctx context.Context, t transport.Transport, timeout time.Duration) (cmd uint32, body []byte, err error) {
	hdr, err := t.Read(ctx, 8, timeout)
	if err != nil {
		return 0, nil, err
	}
	if len(hdr) < 8 {
		return 0, nil, xerrors.Wrap(xerrors.KindProtocol, "sahara.readPacket", "short header")
	}
	cmd = binary.LittleEndian.Uint32(hdr[0:4])
	length := binary.LittleEndian.Uint32(hdr[4:8])
	if length < 8 {
		return 0, nil, xerrors.Wrap(xerrors.KindProtocol, "sahara.readPacket", "length %d smaller than header", length)
	}
	bodyLen := int(length) - 8
	if bodyLen == 0 {
		return cmd, nil, nil
	}
	body, err = t.Read(ctx, bodyLen, timeout)
	return cmd, body, err
}

func writePacket(ctx context.Context, t transport.Transport, timeout time.Duration, cmd uint32, body []byte) error {
	buf := make([]byte, 8+len(body))
	binary.LittleEndian.PutUint32(buf[0:4], cmd)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(8+len(body)))
	copy(buf[8:], body)
	return t.Write(ctx, buf, timeout)
}

// Hello is the boot ROM's initial negotiation structure.
type Hello struct {
	Version        uint32
	VersionSupported uint32
	CommandPacketMaxLength uint32
	Mode           uint32
}

// ImageSource supplies programmer bytes to satisfy READ_DATA_64
// requests; an *os.File or any io.ReaderAt works.
type ImageSource interface {
	io.ReaderAt
	Size() (int64, error)
}

// Client drives one Sahara session.
type Client struct {
	t   transport.Transport
	wd  *watchdog.Watchdog
	bus *eventbus.Bus
	log *xlog.Logger

	sessionID string
	state     State
}

// New returns a Sahara Client in StateWaitHello.
func New(t transport.Transport, bus *eventbus.Bus, sessionID string) *Client {
	return &Client{
		t: t, wd: watchdog.New(nil), bus: bus, log: xlog.New("sahara"),
		sessionID: sessionID, state: StateWaitHello,
	}
}

// State reports the client's current state machine position.
func (c *Client) State() State { return c.state }

// awaitHello reads the boot ROM's HELLO packet.
func (c *Client) awaitHello(ctx context.Context) (Hello, error) {
	cmd, body, err := readPacket(ctx, c.t, 15*time.Second)
	if err != nil {
		return Hello{}, err
	}
	if cmd != CmdHello {
		c.state = StateError
		return Hello{}, xerrors.Wrap(xerrors.KindProtocol, "sahara.awaitHello", "expected HELLO, got opcode 0x%02x", cmd)
	}
	if len(body) < 16 {
		return Hello{}, xerrors.Wrap(xerrors.KindProtocol, "sahara.awaitHello", "HELLO body too short")
	}
	h := Hello{
		Version:                binary.LittleEndian.Uint32(body[0:4]),
		VersionSupported:       binary.LittleEndian.Uint32(body[4:8]),
		CommandPacketMaxLength: binary.LittleEndian.Uint32(body[8:12]),
		Mode:                   binary.LittleEndian.Uint32(body[12:16]),
	}
	return h, nil
}

// helloResp replies with the chosen mode (spec §4.4: "Reply with
// HELLO_RESP (chosen mode = Image Transfer Pending)" for a normal
// upload, or ModeCommand for DeviceInfo()).
func (c *Client) helloResp(ctx context.Context, h Hello, mode uint32) error {
	body := make([]byte, 48)
	binary.LittleEndian.PutUint32(body[0:4], h.Version)
	binary.LittleEndian.PutUint32(body[4:8], h.VersionSupported)
	binary.LittleEndian.PutUint32(body[8:12], mode)
	return writePacket(ctx, c.t, 15*time.Second, CmdHelloResp, body)
}

// UploadProgrammer performs the HELLO → READ_DATA_64 loop →
// END_OF_IMAGE/DONE/DONE_RESP exchange (spec §4.4).
func (c *Client) UploadProgrammer(ctx context.Context, image ImageSource) error {
	h, err := c.awaitHello(ctx)
	if err != nil {
		return err
	}
	if err := c.helloResp(ctx, h, ModeImageTxPending); err != nil {
		c.state = StateError
		return err
	}
	c.state = StateImageTransfer

	size, err := image.Size()
	if err != nil {
		return xerrors.Wrap(xerrors.KindUserInput, "sahara.UploadProgrammer", "image size: %v", err)
	}
	speed := eventbus.NewSpeedEstimator()

	for {
		cmd, body, rerr := readPacket(ctx, c.t, 30*time.Second)
		if rerr != nil {
			c.state = StateError
			return rerr
		}
		switch cmd {
		case CmdReadData64:
			if len(body) < 20 {
				return xerrors.Wrap(xerrors.KindProtocol, "sahara.UploadProgrammer", "READ_DATA_64 body too short")
			}
			offset := binary.LittleEndian.Uint64(body[4:12])
			length := binary.LittleEndian.Uint64(body[12:20])
			if int64(offset) >= size {
				// ROM padding-read past EOF: answer with zeros.
				if err := c.t.Write(ctx, make([]byte, length), 30*time.Second); err != nil {
					return err
				}
				continue
			}
			buf := make([]byte, length)
			n, rerr := image.ReadAt(buf, int64(offset))
			if rerr != nil && rerr != io.EOF {
				return xerrors.Wrap(xerrors.KindUserInput, "sahara.UploadProgrammer", "read programmer image: %v", rerr)
			}
			if err := c.t.Write(ctx, buf[:n], 30*time.Second); err != nil {
				return err
			}
			bps := speed.Observe(time.Now(), int64(n))
			c.bus.Publish(eventbus.Event{Kind: eventbus.EventProgress, Progress: &eventbus.ProgressEvent{
				SessionID: c.sessionID, PartitionName: "programmer", BytesDone: int64(offset) + int64(n), BytesTotal: size, BytesPerSec: bps,
			}})
		case CmdEndOfImage:
			if len(body) < 8 {
				return xerrors.Wrap(xerrors.KindProtocol, "sahara.UploadProgrammer", "END_OF_IMAGE body too short")
			}
			status := binary.LittleEndian.Uint32(body[4:8])
			if status != 0 {
				c.state = StateError
				return xerrors.Wrap(xerrors.KindProtocol, "sahara.UploadProgrammer", "END_OF_IMAGE reported status %d", status)
			}
			if err := writePacket(ctx, c.t, 15*time.Second, CmdDone, nil); err != nil {
				return err
			}
			doneCmd, doneBody, derr := readPacket(ctx, c.t, 15*time.Second)
			if derr != nil {
				return derr
			}
			if doneCmd != CmdDoneResp {
				c.state = StateError
				return xerrors.Wrap(xerrors.KindProtocol, "sahara.UploadProgrammer", "expected DONE_RESP, got 0x%02x", doneCmd)
			}
			if len(doneBody) >= 4 && binary.LittleEndian.Uint32(doneBody[0:4]) != 0 {
				c.state = StateError
				return xerrors.Wrap(xerrors.KindProtocol, "sahara.UploadProgrammer", "DONE_RESP reported transfer failure")
			}
			c.state = StateDone
			return nil
		default:
			c.state = StateError
			return xerrors.Wrap(xerrors.KindProtocol, "sahara.UploadProgrammer", "unexpected opcode 0x%02x during image transfer", cmd)
		}
	}
}

// DeviceInfo switches into Command mode to query chip identity without
// uploading a programmer (spec §4.4).
func (c *Client) DeviceInfo(ctx context.Context) (model.ChipIdentity, error) {
	h, err := c.awaitHello(ctx)
	if err != nil {
		return model.ChipIdentity{}, err
	}
	if err := c.helloResp(ctx, h, ModeCommand); err != nil {
		c.state = StateError
		return model.ChipIdentity{}, err
	}
	c.state = StateCommand

	cmd, _, err := readPacket(ctx, c.t, 15*time.Second)
	if err != nil {
		return model.ChipIdentity{}, err
	}
	if cmd != CmdCmdReady {
		c.state = StateError
		return model.ChipIdentity{}, xerrors.Wrap(xerrors.KindProtocol, "sahara.DeviceInfo", "expected CMD_READY, got 0x%02x", cmd)
	}

	// Request SAHARA_EXEC_CMD_SERIAL_NUM_READ (0x01) and
	// SAHARA_EXEC_CMD_READ_HW_INFO (0x02); exact sub-command ids are chip
	// specific, and this client issues only these two.
	serial, err := c.execCommand(ctx, 0x01)
	if err != nil {
		return model.ChipIdentity{}, err
	}
	hwInfo, err := c.execCommand(ctx, 0x02)
	if err != nil {
		return model.ChipIdentity{}, err
	}

	var id model.ChipIdentity
	if len(serial) >= 4 {
		id.Serial = uint64(binary.LittleEndian.Uint32(serial[0:4]))
	}
	if len(hwInfo) >= 8 {
		id.HardwareID = binary.LittleEndian.Uint32(hwInfo[0:4])
		id.OEMID = binary.LittleEndian.Uint32(hwInfo[4:8])
	}
	if len(hwInfo) > 8 {
		id.PKHash = append([]byte{}, hwInfo[8:]...)
	}
	return id, nil
}

// execCommand issues CMD_EXEC(subCmd) and returns its CMD_EXEC_RESP
// payload.
func (c *Client) execCommand(ctx context.Context, subCmd uint32) ([]byte, error) {
	body := make([]byte, 4)
	binary.LittleEndian.PutUint32(body, subCmd)
	if err := writePacket(ctx, c.t, 15*time.Second, CmdCmdExec, body); err != nil {
		return nil, err
	}
	cmd, resp, err := readPacket(ctx, c.t, 15*time.Second)
	if err != nil {
		return nil, err
	}
	if cmd != CmdCmdExecResp {
		return nil, xerrors.Wrap(xerrors.KindProtocol, "sahara.execCommand", "expected CMD_EXEC_RESP, got 0x%02x", cmd)
	}
	return resp, nil
}

// Reset issues a RESET command to clear a stuck Sahara state (spec
// §4.4).
func (c *Client) Reset(ctx context.Context) error {
	if err := writePacket(ctx, c.t, 15*time.Second, CmdReset, nil); err != nil {
		return err
	}
	cmd, _, err := readPacket(ctx, c.t, 15*time.Second)
	if err != nil {
		return err
	}
	if cmd != CmdReset {
		return xerrors.Wrap(xerrors.KindProtocol, "sahara.Reset", "expected RESET echo, got 0x%02x", cmd)
	}
	c.state = StateWaitHello
	return nil
}
