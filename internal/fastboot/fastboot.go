// Package fastboot implements the Android Fastboot line protocol (spec
// §4.6/§6): ≤64-byte ASCII commands, 4-byte-prefixed responses
// (INFO/TEXT/OKAY/FAIL/DATA), and the sparse sub-image download+flash
// algorithm for oversized or sparse images.
package fastboot

import (
	"context"
	"encoding/hex"
	"fmt"
	"time"

	"flashkit/internal/eventbus"
	"flashkit/internal/sparse"
	"flashkit/internal/transport"
	"flashkit/internal/watchdog"
	"flashkit/internal/xerrors"
	"flashkit/internal/xlog"
)

const maxCommandLen = 64

// Per-command ACK and download timeouts (spec §5 defaults).
const (
	ackTimeout      = 15 * time.Second
	downloadTimeout = 120 * time.Second
)

// ResponseKind tags a decoded Fastboot response packet.
type ResponseKind int

const (
	RespInfo ResponseKind = iota
	RespText
	RespOkay
	RespFail
	RespData
)

// Response is one decoded 4-byte-prefixed Fastboot packet.
type Response struct {
	Kind    ResponseKind
	Message string // INFO/TEXT/FAIL payload text
	Size    int    // DATA: number of bytes invited
}

// Client drives the Fastboot line protocol over a Transport.
type Client struct {
	t   transport.Transport
	wd  *watchdog.Watchdog
	bus *eventbus.Bus
	log *xlog.Logger

	sessionID       string
	maxDownloadSize int
}

// New returns a Fastboot Client. maxDownloadSize defaults to the
// protocol's conventional 512MiB cap until RefreshMaxDownloadSize runs
// getvar:max-download-size.
func New(t transport.Transport, bus *eventbus.Bus, sessionID string) *Client {
	return &Client{
		t:               t,
		wd:              watchdog.New(nil),
		bus:             bus,
		log:             xlog.New("fastboot"),
		sessionID:       sessionID,
		maxDownloadSize: 512 * 1024 * 1024,
	}
}

// sendCommand writes an ASCII command and reads back the chain of
// responses, returning on the first terminal OKAY/FAIL. INFO/TEXT lines
// are logged and accumulated but don't end the loop; a DATA response is
// returned to the caller so it can stream the invited payload.
func (c *Client) sendCommand(ctx context.Context, cmd string) ([]Response, error) {
	if len(cmd) > maxCommandLen {
		return nil, xerrors.Wrap(xerrors.KindUserInput, "fastboot.sendCommand", "command exceeds %d bytes: %q", maxCommandLen, cmd)
	}
	var history []Response
	err := c.wd.Guard(ctx, ackTimeout, func(cctx context.Context) error {
		if werr := c.t.Write(cctx, []byte(cmd), ackTimeout); werr != nil {
			return werr
		}
		for {
			resp, rerr := c.readResponse(cctx)
			if rerr != nil {
				return rerr
			}
			history = append(history, resp)
			switch resp.Kind {
			case RespInfo:
				c.bus.PublishLog(c.sessionID, eventbus.LogInfo, resp.Message)
			case RespText:
				c.bus.PublishLog(c.sessionID, eventbus.LogDebug, resp.Message)
			case RespOkay, RespFail, RespData:
				return nil
			}
		}
	})
	if err != nil {
		return history, err
	}
	last := history[len(history)-1]
	if last.Kind == RespFail {
		return history, xerrors.Wrap(xerrors.KindProtocol, "fastboot.sendCommand", "%s: FAIL %s", cmd, last.Message)
	}
	return history, nil
}

func (c *Client) readResponse(ctx context.Context) (Response, error) {
	raw, err := c.t.Read(ctx, 4, ackTimeout)
	if err != nil {
		return Response{}, err
	}
	if len(raw) < 4 {
		return Response{}, xerrors.Wrap(xerrors.KindProtocol, "fastboot.readResponse", "short response prefix")
	}
	prefix := string(raw[0:4])

	readRest := func() (string, error) {
		// The remainder of the line is taken from a single read of up to
		// 256 bytes; fastboot text lines are short.
		rest, rerr := c.t.Read(ctx, 256, ackTimeout)
		if rerr != nil {
			return "", rerr
		}
		return string(rest), nil
	}

	switch prefix {
	case "INFO":
		msg, rerr := readRest()
		if rerr != nil {
			return Response{}, rerr
		}
		return Response{Kind: RespInfo, Message: msg}, nil
	case "TEXT":
		msg, rerr := readRest()
		if rerr != nil {
			return Response{}, rerr
		}
		return Response{Kind: RespText, Message: msg}, nil
	case "OKAY":
		return Response{Kind: RespOkay}, nil
	case "FAIL":
		msg, rerr := readRest()
		if rerr != nil {
			return Response{}, rerr
		}
		return Response{Kind: RespFail, Message: msg}, nil
	case "DATA":
		sizeHex, rerr := readRest()
		if rerr != nil {
			return Response{}, rerr
		}
		size, serr := hexToInt(sizeHex)
		if serr != nil {
			return Response{}, xerrors.Wrap(xerrors.KindProtocol, "fastboot.readResponse", "bad DATA size %q: %v", sizeHex, serr)
		}
		return Response{Kind: RespData, Size: size}, nil
	default:
		return Response{}, xerrors.Wrap(xerrors.KindProtocol, "fastboot.readResponse", "unknown response prefix %q", prefix)
	}
}

func hexToInt(s string) (int, error) {
	clean := trimNonHex(s)
	if len(clean)%2 != 0 {
		clean = "0" + clean
	}
	b, err := hex.DecodeString(clean)
	if err != nil || len(b) == 0 {
		return 0, xerrors.Wrap(xerrors.KindProtocol, "fastboot.hexToInt", "malformed hex size %q", s)
	}
	var n int
	for _, x := range b {
		n = n<<8 | int(x)
	}
	return n, nil
}

func trimNonHex(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F') {
			out = append(out, c)
		}
	}
	return string(out)
}

// Getvar issues "getvar:<name>" and returns the text of the first INFO
// line. readResponse does not read past an OKAY prefix, so a value sent
// only inside the OKAY packet is returned as "".
func (c *Client) Getvar(ctx context.Context, name string) (string, error) {
	history, err := c.sendCommand(ctx, "getvar:"+name)
	if err != nil {
		return "", err
	}
	for _, r := range history {
		if r.Kind == RespOkay || r.Kind == RespInfo {
			return r.Message, nil
		}
	}
	return "", nil
}

// RefreshMaxDownloadSize queries getvar:max-download-size and updates the
// Client's chunk size accordingly (spec §4.6 step 1).
func (c *Client) RefreshMaxDownloadSize(ctx context.Context) error {
	v, err := c.Getvar(ctx, "max-download-size")
	if err != nil || v == "" {
		return err
	}
	n, perr := hexOrDecimal(v)
	if perr != nil || n <= 0 {
		return nil // device didn't answer sanely; keep the default
	}
	c.maxDownloadSize = n
	return nil
}

func hexOrDecimal(s string) (int, error) {
	if len(s) > 2 && (s[0:2] == "0x" || s[0:2] == "0X") {
		digits := s[2:]
		if len(digits)%2 != 0 {
			digits = "0" + digits
		}
		n, err := hex.DecodeString(digits)
		if err != nil {
			return 0, err
		}
		var v int
		for _, b := range n {
			v = v<<8 | int(b)
		}
		return v, nil
	}
	var v int
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

// download streams exactly len(data) bytes after a successful
// "download:<hex-size>" / DATA handshake (spec §4.6 step 3).
func (c *Client) download(ctx context.Context, data []byte) error {
	sizeCmd := fmt.Sprintf("download:%08x", len(data))
	history, err := c.sendCommand(ctx, sizeCmd)
	if err != nil {
		return err
	}
	last := history[len(history)-1]
	if last.Kind != RespData {
		return xerrors.Wrap(xerrors.KindProtocol, "fastboot.download", "expected DATA response, got %v", last.Kind)
	}

	speed := eventbus.NewSpeedEstimator()
	const writeChunk = 16384
	for off := 0; off < len(data); off += writeChunk {
		end := off + writeChunk
		if end > len(data) {
			end = len(data)
		}
		if werr := c.wd.Guard(ctx, downloadTimeout, func(cctx context.Context) error {
			return c.t.Write(cctx, data[off:end], downloadTimeout)
		}); werr != nil {
			return werr
		}
		bps := speed.Observe(time.Now(), int64(end-off))
		c.bus.Publish(eventbus.Event{Kind: eventbus.EventProgress, Progress: &eventbus.ProgressEvent{
			SessionID: c.sessionID, BytesDone: int64(end), BytesTotal: int64(len(data)), BytesPerSec: bps,
		}})
	}

	resp, rerr := c.readResponse(ctx)
	if rerr != nil {
		return rerr
	}
	if resp.Kind != RespOkay {
		return xerrors.Wrap(xerrors.KindProtocol, "fastboot.download", "download finished with %v: %s", resp.Kind, resp.Message)
	}
	return nil
}

// Flash implements the flash algorithm of spec §4.6: refresh the chunk
// size, split the image with sparse.Resize, then download+flash each piece
// in order. A sparse image larger than the chunk size is decomposed into
// sparse sub-images. A non-sparse image larger than the chunk size is not
// split: Resize returns an Unsupported error and nothing is sent.
func (c *Client) Flash(ctx context.Context, partition string, image []byte) error {
	if err := c.RefreshMaxDownloadSize(ctx); err != nil {
		c.log.Warnf("getvar:max-download-size failed, keeping default: %v", err)
	}

	subImages, err := sparse.Resize(image, c.maxDownloadSize)
	if err != nil {
		return err
	}

	for i, sub := range subImages {
		if err := c.download(ctx, sub.Data); err != nil {
			return xerrors.Wrap(xerrors.KindProtocol, "fastboot.Flash", "sub-image %d/%d download: %v", i+1, len(subImages), err)
		}
		if _, err := c.sendCommand(ctx, "flash:"+partition); err != nil {
			return xerrors.Wrap(xerrors.KindProtocol, "fastboot.Flash", "sub-image %d/%d flash: %v", i+1, len(subImages), err)
		}
	}
	return nil
}

// Erase issues "erase:<partition>".
func (c *Client) Erase(ctx context.Context, partition string) error {
	_, err := c.sendCommand(ctx, "erase:"+partition)
	return err
}

// SetActive issues "set_active:<slot>".
func (c *Client) SetActive(ctx context.Context, slot string) error {
	_, err := c.sendCommand(ctx, "set_active:"+slot)
	return err
}

// Reboot issues one of "reboot", "reboot-bootloader", "reboot-fastboot",
// "reboot-recovery" depending on target ("" means plain reboot).
func (c *Client) Reboot(ctx context.Context, target string) error {
	cmd := "reboot"
	if target != "" {
		cmd = "reboot-" + target
	}
	_, err := c.sendCommand(ctx, cmd)
	return err
}

// Oem issues a vendor "oem <cmd>" passthrough command.
func (c *Client) Oem(ctx context.Context, cmd string) error {
	_, err := c.sendCommand(ctx, "oem "+cmd)
	return err
}

// Flashing issues a "flashing <cmd>" subcommand (e.g. unlock/lock).
func (c *Client) Flashing(ctx context.Context, cmd string) error {
	_, err := c.sendCommand(ctx, "flashing "+cmd)
	return err
}

// Command issues cmd verbatim, for vendor passthrough verbs ("snapshot-update
// cancel", "flashing lock") that don't have a dedicated wrapper.
func (c *Client) Command(ctx context.Context, cmd string) error {
	_, err := c.sendCommand(ctx, cmd)
	return err
}
