// Package auth implements the pluggable authentication strategies of spec
// §4.12: each strategy exposes pre/post-configure hooks run around a
// Firehose or Fastboot session's configure step, returning one of
// Ok/RecoverableFailure/Fatal. Signature material itself (Chimera/VIP
// blobs, Xiaomi MiAuth tokens) is treated as an opaque byte source
// supplied by the caller, per spec §1's explicit scope boundary.
package auth

import (
	"context"

	"flashkit/internal/xerrors"
)

// Result is the outcome of a pre/post-configure hook.
type Result int

const (
	// Ok means the privilege (if any) was granted.
	Ok Result = iota
	// RecoverableFailure downgrades privilege but lets the session continue
	// unauthenticated.
	RecoverableFailure
	// Fatal aborts the connect attempt entirely.
	Fatal
)

func (r Result) String() string {
	switch r {
	case Ok:
		return "ok"
	case RecoverableFailure:
		return "recoverable_failure"
	case Fatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Session is the narrow surface a Strategy needs from the owning
// protocol client: a way to send a signed digest or token and read back
// an ACK/NAK-style response. Firehose's vip_auth nop-framing
// (firehose.Client.SendAuthPayload) implements this; the Fastboot client
// does not.
type Session interface {
	// SendAuthPayload transmits kind-tagged opaque bytes (a digest,
	// signature, or token) and reports whether the device accepted it.
	SendAuthPayload(ctx context.Context, kind string, payload []byte) (accepted bool, err error)
}

// Strategy is the pluggable authentication variant (spec §4.12:
// "{None, VipDigestSignature{digest, signature}, ChimeraPreset{platform},
// Xiaomi{token_provider}, OnePlus}").
type Strategy interface {
	Name() string
	PreConfigure(ctx context.Context, s Session) Result
	PostConfigure(ctx context.Context, s Session) Result
}

// None is the no-authentication strategy; both hooks are no-ops.
type None struct{}

func (None) Name() string                                      { return "none" }
func (None) PreConfigure(context.Context, Session) Result       { return Ok }
func (None) PostConfigure(context.Context, Session) Result      { return Ok }

// VipDigestSignature performs Firehose's vip_auth ritual: stream a
// digest, then a 256-byte RSA-2048 signature over it. A NAK is
// non-fatal — the client continues in normal (non-vip) mode (spec §4.5).
type VipDigestSignature struct {
	Digest    []byte
	Signature []byte
}

func (VipDigestSignature) Name() string { return "vip_digest_signature" }

func (v VipDigestSignature) PreConfigure(ctx context.Context, s Session) Result {
	accepted, err := s.SendAuthPayload(ctx, "vip_digest", v.Digest)
	if err != nil {
		return RecoverableFailure
	}
	if !accepted {
		return RecoverableFailure
	}
	accepted, err = s.SendAuthPayload(ctx, "vip_signature", v.Signature)
	if err != nil || !accepted {
		return RecoverableFailure
	}
	return Ok
}

func (VipDigestSignature) PostConfigure(context.Context, Session) Result { return Ok }

// ChimeraPreset sends a platform-specific pre-baked Chimera unlock blob.
// The blob content itself is opaque (spec §1); only the platform tag
// selects which preset byte source the caller supplied.
type ChimeraPreset struct {
	Platform string
	Blob     []byte
}

func (ChimeraPreset) Name() string { return "chimera_preset" }

func (c ChimeraPreset) PreConfigure(ctx context.Context, s Session) Result {
	accepted, err := s.SendAuthPayload(ctx, "chimera:"+c.Platform, c.Blob)
	if err != nil {
		return Fatal
	}
	if !accepted {
		return RecoverableFailure
	}
	return Ok
}

func (ChimeraPreset) PostConfigure(context.Context, Session) Result { return Ok }

// TokenProvider supplies an auth token on demand, e.g. fetched from an
// external MiAuth/OnePlus token service (spec §1 treats the token source
// as an opaque external collaborator).
type TokenProvider interface {
	Token(ctx context.Context) ([]byte, error)
}

// Xiaomi performs MiAuth token authentication (spec §4.12's Open
// Question about the client-vs-server split is resolved in DESIGN.md:
// this type only sends whatever token its TokenProvider returns; it does
// not implement the server-side token-issuance protocol).
type Xiaomi struct {
	Tokens TokenProvider
}

func (Xiaomi) Name() string { return "xiaomi" }

func (x Xiaomi) PreConfigure(ctx context.Context, s Session) Result {
	token, err := x.Tokens.Token(ctx)
	if err != nil {
		return Fatal
	}
	accepted, err := s.SendAuthPayload(ctx, "miauth_token", token)
	if err != nil {
		return RecoverableFailure
	}
	if !accepted {
		return RecoverableFailure
	}
	return Ok
}

func (Xiaomi) PostConfigure(context.Context, Session) Result { return Ok }

// OnePlus performs the Demacia unlock handshake: a fixed challenge
// payload sent pre-configure, with the device's signed response
// validated post-configure.
type OnePlus struct {
	Challenge []byte
}

func (OnePlus) Name() string { return "oneplus_demacia" }

func (o OnePlus) PreConfigure(ctx context.Context, s Session) Result {
	accepted, err := s.SendAuthPayload(ctx, "demacia_challenge", o.Challenge)
	if err != nil || !accepted {
		return RecoverableFailure
	}
	return Ok
}

func (OnePlus) PostConfigure(ctx context.Context, s Session) Result {
	accepted, err := s.SendAuthPayload(ctx, "demacia_verify", nil)
	if err != nil || !accepted {
		return RecoverableFailure
	}
	return Ok
}

// Run executes PreConfigure then (if not Fatal) PostConfigure, returning
// a classified error for Fatal outcomes and nil otherwise — a
// RecoverableFailure is reported to the caller via the returned Result
// so it can downgrade privilege without aborting.
func Run(ctx context.Context, strat Strategy, s Session) (Result, error) {
	pre := strat.PreConfigure(ctx, s)
	if pre == Fatal {
		return Fatal, xerrors.Wrap(xerrors.KindUnauthorized, "auth.Run", "%s: pre-configure fatal", strat.Name())
	}
	post := strat.PostConfigure(ctx, s)
	if post == Fatal {
		return Fatal, xerrors.Wrap(xerrors.KindUnauthorized, "auth.Run", "%s: post-configure fatal", strat.Name())
	}
	if pre == RecoverableFailure || post == RecoverableFailure {
		return RecoverableFailure, nil
	}
	return Ok, nil
}

// RunConfigure is Run split around a caller-supplied configure step, for
// protocol clients (Firehose, Fastboot) where the pre-configure hook must
// run before the device's own configure/connect call and the
// post-configure hook after it (spec §4.12: "pre_configure" /
// "post_configure ... hooks"). A Fatal pre-configure result skips
// configure entirely; an error from configure itself aborts before the
// post-configure hook runs.
func RunConfigure(ctx context.Context, strat Strategy, s Session, configure func(context.Context) error) (Result, error) {
	pre := strat.PreConfigure(ctx, s)
	if pre == Fatal {
		return Fatal, xerrors.Wrap(xerrors.KindUnauthorized, "auth.RunConfigure", "%s: pre-configure fatal", strat.Name())
	}
	if err := configure(ctx); err != nil {
		return Fatal, err
	}
	post := strat.PostConfigure(ctx, s)
	if post == Fatal {
		return Fatal, xerrors.Wrap(xerrors.KindUnauthorized, "auth.RunConfigure", "%s: post-configure fatal", strat.Name())
	}
	if pre == RecoverableFailure || post == RecoverableFailure {
		return RecoverableFailure, nil
	}
	return Ok, nil
}
