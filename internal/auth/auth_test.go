package auth

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeSession struct {
	accept map[string]bool
	err    map[string]error
	sent   []string
	onSend func(kind string)
}

func (f *fakeSession) SendAuthPayload(ctx context.Context, kind string, payload []byte) (bool, error) {
	f.sent = append(f.sent, kind)
	if f.onSend != nil {
		f.onSend(kind)
	}
	if err, ok := f.err[kind]; ok {
		return false, err
	}
	return f.accept[kind], nil
}

func TestNoneAlwaysOk(t *testing.T) {
	s := &fakeSession{}
	res, err := Run(context.Background(), None{}, s)
	require.NoError(t, err)
	require.Equal(t, Ok, res)
	require.Empty(t, s.sent)
}

func TestVipDigestSignatureSuccess(t *testing.T) {
	s := &fakeSession{accept: map[string]bool{"vip_digest": true, "vip_signature": true}}
	res, err := Run(context.Background(), VipDigestSignature{Digest: []byte("d"), Signature: []byte("s")}, s)
	require.NoError(t, err)
	require.Equal(t, Ok, res)
	require.Equal(t, []string{"vip_digest", "vip_signature"}, s.sent)
}

func TestVipDigestSignatureNAKIsRecoverableNotFatal(t *testing.T) {
	s := &fakeSession{accept: map[string]bool{"vip_digest": false}}
	res, err := Run(context.Background(), VipDigestSignature{}, s)
	require.NoError(t, err)
	require.Equal(t, RecoverableFailure, res)
}

func TestChimeraPresetTransportErrorIsFatal(t *testing.T) {
	s := &fakeSession{err: map[string]error{"chimera:msm8916": errors.New("usb gone")}}
	res, err := Run(context.Background(), ChimeraPreset{Platform: "msm8916"}, s)
	require.Error(t, err)
	require.Equal(t, Fatal, res)
}

type fakeTokenProvider struct {
	token []byte
	err   error
}

func (f fakeTokenProvider) Token(ctx context.Context) ([]byte, error) { return f.token, f.err }

func TestXiaomiTokenProviderFailureIsFatal(t *testing.T) {
	s := &fakeSession{}
	res, err := Run(context.Background(), Xiaomi{Tokens: fakeTokenProvider{err: errors.New("network down")}}, s)
	require.Error(t, err)
	require.Equal(t, Fatal, res)
}

func TestXiaomiTokenAccepted(t *testing.T) {
	s := &fakeSession{accept: map[string]bool{"miauth_token": true}}
	res, err := Run(context.Background(), Xiaomi{Tokens: fakeTokenProvider{token: []byte("tok")}}, s)
	require.NoError(t, err)
	require.Equal(t, Ok, res)
}

func TestOnePlusBothStagesRun(t *testing.T) {
	s := &fakeSession{accept: map[string]bool{"demacia_challenge": true, "demacia_verify": true}}
	res, err := Run(context.Background(), OnePlus{Challenge: []byte("c")}, s)
	require.NoError(t, err)
	require.Equal(t, Ok, res)
	require.Equal(t, []string{"demacia_challenge", "demacia_verify"}, s.sent)
}

func TestRunConfigureOrdersPreConfigurePostAroundConfigure(t *testing.T) {
	s := &fakeSession{accept: map[string]bool{"demacia_challenge": true, "demacia_verify": true}}
	var order []string
	s.onSend = func(kind string) { order = append(order, kind) }
	configure := func(context.Context) error {
		order = append(order, "configure")
		return nil
	}
	res, err := RunConfigure(context.Background(), OnePlus{Challenge: []byte("c")}, s, configure)
	require.NoError(t, err)
	require.Equal(t, Ok, res)
	require.Equal(t, []string{"demacia_challenge", "configure", "demacia_verify"}, order)
}

func TestRunConfigureSkipsConfigureOnFatalPreConfigure(t *testing.T) {
	s := &fakeSession{err: map[string]error{"chimera:msm8916": errors.New("usb gone")}}
	called := false
	res, err := RunConfigure(context.Background(), ChimeraPreset{Platform: "msm8916"}, s, func(context.Context) error {
		called = true
		return nil
	})
	require.Error(t, err)
	require.Equal(t, Fatal, res)
	require.False(t, called, "configure must not run after a fatal pre-configure hook")
}

func TestRunConfigureSkipsPostConfigureOnConfigureError(t *testing.T) {
	s := &fakeSession{}
	configureErr := errors.New("device NAK on configure")
	res, err := RunConfigure(context.Background(), None{}, s, func(context.Context) error {
		return configureErr
	})
	require.ErrorIs(t, err, configureErr)
	require.Equal(t, Fatal, res)
}
