// End-to-end tests for tunneling through a KNX IP Secure session, with
// credentials loaded from the keyring fixture.
package integration

import (
	"bytes"
	"errors"
	"testing"

	"github.com/backkem/knx/pkg/cemi"
	"github.com/backkem/knx/pkg/crypto"
	"github.com/backkem/knx/pkg/knx"
	"github.com/backkem/knx/pkg/knxnet"
	"github.com/backkem/knx/pkg/secure"
	"github.com/backkem/knx/pkg/security"
	"github.com/backkem/knx/pkg/transport"
)

func TestE2E_SecureGroupTraffic(t *testing.T) {
	pair := NewSecurePair(t)

	if !pair.Tunnel.Secure() {
		t.Fatal("Secure() = false")
	}
	if got := pair.Responder.User(); got != TunnelUserID {
		t.Errorf("authenticated user = %d, want %d", got, TunnelUserID)
	}

	received := make(chan cemi.Frame, 8)
	pair.Tunnel.OnFrame(func(frame cemi.Frame) { received <- frame })

	// Client to gateway, every frame sealed and unsealed.
	const n = 10
	for i := 0; i < n; i++ {
		frame, err := cemi.NewGroupWrite(cemi.NewGroupAddr(2, 1, uint8(i)), []byte{byte(i)})
		if err != nil {
			t.Fatalf("NewGroupWrite %d: %v", i, err)
		}
		if err := pair.Tunnel.Send(frame, knxnet.WaitForAck); err != nil {
			t.Fatalf("Send %d: %v", i, err)
		}
		tg := RecvGroupTelegram(t, pair.Gateway.Frames())
		if want := cemi.NewGroupAddr(2, 1, uint8(i)); tg.Dest != want {
			t.Fatalf("telegram %d arrived for %s, want %s", i, tg.Dest, want)
		}
	}

	// Gateway to client through the wrapper.
	ind := cemi.GroupTelegram{
		Code:    cemi.LDataInd,
		Source:  MustAddr(t, "1.1.1"),
		Dest:    cemi.NewGroupAddr(2, 1, 0),
		Service: cemi.GroupWrite,
		Data:    []byte{0x01},
	}
	indFrame, err := ind.Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if err := pair.Gateway.Send(indFrame); err != nil {
		t.Fatalf("gateway Send: %v", err)
	}
	tg := RecvGroupTelegram(t, received)
	if tg.Source != ind.Source || !bytes.Equal(tg.Data, []byte{0x01}) {
		t.Errorf("client saw %s", tg)
	}

	// Clean run: nothing rejected, nothing replayed.
	if stats := pair.Tunnel.Session().Stats(); stats != (secure.Stats{}) {
		t.Errorf("session stats = %+v, want zero", stats)
	}
}

func TestE2E_SecureWrongUserPassword(t *testing.T) {
	store := LoadKeystore(t)

	a, b := transport.Pipe()
	resp, err := secure.NewResponder(secure.ResponderConfig{
		Transport:     b,
		DeviceAuthKey: crypto.DeviceAuthKey([]byte(DeviceAuthCode)),
		Users: map[uint8][]byte{
			TunnelUserID: crypto.UserPasswordKey([]byte("not-the-password")),
		},
	})
	if err != nil {
		a.Close()
		t.Fatalf("NewResponder: %v", err)
	}
	gw := knx.NewTestGateway(resp)
	defer gw.Close()

	_, err = knx.Dial(knx.TunnelConfig{
		Transport: a,
		Keystore:  store,
		Host:      MustAddr(t, HostAddr),
	})
	if !errors.Is(err, secure.ErrAuthFailed) {
		t.Fatalf("Dial error = %v, want ErrAuthFailed", err)
	}
}

func TestE2E_SecureUserSelection(t *testing.T) {
	store := LoadKeystore(t)

	// The fixture carries users 2 through 9 on host 1.1.0; ask for one
	// that is not the first. The responder side takes the same
	// credential from the keystore, so both ends agree on the keys.
	var cred *security.Credential
	for _, c := range store.InterfaceCredentials(MustAddr(t, HostAddr)) {
		if c.UserID == 4 {
			cred = &c
			break
		}
	}
	if cred == nil {
		t.Fatal("fixture has no user 4 on host 1.1.0")
	}

	a, b := transport.Pipe()
	resp, err := secure.NewResponder(secure.ResponderConfig{
		Transport:     b,
		DeviceAuthKey: cred.DeviceAuthKey,
		Users: map[uint8][]byte{
			4: cred.UserKey,
		},
	})
	if err != nil {
		a.Close()
		t.Fatalf("NewResponder: %v", err)
	}
	gw := knx.NewTestGateway(resp)

	tun, err := knx.Dial(knx.TunnelConfig{
		Transport: a,
		Keystore:  store,
		Host:      MustAddr(t, HostAddr),
		User:      4,
	})
	if err != nil {
		gw.Close()
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		tun.Close()
		gw.Close()
	})

	if got := resp.User(); got != 4 {
		t.Errorf("authenticated user = %d, want 4", got)
	}
}
