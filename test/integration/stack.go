// Package integration provides end-to-end tests for the KNX stack.
//
// The tests run both protocol roles in one process over an in-memory
// pipe: a tunneling client built through the public knx.Dial entry
// point and a gateway assembled from the package test helpers. Secure
// variants take their credentials from the keyring fixture shared with
// the keyring package tests, so the whole chain from container
// decryption to sealed tunnel traffic runs against real key material.
package integration

import (
	"testing"
	"time"

	"github.com/backkem/knx/pkg/cemi"
	"github.com/backkem/knx/pkg/crypto"
	"github.com/backkem/knx/pkg/keyring"
	"github.com/backkem/knx/pkg/knx"
	"github.com/backkem/knx/pkg/secure"
	"github.com/backkem/knx/pkg/security"
	"github.com/backkem/knx/pkg/transport"
)

const (
	// KeyringFixture is the ETS export shared with the keyring package
	// tests.
	KeyringFixture  = "../../pkg/keyring/testdata/KeyringTest.knxkeys"
	KeyringPassword = "pwd"

	// Credentials of host 1.1.0 in the fixture.
	HostAddr           = "1.1.0"
	TunnelUserID       = 2
	TunnelUserPassword = "tunnel1"
	DeviceAuthCode     = "auth1code"
)

// SecurePair is a secure tunneling client and the gateway serving it,
// joined by an in-memory pipe.
type SecurePair struct {
	Tunnel    *knx.Tunnel
	Gateway   *knx.TestGateway
	Responder *secure.Responder
}

// NewSecurePair builds the full client stack from the keyring fixture:
// keystore credentials, session handshake, tunneling connection. The
// pair is torn down by t.Cleanup.
func NewSecurePair(t *testing.T) *SecurePair {
	t.Helper()

	store := LoadKeystore(t)

	a, b := transport.Pipe()
	resp, err := secure.NewResponder(secure.ResponderConfig{
		Transport:     b,
		DeviceAuthKey: crypto.DeviceAuthKey([]byte(DeviceAuthCode)),
		Users: map[uint8][]byte{
			TunnelUserID: crypto.UserPasswordKey([]byte(TunnelUserPassword)),
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
	})
	if err != nil {
		gw.Close()
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() {
		tun.Close()
		gw.Close()
	})

	return &SecurePair{Tunnel: tun, Gateway: gw, Responder: resp}
}

// LoadKeystore parses the fixture keyring into a fresh keystore.
func LoadKeystore(t *testing.T) *security.Keystore {
	t.Helper()
	kr, err := keyring.Load(KeyringFixture, []byte(KeyringPassword))
	if err != nil {
		t.Fatalf("Load fixture keyring: %v", err)
	}
	store := security.NewKeystore()
	if err := store.AddKeyring(kr, []byte(KeyringPassword)); err != nil {
		t.Fatalf("AddKeyring: %v", err)
	}
	t.Cleanup(store.Zeroize)
	return store
}

// MustAddr parses an individual address.
func MustAddr(t *testing.T, s string) cemi.IndividualAddr {
	t.Helper()
	addr, err := cemi.ParseIndividualAddr(s)
	if err != nil {
		t.Fatalf("ParseIndividualAddr(%q): %v", s, err)
	}
	return addr
}

// RecvFrame waits for the next frame on ch.
func RecvFrame(t *testing.T, ch <-chan cemi.Frame) cemi.Frame {
	t.Helper()
	select {
	case frame := <-ch:
		return frame
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a frame")
		return nil
	}
}

// RecvGroupTelegram waits for the next frame on ch and decodes it as a
// group telegram.
func RecvGroupTelegram(t *testing.T, ch <-chan cemi.Frame) *cemi.GroupTelegram {
	t.Helper()
	tg, err := cemi.DecodeGroupTelegram(RecvFrame(t, ch))
	if err != nil {
		t.Fatalf("DecodeGroupTelegram: %v", err)
	}
	return tg
}
