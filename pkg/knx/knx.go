package knx

import (
	"errors"
	"fmt"

	"github.com/pion/logging"

	"github.com/backkem/knx/pkg/cemi"
	"github.com/backkem/knx/pkg/crypto"
	"github.com/backkem/knx/pkg/knxnet"
	"github.com/backkem/knx/pkg/secure"
	"github.com/backkem/knx/pkg/security"
	"github.com/backkem/knx/pkg/transport"
)

// Tunnel layers, re-exported so a TunnelConfig can be built without
// importing knxnet.
const (
	LayerLinkLayer  = knxnet.LayerLinkLayer
	LayerRaw        = knxnet.LayerRaw
	LayerBusmonitor = knxnet.LayerBusmonitor
)

// TunnelConfig collects the arguments of Dial.
type TunnelConfig struct {
	// Gateway is the gateway endpoint in host:port form. Ignored when
	// Transport is set.
	Gateway string

	// Transport optionally injects the link to the gateway. The
	// tunnel takes ownership. Nil dials UDP to Gateway.
	Transport transport.Transport

	// Layer selects the KNX layer. Defaults to link layer.
	Layer knxnet.TunnelLayer

	// Keystore turns on KNX IP Secure: the session logs in with
	// credentials taken from it. Nil opens a plain connection.
	Keystore *security.Keystore

	// Host names the keystore device whose tunneling interfaces carry
	// the credentials. Required with a Keystore.
	Host cemi.IndividualAddr

	// User pins the interface to log in as. Zero picks the first
	// interface of Host with complete credentials.
	User uint8

	// LoggerFactory customizes logging. Defaults to
	// logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory

	Timeouts knxnet.Timeouts
}

func (c *TunnelConfig) validate() error {
	if c.Transport == nil && c.Gateway == "" {
		return errors.New("knx: config needs a gateway address or a transport")
	}
	if c.Keystore != nil && c.Host == 0 {
		return errors.New("knx: secure config needs the host address of the credentials")
	}
	if c.Keystore == nil && c.User != 0 {
		return errors.New("knx: user selection needs a keystore")
	}
	return nil
}

func (c *TunnelConfig) applyDefaults() {
	if c.LoggerFactory == nil {
		c.LoggerFactory = logging.NewDefaultLoggerFactory()
	}
}

// Tunnel is a connected KNXnet/IP tunnel. The embedded knxnet.Tunnel
// carries the API: Send and OnFrame move cEMI frames, Close tears the
// whole link down, session included.
type Tunnel struct {
	*knxnet.Tunnel

	session *secure.Session
}

// Secure reports whether the tunnel runs inside an IP Secure session.
func (t *Tunnel) Secure() bool { return t.session != nil }

// Session returns the secure session carrying the tunnel, or nil on a
// plain connection.
func (t *Tunnel) Session() *secure.Session { return t.session }

// Dial opens a tunneling connection to a gateway. With a Keystore the
// link is wrapped in an IP Secure session before the tunnel connects.
func Dial(config TunnelConfig) (*Tunnel, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	config.applyDefaults()

	tr := config.Transport
	if tr == nil {
		var err error
		tr, err = transport.DialUDP(transport.UDPConfig{
			RemoteAddr:    config.Gateway,
			LoggerFactory: config.LoggerFactory,
		})
		if err != nil {
			return nil, err
		}
	}

	var session *secure.Session
	if config.Keystore != nil {
		cred, err := selectCredential(config.Keystore, config.Host, config.User)
		if err != nil {
			tr.Close()
			return nil, err
		}
		session, err = secure.Dial(secure.Config{
			Transport:     tr,
			DeviceAuthKey: cred.DeviceAuthKey,
			UserID:        cred.UserID,
			UserKey:       cred.UserKey,
			LoggerFactory: config.LoggerFactory,
		})
		crypto.Wipe(cred.UserKey)
		crypto.Wipe(cred.DeviceAuthKey)
		if err != nil {
			return nil, err
		}
		tr = session
	}

	tun, err := knxnet.OpenTunnel(knxnet.TunnelConfig{
		Transport:     tr,
		Layer:         config.Layer,
		LoggerFactory: config.LoggerFactory,
		Timeouts:      config.Timeouts,
	})
	if err != nil {
		return nil, err
	}
	return &Tunnel{Tunnel: tun, session: session}, nil
}

// selectCredential picks the login material for host from the store.
// The returned keys are copies owned by the caller.
func selectCredential(store *security.Keystore, host cemi.IndividualAddr, user uint8) (security.Credential, error) {
	creds := store.InterfaceCredentials(host)
	if len(creds) == 0 {
		return security.Credential{}, fmt.Errorf("knx: keystore holds no interfaces of %s", host)
	}
	for _, cred := range creds {
		if user != 0 && cred.UserID != user {
			continue
		}
		if cred.UserKey == nil || cred.DeviceAuthKey == nil {
			if user != 0 {
				return security.Credential{}, fmt.Errorf("knx: interface %s of user %d lacks credentials", cred.Addr, user)
			}
			continue
		}
		return cred, nil
	}
	if user != 0 {
		return security.Credential{}, fmt.Errorf("knx: no interface of %s has user %d", host, user)
	}
	return security.Credential{}, fmt.Errorf("knx: no interface of %s carries complete credentials", host)
}
