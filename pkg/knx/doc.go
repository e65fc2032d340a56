// Package knx provides a high-level API for talking to KNX
// installations through KNXnet/IP gateways.
//
// This package is the top-level facade that ties the lower-level stack
// components (transport, knxnet, secure, security, keyring) into an
// ergonomic Go API: it dials the gateway, optionally wraps the link in
// a KNX IP Secure session and hands out a connected tunnel that moves
// cEMI frames.
//
// # Opening a tunnel
//
//	tun, err := knx.Dial(knx.TunnelConfig{Gateway: "192.168.1.10:3671"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer tun.Close()
//
//	tun.OnFrame(func(f cemi.Frame) {
//		fmt.Println(f.Code())
//	})
//
// # KNX IP Secure
//
// Secrets come from an ETS keyring loaded into a security.Keystore.
// Naming the host device of the tunneling interfaces is enough; Dial
// picks the first interface with complete credentials:
//
//	kr, err := keyring.Load("project.knxkeys", password)
//	if err != nil {
//		log.Fatal(err)
//	}
//	store := security.NewKeystore()
//	if err := store.AddKeyring(kr, password); err != nil {
//		log.Fatal(err)
//	}
//
//	host, _ := cemi.ParseIndividualAddr("1.1.0")
//	tun, err := knx.Dial(knx.TunnelConfig{
//		Gateway:  "192.168.1.10:3671",
//		Keystore: store,
//		Host:     host,
//	})
//
// # Testing
//
// TestPair connects a tunnel to an in-process gateway over an
// in-memory pipe, without touching the OS network stack:
//
//	tun, gw, _ := knx.TestPair()
//	gw.Send(frame) // arrives at tun's OnFrame handler
//
// See the examples/ directory for complete programs.
package knx
