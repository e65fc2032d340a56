package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/backkem/knx/pkg/cemi"
	"github.com/backkem/knx/pkg/keyring"
	"github.com/backkem/knx/pkg/knx"
	"github.com/backkem/knx/pkg/knxnet"
	"github.com/backkem/knx/pkg/security"
	"github.com/backkem/knx/pkg/transport"
)

var (
	monitorLayer string
	monitorTCP   bool
	monitorHost  string
	monitorUser  uint8
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Watch bus traffic through a gateway",
	Long: `Monitor opens a tunneling connection and prints every frame the
gateway delivers until interrupted. The busmonitor layer shows raw
bus telegrams; gateways that reject it usually still serve the link
layer.

Examples:
  # Raw bus monitor
  knxtool monitor -g 192.168.1.10:3671

  # Link layer over TCP
  knxtool monitor -g 192.168.1.10:3671 --layer link --tcp

  # Through a secure gateway, credentials from a keyring
  knxtool monitor -g 192.168.1.10:3671 --keyring project.knxkeys --host 1.1.0`,

	RunE: runMonitor,
}

func init() {
	monitorCmd.Flags().StringP("gateway", "g", "", "Gateway address (host:port)")
	monitorCmd.Flags().StringVar(&monitorLayer, "layer", "busmonitor", "Tunnel layer (link, raw or busmonitor)")
	monitorCmd.Flags().BoolVar(&monitorTCP, "tcp", false, "Connect over TCP instead of UDP")
	monitorCmd.Flags().StringVar(&monitorHost, "host", "", "Host address of the keyring credentials (e.g. 1.1.0)")
	monitorCmd.Flags().Uint8Var(&monitorUser, "user", 0, "Secure session user (0 picks the first complete entry)")

	viper.BindPFlag("gateway", monitorCmd.Flags().Lookup("gateway"))
}

func parseLayer(s string) (knxnet.TunnelLayer, error) {
	switch s {
	case "link":
		return knx.LayerLinkLayer, nil
	case "raw":
		return knx.LayerRaw, nil
	case "busmonitor":
		return knx.LayerBusmonitor, nil
	}
	return 0, fmt.Errorf("unknown layer %q (link, raw or busmonitor)", s)
}

func runMonitor(cmd *cobra.Command, args []string) error {
	gateway := viper.GetString("gateway")
	if gateway == "" {
		return fmt.Errorf("a gateway address is required (-g or --gateway)")
	}
	layer, err := parseLayer(monitorLayer)
	if err != nil {
		return err
	}

	config := knx.TunnelConfig{
		Gateway:       gateway,
		Layer:         layer,
		LoggerFactory: factory,
	}

	if monitorTCP {
		tr, err := transport.DialTCP(transport.TCPConfig{
			RemoteAddr:    gateway,
			LoggerFactory: factory,
		})
		if err != nil {
			return fmt.Errorf("dial %s: %w", gateway, err)
		}
		config.Transport = tr
	}

	if path := viper.GetString("keyring"); path != "" {
		host, err := cemi.ParseIndividualAddr(monitorHost)
		if err != nil {
			return fmt.Errorf("the --host of the keyring credentials is required: %w", err)
		}
		password := []byte(viper.GetString("password"))
		kr, err := keyring.Load(path, password, keyring.WithLoggerFactory(factory))
		if err != nil {
			return err
		}
		store := security.NewKeystore()
		if err := store.AddKeyring(kr, password); err != nil {
			return err
		}
		defer store.Zeroize()

		config.Keystore = store
		config.Host = host
		config.User = monitorUser
	}

	tun, err := knx.Dial(config)
	if err != nil {
		return fmt.Errorf("dial %s: %w", gateway, err)
	}
	defer tun.Close()

	if tun.Secure() {
		fmt.Fprintln(os.Stderr, "Secure session established")
	}
	fmt.Fprintf(os.Stderr, "Monitoring %s (tunnel address %s, %s)\n", gateway, tun.TunnelAddr(), tun.Layer())
	fmt.Fprintln(os.Stderr, "Press Ctrl+C to stop")

	// The handler runs on the transport's read goroutine; a full
	// buffer drops frames rather than stalling the connection.
	frames := make(chan cemi.Frame, 64)
	tun.OnFrame(func(frame cemi.Frame) {
		select {
		case frames <- frame:
		default:
		}
	})

	// Handle interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	count := 0
	for {
		select {
		case frame := <-frames:
			count++
			var payload []byte
			if len(frame) > 1 {
				payload = frame[1:]
			}
			fmt.Printf("[%s] %-14s % x\n",
				time.Now().Format("15:04:05.000"), frame.Code(), payload)

		case <-sigCh:
			fmt.Fprintf(os.Stderr, "\n%d frame(s) seen\n", count)
			return nil

		case <-tun.Done():
			return fmt.Errorf("connection lost: %w", tun.Err())
		}
	}
}
