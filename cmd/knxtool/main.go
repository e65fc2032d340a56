// knxtool is a command-line companion for KNXnet/IP installations.
//
// It finds gateways on the local network, inspects ETS keyring
// exports and monitors bus traffic through a tunneling connection,
// plain or KNX IP Secure.
//
// Example:
//
//	knxtool discover
//	knxtool keyring info project.knxkeys --password secret
//	knxtool monitor -g 192.168.1.10:3671 --layer busmonitor
package main

import "os"

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
