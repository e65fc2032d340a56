package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/backkem/knx/pkg/knxnet"
)

var (
	searchTimeout   time.Duration
	searchInterface string
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find KNXnet/IP servers on the local network",
	Long: `Discover multicasts a search request and lists the servers that answer.

Examples:
  # Find all gateways
  knxtool discover

  # Search on one interface with a longer window
  knxtool discover --interface eth0 --search-timeout 10s`,

	RunE: runDiscover,
}

var describeCmd = &cobra.Command{
	Use:   "describe HOST:PORT",
	Short: "Ask a KNXnet/IP server for its self description",
	Long: `Describe queries one server over unicast and prints its device
information and supported service families.

Example:
  knxtool describe 192.168.1.10:3671`,

	Args: cobra.ExactArgs(1),
	RunE: runDescribe,
}

func init() {
	discoverCmd.Flags().DurationVar(&searchTimeout, "search-timeout", 3*time.Second, "Search window")
	discoverCmd.Flags().StringVar(&searchInterface, "interface", "", "Network interface to search on")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	config := knxnet.DiscoverConfig{
		Timeout:       searchTimeout,
		LoggerFactory: factory,
	}
	if searchInterface != "" {
		ifi, err := net.InterfaceByName(searchInterface)
		if err != nil {
			return fmt.Errorf("interface %q: %w", searchInterface, err)
		}
		config.Interface = ifi
	}

	fmt.Fprintln(os.Stderr, "Searching for KNXnet/IP servers...")

	ctx, cancel := context.WithTimeout(context.Background(), searchTimeout+time.Second)
	defer cancel()

	results, err := knxnet.Discover(ctx, config)
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}

	if len(results) == 0 {
		fmt.Println("No servers found")
		return nil
	}

	fmt.Printf("\n%-22s %-9s %-28s %s\n", "ENDPOINT", "ADDRESS", "NAME", "SERVICES")
	for _, res := range results {
		fmt.Printf("%-22s %-9s %-28s %s\n",
			endpointAddr(res.Control),
			res.Device.Addr,
			res.Device.FriendlyName,
			familyList(res.Families),
		)
	}
	fmt.Printf("\nFound %d server(s)\n", len(results))
	return nil
}

func runDescribe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithTimeout(context.Background(), searchTimeout+time.Second)
	defer cancel()

	desc, err := knxnet.Describe(ctx, args[0])
	if err != nil {
		return fmt.Errorf("describe: %w", err)
	}

	fmt.Printf("Name:      %s\n", desc.Device.FriendlyName)
	fmt.Printf("Address:   %s\n", desc.Device.Addr)
	fmt.Printf("Medium:    %s\n", desc.Device.Medium)
	fmt.Printf("Serial:    % x\n", desc.Device.Serial)
	fmt.Printf("MAC:       %s\n", desc.Device.MAC)
	if desc.Device.ProgrammingMode() {
		fmt.Println("Programming mode active")
	}
	fmt.Printf("Services:  %s\n", familyList(desc.Families))
	if desc.Supports(knxnet.FamilySecurity, 1) {
		fmt.Println("Supports KNX IP Secure")
	}
	return nil
}

// endpointAddr renders a control HPAI as a dialable host:port.
func endpointAddr(h knxnet.HPAI) string {
	if h.IsRouteBack() {
		return "route-back"
	}
	return net.JoinHostPort(h.IP.String(), strconv.Itoa(int(h.Port)))
}

func familyList(families []knxnet.ServiceFamily) string {
	parts := make([]string, 0, len(families))
	for _, f := range families {
		parts = append(parts, fmt.Sprintf("%s v%d", f.ID, f.Version))
	}
	return strings.Join(parts, ", ")
}
