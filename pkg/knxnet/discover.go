package knxnet

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/pion/logging"
	"golang.org/x/net/ipv4"
)

// DefaultMulticast is the KNXnet/IP system setup multicast endpoint
// servers listen on for discovery.
var DefaultMulticast = &net.UDPAddr{IP: net.IPv4(224, 0, 23, 12), Port: 3671}

const defaultSearchTimeout = 3 * time.Second

// Description is the self description of a server: its device
// information and supported service families.
type Description struct {
	Device   DeviceInfo
	Families []ServiceFamily
}

// Supports reports whether the server announces the service family, at
// least in the given version.
func (d *Description) Supports(id FamilyID, version uint8) bool {
	for _, f := range d.Families {
		if f.ID == id && f.Version >= version {
			return true
		}
	}
	return false
}

// SearchResult is one server found during discovery.
type SearchResult struct {
	// Control is the server's control endpoint.
	Control HPAI

	Description
}

// DiscoverConfig collects the arguments of Discover.
type DiscoverConfig struct {
	// Interface restricts the search to one network interface.
	// Defaults to the system's multicast route.
	Interface *net.Interface

	// Timeout bounds the collection window. Defaults to 3s.
	Timeout time.Duration

	// Multicast overrides the discovery endpoint, for installations
	// with a custom system setup multicast address. Defaults to
	// DefaultMulticast.
	Multicast *net.UDPAddr

	// LoggerFactory customizes logging. Defaults to
	// logging.NewDefaultLoggerFactory().
	LoggerFactory logging.LoggerFactory
}

// Discover multicasts a SEARCH_REQUEST and collects the servers that
// answer within the timeout. Servers answering more than once are
// folded by control endpoint. A canceled context returns the results
// collected so far alongside the context's error.
func Discover(ctx context.Context, config DiscoverConfig) ([]SearchResult, error) {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = defaultSearchTimeout
	}
	multicast := config.Multicast
	if multicast == nil {
		multicast = DefaultMulticast
	}
	loggerFactory := config.LoggerFactory
	if loggerFactory == nil {
		loggerFactory = logging.NewDefaultLoggerFactory()
	}
	log := loggerFactory.NewLogger("knx-discover")

	laddr := &net.UDPAddr{}
	if config.Interface != nil {
		ip, err := interfaceIPv4(config.Interface)
		if err != nil {
			return nil, err
		}
		laddr.IP = ip
	}
	conn, err := net.ListenUDP("udp4", laddr)
	if err != nil {
		return nil, fmt.Errorf("knxnet: discover: %w", err)
	}
	defer conn.Close()

	pc := ipv4.NewPacketConn(conn)
	if config.Interface != nil {
		if err := pc.SetMulticastInterface(config.Interface); err != nil {
			log.Warnf("multicast interface: %v", err)
		}
	}
	if err := pc.SetMulticastTTL(16); err != nil {
		log.Debugf("multicast ttl: %v", err)
	}

	// Servers answer to the endpoint we announce, so a wildcard bind
	// needs the concrete outbound address filled in.
	hpai := HPAIFromAddr(conn.LocalAddr())
	if hpai.IP == nil || hpai.IP.IsUnspecified() {
		ip, err := outboundIPv4(multicast)
		if err != nil {
			return nil, err
		}
		hpai.IP = ip
	}

	if _, err := conn.WriteToUDP(MakeFrame(SearchRequest, hpai.Encode()), multicast); err != nil {
		return nil, fmt.Errorf("knxnet: discover: %w", err)
	}

	deadline := time.Now().Add(timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	var results []SearchResult
	seen := make(map[string]bool)
	buf := make([]byte, 1500)
	for {
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return results, ctx.Err()
			}
			return results, fmt.Errorf("knxnet: discover: %w", err)
		}
		res, err := parseSearchResponse(buf[:n])
		if err != nil {
			log.Debugf("ignoring answer from %s: %v", from, err)
			continue
		}
		key := res.Control.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		log.Debugf("found %q at %s", res.Device.FriendlyName, res.Control)
		results = append(results, *res)
	}
}

func parseSearchResponse(frame []byte) (*SearchResult, error) {
	service, body, err := SplitFrame(frame)
	if err != nil {
		return nil, err
	}
	if service != SearchResponse {
		return nil, fmt.Errorf("%w: expected SEARCH_RESPONSE, got %s", ErrFormat, service)
	}
	var res SearchResult
	n, err := res.Control.Decode(body)
	if err != nil {
		return nil, err
	}
	if err := walkDIBs(body[n:], &res.Device, &res.Families); err != nil {
		return nil, err
	}
	return &res, nil
}

// Describe asks the server at addr for its self description over
// unicast. The wait is bounded by the context deadline, or 3s without
// one.
func Describe(ctx context.Context, addr string) (*Description, error) {
	raddr, err := net.ResolveUDPAddr("udp4", addr)
	if err != nil {
		return nil, fmt.Errorf("knxnet: describe %q: %w", addr, err)
	}
	conn, err := net.DialUDP("udp4", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("knxnet: describe: %w", err)
	}
	defer conn.Close()

	hpai := HPAIFromAddr(conn.LocalAddr())
	if _, err := conn.Write(MakeFrame(DescriptionRequest, hpai.Encode())); err != nil {
		return nil, fmt.Errorf("knxnet: describe: %w", err)
	}

	deadline := time.Now().Add(defaultSearchTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetReadDeadline(deadline)
	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, 1500)
	for {
		n, err := conn.Read(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				return nil, fmt.Errorf("describe: %w", ErrTimeout)
			}
			return nil, fmt.Errorf("knxnet: describe: %w", err)
		}
		service, body, err := SplitFrame(buf[:n])
		if err != nil || service != DescriptionResponse {
			continue
		}
		var desc Description
		if err := walkDIBs(body, &desc.Device, &desc.Families); err != nil {
			return nil, err
		}
		return &desc, nil
	}
}

// interfaceIPv4 returns the first IPv4 address of the interface.
func interfaceIPv4(ifi *net.Interface) (net.IP, error) {
	addrs, err := ifi.Addrs()
	if err != nil {
		return nil, fmt.Errorf("knxnet: %w", err)
	}
	for _, a := range addrs {
		if ipnet, ok := a.(*net.IPNet); ok {
			if ip := ipnet.IP.To4(); ip != nil {
				return ip, nil
			}
		}
	}
	return nil, fmt.Errorf("knxnet: no IPv4 address on %s", ifi.Name)
}

// outboundIPv4 returns the local address the system would use to reach
// dst. Dialing UDP assigns the route without sending anything.
func outboundIPv4(dst *net.UDPAddr) (net.IP, error) {
	c, err := net.Dial("udp4", dst.String())
	if err != nil {
		return nil, fmt.Errorf("knxnet: discover: %w", err)
	}
	defer c.Close()
	return c.LocalAddr().(*net.UDPAddr).IP.To4(), nil
}
