package knxnet

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// startFakeServer answers search and description requests on a
// loopback UDP socket and returns its address. Search responses are
// sent twice to exercise duplicate folding.
func startFakeServer(t *testing.T, name string) *net.UDPAddr {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })

	info := testDeviceInfo()
	info.FriendlyName = name
	families := encodeFamilies([]ServiceFamily{
		{ID: FamilyCore, Version: 2},
		{ID: FamilyTunneling, Version: 2},
		{ID: FamilySecurity, Version: 1},
	})
	control := HPAIFromAddr(conn.LocalAddr())

	dibs := make([]byte, info.Size()+len(families))
	n := info.EncodeTo(dibs)
	copy(dibs[n:], families)

	go func() {
		buf := make([]byte, 1500)
		for {
			n, from, err := conn.ReadFromUDP(buf)
			if err != nil {
				return
			}
			service, body, err := SplitFrame(buf[:n])
			if err != nil {
				continue
			}
			switch service {
			case SearchRequest:
				var hp HPAI
				if _, err := hp.Decode(body); err != nil {
					continue
				}
				res := append(control.Encode(), dibs...)
				frame := MakeFrame(SearchResponse, res)
				_, _ = conn.WriteToUDP(frame, hp.Addr())
				_, _ = conn.WriteToUDP(frame, hp.Addr())
			case DescriptionRequest:
				_, _ = conn.WriteToUDP(MakeFrame(DescriptionResponse, dibs), from)
			}
		}
	}()

	return conn.LocalAddr().(*net.UDPAddr)
}

func TestDiscoverLoopback(t *testing.T) {
	addr := startFakeServer(t, "Loopback Gateway")

	results, err := Discover(context.Background(), DiscoverConfig{
		Timeout:   300 * time.Millisecond,
		Multicast: addr,
	})
	if err != nil {
		t.Fatalf("discover: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("found %d servers, want 1 (duplicates folded)", len(results))
	}

	res := results[0]
	if !res.Control.IP.Equal(addr.IP) || int(res.Control.Port) != addr.Port {
		t.Fatalf("control endpoint %s, want %s", res.Control, addr)
	}
	if res.Device.FriendlyName != "Loopback Gateway" {
		t.Fatalf("friendly name %q", res.Device.FriendlyName)
	}
	if !res.Supports(FamilyTunneling, 2) {
		t.Fatal("server should announce tunneling v2")
	}
}

func TestDiscoverContextCancel(t *testing.T) {
	startFakeServer(t, "Loopback Gateway")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := Discover(ctx, DiscoverConfig{
		Timeout:   10 * time.Second,
		Multicast: &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9}, // nobody listens
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("got %v, want context.Canceled", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Fatalf("cancellation took %s", elapsed)
	}
}

func TestDescribe(t *testing.T) {
	addr := startFakeServer(t, "Loopback Gateway")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	desc, err := Describe(ctx, addr.String())
	if err != nil {
		t.Fatalf("describe: %v", err)
	}
	if desc.Device.FriendlyName != "Loopback Gateway" {
		t.Fatalf("friendly name %q", desc.Device.FriendlyName)
	}
	if !desc.Supports(FamilyCore, 2) {
		t.Fatal("server should announce core v2")
	}
}

func TestDescribeTimeout(t *testing.T) {
	// A socket that never answers.
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if _, err := Describe(ctx, conn.LocalAddr().String()); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("got %v, want context.DeadlineExceeded", err)
	}
}

func TestParseSearchResponse(t *testing.T) {
	if _, err := parseSearchResponse(MakeFrame(SearchRequest, []byte{0x08, 0x01, 0, 0, 0, 0, 0, 0})); !errors.Is(err, ErrFormat) {
		t.Fatalf("wrong service: got %v, want ErrFormat", err)
	}
	if _, err := parseSearchResponse([]byte{0x01, 0x02}); !errors.Is(err, ErrFormat) {
		t.Fatalf("garbage: got %v, want ErrFormat", err)
	}
}
