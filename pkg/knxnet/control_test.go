package knxnet

import (
	"bytes"
	"errors"
	"net"
	"testing"
)

func TestConnectReqCodec(t *testing.T) {
	req := ConnectReq{
		Control: HPAI{Protocol: ProtoUDP, IP: net.IPv4(192, 168, 1, 10), Port: 50000},
		Data:    HPAI{Protocol: ProtoUDP, IP: net.IPv4(192, 168, 1, 10), Port: 50001},
		CRI:     CRI{Type: ConnTunnel, Layer: LayerLinkLayer},
	}

	buf := req.Encode()
	if len(buf) != 8+8+4 {
		t.Fatalf("encoded %d bytes, want 20", len(buf))
	}

	var got ConnectReq
	n, err := got.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != len(buf) {
		t.Fatalf("consumed %d bytes, want %d", n, len(buf))
	}
	if got.Control.Port != 50000 || got.Data.Port != 50001 {
		t.Fatalf("decoded %+v", got)
	}
	if got.CRI.Type != ConnTunnel || got.CRI.Layer != LayerLinkLayer {
		t.Fatalf("decoded CRI %+v", got.CRI)
	}
}

func TestConnectResCodec(t *testing.T) {
	res := ConnectRes{
		Channel: 21,
		Status:  StatusNoError,
		Data:    HPAI{Protocol: ProtoUDP, IP: net.IPv4(192, 168, 1, 1), Port: 3671},
		CRD:     CRD{Type: ConnTunnel, Addr: 0x11fa},
	}

	buf := res.Encode()
	var got ConnectRes
	if _, err := got.Decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Channel != 21 || got.Status != StatusNoError || got.CRD.Addr != 0x11fa {
		t.Fatalf("decoded %+v", got)
	}
}

func TestConnectResRejected(t *testing.T) {
	// A rejected request is answered with channel and status alone.
	res := ConnectRes{Status: StatusNoMoreConnections}

	buf := res.Encode()
	if !bytes.Equal(buf, []byte{0x00, 0x24}) {
		t.Fatalf("encoded %x", buf)
	}

	var got ConnectRes
	n, err := got.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != 2 || got.Status != StatusNoMoreConnections {
		t.Fatalf("decoded %+v after %d bytes", got, n)
	}
	if !errors.Is(got.Status.Err(), ErrNoMoreConnections) {
		t.Fatalf("status error %v", got.Status.Err())
	}
}

func TestConnStateCodec(t *testing.T) {
	req := ConnStateReq{
		Channel: 7,
		Control: HPAI{Protocol: ProtoUDP, IP: net.IPv4(10, 0, 0, 1), Port: 1234},
	}
	buf := req.Encode()
	if buf[0] != 7 || buf[1] != 0x00 {
		t.Fatalf("encoded %x", buf)
	}

	var gotReq ConnStateReq
	if _, err := gotReq.Decode(buf); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if gotReq.Channel != 7 || gotReq.Control.Port != 1234 {
		t.Fatalf("decoded %+v", gotReq)
	}

	res := ConnStateRes{Channel: 7, Status: StatusConnectionID}
	var gotRes ConnStateRes
	if _, err := gotRes.Decode(res.Encode()); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if gotRes != res {
		t.Fatalf("decoded %+v, want %+v", gotRes, res)
	}
}

func TestConnHeaderCodec(t *testing.T) {
	h := ConnHeader{Channel: 9, Seq: 133, Status: StatusNoError}

	buf := make([]byte, h.Size())
	h.EncodeTo(buf)
	if !bytes.Equal(buf, []byte{0x04, 0x09, 0x85, 0x00}) {
		t.Fatalf("encoded %x", buf)
	}

	var got ConnHeader
	n, err := got.Decode(buf)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if n != 4 || got != h {
		t.Fatalf("decoded %+v after %d bytes", got, n)
	}

	if _, err := got.Decode([]byte{0x05, 0x09, 0x85, 0x00}); !errors.Is(err, ErrFormat) {
		t.Fatalf("bad length: got %v, want ErrFormat", err)
	}
}
