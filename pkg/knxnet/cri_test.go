package knxnet

import (
	"bytes"
	"errors"
	"testing"

	"github.com/backkem/knx/pkg/cemi"
)

func TestCRICodec(t *testing.T) {
	cases := []struct {
		name string
		cri  CRI
		want []byte
	}{
		{"tunnel link layer", CRI{Type: ConnTunnel, Layer: LayerLinkLayer}, []byte{0x04, 0x04, 0x02, 0x00}},
		{"tunnel busmonitor", CRI{Type: ConnTunnel, Layer: LayerBusmonitor}, []byte{0x04, 0x04, 0x80, 0x00}},
		{"device management", CRI{Type: ConnDeviceMgmt}, []byte{0x02, 0x03}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			buf := make([]byte, c.cri.Size())
			if n := c.cri.EncodeTo(buf); n != len(c.want) {
				t.Fatalf("encoded %d bytes, want %d", n, len(c.want))
			}
			if !bytes.Equal(buf, c.want) {
				t.Fatalf("encoded %x, want %x", buf, c.want)
			}

			var got CRI
			n, err := got.Decode(buf)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if n != len(c.want) {
				t.Fatalf("consumed %d bytes, want %d", n, len(c.want))
			}
			if got.Type != c.cri.Type || got.Layer != c.cri.Layer {
				t.Fatalf("decoded %+v, want %+v", got, c.cri)
			}
		})
	}
}

func TestCRIDecodeErrors(t *testing.T) {
	cases := []struct {
		name string
		data []byte
	}{
		{"short", []byte{0x04}},
		{"length beyond data", []byte{0x04, 0x04, 0x02}},
		{"unknown type", []byte{0x02, 0x07}},
		{"unknown layer", []byte{0x04, 0x04, 0x42, 0x00}},
		{"tunnel with devmgmt length", []byte{0x02, 0x04}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			var cri CRI
			if _, err := cri.Decode(c.data); !errors.Is(err, ErrFormat) {
				t.Fatalf("got %v, want ErrFormat", err)
			}
		})
	}
}

func TestCRDCodec(t *testing.T) {
	addr, err := cemi.ParseIndividualAddr("1.1.250")
	if err != nil {
		t.Fatal(err)
	}
	crd := CRD{Type: ConnTunnel, Addr: addr}

	buf := make([]byte, crd.Size())
	crd.EncodeTo(buf)
	want := []byte{0x04, 0x04, 0x11, 0xfa}
	if !bytes.Equal(buf, want) {
		t.Fatalf("encoded %x, want %x", buf, want)
	}

	var got CRD
	if _, err := got.Decode(buf); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != ConnTunnel || got.Addr != addr {
		t.Fatalf("decoded %+v, want %+v", got, crd)
	}

	mgmt := CRD{Type: ConnDeviceMgmt}
	buf = make([]byte, mgmt.Size())
	mgmt.EncodeTo(buf)
	if !bytes.Equal(buf, []byte{0x02, 0x03}) {
		t.Fatalf("encoded %x", buf)
	}
}
