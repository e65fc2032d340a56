// Package keyring reads ETS keyring containers (.knxkeys files), the
// password-protected export format for KNX installation secrets: device
// tool keys, group keys and tunneling interface credentials.
//
// A container is loaded once and immutable afterwards. Encrypted fields
// stay encrypted in the document; DecryptKey and DecryptPassword
// recover the plaintext on demand so that key material lives no longer
// than the caller needs it.
package keyring

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/pion/logging"

	"github.com/backkem/knx/pkg/cemi"
	"github.com/backkem/knx/pkg/crypto"
)

// Namespace is the XML namespace of keyring containers.
const Namespace = "http://knx.org/xml/keyring/1"

// rootElement is the required document root.
const rootElement = "Keyring"

// Encrypted field sizes. Keys encrypt block-aligned without padding,
// passwords and authentication codes encrypt to two blocks.
const (
	encryptedKeySize      = 16
	encryptedPasswordSize = 32
)

// systemSetupMulticast is the lowest multicast address a keyring
// backbone may use, the KNXnet/IP system setup address 224.0.23.12.
const systemSetupMulticast = 0xE000170C

// InterfaceType classifies a keyring interface entry.
type InterfaceType uint8

const (
	InterfaceBackbone InterfaceType = iota + 1
	InterfaceTunneling
	InterfaceUSB
)

// String returns the container spelling of the interface type.
func (t InterfaceType) String() string {
	switch t {
	case InterfaceBackbone:
		return "Backbone"
	case InterfaceTunneling:
		return "Tunneling"
	case InterfaceUSB:
		return "USB"
	default:
		return "Unknown"
	}
}

func parseInterfaceType(s string) (InterfaceType, bool) {
	switch strings.ToLower(s) {
	case "backbone":
		return InterfaceBackbone, true
	case "tunneling":
		return InterfaceTunneling, true
	case "usb":
		return InterfaceUSB, true
	default:
		return 0, false
	}
}

// Backbone is the routing backbone entry of a keyring.
type Backbone struct {
	// MulticastGroup is the routing multicast address, at or above the
	// system setup address 224.0.23.12.
	MulticastGroup net.IP

	// GroupKey is the encrypted backbone key, nil when absent.
	GroupKey []byte

	// Latency is the tolerated multicast propagation delay.
	Latency time.Duration
}

// Interface is one access entry, usually a secure tunneling endpoint
// of an IP interface or router.
type Interface struct {
	Type InterfaceType

	// Addr is the interface's own individual address.
	Addr cemi.IndividualAddr

	// Host is the device hosting this interface. Interfaces are looked
	// up by host; entries without a Host attribute key by Addr.
	Host cemi.IndividualAddr

	// UserID is the secure session user this interface authenticates.
	UserID uint8

	// Password and Authentication are the encrypted user password and
	// device authentication code, nil when absent.
	Password       []byte
	Authentication []byte

	// Groups maps each group address used by the interface to the
	// senders allowed on it. Populated while the element is parsed and
	// read-only afterwards.
	Groups map[cemi.GroupAddr][]cemi.IndividualAddr
}

// Device is a commissioned device entry.
type Device struct {
	Addr cemi.IndividualAddr

	// ToolKey is the encrypted management tool key, nil when absent.
	ToolKey []byte

	// Password and Authentication are the encrypted management
	// password and authentication code, nil when absent.
	Password       []byte
	Authentication []byte

	// SequenceNumber is the device's last known secure sending
	// sequence (48 bit).
	SequenceNumber uint64
}

// Keyring is a parsed container. All maps are populated during Load
// and must be treated as read-only.
type Keyring struct {
	Project   string
	CreatedBy string
	Created   string

	// Signature is the stored password-bound content hash.
	Signature [16]byte

	Backbone   *Backbone
	Interfaces map[cemi.IndividualAddr][]Interface
	Devices    map[cemi.IndividualAddr]Device
	GroupKeys  map[cemi.GroupAddr][]byte

	// createdHash doubles as the AES-CBC IV for every encrypted field
	// in this document.
	createdHash [16]byte

	// raw preserves the container bytes for signature verification.
	raw []byte

	log logging.LeveledLogger
}

// Option configures loading.
type Option func(*loadConfig)

type loadConfig struct {
	lenient bool
	lf      logging.LoggerFactory
}

// WithLenientSignature downgrades a signature mismatch during load
// from a fatal error to a warning. Intended for inspecting damaged or
// foreign containers, never for production use of the keys.
func WithLenientSignature() Option {
	return func(c *loadConfig) { c.lenient = true }
}

// WithLoggerFactory sets the logger factory, defaulting to pion's
// default factory.
func WithLoggerFactory(lf logging.LoggerFactory) Option {
	return func(c *loadConfig) { c.lf = lf }
}

// Load reads and parses a keyring file. The file extension must be
// .knxkeys. A non-empty password verifies the container signature
// before any key is trusted.
func Load(path string, password []byte, opts ...Option) (*Keyring, error) {
	if !strings.HasSuffix(strings.ToLower(path), ".knxkeys") {
		return nil, fmt.Errorf("%w: file extension must be .knxkeys: %s", ErrFormat, path)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("keyring: reading %s: %w", path, err)
	}
	return Parse(data, password, opts...)
}

// Parse parses container bytes. See Load.
func Parse(data []byte, password []byte, opts ...Option) (*Keyring, error) {
	cfg := loadConfig{lf: logging.NewDefaultLoggerFactory()}
	for _, opt := range opts {
		opt(&cfg)
	}

	k := &Keyring{
		Interfaces: make(map[cemi.IndividualAddr][]Interface),
		Devices:    make(map[cemi.IndividualAddr]Device),
		GroupKeys:  make(map[cemi.GroupAddr][]byte),
		raw:        append([]byte(nil), data...),
		log:        cfg.lf.NewLogger("knx-keyring"),
	}
	if err := k.parse(); err != nil {
		return nil, err
	}
	k.createdHash = crypto.SHA256Trunc16([]byte(k.Created))

	if len(password) > 0 {
		ok, err := k.VerifySignature(password)
		if err != nil {
			return nil, err
		}
		if !ok {
			if !cfg.lenient {
				return nil, fmt.Errorf("%w: wrong password or modified container", ErrSignatureMismatch)
			}
			k.log.Warnf("keyring %q: signature mismatch ignored (lenient mode)", k.Project)
		}
	}
	return k, nil
}

// parse runs the single forward pass that builds the document.
func (k *Keyring) parse() error {
	dec := xml.NewDecoder(bytes.NewReader(k.raw))

	// Containers currently open; the top decides how a child element
	// is interpreted. Leaf elements are consumed by skip and never
	// pushed.
	var stack []string
	var iface *ifaceBuilder
	rootSeen := false

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: %v", ErrFormat, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if !rootSeen {
				if t.Name.Space != Namespace || t.Name.Local != rootElement {
					return fmt.Errorf("%w: root element is {%s}%s, want {%s}%s",
						ErrFormat, t.Name.Space, t.Name.Local, Namespace, rootElement)
				}
				if err := k.parseRoot(t); err != nil {
					return err
				}
				rootSeen = true
				stack = append(stack, rootElement)
				continue
			}

			if len(stack) == 0 {
				return fmt.Errorf("%w: content after document root", ErrFormat)
			}

			parent := stack[len(stack)-1]
			switch {
			case parent == rootElement && t.Name.Local == "Backbone":
				if err := k.parseBackbone(t); err != nil {
					return err
				}
				if err := dec.Skip(); err != nil {
					return fmt.Errorf("%w: %v", ErrFormat, err)
				}
			case parent == rootElement && t.Name.Local == "Interface":
				b, err := newIfaceBuilder(t)
				if err != nil {
					return err
				}
				iface = b
				stack = append(stack, "Interface")
			case parent == rootElement && (t.Name.Local == "Devices" || t.Name.Local == "GroupAddresses"):
				stack = append(stack, t.Name.Local)
			case parent == "Interface" && t.Name.Local == "Group":
				if err := iface.addGroup(t); err != nil {
					return err
				}
				if err := dec.Skip(); err != nil {
					return fmt.Errorf("%w: %v", ErrFormat, err)
				}
			case parent == "Devices" && t.Name.Local == "Device":
				if err := k.parseDevice(t); err != nil {
					return err
				}
				if err := dec.Skip(); err != nil {
					return fmt.Errorf("%w: %v", ErrFormat, err)
				}
			case parent == "GroupAddresses" && t.Name.Local == "Group":
				if err := k.parseGroupKey(t); err != nil {
					return err
				}
				if err := dec.Skip(); err != nil {
					return fmt.Errorf("%w: %v", ErrFormat, err)
				}
			default:
				// Forward compatible: newer containers may add elements.
				k.log.Debugf("skipping unknown element %q under %q", t.Name.Local, parent)
				if err := dec.Skip(); err != nil {
					return fmt.Errorf("%w: %v", ErrFormat, err)
				}
			}

		case xml.EndElement:
			if len(stack) == 0 {
				return fmt.Errorf("%w: unbalanced end element %s", ErrFormat, t.Name.Local)
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if top == "Interface" {
				entry := iface.finalize()
				k.Interfaces[entry.Host] = append(k.Interfaces[entry.Host], entry)
				iface = nil
			}
		}
	}

	if !rootSeen {
		return fmt.Errorf("%w: no root element", ErrFormat)
	}
	return nil
}

func (k *Keyring) parseRoot(t xml.StartElement) error {
	k.Project = attrVal(t, "Project")
	k.CreatedBy = attrVal(t, "CreatedBy")
	k.Created = attrVal(t, "Created")

	sig, err := b64attr(t, "Signature", encryptedKeySize)
	if err != nil {
		return err
	}
	if sig == nil {
		return fmt.Errorf("%w: missing Signature attribute", ErrFormat)
	}
	copy(k.Signature[:], sig)
	return nil
}

func (k *Keyring) parseBackbone(t xml.StartElement) error {
	if k.Backbone != nil {
		return fmt.Errorf("%w: more than one Backbone element", ErrFormat)
	}

	addr := attrVal(t, "MulticastAddress")
	ip := net.ParseIP(addr).To4()
	if ip == nil || !ip.IsMulticast() || binary.BigEndian.Uint32(ip) < systemSetupMulticast {
		return fmt.Errorf("%w: invalid backbone multicast address %q", ErrFormat, addr)
	}

	bb := &Backbone{MulticastGroup: ip}
	if lat := attrVal(t, "Latency"); lat != "" {
		ms, err := strconv.ParseUint(lat, 10, 32)
		if err != nil {
			return fmt.Errorf("%w: backbone latency %q", ErrFormat, lat)
		}
		bb.Latency = time.Duration(ms) * time.Millisecond
	}
	key, err := b64attr(t, "Key", encryptedKeySize)
	if err != nil {
		return err
	}
	bb.GroupKey = key

	k.Backbone = bb
	return nil
}

func (k *Keyring) parseDevice(t xml.StartElement) error {
	addr, err := cemi.ParseIndividualAddr(attrVal(t, "IndividualAddress"))
	if err != nil {
		return fmt.Errorf("%w: device address: %v", ErrFormat, err)
	}

	d := Device{Addr: addr}
	if d.ToolKey, err = b64attr(t, "ToolKey", encryptedKeySize); err != nil {
		return err
	}
	if d.Password, err = b64attr(t, "ManagementPassword", encryptedPasswordSize); err != nil {
		return err
	}
	if d.Authentication, err = b64attr(t, "Authentication", encryptedPasswordSize); err != nil {
		return err
	}
	if seq := attrVal(t, "SequenceNumber"); seq != "" {
		n, err := strconv.ParseUint(seq, 10, 64)
		if err != nil || n >= 1<<48 {
			return fmt.Errorf("%w: device sequence number %q", ErrFormat, seq)
		}
		d.SequenceNumber = n
	}

	k.Devices[addr] = d
	return nil
}

func (k *Keyring) parseGroupKey(t xml.StartElement) error {
	ga, err := cemi.ParseGroupAddr(attrVal(t, "Address"))
	if err != nil {
		return fmt.Errorf("%w: group address: %v", ErrFormat, err)
	}
	key, err := b64attr(t, "Key", encryptedKeySize)
	if err != nil {
		return err
	}
	if key == nil {
		return fmt.Errorf("%w: group %s without key", ErrFormat, ga)
	}
	k.GroupKeys[ga] = key
	return nil
}

// ifaceBuilder accumulates one Interface element; the group map is
// handed over only when the element closes.
type ifaceBuilder struct {
	entry  Interface
	groups map[cemi.GroupAddr][]cemi.IndividualAddr
}

func newIfaceBuilder(t xml.StartElement) (*ifaceBuilder, error) {
	typ, ok := parseInterfaceType(attrVal(t, "Type"))
	if !ok {
		return nil, fmt.Errorf("%w: interface type %q", ErrFormat, attrVal(t, "Type"))
	}

	addr, err := cemi.ParseIndividualAddr(attrVal(t, "IndividualAddress"))
	if err != nil {
		return nil, fmt.Errorf("%w: interface address: %v", ErrFormat, err)
	}

	b := &ifaceBuilder{
		entry:  Interface{Type: typ, Addr: addr, Host: addr},
		groups: make(map[cemi.GroupAddr][]cemi.IndividualAddr),
	}

	if host := attrVal(t, "Host"); host != "" {
		h, err := cemi.ParseIndividualAddr(host)
		if err != nil {
			return nil, fmt.Errorf("%w: interface host: %v", ErrFormat, err)
		}
		b.entry.Host = h
	}
	if id := attrVal(t, "UserID"); id != "" {
		n, err := strconv.ParseUint(id, 10, 8)
		if err != nil {
			return nil, fmt.Errorf("%w: interface user id %q", ErrFormat, id)
		}
		b.entry.UserID = uint8(n)
	}
	if b.entry.Password, err = b64attr(t, "Password", encryptedPasswordSize); err != nil {
		return nil, err
	}
	if b.entry.Authentication, err = b64attr(t, "Authentication", encryptedPasswordSize); err != nil {
		return nil, err
	}
	return b, nil
}

func (b *ifaceBuilder) addGroup(t xml.StartElement) error {
	ga, err := cemi.ParseGroupAddr(attrVal(t, "Address"))
	if err != nil {
		return fmt.Errorf("%w: interface group address: %v", ErrFormat, err)
	}

	var senders []cemi.IndividualAddr
	for _, s := range strings.Fields(attrVal(t, "Senders")) {
		addr, err := cemi.ParseIndividualAddr(s)
		if err != nil {
			return fmt.Errorf("%w: group sender: %v", ErrFormat, err)
		}
		senders = append(senders, addr)
	}
	b.groups[ga] = senders
	return nil
}

func (b *ifaceBuilder) finalize() Interface {
	b.entry.Groups = b.groups
	return b.entry
}

// DecryptKey decrypts a 16-byte encrypted key from this document with
// the keyring password. Failures deliberately carry no cause detail.
func (k *Keyring) DecryptKey(encrypted, password []byte) ([]byte, error) {
	if len(encrypted) != encryptedKeySize {
		return nil, ErrDecrypt
	}
	key := crypto.DeriveKey(password, []byte(crypto.KeyringSalt))
	pt, err := crypto.DecryptCBC(encrypted, key, k.createdHash[:])
	if err != nil {
		return nil, ErrDecrypt
	}
	return pt, nil
}

// DecryptPassword decrypts an encrypted password or authentication
// code. Password bytes map one-to-one to characters; the format
// restricts passwords to single-byte encodings.
func (k *Keyring) DecryptPassword(encrypted, password []byte) ([]byte, error) {
	if len(encrypted) == 0 {
		return nil, nil
	}
	if len(encrypted) != encryptedPasswordSize {
		return nil, ErrDecrypt
	}
	key := crypto.DeriveKey(password, []byte(crypto.KeyringSalt))
	block, err := crypto.DecryptCBC(encrypted, key, k.createdHash[:])
	if err != nil {
		return nil, ErrDecrypt
	}
	pwd, err := crypto.ExtractPassword(block)
	if err != nil {
		return nil, ErrDecrypt
	}
	return pwd, nil
}

// attrVal returns an attribute by local name, empty when absent.
func attrVal(t xml.StartElement, name string) string {
	for _, a := range t.Attr {
		if a.Name.Local == name {
			return a.Value
		}
	}
	return ""
}

// b64attr decodes a base64 attribute and enforces its exact decoded
// size. Absent attributes yield nil. Wrong sizes mean a corrupted
// container, not a user error.
func b64attr(t xml.StartElement, name string, wantLen int) ([]byte, error) {
	v := attrVal(t, name)
	if v == "" {
		return nil, nil
	}
	raw, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return nil, fmt.Errorf("%w: attribute %s is not base64", ErrFormat, name)
	}
	if len(raw) != wantLen {
		return nil, fmt.Errorf("%w: attribute %s has %d bytes, want %d", ErrFormat, name, len(raw), wantLen)
	}
	return raw, nil
}
