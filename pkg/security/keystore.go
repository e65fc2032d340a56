// Package security holds the decrypted secrets of one or more KNX
// installations and hands them to secure connections.
//
// A Keystore is an explicit collaborator: construct one, feed it
// keyrings, pass it to whatever needs keys. There is deliberately no
// package-level default instance, so independent installations can
// coexist in one process.
package security

import (
	"fmt"
	"sync"

	"github.com/backkem/knx/pkg/cemi"
	"github.com/backkem/knx/pkg/crypto"
	"github.com/backkem/knx/pkg/keyring"
)

// Credential is the secure-session login material of one tunneling
// interface: the user ID plus the derived user and device
// authentication keys. Keys may be nil when the keyring carried no
// password or authentication code for the interface.
type Credential struct {
	// Addr is the interface's own individual address, the tunnel
	// address a session on it will be assigned.
	Addr cemi.IndividualAddr

	UserID        uint8
	UserKey       []byte
	DeviceAuthKey []byte
}

// Keystore holds decrypted keys, indexed for connection setup. Safe
// for concurrent use; readers run while connections are live.
type Keystore struct {
	mu           sync.RWMutex
	toolKeys     map[cemi.IndividualAddr][]byte
	groupKeys    map[cemi.GroupAddr][]byte
	groupSenders map[cemi.GroupAddr][]cemi.IndividualAddr
	credentials  map[cemi.IndividualAddr][]Credential
	sequences    map[cemi.IndividualAddr]uint64
	backboneKey  []byte
}

// NewKeystore creates an empty keystore.
func NewKeystore() *Keystore {
	return &Keystore{
		toolKeys:     make(map[cemi.IndividualAddr][]byte),
		groupKeys:    make(map[cemi.GroupAddr][]byte),
		groupSenders: make(map[cemi.GroupAddr][]cemi.IndividualAddr),
		credentials:  make(map[cemi.IndividualAddr][]Credential),
		sequences:    make(map[cemi.IndividualAddr]uint64),
	}
}

// staging collects decrypted material before any of it is merged, so
// a failing keyring contributes nothing at all.
type staging struct {
	toolKeys     map[cemi.IndividualAddr][]byte
	groupKeys    map[cemi.GroupAddr][]byte
	groupSenders map[cemi.GroupAddr][]cemi.IndividualAddr
	credentials  map[cemi.IndividualAddr][]Credential
	sequences    map[cemi.IndividualAddr]uint64
	backboneKey  []byte
}

// AddKeyring decrypts a keyring's secrets and merges them into the
// store. The password is checked against the container signature
// before anything is decrypted; a keyring that does not verify merges
// nothing. Later keyrings win on colliding addresses.
func (s *Keystore) AddKeyring(kr *keyring.Keyring, password []byte) error {
	ok, err := kr.VerifySignature(password)
	if err != nil {
		return fmt.Errorf("security: keyring %q: %w", kr.Project, err)
	}
	if !ok {
		return fmt.Errorf("security: keyring %q: %w", kr.Project, keyring.ErrSignatureMismatch)
	}

	st := staging{
		toolKeys:     make(map[cemi.IndividualAddr][]byte),
		groupKeys:    make(map[cemi.GroupAddr][]byte),
		groupSenders: make(map[cemi.GroupAddr][]cemi.IndividualAddr),
		credentials:  make(map[cemi.IndividualAddr][]Credential),
		sequences:    make(map[cemi.IndividualAddr]uint64),
	}

	for addr, dev := range kr.Devices {
		if dev.ToolKey != nil {
			key, err := kr.DecryptKey(dev.ToolKey, password)
			if err != nil {
				return fmt.Errorf("security: tool key of %s: %w", addr, err)
			}
			st.toolKeys[addr] = key
		}
		st.sequences[addr] = dev.SequenceNumber
	}

	for ga, enc := range kr.GroupKeys {
		key, err := kr.DecryptKey(enc, password)
		if err != nil {
			return fmt.Errorf("security: group key of %s: %w", ga, err)
		}
		st.groupKeys[ga] = key
	}

	if kr.Backbone != nil && kr.Backbone.GroupKey != nil {
		key, err := kr.DecryptKey(kr.Backbone.GroupKey, password)
		if err != nil {
			return fmt.Errorf("security: backbone key: %w", err)
		}
		st.backboneKey = key
	}

	for host, entries := range kr.Interfaces {
		for _, entry := range entries {
			cred := Credential{Addr: entry.Addr, UserID: entry.UserID}

			if entry.Password != nil {
				pwd, err := kr.DecryptPassword(entry.Password, password)
				if err != nil {
					return fmt.Errorf("security: password of interface %s: %w", entry.Addr, err)
				}
				cred.UserKey = crypto.UserPasswordKey(pwd)
				crypto.Wipe(pwd)
			}
			if entry.Authentication != nil {
				code, err := kr.DecryptPassword(entry.Authentication, password)
				if err != nil {
					return fmt.Errorf("security: authentication of interface %s: %w", entry.Addr, err)
				}
				cred.DeviceAuthKey = crypto.DeviceAuthKey(code)
				crypto.Wipe(code)
			}
			for ga, senders := range entry.Groups {
				st.groupSenders[ga] = append([]cemi.IndividualAddr(nil), senders...)
			}
			st.credentials[host] = append(st.credentials[host], cred)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, key := range st.toolKeys {
		s.toolKeys[addr] = key
	}
	for ga, key := range st.groupKeys {
		s.groupKeys[ga] = key
	}
	for ga, senders := range st.groupSenders {
		s.groupSenders[ga] = senders
	}
	for host, creds := range st.credentials {
		s.credentials[host] = creds
	}
	for addr, seq := range st.sequences {
		s.sequences[addr] = seq
	}
	if st.backboneKey != nil {
		s.backboneKey = st.backboneKey
	}
	return nil
}

// ToolKey returns a copy of the management tool key of a device.
func (s *Keystore) ToolKey(addr cemi.IndividualAddr) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.toolKeys[addr]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), key...), true
}

// GroupKey returns a copy of the key of a secured group address.
func (s *Keystore) GroupKey(ga cemi.GroupAddr) ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	key, ok := s.groupKeys[ga]
	if !ok {
		return nil, false
	}
	return append([]byte(nil), key...), true
}

// GroupSenders returns the individual addresses allowed to send to a
// secured group address.
func (s *Keystore) GroupSenders(ga cemi.GroupAddr) ([]cemi.IndividualAddr, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	senders, ok := s.groupSenders[ga]
	if !ok {
		return nil, false
	}
	return append([]cemi.IndividualAddr(nil), senders...), true
}

// InterfaceCredentials returns the credentials of all interfaces of a
// host device, in keyring order. Keys in the result are copies.
func (s *Keystore) InterfaceCredentials(host cemi.IndividualAddr) []Credential {
	s.mu.RLock()
	defer s.mu.RUnlock()
	creds := s.credentials[host]
	out := make([]Credential, len(creds))
	for i, c := range creds {
		out[i] = Credential{
			Addr:          c.Addr,
			UserID:        c.UserID,
			UserKey:       append([]byte(nil), c.UserKey...),
			DeviceAuthKey: append([]byte(nil), c.DeviceAuthKey...),
		}
	}
	return out
}

// BackboneKey returns a copy of the routing backbone key.
func (s *Keystore) BackboneKey() ([]byte, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.backboneKey == nil {
		return nil, false
	}
	return append([]byte(nil), s.backboneKey...), true
}

// DeviceSequence returns the last known secure sending sequence of a
// device, as recorded in the keyring.
func (s *Keystore) DeviceSequence(addr cemi.IndividualAddr) (uint64, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.sequences[addr]
	return seq, ok
}

// Zeroize overwrites all stored key material and empties the store.
func (s *Keystore) Zeroize() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, key := range s.toolKeys {
		crypto.Wipe(key)
	}
	for _, key := range s.groupKeys {
		crypto.Wipe(key)
	}
	for _, creds := range s.credentials {
		for _, c := range creds {
			crypto.Wipe(c.UserKey)
			crypto.Wipe(c.DeviceAuthKey)
		}
	}
	crypto.Wipe(s.backboneKey)

	s.toolKeys = make(map[cemi.IndividualAddr][]byte)
	s.groupKeys = make(map[cemi.GroupAddr][]byte)
	s.groupSenders = make(map[cemi.GroupAddr][]cemi.IndividualAddr)
	s.credentials = make(map[cemi.IndividualAddr][]Credential)
	s.sequences = make(map[cemi.IndividualAddr]uint64)
	s.backboneKey = nil
}
