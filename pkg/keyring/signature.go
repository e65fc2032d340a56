package keyring

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/backkem/knx/pkg/crypto"
)

// Framing bytes of the canonical signature stream.
const (
	sigStartElement = 0x01
	sigEndElement   = 0x02
)

// VerifySignature recomputes the container signature with the given
// password and compares it against the stored one. The signature binds
// content and password at once, so a mismatch does not tell a wrong
// password apart from a modified document.
func (k *Keyring) VerifySignature(password []byte) (bool, error) {
	pwHash := crypto.DeriveKey(password, []byte(crypto.KeyringSalt))
	sig, err := signContainer(k.raw, pwHash)
	if err != nil {
		return false, err
	}
	return sig == k.Signature, nil
}

// signContainer hashes the canonical form of the container: for each
// start element a 0x01 marker, the length-prefixed local name and the
// length-prefixed name/value pairs of its attributes sorted by local
// name, for each end element a 0x02 marker, and finally the
// length-prefixed base64 text of the password hash. Namespace
// declarations and the Signature attribute itself stay out of the
// stream. Text content never contributes.
func signContainer(data []byte, passwordHash []byte) ([16]byte, error) {
	var stream bytes.Buffer
	dec := xml.NewDecoder(bytes.NewReader(data))

	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return [16]byte{}, fmt.Errorf("%w: %v", ErrFormat, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			stream.WriteByte(sigStartElement)
			writeSigString(&stream, t.Name.Local)

			attrs := make([]xml.Attr, 0, len(t.Attr))
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" || a.Name.Local == "Signature" {
					continue
				}
				attrs = append(attrs, a)
			}
			sort.Slice(attrs, func(i, j int) bool {
				return attrs[i].Name.Local < attrs[j].Name.Local
			})
			for _, a := range attrs {
				writeSigString(&stream, a.Name.Local)
				writeSigString(&stream, a.Value)
			}

		case xml.EndElement:
			stream.WriteByte(sigEndElement)
		}
	}

	writeSigString(&stream, base64.StdEncoding.EncodeToString(passwordHash))
	return crypto.SHA256Trunc16(stream.Bytes()), nil
}

// writeSigString writes a single length byte followed by the string
// bytes. Lengths wrap at 256, matching the historical stream format;
// real containers never reach that.
func writeSigString(stream *bytes.Buffer, s string) {
	stream.WriteByte(byte(len(s)))
	stream.WriteString(s)
}
