package crypto

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"
)

// RFC 7748 Section 6.1 Diffie-Hellman vector.
const (
	alicePrivHex = "77076d0a7318a57d3c16c17251b26645df4c2f87ebc0992ab177fba51db92c2a"
	alicePubHex  = "8520f0098930a754748b7ddcb43ef75a0dbf3a0d26381af4eba4a98eaa9b4e6a"
	bobPrivHex   = "5dab087e624a8a4b79e17f8b83800ee66f3bb1292618b6fd1c2f8b27ff88e0eb"
	bobPubHex    = "de9edb7d7b7dc1b4d35b61c2ece435373f8343c85b78674dadfc7e146f882b4f"
	sharedHex    = "4a5d9d5ba4ce2de1728e3bf480350f25e07e21c947d19e3376f09b3c1e161742"
)

func keypairFromHex(t *testing.T, privHex string) *Keypair {
	t.Helper()
	priv, err := hex.DecodeString(privHex)
	if err != nil {
		t.Fatal(err)
	}
	kp, err := GenerateKeypair(bytes.NewReader(priv))
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return kp
}

func TestKeypairRFC7748(t *testing.T) {
	alice := keypairFromHex(t, alicePrivHex)
	bob := keypairFromHex(t, bobPrivHex)

	if got := hex.EncodeToString(alice.Public[:]); got != alicePubHex {
		t.Errorf("alice public = %s, want %s", got, alicePubHex)
	}
	if got := hex.EncodeToString(bob.Public[:]); got != bobPubHex {
		t.Errorf("bob public = %s, want %s", got, bobPubHex)
	}

	fromAlice, err := alice.SharedSecret(bob.Public[:])
	if err != nil {
		t.Fatalf("alice SharedSecret: %v", err)
	}
	fromBob, err := bob.SharedSecret(alice.Public[:])
	if err != nil {
		t.Fatalf("bob SharedSecret: %v", err)
	}
	if got := hex.EncodeToString(fromAlice); got != sharedHex {
		t.Errorf("shared secret = %s, want %s", got, sharedHex)
	}
	if !bytes.Equal(fromAlice, fromBob) {
		t.Error("shared secrets disagree")
	}
}

func TestSessionKeyFromShared(t *testing.T) {
	shared, _ := hex.DecodeString(sharedHex)
	key := SessionKey(shared)
	want, _ := hex.DecodeString("dead45a1d43d6902aa9240b43c0d75a0")
	if !bytes.Equal(key[:], want) {
		t.Errorf("SessionKey = %x, want %x", key, want)
	}
}

func TestSharedSecretRejectsBadPeer(t *testing.T) {
	kp := keypairFromHex(t, alicePrivHex)

	if _, err := kp.SharedSecret(make([]byte, 16)); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("short point error = %v, want ErrInvalidPublicKey", err)
	}
	// All-zero peer value is a low-order point and must be rejected.
	if _, err := kp.SharedSecret(make([]byte, CurveKeySize)); !errors.Is(err, ErrInvalidPublicKey) {
		t.Errorf("low-order point error = %v, want ErrInvalidPublicKey", err)
	}
}

func TestKeypairWipe(t *testing.T) {
	kp := keypairFromHex(t, alicePrivHex)
	kp.Wipe()
	if !bytes.Equal(kp.Private[:], make([]byte, CurveKeySize)) {
		t.Error("private scalar not zeroed")
	}
}

func TestXORKeys(t *testing.T) {
	a := []byte{0xF0, 0x0F, 0xAA}
	b := []byte{0x0F, 0x0F, 0x55}
	if got := XORKeys(a, b); !bytes.Equal(got, []byte{0xFF, 0x00, 0xFF}) {
		t.Errorf("XORKeys = %x", got)
	}
	if XORKeys(a, a[:2]) != nil {
		t.Error("length mismatch should return nil")
	}
}
