package crypto

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func TestDeriveKeyEmptyPasswordSentinel(t *testing.T) {
	salts := []string{KeyringSalt, UserPasswordSalt, DeviceAuthSalt, "arbitrary"}
	for _, salt := range salts {
		if key := DeriveKey(nil, []byte(salt)); len(key) != 0 {
			t.Errorf("DeriveKey(nil, %q) = %x, want empty sentinel", salt, key)
		}
		if key := DeriveKey([]byte{}, []byte(salt)); len(key) != 0 {
			t.Errorf("DeriveKey(empty, %q) = %x, want empty sentinel", salt, key)
		}
	}
}

func TestDeriveKeyVectors(t *testing.T) {
	tests := []struct {
		name     string
		password string
		salt     string
		wantHex  string
	}{
		{
			name:     "user password key",
			password: "secret",
			salt:     UserPasswordSalt,
			wantHex:  "03fcedb66660251ec81a1a716901696a",
		},
		{
			name:     "device authentication key",
			password: "trustme",
			salt:     DeviceAuthSalt,
			wantHex:  "e158e4012047bd6cc41aafbc5c04c1fc",
		},
		{
			name:     "keyring container key",
			password: "pwd",
			salt:     KeyringSalt,
			wantHex:  "c9596c2a178d798683d29aa4526d6099",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			want, err := hex.DecodeString(tc.wantHex)
			if err != nil {
				t.Fatal(err)
			}
			got := DeriveKey([]byte(tc.password), []byte(tc.salt))
			if !bytes.Equal(got, want) {
				t.Errorf("DeriveKey(%q, %q) = %x, want %x", tc.password, tc.salt, got, want)
			}
		})
	}
}

func TestDeriveKeyHelpers(t *testing.T) {
	if got := UserPasswordKey([]byte("secret")); hex.EncodeToString(got) != "03fcedb66660251ec81a1a716901696a" {
		t.Errorf("UserPasswordKey = %x", got)
	}
	if got := DeviceAuthKey([]byte("trustme")); hex.EncodeToString(got) != "e158e4012047bd6cc41aafbc5c04c1fc" {
		t.Errorf("DeviceAuthKey = %x", got)
	}
}

func TestDeriveKeySaltSeparation(t *testing.T) {
	pwd := []byte("same password")
	user := DeriveKey(pwd, []byte(UserPasswordSalt))
	auth := DeriveKey(pwd, []byte(DeviceAuthSalt))
	if len(user) != KeySize || len(auth) != KeySize {
		t.Fatalf("key sizes = %d, %d, want %d", len(user), len(auth), KeySize)
	}
	if bytes.Equal(user, auth) {
		t.Error("different salts produced the same key")
	}
	if again := DeriveKey(pwd, []byte(UserPasswordSalt)); !bytes.Equal(user, again) {
		t.Error("derivation is not deterministic")
	}
}

func TestSHA256Trunc16(t *testing.T) {
	got := SHA256Trunc16([]byte("abc"))
	want, _ := hex.DecodeString("ba7816bf8f01cfea414140de5dae2223")
	if !bytes.Equal(got[:], want) {
		t.Errorf("SHA256Trunc16(abc) = %x, want %x", got, want)
	}
}
