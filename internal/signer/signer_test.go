package signer

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

const (
	testKeyHex  = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
	testKeyAddr = "0x2c7536E3605D9C16a7a3D7b1898e529396a65c23"

	testMnemonic     = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"
	testMnemonicAddr = "0x9858EfFD232B4033E47d90003D41EC34EcaEda94"
)

// fastParams returns low-cost Argon2 params for fast tests.
func fastParams() EncryptionParams {
	return EncryptionParams{
		Memory:      64, // 64 KiB (minimal)
		Iterations:  1,
		Parallelism: 1,
	}
}

func writeFile(t *testing.T, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, data, 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestEncryptDecrypt_Roundtrip(t *testing.T) {
	plaintext := []byte("relayer key material")
	password := []byte("strong-password-123")

	encrypted, err := Encrypt(plaintext, password, fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	decrypted, err := Decrypt(encrypted, password)
	if err != nil {
		t.Fatalf("Decrypt() error: %v", err)
	}
	if !bytes.Equal(decrypted, plaintext) {
		t.Errorf("decrypted = %q, want %q", decrypted, plaintext)
	}
}

func TestDecrypt_WrongPassword(t *testing.T) {
	encrypted, _ := Encrypt([]byte("data"), []byte("right"), fastParams())
	if _, err := Decrypt(encrypted, []byte("wrong")); err == nil {
		t.Error("Decrypt() with wrong password should fail")
	}
}

func TestDecrypt_TooShort(t *testing.T) {
	if _, err := Decrypt([]byte{1, 2, 3}, []byte("pass")); err == nil {
		t.Error("Decrypt() of truncated data should fail")
	}
}

func TestDecrypt_NotEnvelope(t *testing.T) {
	sealed, err := Encrypt([]byte("data"), []byte("pw"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	if !bytes.HasPrefix(sealed, []byte("RCVK")) {
		t.Fatalf("envelope should start with its magic, got %x", sealed[:4])
	}

	foreign := append([]byte(nil), sealed...)
	copy(foreign, "XXXX")
	if _, err := Decrypt(foreign, []byte("pw")); !errors.Is(err, ErrNotKeyEnvelope) {
		t.Errorf("Decrypt(foreign) error = %v, want ErrNotKeyEnvelope", err)
	}

	future := append([]byte(nil), sealed...)
	future[4] = 9
	if _, err := Decrypt(future, []byte("pw")); err == nil {
		t.Error("Decrypt() should reject an unknown version")
	}
}

func TestDecrypt_HeaderAuthenticated(t *testing.T) {
	sealed, err := Encrypt([]byte("data"), []byte("pw"), fastParams())
	if err != nil {
		t.Fatalf("Encrypt() error: %v", err)
	}
	// Salt byte flipped: the derived key and the associated data both change.
	tampered := append([]byte(nil), sealed...)
	tampered[headerSize-1] ^= 0xff
	if _, err := Decrypt(tampered, []byte("pw")); err == nil {
		t.Error("Decrypt() should fail on a modified header")
	}
}

func TestEncryptionParams_Bounds(t *testing.T) {
	tests := []struct {
		name string
		p    EncryptionParams
		ok   bool
	}{
		{"default", DefaultParams(), true},
		{"fast", fastParams(), true},
		{"zero iterations", EncryptionParams{Memory: 64, Iterations: 0, Parallelism: 1}, false},
		{"zero parallelism", EncryptionParams{Memory: 64, Iterations: 1, Parallelism: 0}, false},
		{"huge memory", EncryptionParams{Memory: maxMemoryKiB + 1, Iterations: 1, Parallelism: 1}, false},
		{"memory below lanes", EncryptionParams{Memory: 8, Iterations: 1, Parallelism: 4}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Encrypt([]byte("x"), []byte("pw"), tt.p)
			if (err == nil) != tt.ok {
				t.Errorf("Encrypt(%+v) error = %v, want ok=%v", tt.p, err, tt.ok)
			}
		})
	}
}

func TestParseHexKey(t *testing.T) {
	for _, in := range []string{testKeyHex, "0x" + testKeyHex, "  " + testKeyHex + "\n"} {
		key, err := ParseHexKey(in)
		if err != nil {
			t.Fatalf("ParseHexKey(%q): %v", in, err)
		}
		if got := New(key).Address(); got != common.HexToAddress(testKeyAddr) {
			t.Errorf("address = %s, want %s", got.Hex(), testKeyAddr)
		}
	}
	if _, err := ParseHexKey("zz"); err == nil {
		t.Error("ParseHexKey should reject non-hex input")
	}
	if _, err := ParseHexKey("abcd"); err == nil {
		t.Error("ParseHexKey should reject a short key")
	}
}

func TestKeyFromMnemonic(t *testing.T) {
	key, err := KeyFromMnemonic(testMnemonic+"\n", 0)
	if err != nil {
		t.Fatalf("KeyFromMnemonic: %v", err)
	}
	if got := New(key).Address(); got != common.HexToAddress(testMnemonicAddr) {
		t.Errorf("m/44'/60'/0'/0/0 = %s, want %s", got.Hex(), testMnemonicAddr)
	}

	other, err := KeyFromMnemonic(testMnemonic, 1)
	if err != nil {
		t.Fatalf("KeyFromMnemonic(1): %v", err)
	}
	if New(other).Address() == New(key).Address() {
		t.Error("different indexes should derive different accounts")
	}

	if _, err := KeyFromMnemonic("abandon abandon", 0); err == nil {
		t.Error("invalid mnemonic should be rejected")
	}
}

func TestLoad_Sources(t *testing.T) {
	keyFile := writeFile(t, "relayer.key", []byte(testKeyHex+"\n"))
	mnemonicFile := writeFile(t, "mnemonic.txt", []byte(testMnemonic))

	tests := []struct {
		name       string
		opts       Options
		wantAddr   string
		wantSource string
	}{
		{"env wins", Options{EnvKey: "0x" + testKeyHex, MnemonicFile: mnemonicFile}, testKeyAddr, SourceEnv},
		{"plain file", Options{File: keyFile, MnemonicFile: mnemonicFile}, testKeyAddr, SourceFile},
		{"mnemonic", Options{MnemonicFile: mnemonicFile}, testMnemonicAddr, SourceMnemonic},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := Load(tt.opts)
			if err != nil {
				t.Fatalf("Load: %v", err)
			}
			defer s.Close()
			if s.Address() != common.HexToAddress(tt.wantAddr) {
				t.Errorf("Address() = %s, want %s", s.Address().Hex(), tt.wantAddr)
			}
			if s.Source() != tt.wantSource {
				t.Errorf("Source() = %q, want %q", s.Source(), tt.wantSource)
			}
		})
	}
}

func TestLoad_NoSource(t *testing.T) {
	if _, err := Load(Options{}); !errors.Is(err, ErrNoKey) {
		t.Errorf("Load() error = %v, want ErrNoKey", err)
	}
}

func TestLoad_EncryptedFile(t *testing.T) {
	dir := t.TempDir()
	plain := filepath.Join(dir, "plain.key")
	sealed := filepath.Join(dir, "sealed.key")
	os.WriteFile(plain, []byte(testKeyHex), 0600)

	addr, err := EncryptKeyFile(plain, sealed, []byte("hunter2"), fastParams())
	if err != nil {
		t.Fatalf("EncryptKeyFile: %v", err)
	}
	if addr != common.HexToAddress(testKeyAddr) {
		t.Errorf("EncryptKeyFile address = %s", addr.Hex())
	}

	calls := 0
	s, err := Load(Options{
		File:      sealed,
		Encrypted: true,
		Password: func() ([]byte, error) {
			calls++
			return []byte("hunter2"), nil
		},
	})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if s.Address() != common.HexToAddress(testKeyAddr) || s.Source() != SourceEncrypted {
		t.Errorf("Load = %s (%s)", s.Address().Hex(), s.Source())
	}
	if calls != 1 {
		t.Errorf("password prompted %d times, want 1", calls)
	}

	_, err = Load(Options{File: sealed, Encrypted: true, Password: func() ([]byte, error) { return []byte("nope"), nil }})
	if err == nil {
		t.Error("Load with the wrong password should fail")
	}
	if _, err := Load(Options{File: sealed, Encrypted: true}); err == nil {
		t.Error("Load of an encrypted file without a password source should fail")
	}
}

func TestSigner_Close(t *testing.T) {
	key, _ := ParseHexKey(testKeyHex)
	s := New(key)
	s.Close()
	if s.Key() != nil {
		t.Error("Key() should be nil after Close")
	}
	if key.D.Sign() != 0 {
		t.Error("private scalar should be wiped")
	}
	s.Close() // idempotent
}
