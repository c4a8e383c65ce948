// Package signer loads the relayer's transaction signing key.
//
// Sources, first match wins: the PRIVATE_KEY environment variable, a hex
// key file (optionally password-encrypted) and a BIP-39 mnemonic file.
package signer

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrNoKey is returned when no key source is configured.
var ErrNoKey = errors.New("no relayer key configured (set PRIVATE_KEY, key.file or key.mnemonic_file)")

// Key sources.
const (
	SourceEnv       = "env"
	SourceFile      = "file"
	SourceEncrypted = "encrypted-file"
	SourceMnemonic  = "mnemonic"
)

// Options selects and unlocks the key.
type Options struct {
	// EnvKey is the raw PRIVATE_KEY value; empty skips the source.
	EnvKey string

	File      string
	Encrypted bool
	// Password unlocks an encrypted key file. Called at most once.
	Password func() ([]byte, error)

	MnemonicFile string
	Index        uint32
}

// Signer holds the relayer's private key.
type Signer struct {
	key    *ecdsa.PrivateKey
	addr   common.Address
	source string
}

// Load resolves the key from the configured sources.
func Load(opts Options) (*Signer, error) {
	switch {
	case strings.TrimSpace(opts.EnvKey) != "":
		key, err := ParseHexKey(opts.EnvKey)
		if err != nil {
			return nil, fmt.Errorf("PRIVATE_KEY: %w", err)
		}
		return newSigner(key, SourceEnv), nil

	case opts.File != "":
		data, err := os.ReadFile(ExpandHome(opts.File))
		if err != nil {
			return nil, fmt.Errorf("read key file: %w", err)
		}
		defer zero(data)
		if !opts.Encrypted {
			key, err := ParseHexKey(string(data))
			if err != nil {
				return nil, fmt.Errorf("key file %s: %w", opts.File, err)
			}
			return newSigner(key, SourceFile), nil
		}
		if opts.Password == nil {
			return nil, fmt.Errorf("key file %s is encrypted but no password source is set", opts.File)
		}
		password, err := opts.Password()
		if err != nil {
			return nil, fmt.Errorf("read password: %w", err)
		}
		defer zero(password)
		plain, err := Decrypt(data, password)
		if err != nil {
			return nil, fmt.Errorf("key file %s: %w", opts.File, err)
		}
		defer zero(plain)
		key, err := ParseHexKey(string(plain))
		if err != nil {
			return nil, fmt.Errorf("key file %s: %w", opts.File, err)
		}
		return newSigner(key, SourceEncrypted), nil

	case opts.MnemonicFile != "":
		data, err := os.ReadFile(ExpandHome(opts.MnemonicFile))
		if err != nil {
			return nil, fmt.Errorf("read mnemonic file: %w", err)
		}
		defer zero(data)
		key, err := KeyFromMnemonic(string(data), opts.Index)
		if err != nil {
			return nil, fmt.Errorf("mnemonic file %s: %w", opts.MnemonicFile, err)
		}
		return newSigner(key, SourceMnemonic), nil
	}
	return nil, ErrNoKey
}

// New wraps an existing key.
func New(key *ecdsa.PrivateKey) *Signer {
	return newSigner(key, "")
}

func newSigner(key *ecdsa.PrivateKey, source string) *Signer {
	return &Signer{
		key:    key,
		addr:   crypto.PubkeyToAddress(key.PublicKey),
		source: source,
	}
}

// Key returns the private key, nil after Close.
func (s *Signer) Key() *ecdsa.PrivateKey {
	return s.key
}

// Address returns the relayer account address.
func (s *Signer) Address() common.Address {
	return s.addr
}

// Source names where the key came from.
func (s *Signer) Source() string {
	return s.source
}

// Close wipes the private scalar.
func (s *Signer) Close() {
	if s.key == nil {
		return
	}
	words := s.key.D.Bits()
	for i := range words {
		words[i] = 0
	}
	s.key.D.SetInt64(0)
	s.key = nil
}

// ParseHexKey decodes a 32-byte hex private key, with or without 0x.
func ParseHexKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode hex: %w", err)
	}
	defer zero(raw)
	key, err := crypto.ToECDSA(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}

// EncryptKeyFile reads a hex key file and writes it encrypted to out.
func EncryptKeyFile(in, out string, password []byte, params EncryptionParams) (common.Address, error) {
	data, err := os.ReadFile(ExpandHome(in))
	if err != nil {
		return common.Address{}, fmt.Errorf("read key file: %w", err)
	}
	defer zero(data)

	key, err := ParseHexKey(string(data))
	if err != nil {
		return common.Address{}, err
	}
	plain := []byte(hex.EncodeToString(crypto.FromECDSA(key)))
	defer zero(plain)

	sealed, err := Encrypt(plain, password, params)
	if err != nil {
		return common.Address{}, err
	}
	if err := os.WriteFile(ExpandHome(out), sealed, 0600); err != nil {
		return common.Address{}, fmt.Errorf("write encrypted key: %w", err)
	}
	return crypto.PubkeyToAddress(key.PublicKey), nil
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if !strings.HasPrefix(path, "~") {
		return path
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}
	return filepath.Join(home, path[1:])
}
