package signer

import (
	"bytes"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
)

// Key file envelope:
//
//	magic "RCVK" | version(1) | memory(4) | iterations(4) | parallelism(1) | salt(16) | nonce(24) | ciphertext
//
// Integers are big-endian. Everything before the ciphertext is bound to it
// as associated data, so editing the KDF parameters fails authentication.
const (
	envelopeVersion = 1
	saltSize        = 16
	headerSize      = 4 + 1 + 4 + 4 + 1 + saltSize

	// Refuse files that would make unlocking take unbounded memory or time.
	maxMemoryKiB  = 1 << 21 // 2 GiB
	maxIterations = 64
)

var envelopeMagic = []byte("RCVK")

// ErrNotKeyEnvelope is returned for data that is not an encrypted key file.
var ErrNotKeyEnvelope = errors.New("not an encrypted relayer key file")

// EncryptionParams holds Argon2id parameters.
type EncryptionParams struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
}

// DefaultParams returns the Argon2id cost used for new key files.
func DefaultParams() EncryptionParams {
	return EncryptionParams{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
	}
}

func (p EncryptionParams) validate() error {
	switch {
	case p.Memory < 8*uint32(p.Parallelism) || p.Memory > maxMemoryKiB:
		return fmt.Errorf("argon2 memory %d KiB out of range", p.Memory)
	case p.Iterations == 0 || p.Iterations > maxIterations:
		return fmt.Errorf("argon2 iterations %d out of range", p.Iterations)
	case p.Parallelism == 0:
		return errors.New("argon2 parallelism must be positive")
	}
	return nil
}

func deriveKey(password, salt []byte, p EncryptionParams) []byte {
	return argon2.IDKey(password, salt, p.Iterations, p.Memory, p.Parallelism, chacha20poly1305.KeySize)
}

// Encrypt seals data with password using Argon2id and XChaCha20-Poly1305.
func Encrypt(data, password []byte, params EncryptionParams) ([]byte, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}

	header := make([]byte, 0, headerSize)
	header = append(header, envelopeMagic...)
	header = append(header, envelopeVersion)
	header = binary.BigEndian.AppendUint32(header, params.Memory)
	header = binary.BigEndian.AppendUint32(header, params.Iterations)
	header = append(header, params.Parallelism)

	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	header = append(header, salt...)

	key := deriveKey(password, salt, params)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}

	out := make([]byte, 0, headerSize+len(nonce)+len(data)+aead.Overhead())
	out = append(out, header...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, data, header), nil
}

// Decrypt opens an envelope produced by Encrypt.
func Decrypt(sealed, password []byte) ([]byte, error) {
	minSize := headerSize + chacha20poly1305.NonceSizeX + chacha20poly1305.Overhead
	if len(sealed) < minSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrNotKeyEnvelope, len(sealed))
	}
	if !bytes.Equal(sealed[:4], envelopeMagic) {
		return nil, ErrNotKeyEnvelope
	}
	if v := sealed[4]; v != envelopeVersion {
		return nil, fmt.Errorf("unsupported key file version %d", v)
	}

	params := EncryptionParams{
		Memory:      binary.BigEndian.Uint32(sealed[5:9]),
		Iterations:  binary.BigEndian.Uint32(sealed[9:13]),
		Parallelism: sealed[13],
	}
	if err := params.validate(); err != nil {
		return nil, fmt.Errorf("key file header: %w", err)
	}

	header := sealed[:headerSize]
	salt := header[headerSize-saltSize:]
	nonce := sealed[headerSize : headerSize+chacha20poly1305.NonceSizeX]
	ciphertext := sealed[headerSize+chacha20poly1305.NonceSizeX:]

	key := deriveKey(password, salt, params)
	defer zero(key)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	plain, err := aead.Open(nil, nonce, ciphertext, header)
	if err != nil {
		return nil, fmt.Errorf("decrypt (wrong password?): %w", err)
	}
	return plain, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
