package credentials

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const (
	defaultMemoryKiB   = 64 * 1024
	defaultIterations  = 3
	defaultParallelism = 4
	saltLength         = 16
	keyLength          = 32
)

var (
	// ErrMismatch indicates the plaintext does not match the stored hash.
	ErrMismatch = errors.New("credentials: password mismatch")
	// ErrMalformedHash indicates the stored hash could not be decoded.
	ErrMalformedHash = errors.New("credentials: malformed password hash")
	// ErrIncompatibleVersion indicates the stored hash used another argon2 version.
	ErrIncompatibleVersion = errors.New("credentials: incompatible argon2 version")
)

// Hasher hashes and verifies passwords.
type Hasher interface {
	Hash(plaintext string) (string, error)
	Verify(encoded, plaintext string) error
}

// Argon2Config tunes the argon2id cost parameters. Zero values select defaults.
type Argon2Config struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
}

// Argon2Hasher hashes passwords with argon2id and encodes them in PHC string format.
type Argon2Hasher struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
}

// NewArgon2Hasher constructs a hasher with the provided cost parameters.
func NewArgon2Hasher(cfg Argon2Config) *Argon2Hasher {
	hasher := &Argon2Hasher{
		memory:      cfg.MemoryKiB,
		iterations:  cfg.Iterations,
		parallelism: cfg.Parallelism,
	}
	if hasher.memory == 0 {
		hasher.memory = defaultMemoryKiB
	}
	if hasher.iterations == 0 {
		hasher.iterations = defaultIterations
	}
	if hasher.parallelism == 0 {
		hasher.parallelism = defaultParallelism
	}
	return hasher
}

// Hash derives a salted argon2id key for plaintext.
func (h *Argon2Hasher) Hash(plaintext string) (string, error) {
	salt := make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("credentials: generate salt: %w", err)
	}
	key := argon2.IDKey([]byte(plaintext), salt, h.iterations, h.memory, h.parallelism, keyLength)
	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		h.memory,
		h.iterations,
		h.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify recomputes the key with the parameters stored in encoded.
func (h *Argon2Hasher) Verify(encoded, plaintext string) error {
	params, salt, key, err := decodeHash(encoded)
	if err != nil {
		return err
	}
	candidate := argon2.IDKey([]byte(plaintext), salt, params.Iterations, params.MemoryKiB, params.Parallelism, uint32(len(key)))
	if subtle.ConstantTimeCompare(candidate, key) != 1 {
		return ErrMismatch
	}
	return nil
}

func decodeHash(encoded string) (Argon2Config, []byte, []byte, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return Argon2Config{}, nil, nil, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return Argon2Config{}, nil, nil, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	if version != argon2.Version {
		return Argon2Config{}, nil, nil, ErrIncompatibleVersion
	}

	var params Argon2Config
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &params.MemoryKiB, &params.Iterations, &params.Parallelism); err != nil {
		return Argon2Config{}, nil, nil, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return Argon2Config{}, nil, nil, fmt.Errorf("%w: %v", ErrMalformedHash, err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return Argon2Config{}, nil, nil, ErrMalformedHash
	}
	return params, salt, key, nil
}
