package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/argon2"
)

const lookupContext = "acontext 2025 project secret lookup v1"

// Params tunes the argon2id cost of the verified hash.
type Params struct {
	Time     uint32
	MemoryKB uint32
	Threads  uint8
}

func DefaultParams() Params {
	return Params{Time: 1, MemoryKB: 64 * 1024, Threads: 2}
}

const (
	saltLen = 16
	keyLen  = 32
)

var errBadEncoding = errors.New("invalid secret hash encoding")

// LookupHash is the deterministic keyed hash of secret used to index
// projects. The key is derived from pepper.
func LookupHash(pepper, secret string) string {
	var key [32]byte
	blake3.DeriveKey(lookupContext, []byte(pepper), key[:])
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		// NewKeyed only fails on a key that is not 32 bytes.
		panic(err)
	}
	_, _ = h.Write([]byte(secret))
	return hex.EncodeToString(h.Sum(nil))
}

// HashSecret returns an argon2id PHC string over secret+pepper with a
// random salt.
func HashSecret(secret, pepper string, p Params) (string, error) {
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	sum := argon2.IDKey([]byte(secret+pepper), salt, p.Time, p.MemoryKB, p.Threads, keyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.MemoryKB, p.Time, p.Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(sum),
	), nil
}

// VerifySecret recomputes the hash with the parameters stored in encoded
// and compares in constant time. It returns early with ctx's error if ctx
// ends first.
func VerifySecret(ctx context.Context, secret, pepper, encoded string) (bool, error) {
	p, salt, want, err := decodeHash(encoded)
	if err != nil {
		return false, err
	}

	done := make(chan bool, 1)
	go func() {
		got := argon2.IDKey([]byte(secret+pepper), salt, p.Time, p.MemoryKB, p.Threads, uint32(len(want)))
		done <- subtle.ConstantTimeCompare(got, want) == 1
	}()

	select {
	case ok := <-done:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func decodeHash(encoded string) (Params, []byte, []byte, error) {
	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	fields := strings.Split(encoded, "$")
	if len(fields) != 6 || fields[1] != "argon2id" {
		return Params{}, nil, nil, errBadEncoding
	}
	var version int
	if _, err := fmt.Sscanf(fields[2], "v=%d", &version); err != nil || version != argon2.Version {
		return Params{}, nil, nil, errBadEncoding
	}
	var p Params
	if _, err := fmt.Sscanf(fields[3], "m=%d,t=%d,p=%d", &p.MemoryKB, &p.Time, &p.Threads); err != nil {
		return Params{}, nil, nil, errBadEncoding
	}
	salt, err := base64.RawStdEncoding.DecodeString(fields[4])
	if err != nil {
		return Params{}, nil, nil, errBadEncoding
	}
	sum, err := base64.RawStdEncoding.DecodeString(fields[5])
	if err != nil || len(sum) == 0 {
		return Params{}, nil, nil, errBadEncoding
	}
	return p, salt, sum, nil
}
