package password

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

const hashScheme = "argon2id"

var b64 = base64.RawStdEncoding

// encodedHash is the parsed PHC form
// $argon2id$v=19$m=<mem>,t=<iter>,p=<par>$<salt_b64>$<key_b64>.
type encodedHash struct {
	params Argon2idParams
	salt   []byte
	key    []byte
}

func (h encodedHash) String() string {
	return fmt.Sprintf("$%s$v=%d$m=%d,t=%d,p=%d$%s$%s",
		hashScheme, argon2.Version,
		h.params.MemoryKiB, h.params.Iterations, h.params.Parallelism,
		b64.EncodeToString(h.salt), b64.EncodeToString(h.key),
	)
}

// parseHash decodes a stored hash. Any deviation from the format is ErrInvalidHash.
func parseHash(s string) (encodedHash, error) {
	fields := strings.Split(s, "$")
	if len(fields) != 6 || fields[0] != "" || fields[1] != hashScheme {
		return encodedHash{}, ErrInvalidHash
	}
	if fields[2] != "v="+strconv.Itoa(argon2.Version) {
		return encodedHash{}, ErrInvalidHash
	}

	var mem, iter, par uint64
	for _, kv := range strings.Split(fields[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return encodedHash{}, ErrInvalidHash
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil || n == 0 {
			return encodedHash{}, ErrInvalidHash
		}
		switch k {
		case "m":
			mem = n
		case "t":
			iter = n
		case "p":
			par = n
		default:
			return encodedHash{}, ErrInvalidHash
		}
	}
	if mem == 0 || iter == 0 || par == 0 || par > 255 {
		return encodedHash{}, ErrInvalidHash
	}

	salt, err := b64.DecodeString(fields[4])
	if err != nil {
		return encodedHash{}, ErrInvalidHash
	}
	key, err := b64.DecodeString(fields[5])
	if err != nil {
		return encodedHash{}, ErrInvalidHash
	}

	return encodedHash{
		params: Argon2idParams{
			MemoryKiB:   uint32(mem),  // #nosec G115 -- parsed with bitSize 32.
			Iterations:  uint32(iter), // #nosec G115 -- parsed with bitSize 32.
			Parallelism: uint8(par),   // #nosec G115 -- checked <= 255 above.
			SaltLength:  uint32(len(salt)),
			KeyLength:   uint32(len(key)),
		},
		salt: salt,
		key:  key,
	}, nil
}

func derive(pw string, salt []byte, p Argon2idParams) []byte {
	return argon2.IDKey([]byte(pw), salt, p.Iterations, p.MemoryKiB, p.Parallelism, p.KeyLength)
}

// Hash validates password against the policy and returns its Argon2id
// encoding under the configured params.
func (c Config) Hash(password string) (string, error) {
	if err := c.Validate(password); err != nil {
		return "", err
	}

	salt := make([]byte, c.Params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("salt: %w", err)
	}
	return encodedHash{params: c.Params, salt: salt, key: derive(password, salt, c.Params)}.String(), nil
}

// Verify reports whether password matches stored. It returns
// ErrInvalidHash for malformed hashes and for hashes whose cost exceeds
// twice the configured params.
func (c Config) Verify(stored, password string) (bool, error) {
	h, err := parseHash(stored)
	if err != nil {
		return false, err
	}
	if !c.acceptable(h.params) {
		return false, ErrInvalidHash
	}
	got := derive(password, h.salt, h.params)
	return subtle.ConstantTimeCompare(got, h.key) == 1, nil
}

// NeedsRehash reports whether stored was produced with weaker params than
// the current config. Unparseable hashes report false; Verify rejects them.
func (c Config) NeedsRehash(stored string) bool {
	h, err := parseHash(stored)
	if err != nil {
		return false
	}
	p := h.params
	return p.MemoryKiB < c.Params.MemoryKiB ||
		p.Iterations < c.Params.Iterations ||
		p.KeyLength < c.Params.KeyLength ||
		p.SaltLength < c.Params.SaltLength
}

// acceptable bounds attacker-supplied cost parameters.
func (c Config) acceptable(p Argon2idParams) bool {
	switch {
	case p.MemoryKiB > c.Params.MemoryKiB*2,
		p.Iterations > c.Params.Iterations*2,
		p.Parallelism > c.Params.Parallelism*2:
		return false
	case p.SaltLength < 8 || p.SaltLength > 64:
		return false
	case p.KeyLength < 16 || p.KeyLength > 128:
		return false
	}
	return true
}
