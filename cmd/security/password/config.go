package password

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
)

// Argon2idParams controls Argon2id hashing cost.
// MemoryKiB is in KiB as required by argon2.IDKey.
type Argon2idParams struct {
	MemoryKiB   uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// Policy controls password validation.
type Policy struct {
	MinLength      int
	MaxLength      int
	RejectVeryWeak bool
}

// Config is the single configuration surface for this package.
type Config struct {
	Params Argon2idParams
	Policy Policy
}

// DefaultConfig returns the account password baseline: at least 6
// characters, Argon2id at 64 MiB.
func DefaultConfig() Config {
	threads := runtime.NumCPU()
	if threads <= 0 {
		threads = 1
	}
	if threads > 4 {
		threads = 4
	}

	return Config{
		Params: Argon2idParams{
			MemoryKiB:   64 * 1024,
			Iterations:  3,
			Parallelism: uint8(threads), // #nosec G115 -- clamped to [1..4] above.
			SaltLength:  16,
			KeyLength:   32,
		},
		Policy: Policy{
			MinLength: 6,
			MaxLength: 256,
		},
	}
}

// FastConfig is a cheap configuration for tests and local demo seeding.
func FastConfig() Config {
	cfg := DefaultConfig()
	cfg.Params.MemoryKiB = 8 * 1024
	cfg.Params.Iterations = 1
	cfg.Params.Parallelism = 1
	return cfg
}

// FromEnv loads config from environment variables.
//
// Env surface:
//   - PULSE_PASSWORD_MIN_LEN, PULSE_PASSWORD_MAX_LEN
//   - PULSE_PASSWORD_REJECT_VERY_WEAK (true/false)
//   - PULSE_ARGON2_MEMORY_KIB, PULSE_ARGON2_ITERATIONS, PULSE_ARGON2_PARALLELISM
func FromEnv() (Config, error) {
	cfg := DefaultConfig()

	ints := []struct {
		key      string
		min, max uint64
		set      func(uint64)
	}{
		{"PULSE_PASSWORD_MIN_LEN", 1, 1024, func(v uint64) { cfg.Policy.MinLength = int(v) }},
		{"PULSE_PASSWORD_MAX_LEN", 1, 4096, func(v uint64) { cfg.Policy.MaxLength = int(v) }},
		{"PULSE_ARGON2_MEMORY_KIB", 8 * 1024, 1024 * 1024, func(v uint64) { cfg.Params.MemoryKiB = uint32(v) }},
		{"PULSE_ARGON2_ITERATIONS", 1, 20, func(v uint64) { cfg.Params.Iterations = uint32(v) }},
		{"PULSE_ARGON2_PARALLELISM", 1, 64, func(v uint64) { cfg.Params.Parallelism = uint8(v) }},
	}
	for _, it := range ints {
		raw, ok := os.LookupEnv(it.key)
		if !ok {
			continue
		}
		v, err := strconv.ParseUint(strings.TrimSpace(raw), 10, 32)
		if err != nil {
			return Config{}, fmt.Errorf("%s: not an unsigned integer", it.key)
		}
		if v < it.min || v > it.max {
			return Config{}, fmt.Errorf("%s: out of range [%d..%d]", it.key, it.min, it.max)
		}
		it.set(v)
	}

	if raw, ok := os.LookupEnv("PULSE_PASSWORD_REJECT_VERY_WEAK"); ok {
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return Config{}, fmt.Errorf("PULSE_PASSWORD_REJECT_VERY_WEAK: invalid boolean")
		}
		cfg.Policy.RejectVeryWeak = b
	}

	if cfg.Policy.MinLength > cfg.Policy.MaxLength {
		return Config{}, fmt.Errorf(
			"password policy invalid: min_len(%d) > max_len(%d)",
			cfg.Policy.MinLength,
			cfg.Policy.MaxLength,
		)
	}

	return cfg, nil
}
