package hashing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"marketplace-auth/internal/config"
	"marketplace-auth/internal/util"

	"go.uber.org/zap"
	"golang.org/x/crypto/argon2"
)

var (
	ErrInvalidHash         = errors.New("invalid hash format")
	ErrIncompatibleVersion = errors.New("incompatible argon2 version")
	ErrUnknownPepper       = errors.New("pepper version not found")
)

const algorithm = "argon2id"

// Purposes keep hashes of one kind from verifying as another
const (
	purposeOTP      = "otp"
	purposePassword = "password"
)

type Argon2Params struct {
	Memory      uint32
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

type HashResult struct {
	Hash          string `json:"hash"`
	Salt          string `json:"salt"`
	PepperVersion int    `json:"pepper_version"`
	Algorithm     string `json:"algorithm"`
}

// Encode renders the result as argon2id$v=<argon2 version>$p=<pepper>$m=<mem>,t=<iter>,l=<par>$<salt>$<hash>
func (r *HashResult) Encode(params Argon2Params) string {
	return fmt.Sprintf("%s$v=%d$p=%d$m=%d,t=%d,l=%d$%s$%s",
		algorithm, argon2.Version, r.PepperVersion,
		params.Memory, params.Iterations, params.Parallelism,
		r.Salt, r.Hash)
}

func decode(encoded string) (*HashResult, Argon2Params, error) {
	var params Argon2Params
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[0] != algorithm {
		return nil, params, ErrInvalidHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[1], "v=%d", &version); err != nil {
		return nil, params, ErrInvalidHash
	}
	if version != argon2.Version {
		return nil, params, ErrIncompatibleVersion
	}

	pepperVersion, err := strconv.Atoi(strings.TrimPrefix(parts[2], "p="))
	if err != nil {
		return nil, params, ErrInvalidHash
	}

	var parallelism uint32
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,l=%d", &params.Memory, &params.Iterations, &parallelism); err != nil {
		return nil, params, ErrInvalidHash
	}
	params.Parallelism = uint8(parallelism)

	return &HashResult{
		Hash:          parts[5],
		Salt:          parts[4],
		PepperVersion: pepperVersion,
		Algorithm:     algorithm,
	}, params, nil
}

// Hasher produces peppered argon2id hashes. Peppers are versioned and come from
// configuration so that stored hashes stay verifiable across restarts and replicas.
type Hasher struct {
	params        Argon2Params
	peppers       map[int]string
	currentPepper int
	mu            sync.RWMutex
}

func NewHasher(cfg *config.Config) *Hasher {
	params := Argon2Params{
		Memory:      uint32(cfg.Hashing.Argon2MemoryCost),
		Iterations:  uint32(cfg.Hashing.Argon2TimeCost),
		Parallelism: uint8(cfg.Hashing.Argon2Parallelism),
		SaltLength:  16,
		KeyLength:   32,
	}

	h := &Hasher{
		params:        params,
		peppers:       make(map[int]string, len(cfg.Hashing.Peppers)),
		currentPepper: cfg.Hashing.CurrentPepper,
	}
	for v, p := range cfg.Hashing.Peppers {
		h.peppers[v] = p
	}

	if len(h.peppers) == 0 {
		// Ephemeral pepper: hashes do not survive a restart, acceptable only outside production
		pepperBytes := make([]byte, 32)
		if _, err := rand.Read(pepperBytes); err != nil {
			util.Fatal("Failed to generate pepper", zap.Error(err))
		}
		h.peppers[0] = base64.RawURLEncoding.EncodeToString(pepperBytes)
		h.currentPepper = 0
		util.Warn("No hashing peppers configured, using an ephemeral pepper")
	}

	util.Info("Hasher initialized",
		zap.Int("pepper_version", h.currentPepper),
		zap.Int("pepper_count", len(h.peppers)),
		zap.Uint32("memory_kib", params.Memory),
	)
	return h
}

// AddPepper registers a pepper and optionally makes it current. Older versions remain
// available for verification.
func (h *Hasher) AddPepper(version int, value string, makeCurrent bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.peppers[version] = value
	if makeCurrent {
		h.currentPepper = version
	}
}

func (h *Hasher) HashOTP(otp string) (string, error) {
	return h.hashWithPepper(otp, purposeOTP)
}

func (h *Hasher) VerifyOTP(otp, encoded string) (bool, error) {
	return h.verifyWithPepper(otp, encoded, purposeOTP)
}

func (h *Hasher) HashPassword(password string) (string, error) {
	return h.hashWithPepper(password, purposePassword)
}

func (h *Hasher) VerifyPassword(password, encoded string) (bool, error) {
	return h.verifyWithPepper(password, encoded, purposePassword)
}

func (h *Hasher) hashWithPepper(data, purpose string) (string, error) {
	h.mu.RLock()
	version := h.currentPepper
	pepper := h.peppers[version]
	h.mu.RUnlock()

	salt := make([]byte, h.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}

	hash := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		h.params.Iterations,
		h.params.Memory,
		h.params.Parallelism,
		h.params.KeyLength,
	)

	result := &HashResult{
		Hash:          base64.RawURLEncoding.EncodeToString(hash),
		Salt:          base64.RawURLEncoding.EncodeToString(salt),
		PepperVersion: version,
		Algorithm:     algorithm,
	}
	return result.Encode(h.params), nil
}

func (h *Hasher) verifyWithPepper(data, encoded, purpose string) (bool, error) {
	result, params, err := decode(encoded)
	if err != nil {
		return false, err
	}

	h.mu.RLock()
	pepper, ok := h.peppers[result.PepperVersion]
	h.mu.RUnlock()
	if !ok {
		return false, fmt.Errorf("%w: %d", ErrUnknownPepper, result.PepperVersion)
	}

	salt, err := base64.RawURLEncoding.DecodeString(result.Salt)
	if err != nil {
		return false, ErrInvalidHash
	}
	expectedHash, err := base64.RawURLEncoding.DecodeString(result.Hash)
	if err != nil {
		return false, ErrInvalidHash
	}

	computedHash := argon2.IDKey(
		[]byte(data+pepper+purpose),
		salt,
		params.Iterations,
		params.Memory,
		params.Parallelism,
		uint32(len(expectedHash)),
	)

	return subtle.ConstantTimeCompare(computedHash, expectedHash) == 1, nil
}

// NeedsRehash reports whether a stored hash uses an old pepper or parameters
func (h *Hasher) NeedsRehash(encoded string) bool {
	result, params, err := decode(encoded)
	if err != nil {
		return true
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	return result.PepperVersion != h.currentPepper ||
		params.Memory != h.params.Memory ||
		params.Iterations != h.params.Iterations ||
		params.Parallelism != h.params.Parallelism
}

// GenerateNumericCode returns a uniformly random zero-padded code of the given length
func GenerateNumericCode(digits int) (string, error) {
	if digits <= 0 || digits > 18 {
		return "", fmt.Errorf("unsupported code length %d", digits)
	}
	max := new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(digits)), nil)
	n, err := rand.Int(rand.Reader, max)
	if err != nil {
		return "", fmt.Errorf("failed to generate code: %w", err)
	}
	code := n.Text(10)
	return strings.Repeat("0", digits-len(code)) + code, nil
}

// Benchmark hashing performance
func (h *Hasher) Benchmark(iterations int) time.Duration {
	start := time.Now()

	for i := 0; i < iterations; i++ {
		if _, err := h.HashOTP(fmt.Sprintf("benchmark%d", i)); err != nil {
			util.Error("Benchmark failed", zap.Error(err))
			return 0
		}
	}

	return time.Since(start)
}
