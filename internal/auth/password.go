package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Scheme names a password hashing algorithm.
type Scheme string

const (
	SchemeArgon2 Scheme = "argon2"
	SchemeBcrypt Scheme = "bcrypt"
)

const (
	// bcryptMaxBytes is the number of input bytes bcrypt actually consumes.
	bcryptMaxBytes = 72
	// MaxPasswordBytes caps the input so hashing cost stays bounded.
	MaxPasswordBytes      = 4096
	DefaultMinPasswordLen = 8
)

var (
	ErrPasswordTooLong = errors.New("password too long")
	ErrEmptyPassword   = errors.New("password is empty")
	ErrUnsupportedHash = errors.New("unsupported password hash scheme")
)

type argonParams struct {
	memory      uint32
	iterations  uint32
	parallelism uint8
	keyLength   uint32
	saltLength  uint32
}

var defaultArgon = argonParams{
	memory:      64 * 1024,
	iterations:  2,
	parallelism: 1,
	keyLength:   32,
	saltLength:  16,
}

// Hasher hashes with the first configured scheme and verifies any configured
// scheme. Inputs longer than a scheme's limit are truncated to a UTF-8
// boundary identically on both paths.
type Hasher struct {
	schemes    []Scheme
	minLength  int
	bcryptCost int
	argon      argonParams
}

type HasherOption func(*Hasher)

// WithBcryptCost overrides the bcrypt work factor (tests use bcrypt.MinCost).
func WithBcryptCost(cost int) HasherOption {
	return func(h *Hasher) { h.bcryptCost = cost }
}

// WithMinLength sets the minimum accepted password length in runes.
func WithMinLength(n int) HasherOption {
	return func(h *Hasher) {
		if n > 0 {
			h.minLength = n
		}
	}
}

func NewHasher(schemes []string, opts ...HasherOption) (*Hasher, error) {
	h := &Hasher{
		minLength:  DefaultMinPasswordLen,
		bcryptCost: bcrypt.DefaultCost,
		argon:      defaultArgon,
	}
	for _, raw := range schemes {
		s := Scheme(strings.ToLower(strings.TrimSpace(raw)))
		switch s {
		case SchemeArgon2, SchemeBcrypt:
			h.schemes = append(h.schemes, s)
		case "":
		default:
			return nil, fmt.Errorf("%w: %s", ErrUnsupportedHash, raw)
		}
	}
	if len(h.schemes) == 0 {
		h.schemes = []Scheme{SchemeArgon2, SchemeBcrypt}
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Primary is the scheme new hashes are produced with.
func (h *Hasher) Primary() Scheme {
	return h.schemes[0]
}

func (h *Hasher) Hash(password string) (string, error) {
	if password == "" {
		return "", ErrEmptyPassword
	}
	if len(password) > MaxPasswordBytes {
		return "", ErrPasswordTooLong
	}
	switch h.Primary() {
	case SchemeBcrypt:
		hash, err := bcrypt.GenerateFromPassword(truncateUTF8(password, bcryptMaxBytes), h.bcryptCost)
		if err != nil {
			return "", err
		}
		return string(hash), nil
	default:
		return h.hashArgon(password)
	}
}

// Verify reports whether password matches encoded. Unknown or disabled
// schemes never match.
func (h *Hasher) Verify(password, encoded string) bool {
	if password == "" || encoded == "" || len(password) > MaxPasswordBytes {
		return false
	}
	scheme := Identify(encoded)
	if !h.enabled(scheme) {
		return false
	}
	switch scheme {
	case SchemeBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(encoded), truncateUTF8(password, bcryptMaxBytes)) == nil
	case SchemeArgon2:
		ok, err := verifyArgon(password, encoded)
		return err == nil && ok
	}
	return false
}

// NeedsRehash reports whether encoded was produced by a non-primary scheme.
func (h *Hasher) NeedsRehash(encoded string) bool {
	return Identify(encoded) != h.Primary()
}

// CheckStrength never errors; a failed check returns a human-readable reason.
func (h *Hasher) CheckStrength(password string) (bool, string) {
	if utf8.RuneCountInString(password) < h.minLength {
		return false, fmt.Sprintf("Password must be at least %d characters long", h.minLength)
	}
	if len(password) > MaxPasswordBytes {
		return false, fmt.Sprintf("Password must be at most %d bytes long", MaxPasswordBytes)
	}
	var upper, lower, digit bool
	for _, r := range password {
		switch {
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsLower(r):
			lower = true
		case unicode.IsDigit(r):
			digit = true
		}
	}
	if !upper {
		return false, "Password must contain at least one uppercase letter"
	}
	if !lower {
		return false, "Password must contain at least one lowercase letter"
	}
	if !digit {
		return false, "Password must contain at least one digit"
	}
	return true, "Password is strong"
}

func (h *Hasher) enabled(s Scheme) bool {
	for _, v := range h.schemes {
		if v == s {
			return true
		}
	}
	return false
}

// Identify detects the scheme of an encoded hash, or "" when unknown.
func Identify(encoded string) Scheme {
	switch {
	case strings.HasPrefix(encoded, "$argon2id$"):
		return SchemeArgon2
	case strings.HasPrefix(encoded, "$2a$"), strings.HasPrefix(encoded, "$2b$"), strings.HasPrefix(encoded, "$2y$"):
		return SchemeBcrypt
	}
	return ""
}

func (h *Hasher) hashArgon(password string) (string, error) {
	p := h.argon
	salt := make([]byte, p.saltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}
	hash := argon2.IDKey([]byte(password), salt, p.iterations, p.memory, p.parallelism, p.keyLength)

	return fmt.Sprintf(
		"$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version,
		p.memory,
		p.iterations,
		p.parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

func verifyArgon(password, encoded string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 {
		return false, ErrUnsupportedHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, ErrUnsupportedHash
	}
	var p argonParams
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &p.memory, &p.iterations, &p.parallelism); err != nil {
		return false, ErrUnsupportedHash
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrUnsupportedHash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(want) == 0 {
		return false, ErrUnsupportedHash
	}
	got := argon2.IDKey([]byte(password), salt, p.iterations, p.memory, p.parallelism, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// truncateUTF8 cuts s to at most n bytes without splitting a rune.
func truncateUTF8(s string, n int) []byte {
	b := []byte(s)
	if len(b) <= n {
		return b
	}
	b = b[:n]
	start := len(b) - 1
	for start > 0 && !utf8.RuneStart(b[start]) {
		start--
	}
	if !utf8.FullRune(b[start:]) {
		b = b[:start]
	}
	return b
}
