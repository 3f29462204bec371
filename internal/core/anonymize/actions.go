package anonymize

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/crypto/blake2b"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/joseph-ayodele/pii-anonymizer/constants"
	"github.com/joseph-ayodele/pii-anonymizer/internal/common"
	"github.com/joseph-ayodele/pii-anonymizer/internal/entity"
)

// Settings carries the action defaults and key material.
type Settings struct {
	MaskChar       rune
	MaskKeepPrefix int
	MaskKeepSuffix int
	HashLength     int
	EncryptionKey  []byte // 32 bytes; encrypt fails without it
	HashKey        []byte // optional BLAKE2b key, at most 64 bytes
}

// SettingsFromConfig decodes hex keys and fills defaults.
func SettingsFromConfig(cfg common.AnonymizationConfig) (Settings, error) {
	s := Settings{
		MaskChar:       '*',
		MaskKeepPrefix: cfg.MaskKeepPrefix,
		MaskKeepSuffix: cfg.MaskKeepSuffix,
		HashLength:     cfg.HashLength,
	}
	if r, _ := utf8.DecodeRuneInString(cfg.MaskChar); r != utf8.RuneError {
		s.MaskChar = r
	}
	if cfg.EncryptionKey != "" {
		k, err := hex.DecodeString(cfg.EncryptionKey)
		if err != nil || len(k) != chacha20poly1305.KeySize {
			return s, common.NewAppError("CONFIG_ERROR", "anonymization.encryption_key must be 64 hex characters", err)
		}
		s.EncryptionKey = k
	}
	if cfg.HashKey != "" {
		k, err := hex.DecodeString(cfg.HashKey)
		if err != nil || len(k) > blake2b.Size {
			return s, common.NewAppError("CONFIG_ERROR", "anonymization.hash_key must be at most 128 hex characters", err)
		}
		s.HashKey = k
	}
	return s, nil
}

func (s Settings) hashLength() int {
	if s.HashLength <= 0 || s.HashLength > 2*blake2b.Size256 {
		return 16
	}
	return s.HashLength
}

// Redact replaces a value with its entity type placeholder.
func Redact(t constants.EntityType) string {
	return "[" + string(t) + "]"
}

// Mask hides letters and digits with char, keeping keepPrefix of them at the
// start and keepSuffix at the end. Other characters are left in place, so the
// result has exactly as many characters as value. When the kept characters
// would reveal the whole value, everything is masked.
func Mask(value string, char rune, keepPrefix, keepSuffix int) string {
	runes := []rune(value)
	alnum := 0
	for _, r := range runes {
		if isMaskable(r) {
			alnum++
		}
	}
	if keepPrefix < 0 {
		keepPrefix = 0
	}
	if keepSuffix < 0 {
		keepSuffix = 0
	}
	if keepPrefix+keepSuffix >= alnum {
		keepPrefix, keepSuffix = 0, 0
	}

	seen := 0
	for i, r := range runes {
		if !isMaskable(r) {
			if alnum == 0 {
				runes[i] = char
			}
			continue
		}
		if seen >= keepPrefix && seen < alnum-keepSuffix {
			runes[i] = char
		}
		seen++
	}
	return string(runes)
}

func isMaskable(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// Hash returns a keyed BLAKE2b-256 hex digest of value truncated to length.
func Hash(value string, key []byte, length int) (string, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return "", err
	}
	h.Write([]byte(value))
	sum := hex.EncodeToString(h.Sum(nil))
	if length > 0 && length < len(sum) {
		sum = sum[:length]
	}
	return sum, nil
}

const encPrefix = "<ENC:"

// Encrypt produces <ENC:TYPE:token>. The nonce is derived from the value, so
// equal values under the same key yield equal tokens; only the key holder can
// reverse it.
func Encrypt(t constants.EntityType, value string, key []byte) (string, error) {
	if len(key) != chacha20poly1305.KeySize {
		return "", errors.New("encryption key not configured")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", err
	}
	mac, err := blake2b.New256(key)
	if err != nil {
		return "", err
	}
	mac.Write([]byte(t))
	mac.Write([]byte{0})
	mac.Write([]byte(value))
	nonce := mac.Sum(nil)[:chacha20poly1305.NonceSizeX]

	sealed := aead.Seal(append([]byte(nil), nonce...), nonce, []byte(value), []byte(t))
	return encPrefix + string(t) + ":" + base64.RawURLEncoding.EncodeToString(sealed) + ">", nil
}

// Decrypt reverses Encrypt for a key holder.
func Decrypt(token string, key []byte) (constants.EntityType, string, error) {
	if !strings.HasPrefix(token, encPrefix) || !strings.HasSuffix(token, ">") {
		return "", "", errors.New("not an encryption token")
	}
	body := strings.TrimSuffix(strings.TrimPrefix(token, encPrefix), ">")
	i := strings.LastIndexByte(body, ':')
	if i <= 0 {
		return "", "", errors.New("malformed encryption token")
	}
	t := constants.EntityType(body[:i])
	sealed, err := base64.RawURLEncoding.DecodeString(body[i+1:])
	if err != nil || len(sealed) < chacha20poly1305.NonceSizeX {
		return "", "", errors.New("malformed encryption token")
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return "", "", err
	}
	nonce, ct := sealed[:chacha20poly1305.NonceSizeX], sealed[chacha20poly1305.NonceSizeX:]
	plain, err := aead.Open(nil, nonce, ct, []byte(t))
	if err != nil {
		return "", "", err
	}
	// Guard against a token whose nonce was not derived from its own plaintext.
	check, err := Encrypt(t, string(plain), key)
	if err != nil || subtle.ConstantTimeCompare([]byte(check), []byte(token)) != 1 {
		return "", "", errors.New("encryption token integrity check failed")
	}
	return t, string(plain), nil
}

// Transform applies one action to a finding's text.
func (s Settings) Transform(f *entity.Finding, action constants.Action, replacement *string, mask *entity.MaskSpec) (string, error) {
	switch action {
	case constants.ActionRedact:
		return Redact(f.EntityType), nil
	case constants.ActionMask:
		char, prefix, suffix := s.MaskChar, s.MaskKeepPrefix, s.MaskKeepSuffix
		if mask != nil {
			if r, _ := utf8.DecodeRuneInString(mask.Char); mask.Char != "" && r != utf8.RuneError {
				char = r
			}
			if mask.KeepPrefix != nil {
				prefix = *mask.KeepPrefix
			}
			if mask.KeepSuffix != nil {
				suffix = *mask.KeepSuffix
			}
		}
		return Mask(f.Text, char, prefix, suffix), nil
	case constants.ActionReplace:
		if replacement == nil {
			return "", common.AnonymizationError(fmt.Sprintf("replace rule for %s has no replacement value", f.EntityType), nil)
		}
		return *replacement, nil
	case constants.ActionEncrypt:
		out, err := Encrypt(f.EntityType, f.Text, s.EncryptionKey)
		if err != nil {
			return "", common.AnonymizationError("encrypt "+string(f.EntityType), err)
		}
		return out, nil
	case constants.ActionHash:
		out, err := Hash(f.Text, s.HashKey, s.hashLength())
		if err != nil {
			return "", common.AnonymizationError("hash "+string(f.EntityType), err)
		}
		return out, nil
	}
	return "", common.AnonymizationError(fmt.Sprintf("unknown action %q", action), nil)
}
