// Package fingerprint implements the public-key codec (spec.md §4.1):
// parsing a single public-key line (optionally authorized_keys-style,
// with options), computing its SHA256/MD5 fingerprints, and
// normalising fingerprints for cross-format matching.
//
// Parsing leans on golang.org/x/crypto/ssh, which already implements
// RFC 4253 wire-format decoding and authorized_keys option stripping
// (quote-aware, consuming unquoted non-whitespace tokens up to the
// ssh-* type token) — reimplementing that by hand would just be a
// worse copy of ssh.ParseAuthorizedKey.
package fingerprint

import (
	"crypto/ecdsa"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/ssh"
)

// ErrMalformedKey is returned for a non-base64 body, unknown type
// prefix, or empty input line.
var ErrMalformedKey = errors.New("fingerprint: malformed key")

// Key is the parsed, hashed result of a single public-key line.
type Key struct {
	Type              KeyTypeName
	Comment            string
	Options            []string
	Bits               int
	FingerprintSHA256  string // "SHA256:<base64-no-padding>"
	FingerprintMD5     string // "aa:bb:cc:..." lowercase hex
	Raw                ssh.PublicKey
}

// KeyTypeName mirrors model.KeyType without importing model, keeping
// this package dependency-free of the rest of the engine.
type KeyTypeName string

const (
	TypeRSA     KeyTypeName = "rsa"
	TypeEd25519 KeyTypeName = "ed25519"
	TypeECDSA   KeyTypeName = "ecdsa"
	TypeDSA     KeyTypeName = "dsa"
	TypeUnknown KeyTypeName = "unknown"
)

// Parse parses one line from an authorized_keys-style file: optional
// leading options, then "<type> <base64-body> [comment]". Blank and
// comment ("#...") lines are the caller's concern (the key scanner
// skips them before calling Parse); Parse itself fails on an empty
// line.
func Parse(line string) (*Key, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedKey)
	}

	pub, comment, options, _, err := ssh.ParseAuthorizedKey([]byte(trimmed))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	return fromPublicKey(pub, comment, options)
}

// ParseBare parses a single public key with no authorized_keys options,
// as found in identity (*.pub) and host key files (§4.5 steps 3-4).
func ParseBare(line string) (*Key, error) {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil, fmt.Errorf("%w: empty line", ErrMalformedKey)
	}
	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return nil, fmt.Errorf("%w: expected at least type and body", ErrMalformedKey)
	}

	body, err := base64.StdEncoding.DecodeString(fields[1])
	if err != nil {
		return nil, fmt.Errorf("%w: non-base64 body: %v", ErrMalformedKey, err)
	}
	pub, err := ssh.ParsePublicKey(body)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedKey, err)
	}

	comment := ""
	if len(fields) > 2 {
		comment = strings.Join(fields[2:], " ")
	}
	return fromPublicKey(pub, comment, nil)
}

func fromPublicKey(pub ssh.PublicKey, comment string, options []string) (*Key, error) {
	kt := detectType(pub.Type())
	if kt == TypeUnknown {
		return nil, fmt.Errorf("%w: unknown key type prefix %q", ErrMalformedKey, pub.Type())
	}

	k := &Key{
		Type:              kt,
		Comment:           comment,
		Options:           options,
		FingerprintSHA256: ssh.FingerprintSHA256(pub),
		FingerprintMD5:    ssh.FingerprintLegacyMD5(pub),
		Raw:               pub,
		Bits:              detectBits(kt, pub),
	}
	return k, nil
}

func detectType(wireType string) KeyTypeName {
	switch {
	case wireType == "ssh-rsa":
		return TypeRSA
	case wireType == "ssh-ed25519":
		return TypeEd25519
	case strings.HasPrefix(wireType, "ecdsa-sha2-"):
		return TypeECDSA
	case wireType == "ssh-dss":
		return TypeDSA
	default:
		return TypeUnknown
	}
}

// detectBits recovers key size where it's cheap to do so from the
// already-parsed wire key, per spec.md §4.1.
func detectBits(kt KeyTypeName, pub ssh.PublicKey) int {
	cpk, ok := pub.(ssh.CryptoPublicKey)
	if !ok {
		if kt == TypeEd25519 {
			return 256
		}
		return 0
	}
	switch key := cpk.CryptoPublicKey().(type) {
	case *rsa.PublicKey:
		return key.N.BitLen()
	case *ecdsa.PublicKey:
		return key.Curve.Params().BitSize
	default:
		if kt == TypeEd25519 {
			return 256
		}
		return 0
	}
}

// NormalizeSHA256 strips a leading "SHA256:" prefix and re-renders
// without base64 padding, so two representations of the same
// fingerprint that differ only in the prefix or in padding compare
// equal. Case is preserved, since base64 is case-sensitive.
func NormalizeSHA256(fp string) string {
	fp = strings.TrimPrefix(fp, "SHA256:")
	fp = strings.TrimRight(fp, "=")
	return "SHA256:" + fp
}

// NormalizeMD5 lowercases and colon-joins an MD5 fingerprint that may
// arrive as continuous hex or already colon-joined.
func NormalizeMD5(fp string) string {
	fp = strings.ToLower(strings.TrimPrefix(fp, "MD5:"))
	if strings.Contains(fp, ":") {
		return fp
	}
	if len(fp)%2 != 0 {
		return fp
	}
	var b strings.Builder
	for i := 0; i < len(fp); i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(fp[i : i+2])
	}
	return b.String()
}

// SHA256Raw computes the raw "SHA256:<base64-no-padding>" form directly
// from a decoded wire-format key body, for callers (e.g. the log
// parser) that only have the digest a remote sshd printed and need to
// compare it without a parsed ssh.PublicKey.
func SHA256Raw(wireBody []byte) string {
	sum := sha256.Sum256(wireBody)
	return "SHA256:" + strings.TrimRight(base64.StdEncoding.EncodeToString(sum[:]), "=")
}
