// Package signing produces and checks Ed25519 signatures over the canonical
// encoding of a report.
//
// The canonical encoding is compact JSON of the normalized model.Report:
// struct field order, no insignificant whitespace, no HTML escaping, UTC
// timestamps and empty lists instead of null. A signed artifact embeds the
// exact canonical bytes, so verification works on the bytes as stored and
// any re-formatting invalidates the signature.
package signing

import (
	"bytes"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vigil-xy/vigil/internal/model"
)

const (
	Algorithm  = "ed25519"
	hashPrefix = "sha256:"
)

var (
	// ErrNotSigned means the artifact carries no usable signature.
	ErrNotSigned = errors.New("report is not signed")
	// ErrMalformed means the artifact or the signature fields can't be decoded.
	ErrMalformed = errors.New("malformed signed report")
)

// Signature accompanies a signed report. Hash is informational and is
// never used to decide validity.
type Signature struct {
	Hash      string    `json:"hash"`
	Signature string    `json:"signature"`
	PublicKey string    `json:"publicKey"`
	Algorithm string    `json:"algorithm"`
	Timestamp time.Time `json:"timestamp"`
}

// Artifact is a report together with its signature. Report holds the
// canonical bytes verbatim.
type Artifact struct {
	Report    json.RawMessage `json:"report"`
	Signature *Signature      `json:"signature,omitempty"`
}

// Canonical returns the canonical encoding of r.
func Canonical(r model.Report) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(r.Normalized()); err != nil {
		return nil, fmt.Errorf("canonical encoding: %w", err)
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

// Hash returns the display digest of canonical bytes.
func Hash(canonical []byte) string {
	sum := sha256.Sum256(canonical)
	return hashPrefix + hex.EncodeToString(sum[:])
}

type Signer struct {
	key ed25519.PrivateKey
	now func() time.Time
}

func NewSigner(key ed25519.PrivateKey) Signer {
	return Signer{key: key, now: time.Now}
}

// WithNow returns a signer with a custom clock.
func (s Signer) WithNow(now func() time.Time) Signer {
	s.now = now
	return s
}

// Sign signs the canonical encoding of r and returns the artifact.
func (s Signer) Sign(r model.Report) (Artifact, error) {
	canonical, err := Canonical(r)
	if err != nil {
		return Artifact{}, err
	}
	sig, err := s.SignBytes(canonical)
	if err != nil {
		return Artifact{}, err
	}
	return Artifact{Report: canonical, Signature: &sig}, nil
}

// SignBytes signs b as it is.
func (s Signer) SignBytes(b []byte) (Signature, error) {
	if len(s.key) != ed25519.PrivateKeySize {
		return Signature{}, fmt.Errorf("invalid private key length: %d", len(s.key))
	}
	pub := s.key.Public().(ed25519.PublicKey)
	return Signature{
		Hash:      Hash(b),
		Signature: base64.StdEncoding.EncodeToString(ed25519.Sign(s.key, b)),
		PublicKey: base64.StdEncoding.EncodeToString(pub),
		Algorithm: Algorithm,
		Timestamp: s.now().UTC(),
	}, nil
}

// Verify checks sig over b with pub. When pub is nil, the public key
// declared by sig is used.
func Verify(b []byte, sig *Signature, pub ed25519.PublicKey) (bool, error) {
	if sig == nil || sig.Signature == "" || (sig.PublicKey == "" && pub == nil) {
		return false, ErrNotSigned
	}
	if sig.Algorithm != "" && !strings.EqualFold(sig.Algorithm, Algorithm) {
		return false, fmt.Errorf("%w: unsupported algorithm %q", ErrMalformed, sig.Algorithm)
	}
	raw, err := base64.StdEncoding.DecodeString(sig.Signature)
	if err != nil {
		return false, fmt.Errorf("%w: signature: %w", ErrMalformed, err)
	}
	if len(raw) != ed25519.SignatureSize {
		return false, fmt.Errorf("%w: signature length %d", ErrMalformed, len(raw))
	}
	if pub == nil {
		pub, err = DecodePublicKey(sig.PublicKey)
		if err != nil {
			return false, err
		}
	} else if len(pub) != ed25519.PublicKeySize {
		return false, fmt.Errorf("%w: public key length %d", ErrMalformed, len(pub))
	}
	return ed25519.Verify(pub, b, raw), nil
}

// VerifyReport recomputes the canonical encoding of r and checks sig.
func VerifyReport(r model.Report, sig *Signature, pub ed25519.PublicKey) (bool, error) {
	canonical, err := Canonical(r)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	return Verify(canonical, sig, pub)
}

// ParseArtifact decodes a serialized artifact. A document without a report
// member is treated as a bare, unsigned report.
func ParseArtifact(b []byte) (Artifact, error) {
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(b, &probe); err != nil {
		return Artifact{}, fmt.Errorf("%w: %w", ErrMalformed, err)
	}
	report, ok := probe["report"]
	if !ok {
		return Artifact{Report: bytes.TrimSpace(b)}, nil
	}
	a := Artifact{Report: report}
	if raw, ok := probe["signature"]; ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		var sig Signature
		if err := json.Unmarshal(raw, &sig); err != nil {
			return Artifact{}, fmt.Errorf("%w: signature: %w", ErrMalformed, err)
		}
		a.Signature = &sig
	}
	return a, nil
}

// VerifyArtifact parses b and verifies the embedded report bytes. A nil pub
// trusts the public key declared in the artifact.
func VerifyArtifact(b []byte, pub ed25519.PublicKey) (bool, error) {
	a, err := ParseArtifact(b)
	if err != nil {
		return false, err
	}
	return Verify(a.Report, a.Signature, pub)
}

// DecodeReport returns the report carried by the artifact.
func (a Artifact) DecodeReport() (model.Report, error) {
	var r model.Report
	if err := json.Unmarshal(a.Report, &r); err != nil {
		return model.Report{}, fmt.Errorf("%w: report: %w", ErrMalformed, err)
	}
	return r, nil
}

// Marshal returns the serialized artifact. The report member is written
// verbatim.
func (a Artifact) Marshal() ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(a); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DecodePublicKey(s string) (ed25519.PublicKey, error) {
	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: public key: %w", ErrMalformed, err)
	}
	if len(raw) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("%w: public key length %d", ErrMalformed, len(raw))
	}
	return ed25519.PublicKey(raw), nil
}
