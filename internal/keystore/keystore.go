// Package keystore keeps the Ed25519 signing identity of the host on disk.
//
// The private key is stored as PEM encoded PKCS#8 readable by the owner only,
// the public key as PEM encoded PKIX readable by everyone. An existing key
// pair is never replaced implicitly.
package keystore

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	PrivateKeyFile = "vigil_ed25519.pem"
	PublicKeyFile  = "vigil_ed25519.pub.pem"

	dirPerm     = 0o700
	privatePerm = 0o600
	publicPerm  = 0o644
)

var (
	ErrKeyStorage = errors.New("key storage")
	ErrNoKeys     = errors.New("no keys")
)

// KeyStorageError is returned when the key directory or the key files can't
// be read or written. It matches ErrKeyStorage.
type KeyStorageError struct {
	Op   string
	Path string
	Err  error
}

func (e *KeyStorageError) Error() string {
	return fmt.Sprintf("key storage: %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *KeyStorageError) Unwrap() error { return e.Err }

func (e *KeyStorageError) Is(target error) bool { return target == ErrKeyStorage }

// KeyPair is a loaded signing identity.
type KeyPair struct {
	Private ed25519.PrivateKey
	Public  ed25519.PublicKey
}

// Fingerprint returns the hex encoded SHA-256 of the raw public key.
func (k KeyPair) Fingerprint() string {
	return Fingerprint(k.Public)
}

func Fingerprint(pub ed25519.PublicKey) string {
	sum := sha256.Sum256(pub)
	parts := make([]string, len(sum))
	for i, b := range sum {
		parts[i] = fmt.Sprintf("%02X", b)
	}
	return strings.Join(parts, ":")
}

// PublicBase64 returns the raw public key in standard base64.
func (k KeyPair) PublicBase64() string {
	return base64.StdEncoding.EncodeToString(k.Public)
}

type Store struct {
	dir string
}

// New returns a store rooted at dir. Nothing is created until
// EnsureKeysExist is called.
func New(dir string) Store {
	return Store{dir: dir}
}

// DefaultDir returns <UserConfigDir>/vigil/keys.
func DefaultDir() (string, error) {
	d, err := os.UserConfigDir()
	if err != nil {
		return "", &KeyStorageError{Op: "locate", Path: "", Err: err}
	}
	return filepath.Join(d, "vigil", "keys"), nil
}

func (s Store) Dir() string { return s.dir }

func (s Store) PublicKeyPath() string {
	return filepath.Join(s.dir, PublicKeyFile)
}

func (s Store) PrivateKeyPath() string {
	return filepath.Join(s.dir, PrivateKeyFile)
}

// EnsureKeysExist loads the stored key pair or generates a new one when
// there is none. Creation is exclusive, a concurrent caller either wins or
// observes the key pair of the winner.
func (s Store) EnsureKeysExist() (KeyPair, error) {
	kp, err := s.Load()
	if err == nil {
		return kp, nil
	}
	if !errors.Is(err, ErrNoKeys) {
		return KeyPair{}, err
	}

	if err := os.MkdirAll(s.dir, dirPerm); err != nil {
		return KeyPair{}, &KeyStorageError{Op: "mkdir", Path: s.dir, Err: err}
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("generate ed25519 key: %w", err)
	}
	privPEM, pubPEM, err := encode(priv, pub)
	if err != nil {
		return KeyPair{}, err
	}

	// the private key decides the winner, the public key is derived
	switch err := createExclusive(s.PrivateKeyPath(), privPEM, privatePerm); {
	case err == nil:
	case errors.Is(err, fs.ErrExist):
		return s.awaitPublic()
	default:
		return KeyPair{}, &KeyStorageError{Op: "write", Path: s.PrivateKeyPath(), Err: err}
	}
	if err := writeAtomic(s.PublicKeyPath(), pubPEM, publicPerm); err != nil {
		return KeyPair{}, &KeyStorageError{Op: "write", Path: s.PublicKeyPath(), Err: err}
	}
	return KeyPair{Private: priv, Public: pub}, nil
}

// awaitPublic loads the key pair written by a concurrent winner.
func (s Store) awaitPublic() (KeyPair, error) {
	var err error
	for range 50 {
		var kp KeyPair
		kp, err = s.Load()
		if err == nil {
			return kp, nil
		}
		time.Sleep(10 * time.Millisecond)
	}
	return KeyPair{}, err
}

// Load reads the stored key pair. It returns ErrNoKeys when the private key
// does not exist. The public key is verified to belong to the private one,
// a missing public key is restored from the private key.
func (s Store) Load() (KeyPair, error) {
	b, err := os.ReadFile(s.PrivateKeyPath())
	if errors.Is(err, fs.ErrNotExist) {
		return KeyPair{}, ErrNoKeys
	}
	if err != nil {
		return KeyPair{}, &KeyStorageError{Op: "read", Path: s.PrivateKeyPath(), Err: err}
	}
	priv, err := ParsePrivateKey(b)
	if err != nil {
		return KeyPair{}, &KeyStorageError{Op: "parse", Path: s.PrivateKeyPath(), Err: err}
	}
	derived := priv.Public().(ed25519.PublicKey)

	b, err = os.ReadFile(s.PublicKeyPath())
	switch {
	case errors.Is(err, fs.ErrNotExist):
		_, pubPEM, err := encode(priv, derived)
		if err != nil {
			return KeyPair{}, err
		}
		if err := writeAtomic(s.PublicKeyPath(), pubPEM, publicPerm); err != nil {
			return KeyPair{}, &KeyStorageError{Op: "write", Path: s.PublicKeyPath(), Err: err}
		}
	case err != nil:
		return KeyPair{}, &KeyStorageError{Op: "read", Path: s.PublicKeyPath(), Err: err}
	default:
		pub, err := ParsePublicKey(b)
		if err != nil {
			return KeyPair{}, &KeyStorageError{Op: "parse", Path: s.PublicKeyPath(), Err: err}
		}
		if !pub.Equal(derived) {
			return KeyPair{}, &KeyStorageError{
				Op:   "verify",
				Path: s.PublicKeyPath(),
				Err:  errors.New("public key does not match the private key"),
			}
		}
	}
	return KeyPair{Private: priv, Public: derived}, nil
}

// LoadPublic reads only the public half.
func (s Store) LoadPublic() (ed25519.PublicKey, error) {
	b, err := os.ReadFile(s.PublicKeyPath())
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNoKeys
	}
	if err != nil {
		return nil, &KeyStorageError{Op: "read", Path: s.PublicKeyPath(), Err: err}
	}
	return ParsePublicKey(b)
}

// Rotate replaces the stored key pair with a new one. The previous files are
// kept with a timestamp suffix. The public half moves first and is moved
// back when the private half can't be moved, so a failed rotation leaves
// the store as it was.
func (s Store) Rotate(now time.Time) (KeyPair, error) {
	suffix := "." + now.UTC().Format("20060102T150405Z")
	pub, priv := s.PublicKeyPath(), s.PrivateKeyPath()

	pubMoved := true
	if err := os.Rename(pub, pub+suffix); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return KeyPair{}, &KeyStorageError{Op: "rotate", Path: pub, Err: err}
		}
		pubMoved = false
	}
	if err := os.Rename(priv, priv+suffix); err != nil && !errors.Is(err, fs.ErrNotExist) {
		if pubMoved {
			if rerr := os.Rename(pub+suffix, pub); rerr != nil {
				err = errors.Join(err, rerr)
			}
		}
		return KeyPair{}, &KeyStorageError{Op: "rotate", Path: priv, Err: err}
	}
	return s.EnsureKeysExist()
}

func encode(priv ed25519.PrivateKey, pub ed25519.PublicKey) ([]byte, []byte, error) {
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal private key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal public key: %w", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privDER}),
		pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER}),
		nil
}

func ParsePrivateKey(b []byte) (ed25519.PrivateKey, error) {
	block, _ := pem.Decode(b)
	if block == nil || block.Type != "PRIVATE KEY" {
		return nil, errors.New("no PRIVATE KEY block")
	}
	key, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	priv, ok := key.(ed25519.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("unexpected private key type %T", key)
	}
	return priv, nil
}

// ParsePublicKey accepts a PEM encoded PKIX public key or a raw key in
// standard base64.
func ParsePublicKey(b []byte) (ed25519.PublicKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(b)))
		if err != nil {
			return nil, fmt.Errorf("neither PEM nor base64: %w", err)
		}
		if len(raw) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid public key length: got %d, want %d", len(raw), ed25519.PublicKeySize)
		}
		return ed25519.PublicKey(raw), nil
	}
	if block.Type != "PUBLIC KEY" {
		return nil, fmt.Errorf("unexpected PEM block %q", block.Type)
	}
	key, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	pub, ok := key.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("unexpected public key type %T", key)
	}
	return pub, nil
}

// createExclusive writes a complete file at p or fails with fs.ErrExist.
// The content is written to a temporary file first and hard linked into
// place, so p never exists half written. Filesystems without hard links
// fall back to O_EXCL.
func createExclusive(p string, b []byte, perm os.FileMode) error {
	tmp, err := writeTemp(p, b, perm)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	err = os.Link(tmp, p)
	if err == nil || errors.Is(err, fs.ErrExist) {
		return err
	}

	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, perm)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return err
	}
	return f.Close()
}

// writeAtomic replaces p with b.
func writeAtomic(p string, b []byte, perm os.FileMode) error {
	tmp, err := writeTemp(p, b, perm)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return nil
}

func writeTemp(p string, b []byte, perm os.FileMode) (string, error) {
	f, err := os.CreateTemp(filepath.Dir(p), "."+filepath.Base(p)+".*")
	if err != nil {
		return "", err
	}
	name := f.Name()
	fail := func(err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(name)
		return "", err
	}
	if err := f.Chmod(perm); err != nil {
		return fail(err)
	}
	if _, err := f.Write(b); err != nil {
		return fail(err)
	}
	if err := f.Sync(); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", err
	}
	return name, nil
}
