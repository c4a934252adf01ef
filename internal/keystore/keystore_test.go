package keystore_test

import (
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/vigil-xy/vigil/internal/keystore"

	"github.com/stretchr/testify/require"
)

func TestEnsureKeysExist(t *testing.T) {
	t.Parallel()

	dir := filepath.Join(t.TempDir(), "keys")
	store := keystore.New(dir)

	first, err := store.EnsureKeysExist()
	require.NoError(t, err)
	second, err := store.EnsureKeysExist()
	require.NoError(t, err)
	require.True(t, first.Public.Equal(second.Public))
	require.True(t, first.Private.Equal(second.Private))

	require.Equal(t, filepath.Join(dir, keystore.PublicKeyFile), store.PublicKeyPath())
	if runtime.GOOS != "windows" {
		requireMode(t, dir, 0o700)
		requireMode(t, store.PrivateKeyPath(), 0o600)
		requireMode(t, store.PublicKeyPath(), 0o644)
	}

	pub, err := store.LoadPublic()
	require.NoError(t, err)
	require.True(t, first.Public.Equal(pub))
	require.Len(t, first.Fingerprint(), 32*3-1)
}

func requireMode(t *testing.T, p string, mode os.FileMode) {
	t.Helper()
	info, err := os.Stat(p)
	require.NoError(t, err)
	require.Equal(t, mode, info.Mode().Perm(), p)
}

func TestEnsureKeysExistConcurrent(t *testing.T) {
	t.Parallel()

	store := keystore.New(t.TempDir())
	const n = 8
	var (
		wg   sync.WaitGroup
		keys [n]keystore.KeyPair
		errs [n]error
	)
	for i := range n {
		wg.Go(func() {
			keys[i], errs[i] = store.EnsureKeysExist()
		})
	}
	wg.Wait()
	for i := range n {
		require.NoError(t, errs[i])
		require.True(t, keys[0].Public.Equal(keys[i].Public))
	}
}

func TestLoad(t *testing.T) {
	t.Parallel()

	var testCases = []struct {
		scenario string
		given    func(t *testing.T, store keystore.Store)
		then     func(t *testing.T, store keystore.Store, kp keystore.KeyPair, err error)
	}{
		{
			scenario: "no keys",
			given:    func(*testing.T, keystore.Store) {},
			then: func(t *testing.T, _ keystore.Store, _ keystore.KeyPair, err error) {
				require.ErrorIs(t, err, keystore.ErrNoKeys)
			},
		},
		{
			scenario: "missing public key is restored",
			given: func(t *testing.T, store keystore.Store) {
				_, err := store.EnsureKeysExist()
				require.NoError(t, err)
				require.NoError(t, os.Remove(store.PublicKeyPath()))
			},
			then: func(t *testing.T, store keystore.Store, kp keystore.KeyPair, err error) {
				require.NoError(t, err)
				pub, err := store.LoadPublic()
				require.NoError(t, err)
				require.True(t, kp.Public.Equal(pub))
			},
		},
		{
			scenario: "corrupted private key",
			given: func(t *testing.T, store keystore.Store) {
				require.NoError(t, os.MkdirAll(store.Dir(), 0o700))
				require.NoError(t, os.WriteFile(store.PrivateKeyPath(), []byte("garbage"), 0o600))
			},
			then: func(t *testing.T, _ keystore.Store, _ keystore.KeyPair, err error) {
				require.ErrorIs(t, err, keystore.ErrKeyStorage)
				var kse *keystore.KeyStorageError
				require.ErrorAs(t, err, &kse)
				require.Equal(t, "parse", kse.Op)
			},
		},
		{
			scenario: "mismatching public key",
			given: func(t *testing.T, store keystore.Store) {
				_, err := store.EnsureKeysExist()
				require.NoError(t, err)
				other := keystore.New(filepath.Join(t.TempDir(), "other"))
				_, err = other.EnsureKeysExist()
				require.NoError(t, err)
				b, err := os.ReadFile(other.PublicKeyPath())
				require.NoError(t, err)
				require.NoError(t, os.WriteFile(store.PublicKeyPath(), b, 0o644))
			},
			then: func(t *testing.T, _ keystore.Store, _ keystore.KeyPair, err error) {
				require.ErrorIs(t, err, keystore.ErrKeyStorage)
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.scenario, func(t *testing.T) {
			t.Parallel()
			store := keystore.New(t.TempDir())
			tc.given(t, store)
			kp, err := store.Load()
			tc.then(t, store, kp, err)
		})
	}
}

func TestNotWritable(t *testing.T) {
	t.Parallel()
	if runtime.GOOS == "windows" || os.Geteuid() == 0 {
		t.Skip("permissions are not enforced")
	}

	parent := t.TempDir()
	require.NoError(t, os.Chmod(parent, 0o500))
	t.Cleanup(func() { _ = os.Chmod(parent, 0o700) })

	_, err := keystore.New(filepath.Join(parent, "keys")).EnsureKeysExist()
	require.ErrorIs(t, err, keystore.ErrKeyStorage)
}

func TestRotate(t *testing.T) {
	t.Parallel()

	store := keystore.New(t.TempDir())
	old, err := store.EnsureKeysExist()
	require.NoError(t, err)

	now := time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)
	rotated, err := store.Rotate(now)
	require.NoError(t, err)
	require.False(t, old.Public.Equal(rotated.Public))
	require.FileExists(t, store.PrivateKeyPath()+".20251001T080000Z")

	loaded, err := store.EnsureKeysExist()
	require.NoError(t, err)
	require.True(t, rotated.Public.Equal(loaded.Public))
}

func TestRotateFailed(t *testing.T) {
	t.Parallel()

	store := keystore.New(t.TempDir())
	old, err := store.EnsureKeysExist()
	require.NoError(t, err)

	// a non empty directory in the way of the private key
	now := time.Date(2025, 10, 1, 8, 0, 0, 0, time.UTC)
	blocker := store.PrivateKeyPath() + ".20251001T080000Z"
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "x"), 0o700))

	_, err = store.Rotate(now)
	require.ErrorIs(t, err, keystore.ErrKeyStorage)
	require.FileExists(t, store.PublicKeyPath())
	require.NoFileExists(t, store.PublicKeyPath()+".20251001T080000Z")

	loaded, err := store.Load()
	require.NoError(t, err)
	require.True(t, old.Public.Equal(loaded.Public))
}

func TestParsePublicKey(t *testing.T) {
	t.Parallel()

	kp, err := keystore.New(t.TempDir()).EnsureKeysExist()
	require.NoError(t, err)

	fromB64, err := keystore.ParsePublicKey([]byte(kp.PublicBase64() + "\n"))
	require.NoError(t, err)
	require.True(t, kp.Public.Equal(fromB64))

	_, err = keystore.ParsePublicKey([]byte("c2hvcnQ="))
	require.Error(t, err)
}
