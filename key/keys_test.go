package key

import (
	"path"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fairmail/fairmail/exchange"
	"github.com/fairmail/fairmail/fs"
)

func TestKeyPairSigning(t *testing.T) {
	pair, err := NewKeyPair()
	require.NoError(t, err)

	payload := exchange.PID(pair.Public.Address(), pair.Public.Address(), [32]byte{1})
	sig, err := pair.Sign(payload)
	require.NoError(t, err)
	require.Len(t, sig, 65)

	v := exchange.NewVerifier()
	require.NoError(t, v.Verify(payload, sig, pair.Public.Address()))

	other, err := NewKeyPair()
	require.NoError(t, err)
	require.Error(t, v.Verify(payload, sig, other.Public.Address()))
}

func TestKeysSaveLoad(t *testing.T) {
	pair, err := NewKeyPair()
	require.NoError(t, err)

	tmp := path.Join(t.TempDir(), "fairmail")
	store := NewFileStore(tmp).(*fileStore)
	require.Equal(t, tmp, store.baseFolder)

	require.NoError(t, store.SaveKeyPair(pair))
	loadedKey, err := store.LoadKeyPair()
	require.NoError(t, err)
	require.Equal(t, pair.Key.D, loadedKey.Key.D)
	require.Equal(t, pair.Public.Address(), loadedKey.Public.Address())
	require.True(t, fs.FileExists(path.Join(tmp, KeyFolderName), store.privateKeyFile))
	require.True(t, fs.FileExists(path.Join(tmp, KeyFolderName), store.publicKeyFile))
}

func TestIdentityTOML(t *testing.T) {
	pair, err := NewKeyPair()
	require.NoError(t, err)

	encoded := pair.Public.TOML()
	loaded := new(Identity)
	require.NoError(t, loaded.FromTOML(encoded))
	require.Equal(t, pair.Public.Address(), loaded.Address())
}
