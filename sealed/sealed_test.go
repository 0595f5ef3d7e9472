package sealed

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

func TestSealOpen(t *testing.T) {
	msg := []byte("meet me at the usual place")
	key, err := NewKey()
	require.NoError(t, err)

	env, err := Seal(key, msg)
	require.NoError(t, err)
	require.NotEqual(t, msg, env.Ciphertext)

	plain, err := Open(key, env)
	require.NoError(t, err)
	require.Equal(t, msg, plain)
}

func TestOpenWrongKey(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	env, err := Seal(key, []byte("certified content"))
	require.NoError(t, err)

	wrong, err := NewKey()
	require.NoError(t, err)
	_, err = Open(wrong, env)
	require.Error(t, err)
}

func TestEnvelopeCodec(t *testing.T) {
	key, err := NewKey()
	require.NoError(t, err)
	env, err := Seal(key, []byte("payload"))
	require.NoError(t, err)

	buff, err := env.Marshal()
	require.NoError(t, err)

	loaded := new(Envelope)
	require.NoError(t, loaded.Unmarshal(buff))
	require.Equal(t, env.Nonce, loaded.Nonce)
	require.Equal(t, env.Ciphertext, loaded.Ciphertext)
	require.Equal(t, env.ContentHash(), loaded.ContentHash())
}

func TestNewKeyNeverZero(t *testing.T) {
	for i := 0; i < 32; i++ {
		key, err := NewKey()
		require.NoError(t, err)
		require.NotEqual(t, common.Hash{}, key)
	}
}
