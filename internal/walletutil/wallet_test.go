package walletutil

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestOpenMissingFileStartsEmpty(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "mywallet"))
	require.NoError(t, err)
	require.Equal(t, 0, w.KeyCount())
}

func TestAddKeySaveLoadRoundTrips(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mywallet")
	w, err := Open(path)
	require.NoError(t, err)

	k1, err := w.AddKey()
	require.NoError(t, err)
	k2, err := w.AddKey()
	require.NoError(t, err)
	require.NoError(t, w.Save())

	reloaded, err := Open(path)
	require.NoError(t, err)
	require.Equal(t, 2, reloaded.KeyCount())
	got := reloaded.Keys()
	require.Equal(t, k1.Private.Serialize(), got[0].Private.Serialize())
	require.Equal(t, k2.Private.Serialize(), got[1].Private.Serialize())
}

func TestImportKeyProducesStableAddress(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "mywallet"))
	require.NoError(t, err)

	raw := make([]byte, 32)
	raw[31] = 1
	k, err := w.ImportKey(raw)
	require.NoError(t, err)

	addr1 := k.Address("bitcoincash")
	addr2 := k.Address("bitcoincash")
	require.Equal(t, addr1, addr2)
	require.Contains(t, addr1, "bitcoincash:")
}

func TestImportKeyRejectsWrongLength(t *testing.T) {
	w, err := Open(filepath.Join(t.TempDir(), "mywallet"))
	require.NoError(t, err)
	_, err = w.ImportKey([]byte{1, 2, 3})
	require.Error(t, err)
}
