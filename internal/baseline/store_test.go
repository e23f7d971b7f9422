package baseline

import (
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/brennhill/agent-chrome-test/internal/bridgeerr"
)

func TestSaveLoadRoundTrip(t *testing.T) {
	store := New(t.TempDir())
	png := []byte("fake-png-bytes")

	path, err := store.Save("homepage", png)
	require.NoError(t, err)
	require.FileExists(t, path)

	loaded, ok, err := store.Load("homepage")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, png, loaded)
}

func TestLoadMissingReturnsFalseNotError(t *testing.T) {
	store := New(t.TempDir())
	_, ok, err := store.Load("missing")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestSaveCreatesRootAtOwnerOnlyPermissions(t *testing.T) {
	root := t.TempDir() + "/baselines"
	store := New(root)
	_, err := store.Save("a", []byte("x"))
	require.NoError(t, err)

	info, err := os.Stat(root)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o700), info.Mode().Perm())
}

func TestNameValidationRejectsTraversal(t *testing.T) {
	cases := []string{"", "../escape", "a/b", `a\b`, "a..b/.."}
	for _, name := range cases {
		require.True(t, errors.Is(ValidateName(name), bridgeerr.ErrInvalidInput), "name %q should be rejected", name)
	}
}

func TestNameValidationAcceptsSimpleNames(t *testing.T) {
	require.NoError(t, ValidateName("homepage-v2"))
}

func TestListReturnsOnlyTopLevelPNGNames(t *testing.T) {
	store := New(t.TempDir())
	_, err := store.Save("a", []byte("1"))
	require.NoError(t, err)
	_, err = store.Save("b", []byte("2"))
	require.NoError(t, err)
	_, err = store.SaveDiff("a", []byte("diff"))
	require.NoError(t, err)

	names, err := store.List()
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"a", "b"}, names)
}

func TestExistsReflectsSaveState(t *testing.T) {
	store := New(t.TempDir())
	ok, err := store.Exists("x")
	require.NoError(t, err)
	require.False(t, ok)

	_, err = store.Save("x", []byte("data"))
	require.NoError(t, err)

	ok, err = store.Exists("x")
	require.NoError(t, err)
	require.True(t, ok)
}
