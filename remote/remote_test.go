package remote

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apphub/m/v2/apperr"
)

func TestModifyListGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "remotes.conf")

	reg, err := Open(path, nil)
	require.NoError(t, err)

	err = reg.Modify(Remote{
		Name:     "R",
		URL:      "file:///srv/repo",
		Priority: 5,
		Type:     TypeStatic,
	}, nil)
	require.NoError(t, err)

	err = reg.Modify(Remote{Name: "Low", URL: "https://example.com/repo", Priority: 1, Type: TypeStatic}, nil)
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 2)
	assert.Equal(t, "R", list[0].Name) // higher priority first

	reopened, err := Open(path, nil)
	require.NoError(t, err)
	got, err := reopened.Get("R")
	require.NoError(t, err)
	assert.Equal(t, "file:///srv/repo", got.URL)
	assert.Equal(t, 5, got.Priority)
	assert.True(t, got.GPGVerify) // default true
}

func TestModifyRejectsEmptyURL(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "remotes.conf"), nil)
	require.NoError(t, err)

	err = reg.Modify(Remote{Name: "R", Type: TypeStatic}, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidRemote))
}

func TestModifyRejectsNonStatic(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "remotes.conf"), nil)
	require.NoError(t, err)

	err = reg.Modify(Remote{Name: "R", URL: "https://example.com", Type: TypeLAN}, nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindUnsupported))
}

func TestRemoveRefusesInUseWithoutForce(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "remotes.conf"), nil)
	require.NoError(t, err)
	require.NoError(t, reg.Modify(Remote{Name: "R", URL: "https://example.com", Type: TypeStatic}, nil))

	inUse := func(name string) (bool, error) { return true, nil }

	err = reg.Remove("R", false, inUse)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInUse))

	err = reg.Remove("R", true, inUse)
	require.NoError(t, err)

	_, err = reg.Get("R")
	require.Error(t, err)
}

func TestGetUnknownRemote(t *testing.T) {
	dir := t.TempDir()
	reg, err := Open(filepath.Join(dir, "remotes.conf"), nil)
	require.NoError(t, err)
	_, err = reg.Get("nope")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindInvalidRemote))
}
