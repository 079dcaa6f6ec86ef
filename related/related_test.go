package related

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"apphub/m/v2/ref"
)

const sampleMetadata = `[Application]
name=org.Ed.Editor

[Extension "org.Ed.Editor.Plugin"]
version=1.0
subdirectories=true
no-autodownload=true
autodelete=false

[Extension "org.Ed.Editor.Locale"]
locale-subset=true
autodelete=true
`

func TestParseExtensions(t *testing.T) {
	exts, err := ParseExtensions([]byte(sampleMetadata))
	require.NoError(t, err)
	require.Len(t, exts, 2)

	assert.Equal(t, "org.Ed.Editor.Plugin", exts[0].ID)
	assert.True(t, exts[0].Subdirectories)
	assert.True(t, exts[0].NoAutodownload)
	assert.False(t, exts[0].Autodelete)

	assert.Equal(t, "org.Ed.Editor.Locale", exts[1].ID)
	assert.True(t, exts[1].LocaleSubset)
	assert.True(t, exts[1].Autodelete)
}

func TestResolveExpandsLocaleSubsetPerLanguage(t *testing.T) {
	parent := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	related, err := Resolve(parent, []byte(sampleMetadata), []string{"de", "fr"})
	require.NoError(t, err)
	require.Len(t, related, 3)

	plugin := related[0]
	assert.Equal(t, "org.Ed.Editor.Plugin", plugin.Name)
	assert.Equal(t, "stable", plugin.Branch)
	assert.False(t, plugin.ShouldDownload, "no-autodownload=true means should not auto-download")
	assert.False(t, plugin.ShouldDelete)

	de := related[1]
	assert.Equal(t, "org.Ed.Editor.Locale", de.Name)
	assert.Equal(t, "de", de.Branch)
	assert.Equal(t, []string{"de"}, de.Subpaths)
	assert.True(t, de.ShouldDownload)
	assert.True(t, de.ShouldDelete)
	assert.True(t, de.ShouldAutoprune)

	fr := related[2]
	assert.Equal(t, "fr", fr.Branch)
}

func TestResolveWithNoLanguagesSkipsLocaleSubset(t *testing.T) {
	parent := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	related, err := Resolve(parent, []byte(sampleMetadata), nil)
	require.NoError(t, err)
	require.Len(t, related, 1)
	assert.Equal(t, "org.Ed.Editor.Plugin", related[0].Name)
}

func TestResolveNoExtensions(t *testing.T) {
	parent := ref.Ref{Kind: ref.KindApp, Name: "org.Ed.Editor", Arch: "x86_64", Branch: "stable"}
	related, err := Resolve(parent, []byte("[Application]\nname=org.Ed.Editor\n"), []string{"de"})
	require.NoError(t, err)
	assert.Empty(t, related)
}
