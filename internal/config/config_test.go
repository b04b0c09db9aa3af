package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vivaldiplus/greenhook/internal/patch"
)

const appDir = "/opt/vivaldi/Application"

func TestDefaults(t *testing.T) {
	c, err := Load(t.TempDir())
	require.NoError(t, err)
	assert.False(t, c.Win32k)
	assert.False(t, c.DebugLog)
	assert.Equal(t, DefaultDisableFeatures, c.DisableFeatures)
	assert.False(t, c.CustomDisableFeatures)
	assert.Empty(t, c.BossKey)
	assert.Empty(t, c.Patches)

	d := Default(appDir)
	assert.Equal(t, "/opt/vivaldi/Data", d.DataDir)
	assert.Equal(t, "/opt/vivaldi/Cache", d.CacheDir)
}

func TestParse(t *testing.T) {
	t.Setenv("GREENHOOK_PROFILE", "/srv/profiles")
	doc := `
[General]
win32k = 1
debug_log = true
command_line = --force-dark-mode --lang=en
disable_features = Translate
BossKey = Ctrl+Alt+B

[dir_setting]
data = %GREENHOOK_PROFILE%\vivaldi
cache = %app%\..\..\cache

[patch]
nag = vivaldi.dll|.text|48 89 8C 24|4|90 90
update = vivaldi.dll|.rdata|75 70|0|78
`
	c, err := Parse(appDir, []byte(doc))
	require.NoError(t, err)
	assert.True(t, c.Win32k)
	assert.True(t, c.DebugLog)
	assert.Equal(t, "--force-dark-mode --lang=en", c.CommandLine)
	assert.Equal(t, "Translate", c.DisableFeatures)
	assert.True(t, c.CustomDisableFeatures)
	assert.Equal(t, "Ctrl+Alt+B", c.BossKey)
	assert.Equal(t, "/srv/profiles/vivaldi", c.DataDir)
	assert.Equal(t, "/opt/cache", c.CacheDir)

	require.Len(t, c.Patches, 2)
	assert.Equal(t, "nag", c.Patches[0].Name, "file order kept")
	assert.Equal(t, []byte{0x90, 0x90}, c.Patches[0].Replace)
	assert.Equal(t, ".rdata", c.Patches[1].Section)
}

func TestParseKeepsValidRules(t *testing.T) {
	c, err := Parse(appDir, []byte("[patch]\nbad = vivaldi.dll|.text\ngood = vivaldi.dll|.text|C3|0|CC\n"))
	assert.ErrorIs(t, err, patch.ErrBadRule)
	require.NotNil(t, c)
	require.Len(t, c.Patches, 1)
	assert.Equal(t, "good", c.Patches[0].Name)
}

func TestParseIntegerSwitches(t *testing.T) {
	tests := []struct {
		value string
		want  bool
	}{
		{"0", false},
		{"1", true},
		{"2", true},
		{"-1", true},
		{"true", true},
		{"off", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			c, err := Parse(appDir, []byte("[general]\nwin32k = "+tt.value+"\ndebug_log = "+tt.value+"\n"))
			require.NoError(t, err)
			assert.Equal(t, tt.want, c.Win32k)
			assert.Equal(t, tt.want, c.DebugLog)
		})
	}
}

func TestLoadReadsFile(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("[general]\nwin32k=0\nbosskey=F9\n"), 0o644))
	c, err := Load(dir)
	require.NoError(t, err)
	assert.False(t, c.Win32k)
	assert.Equal(t, "F9", c.BossKey)
	assert.Equal(t, filepath.Join(filepath.Dir(dir), "Data"), c.DataDir)
}

func TestExpandPath(t *testing.T) {
	t.Setenv("GREENHOOK_HOME", "/home/me")
	tests := []struct {
		in   string
		want string
	}{
		{"", ""},
		{`%app%\..\Data`, "/opt/vivaldi/Data"},
		{`%APP%/profile`, "/opt/vivaldi/Application/profile"},
		{`%GREENHOOK_HOME%\cache`, "/home/me/cache"},
		{`relative\dir`, "/opt/vivaldi/Application/relative/dir"},
		{`%GREENHOOK_UNSET_VAR%\x`, "/opt/vivaldi/Application/%GREENHOOK_UNSET_VAR%/x"},
		{"/abs/path", "/abs/path"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, filepath.FromSlash(tt.want), ExpandPath(tt.in, appDir))
		})
	}
}
