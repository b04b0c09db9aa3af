package portable

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

var opts = Options{
	DisableFeatures: "WinSboxNoFakeGdiInit,WebUIInProcessResourceLoading",
	DataDir:         `D:\Vivaldi\Data`,
	CacheDir:        `D:\Vivaldi\Cache`,
}

func TestBuildCommand(t *testing.T) {
	tests := []struct {
		name    string
		cmdline string
		opts    Options
		want    string
	}{
		{
			name:    "bare",
			cmdline: `"C:\Program Files\Vivaldi\vivaldi.exe"`,
			opts:    opts,
			want: `--gopher --disable-features=WinSboxNoFakeGdiInit,WebUIInProcessResourceLoading ` +
				`--user-data-dir=D:\Vivaldi\Data --disk-cache-dir=D:\Vivaldi\Cache`,
		},
		{
			name:    "merges disable-features",
			cmdline: `vivaldi.exe --disable-features=A --flag --disable-features=B,C`,
			opts:    Options{DisableFeatures: "D"},
			want:    `--gopher --flag --disable-features=A,B,C,D`,
		},
		{
			name:    "user dirs win",
			cmdline: `vivaldi.exe --user-data-dir=X:\p --disk-cache-dir=X:\c`,
			opts:    opts,
			want: `--gopher --user-data-dir=X:\p --disk-cache-dir=X:\c ` +
				`--disable-features=WinSboxNoFakeGdiInit,WebUIInProcessResourceLoading`,
		},
		{
			name:    "paths with spaces are quoted",
			cmdline: `vivaldi.exe`,
			opts:    Options{DataDir: `C:\My Data\`},
			want:    `--gopher "--user-data-dir=C:\My Data\\"`,
		},
		{
			name:    "sentinel tail after injected args",
			cmdline: `vivaldi.exe --new-window -- https://example.com/a b`,
			opts:    Options{CacheDir: `C:\c`},
			want:    `--gopher --new-window --disk-cache-dir=C:\c -- https://example.com/a b`,
		},
		{
			name:    "configured command line",
			cmdline: `vivaldi.exe --incognito`,
			opts:    Options{CommandLine: `--force-dark-mode "--lang=en US"`},
			want:    `--gopher --incognito --force-dark-mode "--lang=en US"`,
		},
		{
			name:    "single argument kept verbatim",
			cmdline: `"C:\V\vivaldi.exe" --flag --single-argument C:\Users\me\My File.html`,
			opts:    Options{},
			want:    `--gopher --flag --single-argument C:\Users\me\My File.html`,
		},
		{
			name:    "single argument must stand alone",
			cmdline: `vivaldi.exe --single-argumentx`,
			opts:    Options{},
			want:    `--gopher --single-argumentx`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, BuildCommand(tt.cmdline, tt.opts))
		})
	}
}

func TestPlan(t *testing.T) {
	args, ok := Plan(`vivaldi.exe --flag`, Options{})
	assert.True(t, ok)
	assert.Equal(t, "--gopher --flag", args)

	_, ok = Plan(`vivaldi.exe --gopher --flag`, Options{})
	assert.False(t, ok, "already relaunched")
	_, ok = Plan(`vivaldi.exe --type=renderer --lang=en`, Options{})
	assert.False(t, ok, "child process")
	_, ok = Plan("", Options{})
	assert.False(t, ok)

	assert.False(t, IsRelaunched(`vivaldi.exe --gopherx`))
	assert.True(t, IsRelaunched(`vivaldi.exe --a --gopher`))
	assert.True(t, IsMainProcess(`vivaldi.exe --flag`))
}

func TestShouldHook(t *testing.T) {
	tests := []struct {
		name    string
		cmdline string
		want    bool
	}{
		{"renderer child", `vivaldi.exe --type=renderer --gopher --lang=en`, false},
		{"gpu child", `"C:\Vivaldi\vivaldi.exe" --type=gpu-process`, false},
		{"main before relaunch", `vivaldi.exe --flag`, false},
		{"main with lookalike switch", `vivaldi.exe --gopherx`, false},
		{"main relaunched", `vivaldi.exe --gopher --flag`, true},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ShouldHook(tt.cmdline))
		})
	}
}

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		in      string
		program bool
		want    []string
	}{
		{`"C:\Program Files\a.exe" x y`, true, []string{`C:\Program Files\a.exe`, "x", "y"}},
		{`C:\a\b.exe   "two words"`, true, []string{`C:\a\b.exe`, "two words"}},
		{`a\\\"b "c d\\" e`, false, []string{`a\"b`, `c d\`, "e"}},
		{`a\\b \\\\"x y"`, false, []string{`a\\b`, `\\x y`}},
		{`"say ""hi"""`, false, []string{`say "hi"`}},
		{`  `, true, nil},
		{``, false, nil},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitArgs(tt.in, tt.program))
		})
	}
}

func TestQuoteRoundTrip(t *testing.T) {
	for _, arg := range []string{`plain`, `two words`, `C:\dir with space\`, `say "hi" now`, `x\"y z`} {
		assert.Equal(t, []string{arg}, SplitArgs(Quote(arg), false), arg)
	}
	assert.Equal(t, `"a \"b\""`, Quote(`a "b"`))
	assert.Equal(t, `no"space`, Quote(`no"space`))
}
