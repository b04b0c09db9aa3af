// Package config reads config.ini from the browser's application directory.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/ini.v1"

	"github.com/vivaldiplus/greenhook/internal/patch"
)

const (
	// FileName is looked up next to the executable.
	FileName = "config.ini"

	DefaultDisableFeatures = "WinSboxNoFakeGdiInit,WebUIInProcessResourceLoading"
	DefaultDataDir         = `%app%\..\Data`
	DefaultCacheDir        = `%app%\..\Cache`
)

// Config is the parsed settings. Paths are absolute and expanded.
type Config struct {
	AppDir string

	Win32k          bool
	DebugLog        bool
	CommandLine     string
	DisableFeatures string
	// CustomDisableFeatures is set when disable_features came from the file.
	CustomDisableFeatures bool
	BossKey               string

	DataDir  string
	CacheDir string

	Patches []patch.Rule
}

// Default is the configuration used when config.ini is absent.
func Default(appDir string) *Config {
	return &Config{
		AppDir:          appDir,
		DisableFeatures: DefaultDisableFeatures,
		DataDir:         ExpandPath(DefaultDataDir, appDir),
		CacheDir:        ExpandPath(DefaultCacheDir, appDir),
	}
}

// Load reads appDir/config.ini. A missing file yields the defaults.
func Load(appDir string) (*Config, error) {
	data, err := os.ReadFile(filepath.Join(appDir, FileName))
	if errors.Is(err, fs.ErrNotExist) {
		return Default(appDir), nil
	}
	if err != nil {
		return nil, err
	}
	return Parse(appDir, data)
}

// Parse reads an ini document. Keys are case-insensitive and values keep
// any '#' or ';' they contain. Malformed patch rules are reported together;
// the valid ones are kept.
func Parse(appDir string, data []byte) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{
		Insensitive:         true,
		IgnoreInlineComment: true,
	}, data)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", FileName, err)
	}
	c := Default(appDir)

	general := f.Section("general")
	c.Win32k = flag(general.Key("win32k"))
	c.DebugLog = flag(general.Key("debug_log"))
	c.CommandLine = strings.TrimSpace(general.Key("command_line").String())
	c.BossKey = strings.TrimSpace(general.Key("bosskey").String())
	if v := strings.TrimSpace(general.Key("disable_features").String()); v != "" {
		c.DisableFeatures = v
		c.CustomDisableFeatures = true
	}

	dirs := f.Section("dir_setting")
	if v := strings.TrimSpace(dirs.Key("data").String()); v != "" {
		c.DataDir = ExpandPath(v, appDir)
	}
	if v := strings.TrimSpace(dirs.Key("cache").String()); v != "" {
		c.CacheDir = ExpandPath(v, appDir)
	}

	var errs []error
	for _, k := range f.Section("patch").Keys() {
		r, err := patch.ParseRule(k.Name(), k.String())
		if err != nil {
			errs = append(errs, err)
			continue
		}
		c.Patches = append(c.Patches, r)
	}
	return c, errors.Join(errs...)
}

var envRef = regexp.MustCompile(`%([^%]+)%`)

// ExpandPath replaces %app% with appDir and %NAME% with the environment
// variable, then makes the result absolute relative to appDir. Unknown
// variables are left in place.
func ExpandPath(p, appDir string) string {
	if p == "" {
		return ""
	}
	p = envRef.ReplaceAllStringFunc(p, func(ref string) string {
		name := ref[1 : len(ref)-1]
		if strings.EqualFold(name, "app") {
			return appDir
		}
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return ref
	})
	p = filepath.Clean(filepath.FromSlash(strings.ReplaceAll(p, `\`, "/")))
	if !filepath.IsAbs(p) && !isDrivePath(p) {
		p = filepath.Join(appDir, p)
	}
	return p
}

func isDrivePath(p string) bool {
	return len(p) >= 3 && p[1] == ':' && (p[2] == '\\' || p[2] == '/')
}

// flag reads an integer switch where any non-zero value is on. Boolean words
// such as "true" are accepted too.
func flag(k *ini.Key) bool {
	if n, err := k.Int(); err == nil {
		return n != 0
	}
	return k.MustBool(false)
}
