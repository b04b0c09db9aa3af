//go:build windows

package main

import (
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"golang.org/x/sys/windows"

	"github.com/vivaldiplus/greenhook"
	"github.com/vivaldiplus/greenhook/internal/bosskey"
	"github.com/vivaldiplus/greenhook/internal/config"
	"github.com/vivaldiplus/greenhook/internal/entry"
	"github.com/vivaldiplus/greenhook/internal/exports"
	"github.com/vivaldiplus/greenhook/internal/logging"
	"github.com/vivaldiplus/greenhook/internal/memory"
	"github.com/vivaldiplus/greenhook/internal/mitigation"
	"github.com/vivaldiplus/greenhook/internal/patch"
	"github.com/vivaldiplus/greenhook/internal/portable"
	"github.com/vivaldiplus/greenhook/internal/spoof"
)

const fallbackSystemDLL = `C:\Windows\System32\version.dll`

var (
	cfg      *config.Config
	forwards *exports.Table
	registry *greenhook.Registry
	loader   *entry.Loader
)

func init() {
	appDir := "."
	if exe, err := os.Executable(); err == nil {
		appDir = filepath.Dir(exe)
	}
	var err error
	cfg, err = config.Load(appDir)
	if cfg == nil {
		cfg = config.Default(appDir)
	}
	logging.Initialize(appDir, cfg.DebugLog)
	if err != nil {
		logging.LogError(err, "config", "dir", appDir)
	}
	log := logging.Logger()

	target, err := exports.SystemPath()
	if err != nil {
		target = fallbackSystemDLL
	}
	forwards = exports.NewTable(target, exports.SystemResolver{}, log)

	registry = greenhook.NewRegistry(greenhook.WithLogger(log))
	gate := cgoGate{}
	loader = entry.New(preInit, entry.WithGate(gate), entry.WithLogger(log))

	addr := gate.Entry()
	if addr == 0 {
		if addr, err = entry.Resolve(); err != nil {
			logging.LogError(err, "entry point")
			return
		}
	}
	if err := loader.Install(registry, addr, windows.NewCallback(runEntry)); err != nil {
		logging.LogError(err, "entry hook", "entry", addr)
	}
}

func runEntry() uintptr { return loader.Run() }

// preInit runs on the host's main thread before its own entry point.
func preInit() entry.Decision {
	log := logging.Logger()
	cmdline := portable.CommandLine()

	if args, ok := portable.Plan(cmdline, portable.Options{
		DisableFeatures: cfg.DisableFeatures,
		DataDir:         cfg.DataDir,
		CacheDir:        cfg.CacheDir,
		CommandLine:     cfg.CommandLine,
	}); ok {
		log.Debug().Str("args", args).Msg("portable relaunch")
		err := portable.Relaunch(args)
		if err == nil {
			return entry.Relaunch
		}
		log.Error().Err(err).Msg("relaunch failed, continuing unhooked")
		return entry.Continue
	}
	if !portable.ShouldHook(cmdline) {
		return entry.Continue
	}

	installHooks(log)
	if cfg.BossKey != "" {
		startBossKey(log)
	}
	return entry.Continue
}

func installHooks(log zerolog.Logger) {
	tx, err := registry.Begin()
	if err != nil {
		log.Error().Err(err).Msg("hook transaction")
		return
	}
	if _, err := spoof.Install(tx, log); err != nil {
		log.Warn().Err(err).Msg("identity hooks")
	}
	if _, err := mitigation.Install(tx, cfg.Win32k, log); err != nil {
		log.Warn().Err(err).Msg("mitigation hook")
	}
	if len(cfg.Patches) > 0 {
		applier := patch.NewApplier(memory.Native(), log, cfg.Patches)
		if _, err := patch.Install(tx, applier); err != nil {
			log.Warn().Err(err).Msg("module patch hook")
		}
	}
	if err := tx.Commit(); err != nil {
		log.Error().Err(err).Msg("hooks partially installed")
		return
	}
	log.Info().Int("hooks", len(registry.Hooks())).Msg("hooks installed")
}

func startBossKey(log zerolog.Logger) {
	h, err := bosskey.ParseHotkey(cfg.BossKey)
	if err != nil {
		log.Warn().Err(err).Msg("bosskey")
		return
	}
	if err := bosskey.Start(h, log); err != nil {
		log.Warn().Err(err).Msg("bosskey unavailable")
	}
}
