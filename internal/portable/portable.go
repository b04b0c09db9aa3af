// Package portable rebuilds the browser command line so profile and cache
// live next to the application, and relaunches the browser with it.
package portable

import (
	"strings"
)

const (
	// Marker is added to the relaunched command line.
	Marker = "--gopher"

	singleArgument  = "--single-argument"
	sentinel        = "--"
	disableFeatures = "--disable-features="
	userDataDir     = "--user-data-dir="
	diskCacheDir    = "--disk-cache-dir="
	typeSwitch      = "-type="
)

// Options are the config values that shape the new command line.
type Options struct {
	DisableFeatures string
	DataDir         string
	CacheDir        string
	// CommandLine holds extra arguments in command line syntax.
	CommandLine string
}

// IsMainProcess reports whether cmdline belongs to the browser process
// rather than a renderer, GPU or utility child.
func IsMainProcess(cmdline string) bool {
	return !strings.Contains(cmdline, typeSwitch)
}

// IsRelaunched reports whether cmdline already carries Marker.
func IsRelaunched(cmdline string) bool {
	return findSwitch(cmdline, Marker) >= 0
}

// ShouldHook reports whether this process gets the browser hooks: only the
// main process that was started by the relaunch.
func ShouldHook(cmdline string) bool {
	return IsMainProcess(cmdline) && IsRelaunched(cmdline)
}

// Plan returns the arguments to relaunch with, or false when this process
// should keep running.
func Plan(cmdline string, o Options) (string, bool) {
	if cmdline == "" || !IsMainProcess(cmdline) || IsRelaunched(cmdline) {
		return "", false
	}
	return BuildCommand(cmdline, o), true
}

// BuildCommand turns the process command line into the relaunch arguments.
// The executable name is dropped. A --single-argument switch and everything
// after it is carried over verbatim since shell associations put an
// unquoted path there.
func BuildCommand(cmdline string, o Options) string {
	prefix, suffix := splitSingleArgument(cmdline)
	args := SplitArgs(prefix, true)
	if len(args) > 0 {
		args = args[1:]
	}

	var trailing []string
	for i, a := range args {
		if a == sentinel {
			trailing = args[i:]
			args = args[:i]
			break
		}
	}

	out := make([]string, 0, len(args)+8)
	out = append(out, Marker)
	var features []string
	hasData, hasCache := false, false
	for _, a := range args {
		switch {
		case strings.HasPrefix(a, disableFeatures):
			features = append(features, strings.TrimPrefix(a, disableFeatures))
			continue
		case strings.HasPrefix(a, userDataDir):
			hasData = true
		case strings.HasPrefix(a, diskCacheDir):
			hasCache = true
		}
		out = append(out, a)
	}
	if o.DisableFeatures != "" {
		features = append(features, o.DisableFeatures)
	}
	if len(features) > 0 {
		out = append(out, disableFeatures+strings.Join(features, ","))
	}
	if !hasData && o.DataDir != "" {
		out = append(out, userDataDir+o.DataDir)
	}
	if !hasCache && o.CacheDir != "" {
		out = append(out, diskCacheDir+o.CacheDir)
	}
	out = append(out, SplitArgs(o.CommandLine, false)...)
	out = append(out, trailing...)

	quoted := make([]string, len(out))
	for i, a := range out {
		quoted[i] = Quote(a)
	}
	line := strings.Join(quoted, " ")
	if suffix != "" {
		if line != "" {
			line += " "
		}
		line += suffix
	}
	return line
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}

// findSwitch returns the offset of flag as a whole word in s, or -1.
func findSwitch(s, flag string) int {
	from := 0
	for {
		i := strings.Index(s[from:], flag)
		if i < 0 {
			return -1
		}
		pos := from + i
		end := pos + len(flag)
		if (pos == 0 || isSpace(s[pos-1])) && (end >= len(s) || isSpace(s[end])) {
			return pos
		}
		from = end
	}
}

func splitSingleArgument(cmdline string) (prefix, suffix string) {
	pos := findSwitch(cmdline, singleArgument)
	if pos < 0 {
		return cmdline, ""
	}
	return strings.TrimRight(cmdline[:pos], " \t\n\r"), cmdline[pos:]
}

// SplitArgs splits a command line the way CommandLineToArgvW does. With
// program set the first word is an executable path, which never has
// backslash escapes.
func SplitArgs(s string, program bool) []string {
	var args []string
	i := 0
	if program {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			return nil
		}
		var prog string
		if s[i] == '"' {
			end := strings.IndexByte(s[i+1:], '"')
			if end < 0 {
				prog, i = s[i+1:], len(s)
			} else {
				prog, i = s[i+1:i+1+end], i+2+end
			}
		} else {
			start := i
			for i < len(s) && !isSpace(s[i]) {
				i++
			}
			prog = s[start:i]
		}
		args = append(args, prog)
	}

	for {
		for i < len(s) && isSpace(s[i]) {
			i++
		}
		if i >= len(s) {
			return args
		}
		var b strings.Builder
		quoted := false
		for i < len(s) && (quoted || !isSpace(s[i])) {
			switch c := s[i]; c {
			case '\\':
				n := 0
				for i < len(s) && s[i] == '\\' {
					n++
					i++
				}
				if i < len(s) && s[i] == '"' {
					b.WriteString(strings.Repeat(`\`, n/2))
					if n%2 == 1 {
						b.WriteByte('"')
						i++
					}
					continue
				}
				b.WriteString(strings.Repeat(`\`, n))
			case '"':
				if quoted && i+1 < len(s) && s[i+1] == '"' {
					b.WriteByte('"')
					i += 2
					continue
				}
				quoted = !quoted
				i++
			default:
				b.WriteByte(c)
				i++
			}
		}
		args = append(args, b.String())
	}
}

// Quote wraps an argument containing spaces in quotes, escaping embedded
// quotes and the backslashes before them.
func Quote(arg string) string {
	if !strings.Contains(arg, " ") {
		return arg
	}
	var b strings.Builder
	b.WriteByte('"')
	backslashes := 0
	for i := 0; i < len(arg); i++ {
		c := arg[i]
		switch c {
		case '\\':
			backslashes++
		case '"':
			b.WriteString(strings.Repeat(`\`, backslashes+1))
			backslashes = 0
		default:
			backslashes = 0
		}
		b.WriteByte(c)
	}
	b.WriteString(strings.Repeat(`\`, backslashes))
	b.WriteByte('"')
	return b.String()
}
