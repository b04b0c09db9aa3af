//go:build !windows

package logging

import (
	"io"
	"os"
)

func debugOutput() io.Writer { return os.Stderr }

func pid() int { return os.Getpid() }
