//go:build !windows

package portable

import (
	"errors"
	"os"
	"strings"
)

// CommandLine approximates the raw command line from os.Args.
func CommandLine() string {
	quoted := make([]string, len(os.Args))
	for i, a := range os.Args {
		quoted[i] = Quote(a)
	}
	return strings.Join(quoted, " ")
}

func Relaunch(args string) error {
	return errors.New("relaunch is only supported on Windows")
}
