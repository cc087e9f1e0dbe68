package command

import (
	"bytes"
	"fmt"
	"os/exec"
	"strings"

	"github.com/sirupsen/logrus"
)

// Runner executes a command and returns its stdout
type Runner func(name string, args ...string) ([]byte, error)

// Run executes name with args. On failure the error carries the command's
// stderr.
func Run(name string, args ...string) ([]byte, error) {
	logrus.Debugf("run: %s %s", name, strings.Join(args, " "))

	var stderr bytes.Buffer
	cmd := exec.Command(name, args...)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("%s failed: %s: %w", name, strings.TrimSpace(stderr.String()), err)
	}
	return out, nil
}
