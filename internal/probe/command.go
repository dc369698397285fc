package probe

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
)

// CommandProbe runs a command that exits zero when the resource is healthy.
type CommandProbe struct{ Command string }

// buildShellAwareCommand constructs an *exec.Cmd for a probe command.
// Avoids invoking a shell unless obvious shell metacharacters are present (G204 mitigation).
func buildShellAwareCommand(ctx context.Context, cmdStr string) *exec.Cmd {
	cmdStr = strings.TrimSpace(cmdStr)
	if cmdStr == "" {
		return getTrueCommand(ctx)
	}
	if strings.ContainsAny(cmdStr, "|&;<>*?`$\"'(){}[]~") {
		return getShellCommand(ctx, cmdStr)
	}
	parts := strings.Fields(cmdStr)
	// #nosec G204
	return exec.CommandContext(ctx, parts[0], parts[1:]...)
}

func (p CommandProbe) Check(ctx context.Context) error {
	cmd := buildShellAwareCommand(ctx, p.Command)
	out, err := cmd.CombinedOutput()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", p.Describe(), ctx.Err())
	}
	var ee *exec.ExitError
	if errors.As(err, &ee) {
		msg := strings.TrimSpace(string(out))
		if len(msg) > 256 {
			msg = msg[:256]
		}
		return fmt.Errorf("%s: exit %d: %s", p.Describe(), ee.ExitCode(), msg)
	}
	return err
}

func (p CommandProbe) Describe() string { return "cmd:" + p.Command }
