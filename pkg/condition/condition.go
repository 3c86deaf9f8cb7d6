// Package condition evaluates the types.Condition trees attached to a
// Target's satisfiability gate: Volume_exists checks a path's presence,
// Command_returns runs a command and compares its exit code, and the
// boolean combinators compose them. Every check goes through pkg/host so
// the same condition can be evaluated on any registered host, not just
// the local machine.
package condition

import (
	"context"
	"fmt"
	"strings"

	"github.com/cuemby/ketrew/pkg/host"
	"github.com/cuemby/ketrew/pkg/types"
)

// Evaluate walks a Condition tree, resolving each leaf's host_name through
// registry and returning its boolean value. An empty Condition (Kind =="")
// is always true.
func Evaluate(ctx context.Context, c types.Condition, registry *host.Registry) (bool, error) {
	switch c.Kind {
	case "", types.ConditionTrue:
		return true, nil

	case types.ConditionFalse:
		return false, nil

	case types.ConditionAnd:
		for _, op := range c.Operands {
			ok, err := Evaluate(ctx, op, registry)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil

	case types.ConditionOr:
		for _, op := range c.Operands {
			ok, err := Evaluate(ctx, op, registry)
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil

	case types.ConditionNot:
		if len(c.Operands) != 1 {
			return false, fmt.Errorf("condition: not requires exactly one operand, got %d", len(c.Operands))
		}
		ok, err := Evaluate(ctx, c.Operands[0], registry)
		if err != nil {
			return false, err
		}
		return !ok, nil

	case types.ConditionVolumeExists:
		return volumeExists(ctx, c, registry)

	case types.ConditionCommandReturns:
		return commandReturns(ctx, c, registry)

	default:
		return false, fmt.Errorf("condition: unknown kind %q", c.Kind)
	}
}

func resolveHost(c types.Condition, registry *host.Registry) (host.Host, error) {
	name := c.HostName
	if name == "" {
		name = "localhost"
	}
	return registry.Lookup(name)
}

// volumeExists checks whether Path already exists on HostName. This
// evaluates to true when the path is present regardless of whether it's
// a file or a directory.
func volumeExists(ctx context.Context, c types.Condition, registry *host.Registry) (bool, error) {
	h, err := resolveHost(c, registry)
	if err != nil {
		return false, err
	}
	_, err = h.GetFile(ctx, c.Path)
	if err == nil {
		return true, nil
	}
	if err == host.ErrMissingFile || err == host.ErrFilesystemError {
		// A directory is not readable as a file (GetFile reports a
		// filesystem error for it on a local host, a missing file over
		// SSH); fall back to a shell test so Volume_exists covers
		// directories too.
		result, testErr := h.RunCommand(ctx, fmt.Sprintf("test -e %s", shellQuote(c.Path)))
		if testErr != nil {
			return false, testErr
		}
		return result.ExitCode == 0, nil
	}
	return false, err
}

// commandReturns runs Command on HostName and compares its exit code
// against ExpectedCode (0 if unset). A transport failure is an evaluation
// error, not a nonzero exit.
func commandReturns(ctx context.Context, c types.Condition, registry *host.Registry) (bool, error) {
	h, err := resolveHost(c, registry)
	if err != nil {
		return false, err
	}
	result, err := h.RunCommand(ctx, c.Command)
	if err != nil {
		return false, err
	}
	return result.ExitCode == c.ExpectedCode, nil
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
