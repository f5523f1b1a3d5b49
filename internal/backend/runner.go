package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Runner executes the shell scripts a script backend is made of.
type Runner struct {
	Backend    string
	ScriptsDir string
	// WorkDir is the working directory of the script; empty means inherit.
	WorkDir string
	Timeout time.Duration
	Env     []string
	Logger  *zap.Logger
}

// Run executes script with args and returns its trimmed stdout.
func (r *Runner) Run(ctx context.Context, op, script string, args ...string) (string, error) {
	// resolved here because the script runs with WorkDir as its cwd
	path, err := filepath.Abs(filepath.Join(r.ScriptsDir, script))
	if err != nil {
		return "", newError(KindUnavailable, r.Backend, op, "resolve script path", err)
	}
	info, err := os.Stat(path)
	if err != nil {
		return "", newError(KindUnavailable, r.Backend, op, "script not found: "+path, err)
	}
	if info.IsDir() || info.Mode().Perm()&0o111 == 0 {
		return "", newError(KindUnavailable, r.Backend, op, "script not executable: "+path, nil)
	}

	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, path, args...)
	cmd.Dir = r.WorkDir
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second
	if len(r.Env) > 0 {
		cmd.Env = append(os.Environ(), r.Env...)
	}

	log := r.logger().With(zap.String("op", op), zap.String("script", script))
	log.Debug("running script", zap.Strings("args", args))
	start := time.Now()
	err = cmd.Run()
	log = log.With(zap.Duration("took", time.Since(start)))

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			log.Warn("script interrupted", zap.Error(ctxErr))
			detail := fmt.Sprintf("%s did not finish within %s", script, r.Timeout)
			if errors.Is(ctxErr, context.Canceled) {
				detail = script + " canceled"
			}
			return "", newError(KindTimeout, r.Backend, op, detail, ctxErr)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			diag := strings.TrimSpace(stderr.String())
			if diag == "" {
				diag = strings.TrimSpace(stdout.String())
			}
			log.Error("script failed", zap.Int("exit_code", exitErr.ExitCode()), zap.String("stderr", diag))
			return "", newError(KindExecution, r.Backend, op, diag, err)
		}
		var pathErr *fs.PathError
		if errors.As(err, &pathErr) || errors.Is(err, exec.ErrNotFound) {
			return "", newError(KindUnavailable, r.Backend, op, err.Error(), err)
		}
		return "", newError(KindExecution, r.Backend, op, err.Error(), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (r *Runner) logger() *zap.Logger {
	if r.Logger == nil {
		return zap.NewNop()
	}
	return r.Logger
}
