package pager

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"go.uber.org/zap"

	"github.com/ryandielhenn/babysitter/internal/config"
	"github.com/ryandielhenn/babysitter/pkg/alerts"
)

// RespawnDesc is appended to the command line of every respawned process.
const RespawnDesc = "Process respawned by babysitter"

func init() {
	alerts.RegisterPager("exec", func(cfg config.PagerConfiguration, log *zap.Logger) (alerts.Pager, error) {
		return NewExecPager(cfg.Settings["command"], log)
	})
}

// ExecPager respawns a process for the evicted server by running a
// configured command line.
type ExecPager struct {
	argv []string
	log  *zap.Logger
}

func NewExecPager(command string, log *zap.Logger) (*ExecPager, error) {
	argv := strings.Fields(command)
	if len(argv) == 0 {
		return nil, fmt.Errorf("exec pager requires a command")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ExecPager{argv: argv, log: log}, nil
}

// Page runs the command to completion. The evicted server is passed in the
// BABYSITTER_SERVER, BABYSITTER_IP and BABYSITTER_PORT environment variables.
func (p *ExecPager) Page(ctx context.Context, a alerts.Alert) error {
	args := append(append([]string(nil), p.argv[1:]...), "--desc", RespawnDesc)
	cmd := exec.CommandContext(ctx, p.argv[0], args...)
	cmd.Env = append(os.Environ(),
		"BABYSITTER_SERVER="+a.Server.Name(),
		"BABYSITTER_IP="+a.Server.Address.IP,
		fmt.Sprintf("BABYSITTER_PORT=%d", a.Server.Port),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := p.log.With(zap.String("server", a.Server.Name()), zap.String("command", p.argv[0]))
	log.Info("respawning process", zap.Strings("args", args))
	runErr := cmd.Run()
	logLines(log, "stdout", &stdout)

	var exitErr *exec.ExitError
	switch {
	case runErr == nil:
		log.Info("process exited", zap.Int("exit_code", 0))
		return nil
	case errors.As(runErr, &exitErr):
		log.Error("process exited", zap.Int("exit_code", exitErr.ExitCode()))
		logLines(log, "stderr", &stderr)
		return fmt.Errorf("respawn %s: exit code %d", p.argv[0], exitErr.ExitCode())
	default:
		return fmt.Errorf("respawn %s: %w", p.argv[0], runErr)
	}
}

func logLines(log *zap.Logger, stream string, buf *bytes.Buffer) {
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		log.Info(sc.Text(), zap.String("stream", stream))
	}
}

func (p *ExecPager) Description() string {
	return "Re-spawns a process that has been unexpectedly terminated"
}

func (p *ExecPager) Close() error { return nil }
