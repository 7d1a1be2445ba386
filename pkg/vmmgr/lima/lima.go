// Package lima drives the lima VM manager through its limactl CLI. The
// instance registry lives under a dedicated LIMA_HOME inside mason's data
// directory, so the builder VM never collides with a user's own lima
// instances.
package lima

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"gitlab.com/tozd/go/errors"

	"github.com/masonvm/mason/pkg/vmdef"
	"github.com/masonvm/mason/pkg/vmmgr"
)

type Lima struct {
	limactl string
	home    string

	// command runners, split so tests can fake the CLI. capture returns
	// combined output of a short command; stream runs a long command with
	// output forwarded to the log.
	capture func(ctx context.Context, args ...string) ([]byte, error)
	stream  func(ctx context.Context, args ...string) error
}

// New returns a client rooted at home (the LIMA_HOME for mason's
// instances).
func New(home string) *Lima {
	l := &Lima{
		limactl: "limactl",
		home:    home,
	}
	l.capture = l.captureExec
	l.stream = l.streamExec
	return l
}

type instanceRecord struct {
	Name   string `json:"name"`
	Status string `json:"status"`
	Dir    string `json:"dir"`
}

func (l *Lima) Registered(ctx context.Context, name string) (bool, error) {
	out, err := l.capture(ctx, "list", "--json")
	if err != nil {
		return false, errors.Errorf("listing instances: %w", err)
	}

	// limactl emits one JSON object per line
	sc := bufio.NewScanner(bytes.NewReader(out))
	for sc.Scan() {
		line := bytes.TrimSpace(sc.Bytes())
		if len(line) == 0 {
			continue
		}
		var rec instanceRecord
		if err := json.Unmarshal(line, &rec); err != nil {
			return false, errors.Errorf("parsing instance record %q: %w", string(line), err)
		}
		if rec.Name != name {
			continue
		}
		if rec.Dir != "" && !strings.HasPrefix(rec.Dir, l.home+string(filepath.Separator)) {
			return false, errors.Errorf("%w: instance %q lives at %s, outside %s",
				vmmgr.ErrForeignInstance, name, rec.Dir, l.home)
		}
		return true, nil
	}
	if err := sc.Err(); err != nil {
		return false, errors.Errorf("scanning instance list: %w", err)
	}
	return false, nil
}

func (l *Lima) Register(ctx context.Context, def *vmdef.Definition) error {
	rendered, err := def.Render()
	if err != nil {
		return err
	}

	// the template file is transient; lima copies it into the instance dir
	template := filepath.Join(l.home, def.Name+".yaml")
	if err := os.MkdirAll(l.home, 0o755); err != nil {
		return errors.Errorf("creating lima home: %w", err)
	}
	if err := os.WriteFile(template, rendered, 0o644); err != nil {
		return errors.Errorf("writing instance template: %w", err)
	}
	defer os.Remove(template)

	out, err := l.capture(ctx, "create", "--tty=false", "--name="+def.Name, template)
	if err != nil {
		return errors.Errorf("creating instance %q: %w: %s", def.Name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (l *Lima) Deregister(ctx context.Context, name string) error {
	out, err := l.capture(ctx, "delete", "--force", name)
	if err != nil {
		if strings.Contains(string(out), "not found") {
			return nil
		}
		return errors.Errorf("deleting instance %q: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (l *Lima) Run(ctx context.Context, def *vmdef.Definition) error {
	slog.InfoContext(ctx, "starting vm in foreground", "name", def.Name)
	if err := l.stream(ctx, "start", "--foreground", "--tty=false", def.Name); err != nil {
		return errors.Errorf("running instance %q: %w", def.Name, err)
	}
	return nil
}

func (l *Lima) Stop(ctx context.Context, name string) error {
	out, err := l.capture(ctx, "stop", "--force", name)
	if err != nil {
		return errors.Errorf("stopping instance %q: %w: %s", name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (l *Lima) captureExec(ctx context.Context, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, l.limactl, args...)
	cmd.Env = append(os.Environ(), "LIMA_HOME="+l.home)
	return cmd.CombinedOutput()
}

func (l *Lima) streamExec(ctx context.Context, args ...string) error {
	cmd := exec.CommandContext(ctx, l.limactl, args...)
	cmd.Env = append(os.Environ(), "LIMA_HOME="+l.home)
	cmd.Stdout = logWriter{ctx, slog.LevelInfo}
	cmd.Stderr = logWriter{ctx, slog.LevelWarn}
	return cmd.Run()
}

type logWriter struct {
	ctx   context.Context
	level slog.Level
}

func (w logWriter) Write(p []byte) (int, error) {
	for _, line := range strings.Split(strings.TrimRight(string(p), "\n"), "\n") {
		slog.Log(w.ctx, w.level, "limactl: "+line)
	}
	return len(p), nil
}

var _ vmmgr.Manager = (*Lima)(nil)
