// Package idle is the guest-side idle monitor for on-demand mode. It
// watches established sessions on the builder's SSH port and requests a
// clean poweroff once the configured linger duration passes without any.
package idle

import (
	"bufio"
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"gitlab.com/tozd/go/errors"
)

// DefaultConfigPath is written by the host's provisioning step on first
// boot of an on-demand instance.
const DefaultConfigPath = "/etc/mason/idle.conf"

// Config is the idle policy handed to the guest.
type Config struct {
	Linger time.Duration
}

// LoadConfig parses the key=value idle policy file.
func LoadConfig(path string) (Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return Config{}, errors.Errorf("opening idle config: %w", err)
	}
	defer f.Close()
	return ParseConfig(f)
}

// ParseConfig reads lines of key=value pairs. Unknown keys and blank
// lines are ignored; linger_minutes is required.
func ParseConfig(r io.Reader) (Config, error) {
	var cfg Config
	found := false

	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return Config{}, errors.Errorf("malformed idle config line %q", line)
		}
		if strings.TrimSpace(key) != "linger_minutes" {
			continue
		}
		minutes, err := strconv.Atoi(strings.TrimSpace(value))
		if err != nil || minutes <= 0 {
			return Config{}, errors.Errorf("invalid linger_minutes value %q", value)
		}
		cfg.Linger = time.Duration(minutes) * time.Minute
		found = true
	}
	if err := sc.Err(); err != nil {
		return Config{}, errors.Errorf("reading idle config: %w", err)
	}
	if !found {
		return Config{}, errors.New("idle config missing linger_minutes")
	}
	return cfg, nil
}

const tcpEstablished = "01"

// countSessions parses a /proc/net/tcp style table and counts established
// connections whose local port matches.
func countSessions(r io.Reader, port int) (int, error) {
	count := 0
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 || fields[0] == "sl" {
			continue
		}
		_, localPort, ok := strings.Cut(fields[1], ":")
		if !ok {
			continue
		}
		p, err := strconv.ParseInt(localPort, 16, 32)
		if err != nil {
			continue
		}
		if int(p) == port && fields[3] == tcpEstablished {
			count++
		}
	}
	if err := sc.Err(); err != nil {
		return 0, errors.Errorf("scanning tcp table: %w", err)
	}
	return count, nil
}

// establishedSessions counts established connections to port over both
// address families.
func establishedSessions(port int) (int, error) {
	total := 0
	for _, path := range []string{"/proc/net/tcp", "/proc/net/tcp6"} {
		f, err := os.Open(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return 0, errors.Errorf("opening %s: %w", path, err)
		}
		n, err := countSessions(f, port)
		f.Close()
		if err != nil {
			return 0, err
		}
		total += n
	}
	return total, nil
}

// Monitor samples session activity on a fixed interval and powers the
// guest off after Linger elapses with no sessions. Any observed session
// resets the clock.
type Monitor struct {
	Linger   time.Duration
	Port     int
	Interval time.Duration

	sample   func() (int, error)
	now      func() time.Time
	poweroff func(ctx context.Context) error
}

func NewMonitor(cfg Config, port int) *Monitor {
	m := &Monitor{
		Linger:   cfg.Linger,
		Port:     port,
		Interval: time.Minute,
		now:      time.Now,
		poweroff: systemctlPoweroff,
	}
	m.sample = func() (int, error) { return establishedSessions(m.Port) }
	return m
}

// Run blocks until the linger duration elapses idle (then powers off and
// returns) or the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	slog.InfoContext(ctx, "idle monitor running",
		"port", m.Port, "linger", m.Linger)

	idleSince := m.now()
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		sessions, err := m.sample()
		if err != nil {
			// a failed sample counts as activity, never as idleness
			slog.WarnContext(ctx, "session sample failed", "error", err)
			idleSince = m.now()
			continue
		}
		if sessions > 0 {
			idleSince = m.now()
			continue
		}
		if idle := m.now().Sub(idleSince); idle >= m.Linger {
			slog.InfoContext(ctx, "linger elapsed with no sessions, powering off",
				"idle", idle)
			return m.poweroff(ctx)
		}
	}
}

func systemctlPoweroff(ctx context.Context) error {
	out, err := exec.CommandContext(ctx, "systemctl", "poweroff").CombinedOutput()
	if err != nil {
		return errors.Errorf("requesting poweroff: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}
