package sshkeys

import (
	"os"
	"strings"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// KnownHostsLine renders the single-line record pinning alias to the given
// authorized_keys-format public key. Callers resolve the guest through the
// alias in their ssh config, so verification never falls back to
// trust-on-first-use.
func KnownHostsLine(alias string, authorizedKey []byte) (string, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey(authorizedKey)
	if err != nil {
		return "", errors.Errorf("parsing host public key: %w", err)
	}
	return knownhosts.Line([]string{alias}, key), nil
}

// WriteKnownHosts writes the pinned record for alias. The file is written
// owner-only here; the convergence engine widens it to world-readable after
// the convergence branch so every local user can verify the guest identity.
func WriteKnownHosts(path, alias string, authorizedKey []byte) error {
	line, err := KnownHostsLine(alias, authorizedKey)
	if err != nil {
		return err
	}
	if err := writeFileExact(path, []byte(line+"\n"), 0o600); err != nil {
		return errors.Errorf("writing known_hosts record: %w", err)
	}
	return nil
}

// ReadKnownHostsKey parses the record back and returns the pinned key for
// alias, or an error if the record does not pin that alias.
func ReadKnownHostsKey(path, alias string) (ssh.PublicKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Errorf("reading known_hosts record: %w", err)
	}
	marker, hosts, key, _, _, err := ssh.ParseKnownHosts(data)
	if err != nil {
		return nil, errors.Errorf("parsing known_hosts record: %w", err)
	}
	if marker != "" {
		return nil, errors.Errorf("unexpected known_hosts marker %q", marker)
	}
	for _, host := range hosts {
		if host == alias || host == knownhosts.Normalize(alias) {
			return key, nil
		}
	}
	return nil, errors.Errorf("known_hosts record does not pin %q (pins %s)", alias, strings.Join(hosts, ", "))
}
