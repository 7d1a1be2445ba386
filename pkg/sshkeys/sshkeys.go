// Package sshkeys owns the builder's key material: the host identity that
// proves the guest's sshd to callers, and the user identity the host uses
// to authenticate into the guest.
package sshkeys

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"io/fs"
	"os"
	"path/filepath"

	"gitlab.com/tozd/go/errors"
	"golang.org/x/crypto/ssh"
)

const (
	// HostKeyName is the base name of the guest host identity key files.
	HostKeyName = "ssh_host_ed25519_key"
	// UserKeyName is the base name of the user identity key files.
	UserKeyName = "ssh_user_ed25519_key"

	// PrivateModeOwner is the only acceptable mode for the host private key,
	// and the default for the user private key.
	PrivateModeOwner = fs.FileMode(0o600)
	// PrivateModeGroup is the user private key mode when non-root SSH access
	// is permitted: the host's builder group may read it.
	PrivateModeGroup = fs.FileMode(0o640)
)

// Pair is one generated ed25519 key pair. Private is an OpenSSH-format PEM
// block, Public a single authorized_keys-format line.
type Pair struct {
	Private []byte
	Public  []byte
}

// Generate creates a fresh ed25519 key pair. The comment ends up in the
// public line, identifying the pair's purpose in installed files.
func Generate(comment string) (*Pair, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, errors.Errorf("generating ed25519 key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, comment)
	if err != nil {
		return nil, errors.Errorf("marshaling private key: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return nil, errors.Errorf("converting public key: %w", err)
	}

	// MarshalAuthorizedKey emits "ssh-ed25519 AAAA...\n"; the comment is
	// appended by hand the way ssh-keygen writes it
	line := ssh.MarshalAuthorizedKey(sshPub)
	if comment != "" {
		line = append(bytes.TrimSuffix(line, []byte("\n")), ' ')
		line = append(line, comment...)
		line = append(line, '\n')
	}

	return &Pair{
		Private: pem.EncodeToMemory(block),
		Public:  line,
	}, nil
}

// RemovePair deletes both files of a pair, ignoring absence. Regeneration
// always removes before generating so a crashed run can never leave a
// half-old, half-new pair behind.
func RemovePair(dir, name string) error {
	for _, path := range []string{
		filepath.Join(dir, name),
		filepath.Join(dir, name+".pub"),
	} {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			return errors.Errorf("removing stale key file %s: %w", path, err)
		}
	}
	return nil
}

// WritePair writes the pair under dir with the given private key mode. The
// private key is created with its final mode, never widened after the fact.
func WritePair(dir, name string, pair *Pair, privateMode fs.FileMode) error {
	privPath := filepath.Join(dir, name)
	if err := writeFileExact(privPath, pair.Private, privateMode); err != nil {
		return errors.Errorf("writing private key: %w", err)
	}
	if err := writeFileExact(privPath+".pub", pair.Public, 0o644); err != nil {
		return errors.Errorf("writing public key: %w", err)
	}
	return nil
}

// LoadPair reads a previously written pair back from dir.
func LoadPair(dir, name string) (*Pair, error) {
	priv, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return nil, errors.Errorf("reading private key: %w", err)
	}
	pub, err := os.ReadFile(filepath.Join(dir, name+".pub"))
	if err != nil {
		return nil, errors.Errorf("reading public key: %w", err)
	}
	return &Pair{Private: priv, Public: pub}, nil
}

// Signer parses the private key into an ssh.Signer for client auth.
func (p *Pair) Signer() (ssh.Signer, error) {
	signer, err := ssh.ParsePrivateKey(p.Private)
	if err != nil {
		return nil, errors.Errorf("parsing private key: %w", err)
	}
	return signer, nil
}

// PublicKey parses the authorized_keys line back into an ssh.PublicKey.
func (p *Pair) PublicKey() (ssh.PublicKey, error) {
	key, _, _, _, err := ssh.ParseAuthorizedKey(p.Public)
	if err != nil {
		return nil, errors.Errorf("parsing public key: %w", err)
	}
	return key, nil
}

// PrivateKeyMode returns the current mode bits of the private key file of
// the named pair, or an error if the file is missing. The convergence
// engine compares this against the desired access policy.
func PrivateKeyMode(dir, name string) (fs.FileMode, error) {
	info, err := os.Stat(filepath.Join(dir, name))
	if err != nil {
		return 0, errors.Errorf("probing private key mode: %w", err)
	}
	return info.Mode().Perm(), nil
}

// writeFileExact writes data so the file never exists with looser
// permissions than mode: any previous file is removed first and the new one
// is created with mode already applied, umask notwithstanding.
func writeFileExact(path string, data []byte, mode fs.FileMode) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return errors.Errorf("removing previous file: %w", err)
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, mode)
	if err != nil {
		return errors.Errorf("creating %s: %w", path, err)
	}
	if err := f.Chmod(mode); err != nil {
		f.Close()
		return errors.Errorf("applying mode to %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Errorf("writing %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return errors.Errorf("closing %s: %w", path, err)
	}
	return nil
}
