package sshguest

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// KeyManager handles the client key pair used to log in to guests.
type KeyManager struct {
	privPath string
}

// NewKeyManager creates a key manager for the private key at path. The
// public key lives next to it with a ".pub" suffix.
func NewKeyManager(path string) *KeyManager {
	return &KeyManager{privPath: path}
}

// PrivateKeyPath returns the path of the private key file.
func (m *KeyManager) PrivateKeyPath() string {
	return m.privPath
}

// PublicKeyPath returns the path of the public key file.
func (m *KeyManager) PublicKeyPath() string {
	return m.privPath + ".pub"
}

// EnsureKeyPair generates an ed25519 key pair if it doesn't exist.
func (m *KeyManager) EnsureKeyPair() error {
	if m.KeyPairExists() {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(m.privPath), 0700); err != nil {
		return fmt.Errorf("create ssh directory: %w", err)
	}

	pubKey, privKey, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("generate ed25519 key: %w", err)
	}

	pemBlock, err := ssh.MarshalPrivateKey(privKey, "vmsandbox key")
	if err != nil {
		return fmt.Errorf("marshal private key: %w", err)
	}
	if err := os.WriteFile(m.privPath, pem.EncodeToMemory(pemBlock), 0600); err != nil {
		return fmt.Errorf("write private key: %w", err)
	}

	sshPubKey, err := ssh.NewPublicKey(pubKey)
	if err != nil {
		os.Remove(m.privPath)
		return fmt.Errorf("convert public key: %w", err)
	}
	// Format: ssh-ed25519 <base64> <comment>
	authorizedKey := bytes.TrimSuffix(ssh.MarshalAuthorizedKey(sshPubKey), []byte("\n"))
	line := fmt.Sprintf("%s vmsandbox@vmsandbox\n", authorizedKey)
	if err := os.WriteFile(m.PublicKeyPath(), []byte(line), 0644); err != nil {
		os.Remove(m.privPath)
		return fmt.Errorf("write public key: %w", err)
	}
	return nil
}

// KeyPairExists returns true if both private and public keys exist.
func (m *KeyManager) KeyPairExists() bool {
	_, privErr := os.Stat(m.privPath)
	_, pubErr := os.Stat(m.PublicKeyPath())
	return privErr == nil && pubErr == nil
}

// PublicKeyContent returns the public key line suitable for authorized_keys.
func (m *KeyManager) PublicKeyContent() (string, error) {
	content, err := os.ReadFile(m.PublicKeyPath())
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("SSH key not generated; run 'vmsandbox resources' to create it")
		}
		return "", err
	}
	return string(content), nil
}

// Signer loads the private key.
func (m *KeyManager) Signer() (ssh.Signer, error) {
	data, err := os.ReadFile(m.privPath)
	if err != nil {
		return nil, fmt.Errorf("read private key: %w", err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parse private key %s: %w", m.privPath, err)
	}
	return signer, nil
}

// HostKeyCallback checks guest host keys against an OpenSSH known_hosts
// file. A key is only trusted for the hosts its line names. An empty path
// accepts any host key.
func HostKeyCallback(path string) (ssh.HostKeyCallback, error) {
	if path == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	check, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("load known hosts: %w", err)
	}
	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		if err := check(hostname, remote, key); err != nil {
			return fmt.Errorf("sshguest: host key not trusted for %s: %w", hostname, err)
		}
		return nil
	}, nil
}
