package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
)

const (
	Bits = 2048

	PrivateKeyFile = "id_rsa"
	PublicKeyFile  = "id_rsa.pub"
)

// Pair locates a key pair written on disk.
type Pair struct {
	PublicKeyPath  string
	PrivateKeyPath string
}

// Write generates an RSA key pair and writes the public key in OpenSSH
// authorized_keys format and the private key as an unencrypted PKCS#1 PEM
// readable by its owner only.
func Write(publicKeyPath, privateKeyPath string) error {
	key, err := rsa.GenerateKey(rand.Reader, Bits)
	if err != nil {
		return fmt.Errorf("failed to generate RSA key: %w", err)
	}

	public, err := ssh.NewPublicKey(&key.PublicKey)
	if err != nil {
		return fmt.Errorf("failed to encode public key: %w", err)
	}

	private := pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(key),
	})

	if err := os.WriteFile(publicKeyPath, ssh.MarshalAuthorizedKey(public), 0o644); err != nil {
		return fmt.Errorf("failed to write public key: %w", err)
	}
	// Remove a previous key first, since a read-only file cannot be truncated.
	_ = os.Remove(privateKeyPath)
	if err := os.WriteFile(privateKeyPath, private, 0o400); err != nil {
		return fmt.Errorf("failed to write private key: %w", err)
	}
	return os.Chmod(privateKeyPath, 0o400)
}

// WriteInto generates a key pair named id_rsa / id_rsa.pub inside dir.
func WriteInto(dir string) (Pair, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return Pair{}, fmt.Errorf("failed to create key directory: %w", err)
	}

	pair := Pair{
		PublicKeyPath:  filepath.Join(dir, PublicKeyFile),
		PrivateKeyPath: filepath.Join(dir, PrivateKeyFile),
	}
	return pair, Write(pair.PublicKeyPath, pair.PrivateKeyPath)
}

// Signer loads a private key for SSH authentication.
func Signer(privateKeyPath string) (ssh.Signer, error) {
	pemBytes, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read private key: %w", err)
	}

	signer, err := ssh.ParsePrivateKey(pemBytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key '%s': %w", privateKeyPath, err)
	}
	return signer, nil
}

// AuthorizedKey returns the single authorized_keys line of a public key file,
// without its trailing newline.
func AuthorizedKey(publicKeyPath string) (string, error) {
	data, err := os.ReadFile(publicKeyPath)
	if err != nil {
		return "", fmt.Errorf("failed to read public key: %w", err)
	}

	key, _, _, _, err := ssh.ParseAuthorizedKey(data)
	if err != nil {
		return "", fmt.Errorf("failed to parse public key '%s': %w", publicKeyPath, err)
	}

	line := ssh.MarshalAuthorizedKey(key)
	return string(line[:len(line)-1]), nil
}
