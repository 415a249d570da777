package domain

import (
	"io"

	"golang.org/x/crypto/ssh"
)

// SecretReadWriter is an encrypted store of origin credentials. The raw
// database is read and written through the io interfaces.
type SecretReadWriter interface {
	io.Reader
	io.Writer
	Reset()
	Bytes() []byte
	Unlock() error
	Lock() error
	GetSecret(key string) (string, error)
	SetSecret(key, val string) error
	DeleteSecret(key string) error
	ListSecrets() ([]string, error)
	// SetSSHKey stores a PEM private key after checking it parses.
	SetSSHKey(key string, pemData []byte) error
	GetSigner(key string) (ssh.Signer, error)
}
