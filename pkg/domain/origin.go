package domain

// OriginServer configures the local SFTP origin used for development and tests.
type OriginServer struct {
	Addr           string
	Root           string
	ReadOnly       bool
	HostKey        []byte              // PEM-encoded private key (RSA, ECDSA, or Ed25519)
	AuthorizedKeys map[string][]string // username -> authorized_keys lines
	PasswordAuth   map[string]string   // username -> password
}
