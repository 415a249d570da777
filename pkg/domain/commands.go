package domain

type CommandServe struct {
	ListenAddr      string
	RoutesPath      string
	HostKeyPath     string
	MetricsAddr     string
	ProxyProtocol   bool
	MaxTransferSize int64
}

type CommandOrigin struct {
	Addr        string
	Root        string
	HostKeyPath string
	ReadOnly    bool
	// Passwords and AuthorizedKeys are keyed by username; AuthorizedKeys
	// values are authorized_keys file paths.
	Passwords      map[string]string
	AuthorizedKeys map[string]string
}

type CommandSecret struct {
	Key      string
	FromFile string
	SSHKey   bool
}

type CommandSetupSecrets struct{}

type CommandHashPassword struct {
	Cost int
}

type CommandHostKey struct {
	Path string
}

type CommandRoutes struct {
	Path string
}
