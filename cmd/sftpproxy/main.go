package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	flag "github.com/spf13/pflag"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"

	"github.com/Rudd3r/sftpproxy/pkg/args"
	"github.com/Rudd3r/sftpproxy/pkg/domain"
	"github.com/Rudd3r/sftpproxy/pkg/proxy"
	"github.com/Rudd3r/sftpproxy/pkg/routes"
	"github.com/Rudd3r/sftpproxy/pkg/secrets"
)

func main() {
	(&args.Root{
		Commands: []args.Command{
			&args.Cmd[domain.CommandServe]{
				Names:            []string{"serve"},
				Description:      "Accept SFTP clients and relay them to the origins named in the routes file",
				ShortDescription: "Run the SFTP proxy",
				NeedsSecrets:     true,
				Flags: func(cfg *domain.CommandServe, flags *flag.FlagSet) {
					flags.VarP(
						args.NewAddr("", &cfg.ListenAddr),
						"listen", "l",
						"Listen address (default from config, "+domain.DefaultListenAddr+")",
					)
					flags.StringVarP(
						&cfg.RoutesPath,
						"routes", "r", "",
						"Routes file (default from config)",
					)
					flags.StringVar(
						&cfg.HostKeyPath,
						"host-key", "",
						"Host key file, created when missing (default from config)",
					)
					flags.Var(
						args.NewAddr("", &cfg.MetricsAddr),
						"metrics",
						"Serve prometheus metrics on this address",
					)
					flags.BoolVar(
						&cfg.ProxyProtocol,
						"proxy-protocol", false,
						"Accept a PROXY protocol v1 line before the SSH banner",
					)
					flags.Var(
						args.NewSizeBytes(0, &cfg.MaxTransferSize),
						"max-transfer-size",
						"Largest file buffered for a single transfer, e.g. 256m",
					)
				},
				Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandServe) error {
					if err := serve(ctx, log, cfg, cmdCfg); err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					return nil
				},
			},
			&args.Cmd[domain.CommandOrigin]{
				Names:            []string{"origin"},
				Description:      "Serve a local directory over SFTP, standing in for an upstream origin",
				ShortDescription: "Run a standalone SFTP origin",
				Flags: func(cfg *domain.CommandOrigin, flags *flag.FlagSet) {
					flags.VarP(
						args.NewAddr("127.0.0.1:2022", &cfg.Addr),
						"listen", "l",
						"Listen address",
					)
					flags.StringVar(&cfg.Root, "root", ".", "Directory to serve")
					flags.StringVar(&cfg.HostKeyPath, "host-key", "", "Host key file, created when missing; empty uses a throwaway key")
					flags.BoolVar(&cfg.ReadOnly, "read-only", false, "Refuse writes")
					flags.Var(
						args.NewKeyValueValue(&cfg.Passwords),
						"password",
						"Accept a password login, USER=PASSWORD (repeatable)",
					)
					flags.Var(
						args.NewKeyValueValue(&cfg.AuthorizedKeys),
						"authorized-keys",
						"Accept keys from an authorized_keys file, USER=PATH (repeatable)",
					)
				},
				Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandOrigin) error {
					if err := runOrigin(ctx, log, cmdCfg); err != nil {
						_, _ = fmt.Fprintf(os.Stderr, "%s\n", err)
						return err
					}
					return nil
				},
			},
			&args.ParentCommand{
				Names:            []string{"secret"},
				Description:      "Origin credentials referenced by routes",
				ShortDescription: "Manage origin credentials",
				SubCommands: []args.Command{
					&args.Cmd[domain.CommandSecret]{
						Names:            []string{"set"},
						Description:      "Store a secret, read from a prompt or a file",
						ShortDescription: "Store a secret",
						NeedsSecrets:     true,
						Flags: func(cfg *domain.CommandSecret, flags *flag.FlagSet) {
							flags.StringVarP(&cfg.FromFile, "from-file", "f", "", "Read the secret from a file")
							flags.BoolVar(&cfg.SSHKey, "ssh-key", false, "The secret is a PEM private key for origin logins")
						},
						PositionalArgs: []*args.PositionalArg[domain.CommandSecret]{secretKeyArg()},
						Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandSecret) error {
							vault, err := secrets.OpenVault(cfg.SecretStorePath, cfg.SecretStorePassword())
							if err != nil {
								return err
							}
							data, err := readSecret(cmdCfg)
							if err != nil {
								return err
							}
							if cmdCfg.SSHKey {
								err = vault.SetSSHKey(cmdCfg.Key, data)
							} else {
								err = vault.Set(cmdCfg.Key, string(data))
							}
							if err != nil {
								return fmt.Errorf("failed to store secret: %w", err)
							}
							fmt.Printf("Stored secret: %s\n", cmdCfg.Key)
							return nil
						},
					},
					&args.Cmd[domain.CommandSecret]{
						Names:            []string{"get"},
						Description:      "Print a secret",
						ShortDescription: "Print a secret",
						NeedsSecrets:     true,
						PositionalArgs:   []*args.PositionalArg[domain.CommandSecret]{secretKeyArg()},
						Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandSecret) error {
							vault, err := secrets.OpenVault(cfg.SecretStorePath, cfg.SecretStorePassword())
							if err != nil {
								return err
							}
							val, err := vault.Get(cmdCfg.Key)
							if err != nil {
								return fmt.Errorf("failed to get secret: %w", err)
							}
							fmt.Println(val)
							return nil
						},
					},
					&args.Cmd[domain.CommandSecret]{
						Names:            []string{"list", "ls"},
						Description:      "List secret names",
						ShortDescription: "List secret names",
						NeedsSecrets:     true,
						Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandSecret) error {
							vault, err := secrets.OpenVault(cfg.SecretStorePath, cfg.SecretStorePassword())
							if err != nil {
								return err
							}
							keys, err := vault.List()
							if err != nil {
								return fmt.Errorf("failed to list secrets: %w", err)
							}
							for _, key := range keys {
								fmt.Println(key)
							}
							return nil
						},
					},
					&args.Cmd[domain.CommandSecret]{
						Names:            []string{"rm", "remove"},
						Description:      "Remove a secret",
						ShortDescription: "Remove a secret",
						NeedsSecrets:     true,
						PositionalArgs:   []*args.PositionalArg[domain.CommandSecret]{secretKeyArg()},
						Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandSecret) error {
							vault, err := secrets.OpenVault(cfg.SecretStorePath, cfg.SecretStorePassword())
							if err != nil {
								return err
							}
							if err = vault.Delete(cmdCfg.Key); err != nil {
								return fmt.Errorf("failed to remove secret: %w", err)
							}
							fmt.Printf("Removed secret: %s\n", cmdCfg.Key)
							return nil
						},
					},
				},
			},
			&args.ParentCommand{
				Names:            []string{"setup"},
				Description:      "Proxy setup",
				ShortDescription: "Proxy setup",
				SubCommands: []args.Command{
					&args.Cmd[domain.CommandSetupSecrets]{
						Names:            []string{"secrets"},
						Description:      "Interactive setup for secret store password",
						ShortDescription: "Setup secret store password",
						Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandSetupSecrets) error {
							if err := secrets.SetupSecretStorePassword(ctx, cfg); err != nil {
								return fmt.Errorf("setup failed: %w", err)
							}
							fmt.Println()
							fmt.Println("Setup completed successfully!")
							fmt.Println()
							return nil
						},
					},
				},
			},
			&args.ParentCommand{
				Names:            []string{"routes"},
				Description:      "Routes file",
				ShortDescription: "Inspect the routes file",
				SubCommands: []args.Command{
					&args.Cmd[domain.CommandRoutes]{
						Names:            []string{"check"},
						Description:      "Parse and compile the routes file without starting the proxy",
						ShortDescription: "Validate the routes file",
						PositionalArgs: []*args.PositionalArg[domain.CommandRoutes]{
							{
								Name:        "Path",
								Description: "Routes file (default from config)",
								Parse: func(args []string, cfg *domain.CommandRoutes) (next []string, err error) {
									cfg.Path = args[0]
									return args[1:], nil
								},
							},
						},
						Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandRoutes) error {
							path := cmdCfg.Path
							if path == "" {
								path = cfg.RoutesPath
							}
							table, err := domain.LoadRoutes(path)
							if err != nil {
								return err
							}
							if _, err = routes.NewFactory(log, table, nil); err != nil {
								return err
							}
							fmt.Printf("%s: %d users, default route: %t\n", path, len(table.Users), table.Default != nil)
							return nil
						},
					},
				},
			},
			&args.Cmd[domain.CommandHashPassword]{
				Names:            []string{"hash-password"},
				Description:      "Prompt for a client password and print its bcrypt hash for the routes file",
				ShortDescription: "Hash a client password",
				Flags: func(cfg *domain.CommandHashPassword, flags *flag.FlagSet) {
					flags.IntVar(&cfg.Cost, "cost", bcrypt.DefaultCost, "bcrypt cost")
				},
				Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandHashPassword) error {
					password, err := secrets.PromptSecret("Password: ")
					if err != nil {
						return err
					}
					confirm, err := secrets.PromptSecret("Confirm password: ")
					if err != nil {
						return err
					}
					if password != confirm {
						return fmt.Errorf("passwords do not match")
					}
					hash, err := bcrypt.GenerateFromPassword([]byte(password), cmdCfg.Cost)
					if err != nil {
						return fmt.Errorf("failed to hash password: %w", err)
					}
					fmt.Println(string(hash))
					return nil
				},
			},
			&args.Cmd[domain.CommandHostKey]{
				Names:            []string{"hostkey"},
				Description:      "Print the proxy host public key, creating the key when missing",
				ShortDescription: "Show the proxy host key",
				Flags: func(cfg *domain.CommandHostKey, flags *flag.FlagSet) {
					flags.StringVar(&cfg.Path, "path", "", "Host key file (default from config)")
				},
				Run: func(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandHostKey) error {
					path := cmdCfg.Path
					if path == "" {
						path = cfg.HostKeyPath
					}
					signer, err := proxy.LoadOrCreateHostKey(path)
					if err != nil {
						return err
					}
					fmt.Print(string(ssh.MarshalAuthorizedKey(signer.PublicKey())))
					fmt.Println(ssh.FingerprintSHA256(signer.PublicKey()))
					return nil
				},
			},
		},
	}).Run()
}

func secretKeyArg() *args.PositionalArg[domain.CommandSecret] {
	return &args.PositionalArg[domain.CommandSecret]{
		Name:        "Key",
		Description: "Secret name, as referenced by a route",
		Required:    true,
		Parse: func(args []string, cfg *domain.CommandSecret) (next []string, err error) {
			cfg.Key = args[0]
			return args[1:], nil
		},
	}
}

func readSecret(cmdCfg *domain.CommandSecret) ([]byte, error) {
	if cmdCfg.FromFile != "" {
		data, err := os.ReadFile(cmdCfg.FromFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read secret file: %w", err)
		}
		return data, nil
	}
	if cmdCfg.SSHKey {
		return nil, fmt.Errorf("--ssh-key requires --from-file")
	}
	val, err := secrets.PromptSecret("Secret: ")
	if err != nil {
		return nil, err
	}
	return []byte(val), nil
}
