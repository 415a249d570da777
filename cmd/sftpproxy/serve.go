package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/Rudd3r/sftpproxy/pkg/domain"
	"github.com/Rudd3r/sftpproxy/pkg/metrics"
	"github.com/Rudd3r/sftpproxy/pkg/origin"
	"github.com/Rudd3r/sftpproxy/pkg/proxy"
	"github.com/Rudd3r/sftpproxy/pkg/routes"
	"github.com/Rudd3r/sftpproxy/pkg/secrets"
)

func serve(ctx context.Context, log *slog.Logger, cfg *domain.Config, cmdCfg *domain.CommandServe) error {
	if cmdCfg.ListenAddr == "" {
		cmdCfg.ListenAddr = cfg.ListenAddr
	}
	if cmdCfg.RoutesPath == "" {
		cmdCfg.RoutesPath = cfg.RoutesPath
	}
	if cmdCfg.HostKeyPath == "" {
		cmdCfg.HostKeyPath = cfg.HostKeyPath
	}
	if cmdCfg.MetricsAddr == "" {
		cmdCfg.MetricsAddr = cfg.MetricsAddr
	}
	if !cmdCfg.ProxyProtocol {
		cmdCfg.ProxyProtocol = cfg.ProxyProtocol
	}
	if cmdCfg.MaxTransferSize == 0 {
		n, err := cfg.MaxTransferBytes()
		if err != nil {
			return err
		}
		cmdCfg.MaxTransferSize = n
	}

	hostKey, err := proxy.LoadOrCreateHostKey(cmdCfg.HostKeyPath)
	if err != nil {
		return err
	}
	log.Info("host key", "fingerprint", ssh.FingerprintSHA256(hostKey.PublicKey()))

	vault, err := secrets.OpenVault(cfg.SecretStorePath, cfg.SecretStorePassword())
	if err != nil {
		return err
	}
	table, err := domain.LoadRoutes(cmdCfg.RoutesPath)
	if err != nil {
		return err
	}
	factory, err := routes.NewFactory(log, table, vault)
	if err != nil {
		return err
	}

	collector := metrics.New()
	srv, err := proxy.NewServer(log, factory, proxy.Options{
		HostKeys:        []ssh.Signer{hostKey},
		ProxyProtocol:   cmdCfg.ProxyProtocol,
		PreambleTimeout: cfg.PreambleTimeout.Std(),
		BackendTimeout:  cfg.BackendTimeout.Std(),
		MaxAuthTries:    cfg.MaxAuthTries,
		MaxTransferSize: cmdCfg.MaxTransferSize,
		ConnectionRate:  rate.Limit(cfg.ConnectionRate),
		ConnectionBurst: cfg.ConnectionBurst,
		Metrics:         collector,
	})
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		defer cancel()
		log.Info("routes loaded", "path", cmdCfg.RoutesPath, "users", len(table.Users), "default", table.Default != nil)
		if err := srv.ListenAndServe(ctx, cmdCfg.ListenAddr); err != nil && !errors.Is(err, proxy.ErrServerClosed) {
			return err
		}
		return nil
	})

	if cmdCfg.MetricsAddr != "" {
		metricsSrv := &http.Server{
			Addr:              cmdCfg.MetricsAddr,
			Handler:           metricsMux(collector),
			ReadHeaderTimeout: 10 * time.Second,
		}
		g.Go(func() error {
			log.Info("metrics listening", "addr", cmdCfg.MetricsAddr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("metrics server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			return metricsSrv.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-ctx.Done():
				return nil
			case <-hup:
				if err := factory.Reload(cmdCfg.RoutesPath); err != nil {
					log.Error("routes reload failed", "path", cmdCfg.RoutesPath, "error", err)
				}
			}
		}
	})

	return g.Wait()
}

func metricsMux(collector *metrics.Collector) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	return mux
}

func runOrigin(ctx context.Context, log *slog.Logger, cmdCfg *domain.CommandOrigin) error {
	var (
		hostKey []byte
		err     error
	)
	if cmdCfg.HostKeyPath != "" {
		if _, err = proxy.LoadOrCreateHostKey(cmdCfg.HostKeyPath); err != nil {
			return err
		}
		hostKey, err = os.ReadFile(cmdCfg.HostKeyPath)
	} else {
		hostKey, err = proxy.GenerateHostKey()
	}
	if err != nil {
		return err
	}

	authorized := make(map[string][]string, len(cmdCfg.AuthorizedKeys))
	for user, path := range cmdCfg.AuthorizedKeys {
		lines, err := readAuthorizedKeys(path)
		if err != nil {
			return err
		}
		authorized[user] = lines
	}
	if len(authorized) == 0 && len(cmdCfg.Passwords) == 0 {
		return errors.New("origin needs at least one --password or --authorized-keys")
	}

	srv, err := origin.New(log, &domain.OriginServer{
		Addr:           cmdCfg.Addr,
		Root:           cmdCfg.Root,
		ReadOnly:       cmdCfg.ReadOnly,
		HostKey:        hostKey,
		AuthorizedKeys: authorized,
		PasswordAuth:   cmdCfg.Passwords,
	})
	if err != nil {
		return err
	}
	if err = srv.Listen(); err != nil {
		return err
	}
	log.Info("origin host key", "fingerprint", ssh.FingerprintSHA256(srv.HostKey()))
	return srv.Serve(ctx)
}

func readAuthorizedKeys(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read authorized keys: %w", err)
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, scanner.Err()
}
