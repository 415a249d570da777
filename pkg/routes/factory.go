// Package routes provides a proxy.Factory backed by a JSON routes file and the
// origin credential vault.
package routes

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"sync/atomic"

	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/Rudd3r/sftpproxy/pkg/domain"
	"github.com/Rudd3r/sftpproxy/pkg/proxy"
)

var ErrUnknownUser = errors.New("no route for user")

// Secrets resolves origin credentials named by a route.
type Secrets interface {
	Get(key string) (string, error)
	Signer(key string) (ssh.Signer, error)
}

type compiledRoute struct {
	route           *domain.Route
	authorizedKeys  []ssh.PublicKey
	hostKeyCallback ssh.HostKeyCallback
	ingress         proxy.TransformFunc
	egress          proxy.TransformFunc
}

type table struct {
	users map[string]*compiledRoute
	def   *compiledRoute
}

// Factory maps usernames to proxy configurations. The routes can be swapped
// with Reload while the proxy is serving.
type Factory struct {
	log     *slog.Logger
	secrets Secrets
	table   atomic.Pointer[table]
}

var _ proxy.Factory = (*Factory)(nil)

func NewFactory(log *slog.Logger, routes *domain.Routes, secrets Secrets) (*Factory, error) {
	f := &Factory{log: log, secrets: secrets}
	if err := f.Set(routes); err != nil {
		return nil, err
	}
	return f, nil
}

// Reload reads path and replaces the routes. On error the current routes stay.
func (f *Factory) Reload(path string) error {
	routes, err := domain.LoadRoutes(path)
	if err != nil {
		return err
	}
	if err = f.Set(routes); err != nil {
		return err
	}
	f.log.Info("routes loaded", "path", path, "users", len(routes.Users), "default", routes.Default != nil)
	return nil
}

func (f *Factory) Set(routes *domain.Routes) error {
	if routes == nil {
		return errors.New("no routes")
	}
	if err := routes.Validate(); err != nil {
		return err
	}
	t := &table{users: make(map[string]*compiledRoute, len(routes.Users))}
	for name, route := range routes.Users {
		compiled, err := compileRoute(route)
		if err != nil {
			return fmt.Errorf("route %q: %w", name, err)
		}
		t.users[name] = compiled
	}
	if routes.Default != nil {
		compiled, err := compileRoute(routes.Default)
		if err != nil {
			return fmt.Errorf("default route: %w", err)
		}
		t.def = compiled
	}
	f.table.Store(t)
	return nil
}

func compileRoute(route *domain.Route) (*compiledRoute, error) {
	c := &compiledRoute{route: route}

	for _, line := range route.AuthorizedKeys {
		key, _, _, _, err := ssh.ParseAuthorizedKey([]byte(line))
		if err != nil {
			return nil, fmt.Errorf("invalid authorized key: %w", err)
		}
		c.authorizedKeys = append(c.authorizedKeys, key)
	}
	if route.PasswordHash != "" {
		if _, err := bcrypt.Cost([]byte(route.PasswordHash)); err != nil {
			return nil, fmt.Errorf("invalid password hash: %w", err)
		}
	}
	if route.OriginKnownHosts != "" {
		cb, err := knownhosts.New(route.OriginKnownHosts)
		if err != nil {
			return nil, fmt.Errorf("failed to load known hosts: %w", err)
		}
		c.hostKeyCallback = cb
	}

	var err error
	if c.ingress, err = compileTransform(route.Ingress); err != nil {
		return nil, fmt.Errorf("ingress: %w", err)
	}
	if c.egress, err = compileTransform(route.Egress); err != nil {
		return nil, fmt.Errorf("egress: %w", err)
	}
	return c, nil
}

func (f *Factory) lookup(username string) (*compiledRoute, bool) {
	t := f.table.Load()
	if c, ok := t.users[username]; ok {
		return c, true
	}
	return t.def, t.def != nil
}

func (f *Factory) NewProxyConfig(ctx context.Context, username string) (*proxy.ProxyConfig, error) {
	c, ok := f.lookup(username)
	if !ok {
		return nil, fmt.Errorf("%w %q", ErrUnknownUser, username)
	}
	route := c.route

	origin := proxy.OriginCredentials{
		Username:        route.OriginUser,
		HostKeyCallback: c.hostKeyCallback,
	}
	if origin.Username == "" {
		origin.Username = username
	}
	if route.OriginPasswordSecret != "" {
		password, err := f.secrets.Get(route.OriginPasswordSecret)
		if err != nil {
			return nil, fmt.Errorf("origin password %s: %w", route.OriginPasswordSecret, err)
		}
		origin.Password = password
	}
	if route.OriginKeySecret != "" {
		signer, err := f.secrets.Signer(route.OriginKeySecret)
		if err != nil {
			return nil, fmt.Errorf("origin key %s: %w", route.OriginKeySecret, err)
		}
		origin.Signers = []ssh.Signer{signer}
	}

	log := f.log.With("user", username, "origin", route.Origin)
	return &proxy.ProxyConfig{
		Address:  route.Origin,
		Origin:   origin,
		Metadata: maps.Clone(route.Metadata),
		Handlers: proxy.HandlerSet{
			Authenticate: c.authenticate,
			SessionStarted: func(ctx context.Context, client netip.AddrPort) {
				log.Info("session started", "client", client.String())
			},
			Ingress: c.ingress,
			Egress:  c.egress,
		},
	}, nil
}

func (c *compiledRoute) authenticate(_ context.Context, cred proxy.Credential) (bool, error) {
	switch cred.Method {
	case proxy.AuthPassword:
		if c.route.PasswordHash == "" {
			return false, nil
		}
		err := bcrypt.CompareHashAndPassword([]byte(c.route.PasswordHash), []byte(cred.Password))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		return err == nil, err
	case proxy.AuthPublicKey:
		if cred.PublicKey == nil {
			return false, nil
		}
		for _, key := range c.authorizedKeys {
			if key.Type() == cred.PublicKey.Type() && string(key.Marshal()) == string(cred.PublicKey.Marshal()) {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, nil
	}
}
