package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
)

// Routes maps client usernames to origins. Default, when set, serves every
// username without an entry of its own.
type Routes struct {
	Users   map[string]*Route
	Default *Route `json:",omitempty"`
}

type Route struct {
	// Origin is the host:port of the upstream SFTP server.
	Origin string
	// OriginUser logs in to the origin. Empty reuses the client username.
	OriginUser string `json:",omitempty"`
	// OriginPasswordSecret and OriginKeySecret name secret store entries.
	OriginPasswordSecret string `json:",omitempty"`
	OriginKeySecret      string `json:",omitempty"`
	// OriginKnownHosts is a known_hosts file verifying the origin host key.
	OriginKnownHosts string `json:",omitempty"`

	// PasswordHash is a bcrypt hash accepted for password logins.
	PasswordHash   string   `json:",omitempty"`
	AuthorizedKeys []string `json:",omitempty"`

	Ingress  []TransformStep   `json:",omitempty"`
	Egress   []TransformStep   `json:",omitempty"`
	Metadata map[string]string `json:",omitempty"`
}

// TransformStep is one content rewrite, named with its arguments.
type TransformStep struct {
	Name string
	Args []string `json:",omitempty"`
}

func LoadRoutes(path string) (*Routes, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read routes file: %w", err)
	}
	routes := &Routes{}
	if err = json.Unmarshal(data, routes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal routes file: %w", err)
	}
	if err = routes.Validate(); err != nil {
		return nil, err
	}
	return routes, nil
}

func (r *Routes) Save(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal routes: %w", err)
	}
	if err = os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write routes file: %w", err)
	}
	return nil
}

// Lookup returns the route for username, falling back to Default.
func (r *Routes) Lookup(username string) (*Route, bool) {
	if route, ok := r.Users[username]; ok && route != nil {
		return route, true
	}
	if r.Default != nil {
		return r.Default, true
	}
	return nil, false
}

func (r *Routes) Validate() error {
	var errs []error
	for name, route := range r.Users {
		if route == nil {
			errs = append(errs, fmt.Errorf("route %q is empty", name))
			continue
		}
		if err := route.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("route %q: %w", name, err))
		}
	}
	if r.Default != nil {
		if err := r.Default.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("default route: %w", err))
		}
	}
	return errors.Join(errs...)
}

func (r *Route) Validate() error {
	if _, _, err := net.SplitHostPort(r.Origin); err != nil {
		return fmt.Errorf("invalid origin %q: %w", r.Origin, err)
	}
	if r.OriginPasswordSecret == "" && r.OriginKeySecret == "" {
		return errors.New("no origin credential secret")
	}
	if r.PasswordHash == "" && len(r.AuthorizedKeys) == 0 {
		return errors.New("no client credentials")
	}
	for _, step := range append(append([]TransformStep{}, r.Ingress...), r.Egress...) {
		if step.Name == "" {
			return errors.New("transform step without a name")
		}
	}
	return nil
}
