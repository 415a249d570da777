package args

import (
	"fmt"
	"net"
	"strings"

	"github.com/Rudd3r/sftpproxy/pkg/domain"
)

type StringValue struct {
	val string
	p   *string
	f   func(val string) (string, error)
}

func NewStringValueFunc(val string, p *string, f func(val string) (string, error)) *StringValue {
	*p = val
	return &StringValue{val: val, p: p, f: f}
}

func (s *StringValue) Set(val string) (err error) {
	s.val, err = s.f(val)
	if err == nil {
		*s.p = s.val
	}
	return err
}
func (s *StringValue) Type() string {
	return "string"
}

func (s *StringValue) String() string { return s.val }

// NewSizeBytes accepts human sizes such as "64m" and stores the byte count in i.
func NewSizeBytes(val int64, i *int64) *StringValue {
	var sizeStr string
	initial := ""
	if val > 0 {
		initial = domain.FormatSizeBytes(val)
	}
	return NewStringValueFunc(initial, &sizeStr, func(s string) (string, error) {
		size, err := domain.ParseSizeBytes(s)
		if err != nil {
			return s, fmt.Errorf("unable to parse size, %w", err)
		}
		if size < 0 {
			return s, fmt.Errorf("size must not be negative")
		}
		*i = size
		return s, nil
	})
}

// NewAddr accepts host:port listen or dial addresses. A bare port is taken to
// listen on every interface.
func NewAddr(val string, p *string) *StringValue {
	return NewStringValueFunc(val, p, parseAddr)
}

func parseAddr(s string) (string, error) {
	s = strings.TrimSpace(s)
	if s != "" && !strings.Contains(s, ":") {
		s = ":" + s
	}
	_, port, err := net.SplitHostPort(s)
	if err != nil {
		return s, fmt.Errorf("invalid address %q: %w", s, err)
	}
	if port == "" {
		return s, fmt.Errorf("invalid address %q: missing port", s)
	}
	return s, nil
}

// KeyValueValue collects repeated user=value flags, for example
// --password origin=secret.
type KeyValueValue struct {
	m *map[string]string
}

func NewKeyValueValue(m *map[string]string) *KeyValueValue {
	return &KeyValueValue{m: m}
}

func (k *KeyValueValue) Set(val string) error {
	key, value, ok := strings.Cut(val, "=")
	if !ok || key == "" {
		return fmt.Errorf("invalid value %q (expected key=value)", val)
	}
	if *k.m == nil {
		*k.m = make(map[string]string)
	}
	(*k.m)[key] = value
	return nil
}

func (k *KeyValueValue) Type() string {
	return "key=value"
}

func (k *KeyValueValue) String() string {
	if k.m == nil || len(*k.m) == 0 {
		return ""
	}
	var result []string
	for key := range *k.m {
		result = append(result, key+"=***")
	}
	return strings.Join(result, ",")
}
