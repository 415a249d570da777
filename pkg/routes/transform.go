package routes

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path"
	"regexp"

	"github.com/Rudd3r/sftpproxy/pkg/domain"
	"github.com/Rudd3r/sftpproxy/pkg/proxy"
)

type step func(ctx context.Context, p string, content []byte) ([]byte, proxy.Outcome, error)

var stepBuilders = map[string]func(args ...string) (step, error){
	"replace":      stepReplace,
	"discard_path": stepDiscardPath,
	"deny_path":    stepDenyPath,
	"max_size":     stepMaxSize,
	"passthrough":  stepPassthrough,
}

// compileTransform builds a transform running steps in order. Nil is returned
// for an empty list so the proxy passes content through untouched.
func compileTransform(steps []domain.TransformStep) (proxy.TransformFunc, error) {
	if len(steps) == 0 {
		return nil, nil
	}
	compiled := make([]step, 0, len(steps))
	for _, s := range steps {
		build, ok := stepBuilders[s.Name]
		if !ok {
			return nil, fmt.Errorf("unknown transform step %q", s.Name)
		}
		st, err := build(s.Args...)
		if err != nil {
			return nil, fmt.Errorf("transform step %s: %w", s.Name, err)
		}
		compiled = append(compiled, st)
	}

	return func(ctx context.Context, p string, in io.Reader, out io.Writer) (proxy.Outcome, error) {
		content, err := io.ReadAll(in)
		if err != nil {
			return proxy.Discard, err
		}
		for _, st := range compiled {
			var outcome proxy.Outcome
			content, outcome, err = st(ctx, p, content)
			if err != nil {
				return proxy.Discard, err
			}
			if outcome == proxy.Discard {
				return proxy.Discard, nil
			}
		}
		if _, err = out.Write(content); err != nil {
			return proxy.Discard, err
		}
		return proxy.Commit, nil
	}, nil
}

func stepReplace(args ...string) (step, error) {
	if len(args) != 2 {
		return nil, fmt.Errorf("requires 2 arguments")
	}
	re, err := regexp.Compile(args[0])
	if err != nil {
		return nil, fmt.Errorf("invalid regex pattern: %w", err)
	}
	replacement := []byte(args[1])
	return func(_ context.Context, _ string, content []byte) ([]byte, proxy.Outcome, error) {
		return re.ReplaceAll(content, replacement), proxy.Commit, nil
	}, nil
}

func matchBase(patterns []string) (func(p string) bool, error) {
	if len(patterns) == 0 {
		return nil, fmt.Errorf("requires at least 1 argument")
	}
	for _, pattern := range patterns {
		if _, err := path.Match(pattern, ""); err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
	}
	return func(p string) bool {
		base := path.Base(p)
		for _, pattern := range patterns {
			if ok, _ := path.Match(pattern, base); ok {
				return true
			}
		}
		return false
	}, nil
}

func stepDiscardPath(args ...string) (step, error) {
	match, err := matchBase(args)
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, p string, content []byte) ([]byte, proxy.Outcome, error) {
		if match(p) {
			return nil, proxy.Discard, nil
		}
		return content, proxy.Commit, nil
	}, nil
}

func stepDenyPath(args ...string) (step, error) {
	match, err := matchBase(args)
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, p string, content []byte) ([]byte, proxy.Outcome, error) {
		if match(p) {
			return nil, proxy.Discard, fmt.Errorf("path %s denied", p)
		}
		return content, proxy.Commit, nil
	}, nil
}

func stepMaxSize(args ...string) (step, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("requires 1 argument")
	}
	limit, err := domain.ParseSizeBytes(args[0])
	if err != nil {
		return nil, err
	}
	return func(_ context.Context, p string, content []byte) ([]byte, proxy.Outcome, error) {
		if int64(len(content)) > limit {
			return nil, proxy.Discard, fmt.Errorf("%s is %d bytes, limit is %s", p, len(content), domain.FormatSizeBytes(limit))
		}
		return content, proxy.Commit, nil
	}, nil
}

func stepPassthrough(args ...string) (step, error) {
	if len(args) != 0 {
		return nil, fmt.Errorf("takes no arguments")
	}
	return func(_ context.Context, _ string, content []byte) ([]byte, proxy.Outcome, error) {
		return bytes.Clone(content), proxy.Commit, nil
	}, nil
}
