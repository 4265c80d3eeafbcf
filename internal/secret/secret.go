// Package secret supplies CA key passphrases. Passphrases never come from a
// default baked into configuration and are never logged; the configuration
// only names where to fetch them.
package secret

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"golang.org/x/term"

	perrors "github.com/coral-mesh/portalca/internal/errors"
	"github.com/coral-mesh/portalca/internal/safe"
)

// Provider returns a passphrase on demand.
type Provider interface {
	Passphrase() ([]byte, error)
}

// ProviderFunc adapts a function to Provider.
type ProviderFunc func() ([]byte, error)

// Passphrase calls f.
func (f ProviderFunc) Passphrase() ([]byte, error) {
	return f()
}

// Static returns a fixed passphrase. Intended for programmatic callers and tests.
func Static(passphrase string) Provider {
	return ProviderFunc(func() ([]byte, error) {
		return nonEmpty([]byte(passphrase), "static passphrase")
	})
}

// Env reads the passphrase from an environment variable.
func Env(name string) Provider {
	return ProviderFunc(func() ([]byte, error) {
		value, ok := os.LookupEnv(name)
		if !ok {
			return nil, perrors.Configuration("passphrase environment variable %s is not set", name)
		}
		return nonEmpty([]byte(value), "environment variable "+name)
	})
}

// File reads the passphrase from a file, dropping one trailing newline.
func File(path string) Provider {
	return ProviderFunc(func() ([]byte, error) {
		data, err := safe.ReadFile(path, &safe.Options{MaxSize: 4096})
		if err != nil {
			return nil, perrors.Configuration("read passphrase file %s: %v", path, err)
		}
		data = bytes.TrimSuffix(data, []byte("\n"))
		data = bytes.TrimSuffix(data, []byte("\r"))
		return nonEmpty(data, "passphrase file "+path)
	})
}

// Prompt asks for the passphrase on the controlling terminal. label is shown
// in the prompt so the operator knows which CA is being unlocked.
func Prompt(label string) Provider {
	return promptProvider(label, os.Stdin, os.Stderr)
}

func promptProvider(label string, in *os.File, out io.Writer) Provider {
	return ProviderFunc(func() ([]byte, error) {
		fd := int(in.Fd())
		if !term.IsTerminal(fd) {
			return nil, perrors.Configuration("passphrase prompt for %s requires a terminal", label)
		}
		_, _ = fmt.Fprintf(out, "Passphrase for %s: ", label)
		data, err := term.ReadPassword(fd)
		_, _ = fmt.Fprintln(out)
		if err != nil {
			return nil, perrors.Configuration("read passphrase for %s: %v", label, err)
		}
		return nonEmpty(data, "prompt")
	})
}

// Cached wraps p so it is consulted at most once; later calls return the
// first result. A prompt is then shown once per process.
func Cached(p Provider) Provider {
	var (
		once   sync.Once
		value  []byte
		result error
	)
	return ProviderFunc(func() ([]byte, error) {
		once.Do(func() {
			value, result = p.Passphrase()
		})
		return value, result
	})
}

// FromSource parses a passphrase source reference:
//
//	env:NAME      environment variable NAME
//	file:/path    contents of /path
//	prompt        interactive terminal prompt
//
// label names the CA in prompts and errors.
func FromSource(source, label string) (Provider, error) {
	scheme, ref, _ := strings.Cut(source, ":")
	switch scheme {
	case "env":
		if ref == "" {
			return nil, perrors.Configuration("passphrase source %q for %s: missing variable name", source, label)
		}
		return Env(ref), nil
	case "file":
		if ref == "" {
			return nil, perrors.Configuration("passphrase source %q for %s: missing path", source, label)
		}
		return File(ref), nil
	case "prompt":
		return Cached(Prompt(label)), nil
	case "":
		return nil, perrors.Configuration("no passphrase source configured for %s", label)
	default:
		return nil, perrors.Configuration("unsupported passphrase source scheme %q for %s (use env:, file: or prompt)", scheme, label)
	}
}

func nonEmpty(data []byte, what string) ([]byte, error) {
	if len(data) == 0 {
		return nil, perrors.Configuration("empty passphrase from %s", what)
	}
	return data, nil
}
