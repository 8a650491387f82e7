// Package keys resolves API credentials by name.
//
// A [Source] is consulted once, when an adapter is constructed. Sources can
// be combined with [Chain] so that explicit configuration wins over the
// process environment.
package keys

import (
	"errors"
	"fmt"
	"os"
)

// Source looks up a credential by name.
type Source interface {
	// Get returns the credential for name, or a *NotFoundError when the
	// source has no value for it.
	Get(name string) (string, error)
}

// NotFoundError is returned when a source has no value for a name.
type NotFoundError struct {
	Name   string
	Source string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("key %q not found in %s", e.Name, e.Source)
}

// IsNotFound reports whether err is a *NotFoundError.
func IsNotFound(err error) bool {
	var target *NotFoundError
	return errors.As(err, &target)
}

// Env reads credentials from environment variables.
type Env struct {
	prefix string
}

// NewEnv creates an Env source. The optional prefix is prepended to every
// name before the lookup.
func NewEnv(prefix string) *Env {
	return &Env{prefix: prefix}
}

// Get returns the value of the environment variable prefix+name. Empty
// values count as missing.
func (e *Env) Get(name string) (string, error) {
	v := os.Getenv(e.prefix + name)
	if v == "" {
		return "", &NotFoundError{Name: name, Source: "environment"}
	}
	return v, nil
}

// Static serves credentials from a fixed map, typically the keys section of
// a configuration file.
type Static map[string]string

// Get returns the mapped value for name. Empty values count as missing.
func (s Static) Get(name string) (string, error) {
	if v := s[name]; v != "" {
		return v, nil
	}
	return "", &NotFoundError{Name: name, Source: "config"}
}

// Chain consults each source in order and returns the first hit.
type Chain []Source

// NewChain builds a Chain, skipping nil sources.
func NewChain(sources ...Source) Chain {
	c := make(Chain, 0, len(sources))
	for _, s := range sources {
		if s != nil {
			c = append(c, s)
		}
	}
	return c
}

// Get returns the first value found. A failure other than not-found stops
// the search and is returned as is.
func (c Chain) Get(name string) (string, error) {
	for _, s := range c {
		v, err := s.Get(name)
		if err == nil {
			return v, nil
		}
		if !IsNotFound(err) {
			return "", err
		}
	}
	return "", &NotFoundError{Name: name, Source: "any source"}
}
