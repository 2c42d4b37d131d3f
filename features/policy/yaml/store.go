// Package yaml implements policy.Store over a YAML file. The file carries
// the whole cascade in one document:
//
//	global:
//	  provider: openai
//	  model: gpt-4o-mini
//	brands:
//	  acme:
//	    model: gpt-4o
//	users:
//	  u123:
//	    blocklist: ["openai:gpt-4"]
//
// The file is parsed once at construction; Reload re-reads it so operators
// can push policy changes without restarting.
package yaml

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	goyaml "gopkg.in/yaml.v3"

	"goa.design/maestro/runtime/agent/policy"
)

type (
	// Options configures a Store.
	Options struct {
		// Path locates the policy YAML file. Required.
		Path string
	}

	// Store serves policy documents from a YAML file. Safe for concurrent
	// use; Reload swaps the parsed document atomically under a lock.
	Store struct {
		path string

		mu  sync.RWMutex
		doc fileDocument
	}

	fileDocument struct {
		Global *policy.Document           `yaml:"global,omitempty"`
		Brands map[string]policy.Document `yaml:"brands,omitempty"`
		Users  map[string]policy.Document `yaml:"users,omitempty"`
	}
)

// New constructs a Store and parses the file.
func New(opts Options) (*Store, error) {
	if opts.Path == "" {
		return nil, errors.New("policy file path is required")
	}
	s := &Store{path: opts.Path}
	if err := s.Reload(); err != nil {
		return nil, err
	}
	return s, nil
}

// Reload re-reads and re-parses the policy file.
func (s *Store) Reload() error {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read policy file: %w", err)
	}
	var doc fileDocument
	if err := goyaml.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("parse policy file %s: %w", s.path, err)
	}
	s.mu.Lock()
	s.doc = doc
	s.mu.Unlock()
	return nil
}

// LoadDocument returns the document for one scope. A scope with no entry in
// the file is reported through the boolean, not an error.
func (s *Store) LoadDocument(_ context.Context, scope string) (policy.Document, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch {
	case scope == policy.ScopeGlobal:
		if s.doc.Global == nil {
			return policy.Document{}, false, nil
		}
		return *s.doc.Global, true, nil
	case strings.HasPrefix(scope, policy.ScopeBrandPrefix):
		doc, ok := s.doc.Brands[strings.TrimPrefix(scope, policy.ScopeBrandPrefix)]
		return doc, ok, nil
	case strings.HasPrefix(scope, policy.ScopeUserPrefix):
		doc, ok := s.doc.Users[strings.TrimPrefix(scope, policy.ScopeUserPrefix)]
		return doc, ok, nil
	}
	return policy.Document{}, false, fmt.Errorf("unknown policy scope %q", scope)
}
