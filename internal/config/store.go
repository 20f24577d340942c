package config

import (
	"errors"
	"fmt"
	"io/fs"
	"maps"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/howard-nolan/llmgate/internal/apperr"
	"github.com/howard-nolan/llmgate/internal/provider"
	"github.com/howard-nolan/llmgate/internal/routing"
)

// ---------------------------------------------------------------------------
// Snapshot
// ---------------------------------------------------------------------------

// Snapshot is one immutable version of every provider's settings. Readers
// grab the current snapshot and use it for the whole request, so an admin
// update landing mid-request never shows them a half-applied state.
type Snapshot struct {
	Version   uint64
	Providers map[provider.Kind]ProviderConfig
}

// Provider returns a copy of one provider's settings. A provider missing
// from the snapshot comes back disabled with no endpoints.
func (s *Snapshot) Provider(kind provider.Kind) ProviderConfig {
	return s.Providers[kind].Clone()
}

// ---------------------------------------------------------------------------
// Store
// ---------------------------------------------------------------------------

// Store publishes provider settings through an atomic pointer. Reads are a
// single atomic load. Updates are serialized by mu and follow
// validate -> persist -> swap: if persisting fails the old snapshot stays
// live and the caller gets the error.
type Store struct {
	current atomic.Pointer[Snapshot]
	mu      sync.Mutex
	path    string
}

// NewStore builds the initial snapshot from the config file's providers,
// then lets the state file (if there is one) override them provider by
// provider. statePath may be empty, in which case updates live only in
// memory.
func NewStore(providers map[string]ProviderConfig, statePath string) (*Store, error) {
	initial := make(map[provider.Kind]ProviderConfig, len(providers))
	for name, pc := range providers {
		kind, err := provider.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("config providers: %w", err)
		}
		initial[kind] = normalize(pc)
	}

	if statePath != "" {
		saved, err := readState(statePath)
		if err != nil {
			return nil, err
		}
		maps.Copy(initial, saved)
	}

	s := &Store{path: statePath}
	s.current.Store(&Snapshot{Version: 1, Providers: initial})
	return s, nil
}

// Snapshot returns the current snapshot. Treat it as read-only.
func (s *Store) Snapshot() *Snapshot {
	return s.current.Load()
}

// Provider is shorthand for Snapshot().Provider(kind).
func (s *Store) Provider(kind provider.Kind) ProviderConfig {
	return s.Snapshot().Provider(kind)
}

// Update replaces one provider's settings wholesale and returns what was
// stored (keys reconciled, orphaned per-URL configs dropped).
func (s *Store) Update(kind provider.Kind, pc ProviderConfig) (ProviderConfig, error) {
	if err := Validate(pc); err != nil {
		return ProviderConfig{}, err
	}
	pc = normalize(pc)

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.current.Load()
	next := &Snapshot{
		Version:   old.Version + 1,
		Providers: make(map[provider.Kind]ProviderConfig, len(old.Providers)+1),
	}
	maps.Copy(next.Providers, old.Providers)
	next.Providers[kind] = pc

	if s.path != "" {
		if err := writeState(s.path, next.Providers); err != nil {
			return ProviderConfig{}, err
		}
	}

	s.current.Store(next)
	return pc.Clone(), nil
}

// Validate checks an admin form. Failures are configuration errors, so the
// client gets a 400 with a message it can act on.
func Validate(pc ProviderConfig) error {
	for _, raw := range pc.BaseURLs {
		u, err := url.Parse(strings.TrimSpace(raw))
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return apperr.Configuration(fmt.Sprintf("invalid base url %q", raw))
		}
	}
	return nil
}

// normalize trims URLs, reconciles keys to the URL count and drops per-URL
// configs for URLs that are no longer listed.
func normalize(pc ProviderConfig) ProviderConfig {
	pc = pc.Clone()
	for i, u := range pc.BaseURLs {
		pc.BaseURLs[i] = strings.TrimSpace(u)
	}
	pc.Keys = routing.Reconcile(pc.BaseURLs, pc.Keys)

	if len(pc.PerURLConfigs) > 0 {
		kept := make(map[string]URLConfig, len(pc.PerURLConfigs))
		for _, u := range pc.BaseURLs {
			if uc, ok := pc.PerURLConfigs[u]; ok {
				uc.PrefixID = strings.TrimSpace(uc.PrefixID)
				kept[u] = uc
			}
		}
		pc.PerURLConfigs = kept
	}
	return pc
}

// ---------------------------------------------------------------------------
// State file
// ---------------------------------------------------------------------------

// stateFile is the on-disk shape: provider name -> settings.
type stateFile map[string]ProviderConfig

func readState(path string) (map[provider.Kind]ProviderConfig, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading state file: %w", err)
	}

	var raw stateFile
	if err := yaml.Unmarshal(b, &raw); err != nil {
		return nil, fmt.Errorf("parsing state file %s: %w", path, err)
	}

	out := make(map[provider.Kind]ProviderConfig, len(raw))
	for name, pc := range raw {
		kind, err := provider.ParseKind(name)
		if err != nil {
			return nil, fmt.Errorf("state file %s: %w", path, err)
		}
		out[kind] = normalize(pc)
	}
	return out, nil
}

// writeState saves every provider's settings. It writes a temp file in the
// same directory and renames it over the target, so a crash mid-write
// leaves either the old file or the new one.
func writeState(path string, providers map[provider.Kind]ProviderConfig) error {
	raw := make(stateFile, len(providers))
	for kind, pc := range providers {
		raw[string(kind)] = pc
	}
	b, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("encoding state: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".llmgate-state-*")
	if err != nil {
		return fmt.Errorf("creating temp state file: %w", err)
	}
	// Remove is a no-op once the rename has happened.
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		return fmt.Errorf("writing state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing state: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("chmod state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing state file: %w", err)
	}
	return nil
}
