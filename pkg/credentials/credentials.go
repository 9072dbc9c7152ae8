// Package credentials provisions the API key a run authenticates to
// the hosted agent-relay workspace with. Resolution order mirrors a
// cache hierarchy, cheapest and most local first: the RELAY_API_KEY
// environment variable, a project-local cache file, the OS keyring,
// and finally a remote workspace-create call as a last resort.
package credentials

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/zalando/go-keyring"

	relayerrors "github.com/relayhq/orchestrator/pkg/errors"
)

const (
	keyringService = "relay-orchestrator"
	keyringAccount = "workspace-api-key"

	envAPIKey = "RELAY_API_KEY"

	// cacheFileName is the project-local cache relative to the
	// project's data directory.
	cacheFileName = "relaycast.json"
)

// Validator checks an API key against the workspace API before it is
// trusted. A real implementation does a lightweight authenticated GET;
// tests substitute a fake.
type Validator interface {
	Validate(ctx context.Context, apiKey string) error
}

// Creator provisions a brand new workspace when no cached or keyring
// credential validates. A real implementation calls the workspace
// creation endpoint; tests substitute a fake.
type Creator interface {
	CreateWorkspace(ctx context.Context, name string) (Credentials, error)
}

// Credentials is the full provisioned identity for a run.
type Credentials struct {
	WorkspaceID string    `json:"workspace_id"`
	APIKey      string    `json:"api_key"`
	AgentID     string    `json:"agent_id"`
	AgentName   string    `json:"agent_name"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Provisioner resolves and caches workspace credentials for a project
// directory.
type Provisioner struct {
	mu         sync.Mutex
	projectDir string
	validator  Validator
	creator    Creator
}

// New creates a Provisioner rooted at projectDir (the cache file is
// written to projectDir/relaycast.json).
func New(projectDir string, validator Validator, creator Creator) *Provisioner {
	return &Provisioner{projectDir: projectDir, validator: validator, creator: creator}
}

// Resolve returns usable credentials, trying each source in order and
// discarding (not propagating) a cache hit that fails validation. It
// returns a *relayerrors.CredentialError naming the source that failed
// when every source is exhausted.
func (p *Provisioner) Resolve(ctx context.Context, agentName string) (Credentials, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if key := os.Getenv(envAPIKey); key != "" {
		if err := p.validator.Validate(ctx, key); err == nil {
			return Credentials{APIKey: key, AgentName: agentName, UpdatedAt: time.Now()}, nil
		}
		// An explicitly set env var that fails validation is a hard
		// stop: silently falling through to another source would mask
		// a misconfigured environment.
		return Credentials{}, &relayerrors.CredentialError{Source: "env", Reason: "RELAY_API_KEY failed validation"}
	}

	if creds, ok := p.readCache(); ok {
		if err := p.validator.Validate(ctx, creds.APIKey); err == nil {
			return creds, nil
		}
		p.discardCache()
	}

	if key, err := keyring.Get(keyringService, keyringAccount); err == nil {
		if verr := p.validator.Validate(ctx, key); verr == nil {
			creds := Credentials{APIKey: key, AgentName: agentName, UpdatedAt: time.Now()}
			p.writeCache(creds)
			return creds, nil
		}
		_ = keyring.Delete(keyringService, keyringAccount)
	} else if !errors.Is(err, keyring.ErrNotFound) {
		// Keyring unavailable is not fatal; fall through to remote
		// provisioning.
	}

	if p.creator == nil {
		return Credentials{}, &relayerrors.CredentialError{Source: "remote-create", Reason: "no credential source available and no workspace creator configured"}
	}
	name := fmt.Sprintf("relay-%s-%d", agentName, time.Now().UnixNano())
	creds, err := p.creator.CreateWorkspace(ctx, name)
	if err != nil {
		return Credentials{}, &relayerrors.CredentialError{Source: "remote-create", Reason: "workspace creation failed", Cause: err}
	}
	creds.AgentName = agentName
	creds.UpdatedAt = time.Now()

	p.writeCache(creds)
	_ = keyring.Set(keyringService, keyringAccount, creds.APIKey)
	return creds, nil
}

func (p *Provisioner) cachePath() string {
	return filepath.Join(p.projectDir, cacheFileName)
}

func (p *Provisioner) readCache() (Credentials, bool) {
	data, err := os.ReadFile(p.cachePath())
	if err != nil {
		return Credentials{}, false
	}
	var creds Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return Credentials{}, false
	}
	if creds.APIKey == "" {
		return Credentials{}, false
	}
	return creds, true
}

func (p *Provisioner) discardCache() {
	_ = os.Remove(p.cachePath())
}

// writeCache persists creds to the project-local cache file. Failures
// are swallowed: the cache is an optimization, not a requirement for
// the run to proceed.
func (p *Provisioner) writeCache(creds Credentials) {
	if err := os.MkdirAll(p.projectDir, 0700); err != nil {
		return
	}
	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(p.cachePath(), data, 0600)
}
