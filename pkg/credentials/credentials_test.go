package credentials_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relayhq/orchestrator/pkg/credentials"
	relayerrors "github.com/relayhq/orchestrator/pkg/errors"
)

type fakeValidator struct {
	valid map[string]bool
}

func (f *fakeValidator) Validate(ctx context.Context, apiKey string) error {
	if f.valid[apiKey] {
		return nil
	}
	return errors.New("invalid key")
}

type fakeCreator struct {
	creds credentials.Credentials
	err   error
}

func (f *fakeCreator) CreateWorkspace(ctx context.Context, name string) (credentials.Credentials, error) {
	return f.creds, f.err
}

func TestResolve_PrefersEnvVar(t *testing.T) {
	t.Setenv("RELAY_API_KEY", "env-key")
	p := credentials.New(t.TempDir(), &fakeValidator{valid: map[string]bool{"env-key": true}}, nil)

	creds, err := p.Resolve(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "env-key", creds.APIKey)
}

func TestResolve_EnvVarFailingValidationIsHardStop(t *testing.T) {
	t.Setenv("RELAY_API_KEY", "bad-key")
	p := credentials.New(t.TempDir(), &fakeValidator{valid: map[string]bool{}}, nil)

	_, err := p.Resolve(context.Background(), "agent-1")
	require.Error(t, err)
	var credErr *relayerrors.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "env", credErr.Source)
}

func TestResolve_ValidCacheHitIsReused(t *testing.T) {
	dir := t.TempDir()
	cached := credentials.Credentials{WorkspaceID: "ws-1", APIKey: "cached-key"}
	data, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relaycast.json"), data, 0600))

	p := credentials.New(dir, &fakeValidator{valid: map[string]bool{"cached-key": true}}, nil)
	creds, err := p.Resolve(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "cached-key", creds.APIKey)
}

func TestResolve_InvalidCacheFallsThroughToRemoteCreate(t *testing.T) {
	dir := t.TempDir()
	cached := credentials.Credentials{WorkspaceID: "ws-1", APIKey: "stale-key"}
	data, err := json.Marshal(cached)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "relaycast.json"), data, 0600))

	creator := &fakeCreator{creds: credentials.Credentials{WorkspaceID: "ws-2", APIKey: "fresh-key"}}
	p := credentials.New(dir, &fakeValidator{valid: map[string]bool{}}, creator)

	creds, err := p.Resolve(context.Background(), "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "fresh-key", creds.APIKey)
	assert.Equal(t, "ws-2", creds.WorkspaceID)

	// The stale cache file is replaced with the newly provisioned creds.
	raw, err := os.ReadFile(filepath.Join(dir, "relaycast.json"))
	require.NoError(t, err)
	var onDisk credentials.Credentials
	require.NoError(t, json.Unmarshal(raw, &onDisk))
	assert.Equal(t, "fresh-key", onDisk.APIKey)
}

func TestResolve_NoSourceAndNoCreatorReturnsCredentialError(t *testing.T) {
	p := credentials.New(t.TempDir(), &fakeValidator{valid: map[string]bool{}}, nil)

	_, err := p.Resolve(context.Background(), "agent-1")
	require.Error(t, err)
	var credErr *relayerrors.CredentialError
	require.ErrorAs(t, err, &credErr)
	assert.Equal(t, "remote-create", credErr.Source)
}

func TestResolve_CreatorErrorWrapsCause(t *testing.T) {
	cause := errors.New("network down")
	creator := &fakeCreator{err: cause}
	p := credentials.New(t.TempDir(), &fakeValidator{valid: map[string]bool{}}, creator)

	_, err := p.Resolve(context.Background(), "agent-1")
	require.Error(t, err)
	assert.ErrorIs(t, err, cause)
}
