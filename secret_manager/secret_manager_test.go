package secret_manager

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zalando/go-keyring"
)

func TestMockSecretManager_SetSecret(t *testing.T) {
	m := &MockSecretManager{}
	_, err := m.GetSecret("test-key")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	err = m.SetSecret("test-key", "test-secret")
	assert.NoError(t, err)

	secret, err := m.GetSecret("test-key")
	assert.NoError(t, err)
	assert.Equal(t, "test-secret", secret)

	require.NoError(t, m.DeleteSecret("test-key"))
	_, err = m.GetSecret("test-key")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestKeyringSecretManager_SetSecret(t *testing.T) {
	keyring.MockInit()
	k := &KeyringSecretManager{}

	_, err := k.GetSecret("test-key")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	err = k.SetSecret("test-key", "test-secret")
	assert.NoError(t, err)

	secret, err := k.GetSecret("test-key")
	assert.NoError(t, err)
	assert.Equal(t, "test-secret", secret)

	require.NoError(t, k.DeleteSecret("test-key"))
	_, err = k.GetSecret("test-key")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestEnvSecretManager(t *testing.T) {
	e := &EnvSecretManager{}
	err := e.SetSecret("test-key", "test-secret")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "cannot set secrets in environment secret manager")

	t.Setenv("AGENTFLOW_TEST_KEY", "from-env")
	secret, err := e.GetSecret("TEST_KEY")
	require.NoError(t, err)
	assert.Equal(t, "from-env", secret)

	_, err = e.GetSecret("MISSING_KEY")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestChainSecretManager(t *testing.T) {
	first := &MockSecretManager{}
	last := &MockSecretManager{}
	chain := ChainSecretManager{Managers: []SecretManager{first, last}}

	_, err := chain.GetSecret("key")
	assert.ErrorIs(t, err, ErrSecretNotFound)

	require.NoError(t, chain.SetSecret("key", "stored"))
	secret, err := chain.GetSecret("key")
	require.NoError(t, err)
	assert.Equal(t, "stored", secret)

	require.NoError(t, first.SetSecret("key", "preferred"))
	secret, err = chain.GetSecret("key")
	require.NoError(t, err)
	assert.Equal(t, "preferred", secret)

	require.NoError(t, chain.DeleteSecret("key"))
	_, err = last.GetSecret("key")
	assert.ErrorIs(t, err, ErrSecretNotFound)
}

func TestParseSecretManager(t *testing.T) {
	manager, err := ParseSecretManager("env")
	require.NoError(t, err)
	assert.Equal(t, EnvSecretManagerType, manager.GetType())

	manager, err = ParseSecretManager("env, keyring")
	require.NoError(t, err)
	require.Equal(t, ChainSecretManagerType, manager.GetType())
	assert.Len(t, manager.(ChainSecretManager).Managers, 2)

	_, err = ParseSecretManager("vault")
	assert.Error(t, err)
	_, err = ParseSecretManager(" , ")
	assert.Error(t, err)
}
