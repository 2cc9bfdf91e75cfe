package secret_manager

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/zalando/go-keyring"
)

// ErrSecretNotFound is returned when no manager holds the requested secret.
var ErrSecretNotFound = errors.New("secret not found")

const keyringService = "agentflow"

type SecretManager interface {
	GetSecret(secretName string) (string, error)
	SetSecret(secretName string, secret string) error
	DeleteSecret(secretName string) error
	GetType() SecretManagerType
}

type SecretManagerType string

const (
	EnvSecretManagerType     SecretManagerType = "env"
	MockSecretManagerType    SecretManagerType = "mock"
	KeyringSecretManagerType SecretManagerType = "keyring"
	ChainSecretManagerType   SecretManagerType = "chain"
)

// EnvSecretManager reads secrets from AGENTFLOW_-prefixed environment
// variables.
type EnvSecretManager struct{}

func (e EnvSecretManager) SetSecret(secretName string, secret string) error {
	return fmt.Errorf("cannot set secrets in environment secret manager - secrets must be set as environment variables")
}

func (e EnvSecretManager) GetSecret(secretName string) (string, error) {
	envName := "AGENTFLOW_" + secretName
	secret := os.Getenv(envName)
	if secret == "" {
		return "", fmt.Errorf("%w: %s not set in environment", ErrSecretNotFound, envName)
	}
	return secret, nil
}

func (e EnvSecretManager) DeleteSecret(secretName string) error {
	return fmt.Errorf("cannot delete secrets in environment secret manager - secrets must be managed via environment variables")
}

func (e EnvSecretManager) GetType() SecretManagerType {
	return EnvSecretManagerType
}

// KeyringSecretManager stores secrets in the operating system keyring.
type KeyringSecretManager struct{}

func (k KeyringSecretManager) SetSecret(secretName string, secret string) error {
	err := keyring.Set(keyringService, secretName, secret)
	if err != nil {
		return fmt.Errorf("error setting %s in keyring: %w", secretName, err)
	}
	return nil
}

func (k KeyringSecretManager) GetSecret(secretName string) (string, error) {
	secret, err := keyring.Get(keyringService, secretName)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", fmt.Errorf("%w: %s not in keyring", ErrSecretNotFound, secretName)
	}
	if err != nil {
		return "", fmt.Errorf("error retrieving %s from keyring: %w", secretName, err)
	}
	return secret, nil
}

func (k KeyringSecretManager) DeleteSecret(secretName string) error {
	err := keyring.Delete(keyringService, secretName)
	if err != nil {
		return fmt.Errorf("error deleting %s from keyring: %w", secretName, err)
	}
	return nil
}

func (k KeyringSecretManager) GetType() SecretManagerType {
	return KeyringSecretManagerType
}

type MockSecretManager struct {
	secrets map[string]string
}

func (m MockSecretManager) GetSecret(secretName string) (string, error) {
	if secret, ok := m.secrets[secretName]; ok {
		return secret, nil
	}
	return "", fmt.Errorf("%w: %s", ErrSecretNotFound, secretName)
}

func (m *MockSecretManager) SetSecret(secretName string, secret string) error {
	if m.secrets == nil {
		m.secrets = make(map[string]string)
	}
	m.secrets[secretName] = secret
	return nil
}

func (m *MockSecretManager) DeleteSecret(secretName string) error {
	if m.secrets != nil {
		delete(m.secrets, secretName)
	}
	return nil
}

func (m MockSecretManager) GetType() SecretManagerType {
	return MockSecretManagerType
}

// ChainSecretManager looks secrets up in each manager in turn. Writes go to
// the last manager, which is expected to be the writable one.
type ChainSecretManager struct {
	Managers []SecretManager
}

func (c ChainSecretManager) GetSecret(secretName string) (string, error) {
	var errs []error
	for _, manager := range c.Managers {
		secret, err := manager.GetSecret(secretName)
		if err == nil {
			return secret, nil
		}
		errs = append(errs, err)
	}
	if len(errs) == 0 {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, secretName)
	}
	return "", errors.Join(errs...)
}

func (c ChainSecretManager) SetSecret(secretName string, secret string) error {
	if len(c.Managers) == 0 {
		return fmt.Errorf("no secret managers configured")
	}
	return c.Managers[len(c.Managers)-1].SetSecret(secretName, secret)
}

func (c ChainSecretManager) DeleteSecret(secretName string) error {
	if len(c.Managers) == 0 {
		return fmt.Errorf("no secret managers configured")
	}
	return c.Managers[len(c.Managers)-1].DeleteSecret(secretName)
}

func (c ChainSecretManager) GetType() SecretManagerType {
	return ChainSecretManagerType
}

// GetSecretManager returns a SecretManager instance of the specified type.
func GetSecretManager(smType SecretManagerType) SecretManager {
	switch smType {
	case KeyringSecretManagerType:
		return &KeyringSecretManager{}
	case EnvSecretManagerType:
		return &EnvSecretManager{}
	case MockSecretManagerType:
		return &MockSecretManager{}
	default:
		return &KeyringSecretManager{} // Default to keyring
	}
}

// ParseSecretManager builds a manager from a comma separated list of types,
// eg "env,keyring". More than one type yields a ChainSecretManager.
func ParseSecretManager(spec string) (SecretManager, error) {
	var managers []SecretManager
	for _, part := range strings.Split(spec, ",") {
		smType := SecretManagerType(strings.TrimSpace(part))
		switch smType {
		case "":
			continue
		case EnvSecretManagerType, KeyringSecretManagerType, MockSecretManagerType:
			managers = append(managers, GetSecretManager(smType))
		default:
			return nil, fmt.Errorf("unknown secret manager type: %s", smType)
		}
	}
	switch len(managers) {
	case 0:
		return nil, fmt.Errorf("no secret manager types in %q", spec)
	case 1:
		return managers[0], nil
	default:
		return ChainSecretManager{Managers: managers}, nil
	}
}
