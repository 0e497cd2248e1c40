// Package secrets fetches credentials from Vault or AWS Secrets Manager,
// falling back to the process environment.
package secrets

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
	"github.com/pkg/errors"
)

var (
	ErrProviderUnavailable = errors.New("secrets provider unavailable")
	ErrNotFound            = errors.New("secret not found")
)

type Provider interface {
	GetSecret(ctx context.Context, key string) (string, error)
}

type Adapter struct {
	primary        Provider
	fallback       Provider
	failClosed     bool
	requirePrimary bool
}

// NewAdapter picks Vault when VAULT_ADDR is reachable, else Secrets Manager
// when AWS_REGION is set. The environment is the fallback unless
// SECRETS_REQUIRE_PRIMARY=true.
func NewAdapter(ctx context.Context) (*Adapter, error) {
	requirePrimary := strings.ToLower(os.Getenv("SECRETS_REQUIRE_PRIMARY")) == "true"
	var primary, fallback Provider
	if os.Getenv("VAULT_ADDR") != "" {
		if vp, err := newVaultProvider(ctx); err == nil {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" {
		if ap, err := newAWSProvider(ctx); err == nil {
			primary = ap
		}
	}
	if !requirePrimary {
		fallback = envProvider{}
	}
	if primary == nil && fallback == nil {
		return nil, errors.New("SECRETS_REQUIRE_PRIMARY=true but no primary provider available (checked Vault, AWS Secrets Manager)")
	}
	return &Adapter{
		primary:        primary,
		fallback:       fallback,
		failClosed:     os.Getenv("SECRETS_FAIL_CLOSED") == "true",
		requirePrimary: requirePrimary,
	}, nil
}

// NewAdapterWith builds an adapter from explicit providers.
func NewAdapterWith(primary, fallback Provider, failClosed bool) *Adapter {
	return &Adapter{primary: primary, fallback: fallback, failClosed: failClosed}
}

func (a *Adapter) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if a.primary != nil {
		val, err := a.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if a.requirePrimary {
			return "", errors.Wrap(err, "primary GetSecret failed (SECRETS_REQUIRE_PRIMARY=true)")
		}
		if a.failClosed {
			return "", errors.Wrap(err, "get secret failed (fail-closed)")
		}
	}
	if a.fallback != nil {
		return a.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

type vaultProvider struct {
	client     *vault.Client
	secretPath string
}

func newVaultProvider(ctx context.Context) (*vaultProvider, error) {
	cfg := vault.DefaultConfig()
	cfg.Address = os.Getenv("VAULT_ADDR")
	cfg.Timeout = 5 * time.Second
	client, err := vault.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	if tokenFile := os.Getenv("VAULT_TOKEN_FILE"); tokenFile != "" {
		tokenBytes, err := os.ReadFile(tokenFile)
		if err != nil {
			return nil, errors.Wrap(err, "failed to read VAULT_TOKEN_FILE")
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, errors.Wrap(err, "vault health check failed")
	}
	return &vaultProvider{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/pingnote"),
	}, nil
}

// GetSecret reads the "value" field of a KV v2 secret named key.
func (v *vaultProvider) GetSecret(ctx context.Context, key string) (string, error) {
	path := fmt.Sprintf("%s/%s", v.secretPath, key)
	secret, err := v.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", errors.Wrap(ErrNotFound, key)
	}
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		return "", errors.New("vault: invalid secret format")
	}
	value, ok := data["value"].(string)
	if !ok {
		return "", errors.New("vault: value not found")
	}
	return value, nil
}

type awsProvider struct {
	smClient *secretsmanager.Client
	prefix   string
}

func newAWSProvider(ctx context.Context) (*awsProvider, error) {
	cfg, err := config.LoadDefaultConfig(ctx,
		config.WithRegion(os.Getenv("AWS_REGION")),
	)
	if err != nil {
		return nil, err
	}
	return &awsProvider{
		smClient: secretsmanager.NewFromConfig(cfg),
		prefix:   getEnvOrDefault("AWS_SECRET_PREFIX", "pingnote/"),
	}, nil
}

func (a *awsProvider) GetSecret(ctx context.Context, key string) (string, error) {
	id := a.prefix + key
	result, err := a.smClient.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", errors.Wrapf(err, "failed to get secret %s", id)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

type envProvider struct{}

func (envProvider) GetSecret(ctx context.Context, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	val, exists := os.LookupEnv(key)
	if !exists {
		return "", errors.Wrap(ErrNotFound, key)
	}
	return val, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
