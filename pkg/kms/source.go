package kms

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	vault "github.com/hashicorp/vault/api"
)

var (
	ErrProviderUnavailable = errors.New("secret provider unavailable")
	ErrSecretNotFound      = errors.New("secret not found")
)

// SecretSource resolves operator secrets such as the master key.
type SecretSource interface {
	GetSecret(ctx context.Context, key string) (string, error)
	Name() string
}

// Chain asks the primary source first and only falls through to the fallback
// when fail-closed mode is off.
type Chain struct {
	primary    SecretSource
	fallback   SecretSource
	failClosed bool
}

// NewSecretSource builds the source chain from the environment: Vault when
// VAULT_ADDR is set, AWS Secrets Manager when AWS_REGION is set, and the
// process environment as fallback.
func NewSecretSource(ctx context.Context) (*Chain, error) {
	requirePrimary := strings.ToLower(os.Getenv("KMS_REQUIRE_PRIMARY")) == "true"
	var primary SecretSource
	if os.Getenv("VAULT_ADDR") != "" {
		if vp, err := newVaultSource(ctx); err == nil {
			primary = vp
		}
	}
	if primary == nil && os.Getenv("AWS_REGION") != "" {
		if ap, err := newAWSSource(ctx); err == nil {
			primary = ap
		}
	}
	if requirePrimary && primary == nil {
		return nil, fmt.Errorf("KMS_REQUIRE_PRIMARY=true but no primary secret provider available (checked Vault, AWS Secrets Manager)")
	}
	var fallback SecretSource
	if !requirePrimary {
		fallback = EnvSource{}
	}
	return &Chain{
		primary:    primary,
		fallback:   fallback,
		failClosed: os.Getenv("KMS_FAIL_CLOSED") != "false",
	}, nil
}

func NewChain(primary, fallback SecretSource, failClosed bool) *Chain {
	return &Chain{primary: primary, fallback: fallback, failClosed: failClosed}
}

func (c *Chain) GetSecret(ctx context.Context, key string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if c.primary != nil {
		val, err := c.primary.GetSecret(ctx, key)
		if err == nil && val != "" {
			return val, nil
		}
		if c.failClosed || c.fallback == nil {
			if err == nil {
				err = ErrSecretNotFound
			}
			return "", fmt.Errorf("%s: get secret failed (fail-closed): %w", c.primary.Name(), err)
		}
	}
	if c.fallback != nil {
		return c.fallback.GetSecret(ctx, key)
	}
	return "", ErrProviderUnavailable
}

func (c *Chain) Name() string {
	var parts []string
	if c.primary != nil {
		parts = append(parts, c.primary.Name())
	}
	if c.fallback != nil {
		parts = append(parts, c.fallback.Name())
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, "+")
}

// EnvSource reads secrets from the process environment.
type EnvSource struct{}

func (EnvSource) GetSecret(ctx context.Context, key string) (string, error) {
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	default:
	}
	val, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(val) == "" {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return val, nil
}

func (EnvSource) Name() string { return "env" }

// StaticSource serves secrets from a fixed map.
type StaticSource map[string]string

func (s StaticSource) GetSecret(_ context.Context, key string) (string, error) {
	val, ok := s[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
	}
	return val, nil
}

func (StaticSource) Name() string { return "static" }

type vaultSource struct {
	client     *vault.Client
	secretPath string
}

func newVaultSource(ctx context.Context) (*vaultSource, error) {
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
			return nil, fmt.Errorf("failed to read VAULT_TOKEN_FILE: %w", err)
		}
		client.SetToken(strings.TrimSpace(string(tokenBytes)))
	} else if token := os.Getenv("VAULT_TOKEN"); token != "" {
		client.SetToken(token)
	}
	healthCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if _, err := client.Sys().HealthWithContext(healthCtx); err != nil {
		return nil, fmt.Errorf("vault health check failed: %w", err)
	}
	return &vaultSource{
		client:     client,
		secretPath: getEnvOrDefault("VAULT_SECRET_PATH", "secret/data/snaplink"),
	}, nil
}

func (v *vaultSource) GetSecret(ctx context.Context, key string) (string, error) {
	secret, err := v.client.Logical().ReadWithContext(ctx, v.secretPath+"/"+key)
	if err != nil {
		return "", err
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: %s", ErrSecretNotFound, key)
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

func (v *vaultSource) Name() string { return "vault" }

type awsSource struct {
	client *secretsmanager.Client
	prefix string
}

func newAWSSource(ctx context.Context) (*awsSource, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(os.Getenv("AWS_REGION")))
	if err != nil {
		return nil, err
	}
	return &awsSource{
		client: secretsmanager.NewFromConfig(cfg),
		prefix: os.Getenv("AWS_SECRET_PREFIX"),
	}, nil
}

func (a *awsSource) GetSecret(ctx context.Context, key string) (string, error) {
	id := a.prefix + key
	result, err := a.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: &id,
	})
	if err != nil {
		return "", fmt.Errorf("failed to get secret %s: %w", id, err)
	}
	if result.SecretString == nil {
		return "", errors.New("secret is binary, not string")
	}
	return *result.SecretString, nil
}

func (a *awsSource) Name() string { return "aws-secretsmanager" }

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
