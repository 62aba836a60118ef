// Package secrets reads credentials from GCP Secret Manager.
package secrets

import (
	"context"
	"fmt"
	"strings"

	secretmanager "cloud.google.com/go/secretmanager/apiv1"
	"cloud.google.com/go/secretmanager/apiv1/secretmanagerpb"
	"github.com/sirupsen/logrus"
	"google.golang.org/api/option"
)

// Getter returns the latest value of a named secret.
type Getter interface {
	GetSecret(ctx context.Context, name string) (string, error)
}

type accessFunc func(ctx context.Context, resource string) ([]byte, error)

type GCPSecretManager struct {
	access    accessFunc
	close     func() error
	projectID string
	logger    *logrus.Logger
}

// NewGCPSecretManager connects with application default credentials, or with
// credentialsFile when it is set.
func NewGCPSecretManager(ctx context.Context, projectID, credentialsFile string, logger *logrus.Logger) (*GCPSecretManager, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
	}
	client, err := secretmanager.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create secretmanager client: %w", err)
	}

	access := func(ctx context.Context, resource string) ([]byte, error) {
		result, err := client.AccessSecretVersion(ctx, &secretmanagerpb.AccessSecretVersionRequest{Name: resource})
		if err != nil {
			return nil, err
		}
		return result.GetPayload().GetData(), nil
	}
	return newGCPSecretManager(access, client.Close, projectID, logger), nil
}

func newGCPSecretManager(access accessFunc, closeFn func() error, projectID string, logger *logrus.Logger) *GCPSecretManager {
	return &GCPSecretManager{
		access:    access,
		close:     closeFn,
		projectID: projectID,
		logger:    logger,
	}
}

func (g *GCPSecretManager) GetSecret(ctx context.Context, secretName string) (string, error) {
	name := fmt.Sprintf("projects/%s/secrets/%s/versions/latest", g.projectID, secretName)
	data, err := g.access(ctx, name)
	if err != nil {
		return "", fmt.Errorf("failed to access secret %s: %w", secretName, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func (g *GCPSecretManager) GetSecretWithDefault(ctx context.Context, secretName, defaultValue string) string {
	value, err := g.GetSecret(ctx, secretName)
	if err != nil {
		g.logger.WithError(err).WithField("secret", secretName).Debug("Failed to get secret, using default")
		return defaultValue
	}
	return value
}

func (g *GCPSecretManager) Close() error {
	if g.close == nil {
		return nil
	}
	return g.close()
}

type SecretNames struct {
	BinanceAPIKey    string `mapstructure:"binance_api_key"`
	BinanceAPISecret string `mapstructure:"binance_api_secret"`
	JWTSecret        string `mapstructure:"jwt_secret"`
	DatabasePassword string `mapstructure:"database_password"`
}

func DefaultSecretNames() SecretNames {
	return SecretNames{
		BinanceAPIKey:    "binance-api-key",
		BinanceAPISecret: "binance-api-secret",
		JWTSecret:        "crews-jwt-secret",
		DatabasePassword: "crews-database-password",
	}
}

// Fill sets every empty target from the secret named next to it. Secrets
// that cannot be read leave their target empty.
func Fill(ctx context.Context, g Getter, logger *logrus.Logger, targets map[string]*string) int {
	loaded := 0
	for name, dst := range targets {
		if name == "" || *dst != "" {
			continue
		}
		v, err := g.GetSecret(ctx, name)
		if err != nil {
			logger.WithError(err).WithField("secret", name).Warn("Secret not loaded")
			continue
		}
		*dst = v
		loaded++
	}
	return loaded
}
