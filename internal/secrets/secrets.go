// Package secrets resolves secret references embedded in resource
// attributes against AWS Secrets Manager. Secret values are treated as
// opaque: they are never logged and never written to recorded state.
package secrets

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"

	"github.com/daveseff/Geppetto/internal/logger"
)

// Attribute keys that form a secret reference, e.g.
//
//	password => { aws_secret => 'prod/db', key => 'password' }
const (
	refSecretKey = "aws_secret"
	refFieldKey  = "key"
)

// SecretsAPI is the slice of the Secrets Manager client the resolver needs.
type SecretsAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

// Resolver fetches and caches secret values for the duration of a run.
type Resolver struct {
	client SecretsAPI
	log    *logger.Logger

	mu    sync.Mutex
	cache map[string]string
}

// NewResolver builds a resolver against the default AWS credential chain.
// Profile and region may be empty to use the environment's defaults.
func NewResolver(ctx context.Context, profile, region string, log *logger.Logger) (*Resolver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(profile))
	}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}

	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("loading aws config: %w", err)
	}
	return NewResolverWithClient(secretsmanager.NewFromConfig(cfg), log), nil
}

// NewResolverWithClient wires an explicit client, used by tests.
func NewResolverWithClient(client SecretsAPI, log *logger.Logger) *Resolver {
	return &Resolver{
		client: client,
		log:    log,
		cache:  make(map[string]string),
	}
}

// ResolveAttrs walks an attribute map and replaces every secret reference
// with its resolved string value. The input map is not modified.
func (r *Resolver) ResolveAttrs(ctx context.Context, attrs map[string]any) (map[string]any, error) {
	resolved, err := r.resolveValue(ctx, attrs)
	if err != nil {
		return nil, err
	}
	return resolved.(map[string]any), nil
}

func (r *Resolver) resolveValue(ctx context.Context, value any) (any, error) {
	switch v := value.(type) {
	case map[string]any:
		if name, field, ok := secretRef(v); ok {
			return r.lookup(ctx, name, field)
		}
		out := make(map[string]any, len(v))
		for k, inner := range v {
			resolved, err := r.resolveValue(ctx, inner)
			if err != nil {
				return nil, err
			}
			out[k] = resolved
		}
		return out, nil
	case []any:
		out := make([]any, len(v))
		for i, inner := range v {
			resolved, err := r.resolveValue(ctx, inner)
			if err != nil {
				return nil, err
			}
			out[i] = resolved
		}
		return out, nil
	default:
		return value, nil
	}
}

// secretRef reports whether a map is a secret reference. Only the exact
// shape {aws_secret, key} or {aws_secret} qualifies; maps with extra keys
// are ordinary attribute values.
func secretRef(m map[string]any) (name, field string, ok bool) {
	raw, has := m[refSecretKey]
	if !has {
		return "", "", false
	}
	name, isString := raw.(string)
	if !isString || name == "" {
		return "", "", false
	}

	switch len(m) {
	case 1:
		return name, "", true
	case 2:
		rawField, hasField := m[refFieldKey]
		if !hasField {
			return "", "", false
		}
		field, isString = rawField.(string)
		if !isString {
			return "", "", false
		}
		return name, field, true
	default:
		return "", "", false
	}
}

func (r *Resolver) lookup(ctx context.Context, name, field string) (string, error) {
	raw, err := r.fetch(ctx, name)
	if err != nil {
		return "", err
	}
	if field == "" {
		return raw, nil
	}

	var doc map[string]any
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return "", fmt.Errorf("secret %q is not a JSON document but key %q was requested", name, field)
	}
	value, ok := doc[field]
	if !ok {
		return "", fmt.Errorf("secret %q has no key %q", name, field)
	}
	str, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("secret %q key %q is not a string", name, field)
	}
	return str, nil
}

func (r *Resolver) fetch(ctx context.Context, name string) (string, error) {
	r.mu.Lock()
	cached, ok := r.cache[name]
	r.mu.Unlock()
	if ok {
		return cached, nil
	}

	r.log.WithFields(map[string]any{"secret": name}).Debug("resolving secret")
	out, err := r.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(name),
	})
	if err != nil {
		return "", fmt.Errorf("fetching secret %q: %w", name, err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %q has no string value", name)
	}

	r.mu.Lock()
	r.cache[name] = *out.SecretString
	r.mu.Unlock()
	return *out.SecretString, nil
}
