package main

import (
	"context"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/daveseff/Geppetto/internal/config"
	"github.com/daveseff/Geppetto/internal/engine"
	"github.com/daveseff/Geppetto/internal/logger"
	"github.com/daveseff/Geppetto/internal/operation"
	"github.com/daveseff/Geppetto/internal/operations"
	"github.com/daveseff/Geppetto/internal/operations/remotefileop"
	"github.com/daveseff/Geppetto/internal/secrets"
)

// buildRegistry wires the built-in operation types and, when AWS
// credentials resolve, the secret resolver and s3 transport. Plans that
// never touch AWS work without credentials; ones that do fail at compile
// time with the resolver's error.
func buildRegistry(ctx context.Context, cfg *config.Config, log *logger.Logger) (*operation.Registry, engine.SecretResolver, error) {
	fetcher := &remotefileop.Fetcher{}
	var resolver engine.SecretResolver

	var opts []func(*awsconfig.LoadOptions) error
	if cfg.AWS.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.AWS.Profile))
	}
	if cfg.AWS.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.AWS.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithFields(map[string]any{"error": err.Error()}).Debug("aws not configured, secrets and s3 sources unavailable")
	} else {
		fetcher.S3 = s3.NewFromConfig(awsCfg)
		res, err := secrets.NewResolver(ctx, cfg.AWS.Profile, cfg.AWS.Region, log)
		if err == nil {
			resolver = res
		}
	}

	registry := operation.NewRegistry()
	if err := operations.RegisterBuiltins(registry, operations.Options{
		TemplateDir: cfg.TemplateDir,
		Fetcher:     fetcher,
	}); err != nil {
		return nil, nil, err
	}
	return registry, resolver, nil
}
