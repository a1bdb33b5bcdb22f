// Package storage borra los objetos que un usuario dejo en el bucket
// (fotos de perfil, adjuntos) cuando su cuenta se elimina.
package storage

import (
	"context"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"trailpass/internal/apperr"
)

// ObjectPurger elimina todos los objetos de un usuario.
type ObjectPurger interface {
	PurgeUser(ctx context.Context, userID string) (int, error)
}

// S3API es el subconjunto del cliente de S3 que se usa.
type S3API interface {
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
	DeleteObjects(ctx context.Context, in *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
}

type S3Config struct {
	Bucket       string
	Region       string
	Endpoint     string
	AccessKey    string
	SecretKey    string
	UsePathStyle bool
}

var loadDefaultAWSConfig = config.LoadDefaultConfig

// NewS3Client arma un cliente compatible con MinIO cuando hay endpoint propio.
func NewS3Client(ctx context.Context, cfg S3Config) (*s3.Client, error) {
	opts := []func(*config.LoadOptions) error{config.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := loadDefaultAWSConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	}), nil
}

// S3Purger borra por prefijo `users/<id>/`.
type S3Purger struct {
	client S3API
	bucket string
	logger *zap.Logger
}

func NewS3Purger(client S3API, bucket string, logger *zap.Logger) *S3Purger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &S3Purger{client: client, bucket: bucket, logger: logger}
}

func UserPrefix(userID string) string {
	return "users/" + strings.Trim(userID, "/") + "/"
}

// PurgeUser es idempotente: un prefijo vacio devuelve 0 sin error.
func (p *S3Purger) PurgeUser(ctx context.Context, userID string) (int, error) {
	if strings.TrimSpace(userID) == "" {
		return 0, apperr.New(apperr.KindValidation, "user id is required")
	}
	prefix := UserPrefix(userID)
	pages := s3.NewListObjectsV2Paginator(p.client, &s3.ListObjectsV2Input{
		Bucket: aws.String(p.bucket),
		Prefix: aws.String(prefix),
	})

	deleted := 0
	for pages.HasMorePages() {
		page, err := pages.NextPage(ctx)
		if err != nil {
			return deleted, apperr.Upstream("list user objects", err)
		}
		if len(page.Contents) == 0 {
			continue
		}

		ids := make([]types.ObjectIdentifier, 0, len(page.Contents))
		for _, obj := range page.Contents {
			ids = append(ids, types.ObjectIdentifier{Key: obj.Key})
		}
		out, err := p.client.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(p.bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			return deleted, apperr.Upstream("delete user objects", err)
		}
		if len(out.Errors) > 0 {
			first := out.Errors[0]
			return deleted, apperr.Upstream("delete user objects",
				fmt.Errorf("%d objects failed, first %s: %s", len(out.Errors), aws.ToString(first.Key), aws.ToString(first.Message)))
		}
		deleted += len(ids)
	}

	p.logger.Info("purged user objects", zap.String("user_id", userID), zap.Int("count", deleted))
	return deleted, nil
}

// NoopPurger se usa cuando no hay bucket configurado.
type NoopPurger struct{}

func (NoopPurger) PurgeUser(context.Context, string) (int, error) { return 0, nil }
