// Package mirror copies finished uploads to an S3 compatible bucket.
package mirror

import (
	"context"
	"fmt"
	"os"
	"path"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/oarkflow/minidrive/pkg/log"
)

type Option struct {
	Endpoint  string `json:"endpoint" mapstructure:"endpoint"`
	Region    string `json:"region" mapstructure:"region"`
	Bucket    string `json:"bucket" mapstructure:"bucket"`
	Prefix    string `json:"prefix" mapstructure:"prefix"`
	AccessKey string `json:"access_key" mapstructure:"access_key"`
	Secret    string `json:"secret" mapstructure:"secret"`
}

// uploader is the part of manager.Uploader the mirror uses.
type uploader interface {
	Upload(ctx context.Context, input *s3.PutObjectInput, opts ...func(*manager.Uploader)) (*manager.UploadOutput, error)
}

// S3 mirrors files into one bucket.
type S3 struct {
	uploader uploader
	bucket   string
	prefix   string
	logger   log.Logger
}

// New builds a mirror with static credentials. An empty endpoint uses the
// AWS default for the region.
func New(opt Option, logger log.Logger) (*S3, error) {
	if opt.Bucket == "" {
		return nil, fmt.Errorf("mirror: bucket is required")
	}
	if opt.Region == "" {
		opt.Region = "us-east-1"
	}
	conf := aws.Config{
		Region: opt.Region,
	}
	if opt.AccessKey != "" {
		conf.Credentials = aws.NewCredentialsCache(credentials.NewStaticCredentialsProvider(opt.AccessKey, opt.Secret, ""))
	}
	if opt.Endpoint != "" {
		conf.EndpointResolverWithOptions = aws.EndpointResolverWithOptionsFunc(func(service, region string, options ...interface{}) (aws.Endpoint, error) {
			return aws.Endpoint{
				URL:               opt.Endpoint,
				SigningRegion:     opt.Region,
				HostnameImmutable: true,
			}, nil
		})
	}
	client := s3.NewFromConfig(conf, func(o *s3.Options) {
		o.UsePathStyle = true
	})
	return newS3(manager.NewUploader(client), opt.Bucket, opt.Prefix, logger), nil
}

func newS3(u uploader, bucket, prefix string, logger log.Logger) *S3 {
	if logger == nil {
		logger = log.Discard()
	}
	return &S3{uploader: u, bucket: bucket, prefix: prefix, logger: logger}
}

// Key composes the object key for a user's virtual path.
func Key(prefix, username, virtual string) string {
	return strings.TrimPrefix(path.Join(prefix, username, path.Clean("/"+virtual)), "/")
}

// Mirror uploads the file at physical as the user's virtual path.
func (m *S3) Mirror(ctx context.Context, username, virtual, physical string) error {
	f, err := os.Open(physical)
	if err != nil {
		return fmt.Errorf("mirror %s: %w", virtual, err)
	}
	defer f.Close()
	key := Key(m.prefix, username, virtual)
	if _, err := m.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(m.bucket),
		Key:    aws.String(key),
		Body:   f,
	}); err != nil {
		m.logger.Error("failed to mirror upload", "user", username, "key", key, "err", err)
		return fmt.Errorf("mirror %s: %w", virtual, err)
	}
	m.logger.Debug("upload mirrored", "user", username, "bucket", m.bucket, "key", key)
	return nil
}
