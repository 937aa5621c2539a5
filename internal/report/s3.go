package report

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// S3Config configures an S3Sink. Credentials come from the default AWS
// chain (environment, shared config, instance role).
type S3Config struct {
	Bucket    string
	Prefix    string
	Region    string
	Endpoint  string // optional, e.g. MinIO
	PathStyle bool
}

// S3Sink writes documents to one bucket.
type S3Sink struct {
	client *s3.Client
	bucket string
	prefix string
}

// NewS3Sink builds a sink from cfg using the default AWS configuration.
func NewS3Sink(ctx context.Context, cfg S3Config, optFns ...func(*s3.Options)) (*S3Sink, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("s3 bucket required")
	}
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	opts := append([]func(*s3.Options){func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}}, optFns...)
	return &S3Sink{
		client: s3.NewFromConfig(awsCfg, opts...),
		bucket: cfg.Bucket,
		prefix: cfg.Prefix,
	}, nil
}

// Put uploads body to prefix+key and returns its s3:// URI.
func (s *S3Sink) Put(ctx context.Context, key, contentType string, body []byte) (string, error) {
	objectKey := strings.TrimLeft(s.prefix+key, "/")
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.bucket),
		Key:           aws.String(objectKey),
		Body:          bytes.NewReader(body),
		ContentType:   aws.String(contentType),
		ContentLength: aws.Int64(int64(len(body))),
	})
	if err != nil {
		return "", fmt.Errorf("put s3://%s/%s: %w", s.bucket, objectKey, err)
	}
	return "s3://" + s.bucket + "/" + objectKey, nil
}
