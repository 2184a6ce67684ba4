// Package objectstore mirrors processed records to an S3-compatible bucket.
package objectstore

import (
	"bytes"
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"go.uber.org/zap"

	"github.com/sat-pipeline/internal/model"
	"github.com/sat-pipeline/internal/sink"
)

// Options configures the bucket connection. Endpoint and static keys are
// optional; without keys the default AWS credential chain is used.
type Options struct {
	Bucket          string
	Prefix          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// Sink uploads each record as <prefix><image_id>.txt.
type Sink struct {
	client *s3.Client
	opts   Options
	log    *zap.Logger
}

// Open builds the client and makes sure the bucket exists.
func Open(ctx context.Context, opts Options, log *zap.Logger) (*Sink, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(opts.Region)}
	if opts.AccessKeyID != "" {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = true
		if opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		}
	})

	s := &Sink{client: client, opts: opts, log: log}
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Sink) ensureBucket(ctx context.Context) error {
	_, err := s.client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(s.opts.Bucket)})
	if err == nil {
		s.log.Info("bucket already exists", zap.String("bucket", s.opts.Bucket))
		return nil
	}

	s.log.Info("creating bucket", zap.String("bucket", s.opts.Bucket))
	in := &s3.CreateBucketInput{Bucket: aws.String(s.opts.Bucket)}
	// us-east-1 rejects an explicit location constraint.
	if s.opts.Region != "" && s.opts.Region != "us-east-1" {
		in.CreateBucketConfiguration = &types.CreateBucketConfiguration{
			LocationConstraint: types.BucketLocationConstraint(s.opts.Region),
		}
	}
	if _, err := s.client.CreateBucket(ctx, in); err != nil {
		return fmt.Errorf("create bucket %s: %w", s.opts.Bucket, err)
	}
	return nil
}

// Key returns the object key for rec.
func Key(prefix string, rec model.Record) (string, error) {
	name, err := sink.FileName(rec)
	if err != nil {
		return "", err
	}
	return prefix + name, nil
}

func (s *Sink) Name() string { return "s3" }

func (s *Sink) Write(ctx context.Context, rec model.Record) error {
	key, err := Key(s.opts.Prefix, rec)
	if err != nil {
		return err
	}
	data, err := rec.Encode()
	if err != nil {
		return err
	}
	_, err = s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentType:   aws.String("application/json"),
		ContentLength: aws.Int64(int64(len(data))),
	})
	if err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	s.log.Debug("record uploaded", zap.String("key", key), zap.Int("size", len(data)))
	return nil
}

func (s *Sink) Close() error { return nil }
