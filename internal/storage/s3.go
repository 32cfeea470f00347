package storage

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/rendis/flowgraph/pkg/schema"
)

const defaultS3Region = "us-east-1"

// S3API is the subset of the S3 client used by the handler.
type S3API interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	ListObjectsV2(ctx context.Context, in *s3.ListObjectsV2Input, optFns ...func(*s3.Options)) (*s3.ListObjectsV2Output, error)
}

// S3ClientFactory builds a client from node config.
type S3ClientFactory func(ctx context.Context, cfg map[string]any) (S3API, error)

// S3 is the aws_s3 handler.
type S3 struct {
	newClient S3ClientFactory
}

// NewS3 creates the aws_s3 handler. A nil factory uses the AWS SDK.
func NewS3(factory S3ClientFactory) *S3 {
	if factory == nil {
		factory = newS3Client
	}
	return &S3{newClient: factory}
}

func (h *S3) Flavor() schema.NodeType { return schema.NodeTypeAWSS3 }

// newS3Client uses static credentials when both keys are set and the default
// chain otherwise. A custom endpoint switches to path-style addressing.
func newS3Client(ctx context.Context, cfg map[string]any) (S3API, error) {
	opts := []func(*config.LoadOptions) error{
		config.WithRegion(stringParam(cfg, "region", defaultS3Region)),
	}
	ak, sk := stringParam(cfg, "access_key_id", ""), stringParam(cfg, "secret_access_key", "")
	if ak != "" && sk != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(ak, sk, stringParam(cfg, "session_token", "")),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}

	endpoint := stringParam(cfg, "endpoint", "")
	return s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	}), nil
}

// Read fetches object_key, or lists the bucket when no key is set.
func (h *S3) Read(ctx context.Context, cfg map[string]any) (any, error) {
	if err := required(h.Flavor(), cfg, "bucket_name"); err != nil {
		return nil, err
	}
	client, err := h.newClient(ctx, cfg)
	if err != nil {
		return nil, handlerError(h.Flavor(), "client", err)
	}
	bucket := stringParam(cfg, "bucket_name", "")
	key := stringParam(cfg, "object_key", "")

	if key == "" {
		return h.list(ctx, client, bucket, stringParam(cfg, "prefix", ""))
	}

	out, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		var nsk *types.NoSuchKey
		if errors.As(err, &nsk) {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "Object %s not found in bucket %s", key, bucket).WithCause(err)
		}
		return nil, handlerError(h.Flavor(), "get object", err)
	}
	defer out.Body.Close()

	content, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, handlerError(h.Flavor(), "read body", err)
	}
	return decodeContent(content), nil
}

func (h *S3) list(ctx context.Context, client S3API, bucket, prefix string) (any, error) {
	in := &s3.ListObjectsV2Input{Bucket: aws.String(bucket)}
	if prefix != "" {
		in.Prefix = aws.String(prefix)
	}

	keys := []any{}
	paginator := s3.NewListObjectsV2Paginator(client, in)
	for paginator.HasMorePages() {
		page, err := paginator.NextPage(ctx)
		if err != nil {
			return nil, handlerError(h.Flavor(), "list objects", err)
		}
		for _, obj := range page.Contents {
			keys = append(keys, aws.ToString(obj.Key))
		}
	}
	return keys, nil
}

// Write uploads the payload to bucket_name/object_key.
func (h *S3) Write(ctx context.Context, cfg map[string]any, payload any) (map[string]any, error) {
	if err := required(h.Flavor(), cfg, "bucket_name", "object_key"); err != nil {
		return nil, err
	}
	client, err := h.newClient(ctx, cfg)
	if err != nil {
		return nil, handlerError(h.Flavor(), "client", err)
	}
	bucket := stringParam(cfg, "bucket_name", "")
	key := stringParam(cfg, "object_key", "")

	body, contentType, err := encodePayload(payload, true)
	if err != nil {
		return nil, err
	}
	_, err = client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String(contentType),
	})
	if err != nil {
		return nil, handlerError(h.Flavor(), "put object", err)
	}
	return map[string]any{"status": "success", "bucket": bucket, "key": key}, nil
}
