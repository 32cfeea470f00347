package storage

import (
	"context"
	"errors"
	"io"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/rendis/flowgraph/pkg/schema"
)

// ErrObjectNotFound is returned by a GCSAPI when the object is missing.
var ErrObjectNotFound = errors.New("object not found")

// GCSAPI is the bucket surface used by the gcp_bucket handler.
type GCSAPI interface {
	ReadObject(ctx context.Context, bucket, object string) ([]byte, error)
	WriteObject(ctx context.Context, bucket, object string, data []byte, contentType string) error
	ListObjects(ctx context.Context, bucket, prefix string) ([]string, error)
	Close() error
}

// GCSClientFactory builds a client from node config.
type GCSClientFactory func(ctx context.Context, cfg map[string]any) (GCSAPI, error)

// GCS is the gcp_bucket handler.
type GCS struct {
	newClient GCSClientFactory
}

// NewGCS creates the gcp_bucket handler. A nil factory uses cloud.google.com/go/storage.
func NewGCS(factory GCSClientFactory) *GCS {
	if factory == nil {
		factory = newGCSClient
	}
	return &GCS{newClient: factory}
}

func (h *GCS) Flavor() schema.NodeType { return schema.NodeTypeGCPBucket }

// Read fetches object_path, or lists the bucket when no path is set.
func (h *GCS) Read(ctx context.Context, cfg map[string]any) (any, error) {
	if err := required(h.Flavor(), cfg, "bucket_name"); err != nil {
		return nil, err
	}
	client, err := h.newClient(ctx, cfg)
	if err != nil {
		return nil, handlerError(h.Flavor(), "client", err)
	}
	defer client.Close()

	bucket := stringParam(cfg, "bucket_name", "")
	object := stringParam(cfg, "object_path", "")

	if object == "" {
		names, err := client.ListObjects(ctx, bucket, stringParam(cfg, "prefix", ""))
		if err != nil {
			return nil, handlerError(h.Flavor(), "list objects", err)
		}
		out := make([]any, len(names))
		for i, n := range names {
			out[i] = n
		}
		return out, nil
	}

	content, err := client.ReadObject(ctx, bucket, object)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil, schema.NewErrorf(schema.ErrCodeHandler, "Object %s not found in bucket %s", object, bucket).WithCause(err)
		}
		return nil, handlerError(h.Flavor(), "read object", err)
	}
	return decodeContent(content), nil
}

// Write uploads the payload to bucket_name/object_path.
func (h *GCS) Write(ctx context.Context, cfg map[string]any, payload any) (map[string]any, error) {
	if err := required(h.Flavor(), cfg, "bucket_name", "object_path"); err != nil {
		return nil, err
	}
	client, err := h.newClient(ctx, cfg)
	if err != nil {
		return nil, handlerError(h.Flavor(), "client", err)
	}
	defer client.Close()

	bucket := stringParam(cfg, "bucket_name", "")
	object := stringParam(cfg, "object_path", "")

	body, contentType, err := encodePayload(payload, true)
	if err != nil {
		return nil, err
	}
	if err := client.WriteObject(ctx, bucket, object, body, contentType); err != nil {
		return nil, handlerError(h.Flavor(), "write object", err)
	}
	return map[string]any{"status": "success", "bucket": bucket, "object": object}, nil
}

// --- cloud.google.com/go/storage adapter ---

type gcsClient struct {
	client *storage.Client
}

func newGCSClient(ctx context.Context, cfg map[string]any) (GCSAPI, error) {
	var opts []option.ClientOption
	if creds := stringParam(cfg, "credentials", ""); creds != "" {
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	}
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &gcsClient{client: client}, nil
}

func (c *gcsClient) ReadObject(ctx context.Context, bucket, object string) ([]byte, error) {
	r, err := c.client.Bucket(bucket).Object(object).NewReader(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrObjectNotFound
		}
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (c *gcsClient) WriteObject(ctx context.Context, bucket, object string, data []byte, contentType string) error {
	w := c.client.Bucket(bucket).Object(object).NewWriter(ctx)
	w.ContentType = contentType
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return err
	}
	return w.Close()
}

func (c *gcsClient) ListObjects(ctx context.Context, bucket, prefix string) ([]string, error) {
	var names []string
	it := c.client.Bucket(bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, err
		}
		names = append(names, attrs.Name)
	}
	return names, nil
}

func (c *gcsClient) Close() error {
	return c.client.Close()
}
