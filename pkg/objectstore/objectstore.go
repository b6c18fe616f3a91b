// Package objectstore persists per-tenant schema versions and CSV snapshots
// to an S3-compatible object store, keyed by tenant prefix.
package objectstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/cenkalti/backoff/v4"
)

// Config holds the object store connection settings. Bucket and optional
// endpoint/region are configured per deployment, not per tenant; tenant
// isolation is by key prefix.
type Config struct {
	Bucket       string `yaml:"bucket"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint,omitempty"` // non-empty for S3-compatible endpoints other than AWS
	UsePathStyle bool   `yaml:"use_path_style,omitempty"`
}

// Store wraps an s3.Client with tenant-prefixed key helpers and retry.
type Store struct {
	client *s3.Client
	bucket string
}

// New builds a Store from cfg, loading AWS credentials from the standard
// credential chain (env, shared config, IAM role).
func New(ctx context.Context, cfg Config) (*Store, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
		o.UsePathStyle = cfg.UsePathStyle
	})

	return &Store{client: client, bucket: cfg.Bucket}, nil
}

func schemaVersionKey(tenant string, version int) string {
	return fmt.Sprintf("%s/schema/versions/v%d.json", tenant, version)
}

func schemaCurrentKey(tenant string) string {
	return fmt.Sprintf("%s/schema/current.json", tenant)
}

func dataTableKey(tenant, table string) string {
	return fmt.Sprintf("%s/data/%s.csv", tenant, table)
}

func manifestKey(tenant string) string {
	return fmt.Sprintf("%s/data/_manifest.json", tenant)
}

func (s *Store) retry(ctx context.Context, op func() error) error {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(op, policy)
}

func (s *Store) put(ctx context.Context, key string, data []byte) error {
	return s.retry(ctx, func() error {
		_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
			Body:   bytes.NewReader(data),
		})
		return err
	})
}

func (s *Store) get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := s.retry(ctx, func() error {
		resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
			Bucket: aws.String(s.bucket),
			Key:    aws.String(key),
		})
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(resp.Body); err != nil {
			return err
		}
		out = buf.Bytes()
		return nil
	})
	return out, err
}

// PutSchemaVersion persists a schema definition as a new numbered version.
func (s *Store) PutSchemaVersion(ctx context.Context, tenant string, version int, compiled any) error {
	data, err := json.Marshal(compiled)
	if err != nil {
		return fmt.Errorf("marshal compiled schema: %w", err)
	}
	return s.put(ctx, schemaVersionKey(tenant, version), data)
}

// GetSchemaVersion loads a specific historical schema version.
func (s *Store) GetSchemaVersion(ctx context.Context, tenant string, version int, out any) error {
	data, err := s.get(ctx, schemaVersionKey(tenant, version))
	if err != nil {
		return fmt.Errorf("get schema version %d: %w", version, err)
	}
	return json.Unmarshal(data, out)
}

// SetCurrentSchema updates the active-version pointer.
func (s *Store) SetCurrentSchema(ctx context.Context, tenant string, version int) error {
	data, err := json.Marshal(struct {
		Version int `json:"version"`
	}{Version: version})
	if err != nil {
		return err
	}
	return s.put(ctx, schemaCurrentKey(tenant), data)
}

// GetCurrentSchema loads the active-version pointer.
func (s *Store) GetCurrentSchema(ctx context.Context, tenant string) (int, error) {
	data, err := s.get(ctx, schemaCurrentKey(tenant))
	if err != nil {
		return 0, fmt.Errorf("get current schema pointer: %w", err)
	}
	var ptr struct {
		Version int `json:"version"`
	}
	if err := json.Unmarshal(data, &ptr); err != nil {
		return 0, err
	}
	return ptr.Version, nil
}

// TableChecksum is one entry of the snapshot manifest.
type TableChecksum struct {
	Table    string `json:"table"`
	SHA256   string `json:"sha256"`
	RowCount int    `json:"row_count"`
}

// Manifest describes one durable snapshot.
type Manifest struct {
	TenantID  string          `json:"tenant_id"`
	Version   uint64          `json:"version"`
	Tables    []TableChecksum `json:"tables"`
	Timestamp time.Time       `json:"timestamp"`
}

// PutTableCSV uploads one table's CSV snapshot.
func (s *Store) PutTableCSV(ctx context.Context, tenant, table string, csv []byte) error {
	return s.put(ctx, dataTableKey(tenant, table), csv)
}

// GetTableCSV downloads one table's CSV snapshot.
func (s *Store) GetTableCSV(ctx context.Context, tenant, table string) ([]byte, error) {
	return s.get(ctx, dataTableKey(tenant, table))
}

// PutManifest uploads the snapshot manifest sidecar.
func (s *Store) PutManifest(ctx context.Context, tenant string, m Manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("marshal manifest: %w", err)
	}
	return s.put(ctx, manifestKey(tenant), data)
}

// GetManifest downloads the snapshot manifest sidecar.
func (s *Store) GetManifest(ctx context.Context, tenant string) (Manifest, error) {
	var m Manifest
	data, err := s.get(ctx, manifestKey(tenant))
	if err != nil {
		return m, fmt.Errorf("get manifest: %w", err)
	}
	err = json.Unmarshal(data, &m)
	return m, err
}
