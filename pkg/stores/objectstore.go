package stores

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/rs/zerolog"

	"github.com/openfroyo/gaia/pkg/engine"
)

// ObjectStoreConfig configures report uploads to S3-compatible storage.
type ObjectStoreConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Prefix    string
	Region    string
	UseSSL    bool
}

// Validate checks the required fields.
func (c ObjectStoreConfig) Validate() error {
	switch {
	case c.Endpoint == "":
		return fmt.Errorf("object store endpoint is required")
	case c.Bucket == "":
		return fmt.Errorf("object store bucket is required")
	case c.AccessKey == "" || c.SecretKey == "":
		return fmt.Errorf("object store credentials are required")
	}
	return nil
}

// ObjectStore uploads execution reports as JSON objects.
type ObjectStore struct {
	client *minio.Client
	cfg    ObjectStoreConfig
	logger zerolog.Logger
}

// NewObjectStore creates an ObjectStore. It does not contact the endpoint.
func NewObjectStore(cfg ObjectStoreConfig, logger zerolog.Logger) (*ObjectStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:     credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure:    cfg.UseSSL,
		Region:    cfg.Region,
		Transport: newTransport(),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create object store client: %w", err)
	}

	return &ObjectStore{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("component", "report-upload").Str("bucket", cfg.Bucket).Logger(),
	}, nil
}

func newTransport() *http.Transport {
	dialer := &net.Dialer{
		Timeout:   5 * time.Second,
		KeepAlive: 30 * time.Second,
	}
	return &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          20,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// EnsureBucket creates the bucket if it does not exist.
func (o *ObjectStore) EnsureBucket(ctx context.Context) error {
	exists, err := o.client.BucketExists(ctx, o.cfg.Bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket: %w", err)
	}
	if exists {
		return nil
	}
	if err := o.client.MakeBucket(ctx, o.cfg.Bucket, minio.MakeBucketOptions{Region: o.cfg.Region}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}
	o.logger.Info().Msg("Created report bucket")
	return nil
}

// ReportKey returns the object key for a report:
// <prefix>/<scope>/<yyyy>/<mm>/<dd>/<run_id>.json.
func (o *ObjectStore) ReportKey(report *engine.ExecutionReport) string {
	scope := report.Scope
	if scope == "" {
		scope = "_"
	}
	started := report.StartedAt.UTC()
	return strings.TrimPrefix(path.Join(
		o.cfg.Prefix,
		scope,
		started.Format("2006/01/02"),
		report.RunID+".json",
	), "/")
}

// UploadReport writes the report as JSON and returns its key.
func (o *ObjectStore) UploadReport(ctx context.Context, report *engine.ExecutionReport) (string, error) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode report: %w", err)
	}

	key := o.ReportKey(report)
	_, err = o.client.PutObject(ctx, o.cfg.Bucket, key, bytes.NewReader(body), int64(len(body)), minio.PutObjectOptions{
		ContentType: "application/json",
		UserMetadata: map[string]string{
			"run-id":  report.RunID,
			"outcome": string(report.Outcome()),
		},
	})
	if err != nil {
		return "", fmt.Errorf("failed to upload report %s: %w", report.RunID, err)
	}

	o.logger.Info().Str("run_id", report.RunID).Str("key", key).Msg("Report uploaded")
	return key, nil
}

// DownloadReport reads a report previously written by UploadReport.
func (o *ObjectStore) DownloadReport(ctx context.Context, key string) (*engine.ExecutionReport, error) {
	obj, err := o.client.GetObject(ctx, o.cfg.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("failed to get report %s: %w", key, err)
	}
	defer obj.Close()

	var report engine.ExecutionReport
	if err := json.NewDecoder(obj).Decode(&report); err != nil {
		return nil, fmt.Errorf("failed to decode report %s: %w", key, err)
	}
	return &report, nil
}
