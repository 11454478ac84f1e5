package export

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"auditchain/internal/event"
)

// S3Config configures the archive exporter.
type S3Config struct {
	// Bucket receives one JSON object per event.
	Bucket string `json:"bucket" yaml:"bucket"`

	// Prefix is prepended to every object key.
	Prefix string `json:"prefix" yaml:"prefix"`

	// Region is the AWS region.
	Region string `json:"region" yaml:"region"`

	// Endpoint overrides the S3 endpoint (for MinIO, LocalStack, etc.).
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Static credentials. When empty the default provider chain is used.
	AccessKeyID     string `json:"access_key_id,omitempty" yaml:"access_key_id,omitempty"`
	SecretAccessKey string `json:"secret_access_key,omitempty" yaml:"secret_access_key,omitempty"`
	SessionToken    string `json:"session_token,omitempty" yaml:"session_token,omitempty"`

	// UsePathStyle forces path-style addressing (for MinIO, etc.).
	UsePathStyle bool `json:"use_path_style" yaml:"use_path_style"`

	// StorageClass for archived objects (default STANDARD).
	StorageClass string `json:"storage_class,omitempty" yaml:"storage_class,omitempty"`

	// ServerSideEncryption type (AES256 or aws:kms).
	ServerSideEncryption string `json:"server_side_encryption,omitempty" yaml:"server_side_encryption,omitempty"`

	// KMSKeyID selects the key for aws:kms encryption.
	KMSKeyID string `json:"kms_key_id,omitempty" yaml:"kms_key_id,omitempty"`

	// RetryMaxAttempts bounds SDK-level retries.
	RetryMaxAttempts int `json:"retry_max_attempts,omitempty" yaml:"retry_max_attempts,omitempty"`
}

// Validate checks the configuration.
func (c *S3Config) Validate() error {
	if c.Bucket == "" {
		return errors.New("export: s3 bucket is required")
	}
	if c.Region == "" && c.Endpoint == "" {
		return errors.New("export: s3 region or endpoint is required")
	}
	return nil
}

// GetStorageClass returns the S3 storage class type.
func (c *S3Config) GetStorageClass() types.StorageClass {
	switch strings.ToUpper(c.StorageClass) {
	case "", "STANDARD":
		return types.StorageClassStandard
	case "STANDARD_IA":
		return types.StorageClassStandardIa
	case "ONEZONE_IA":
		return types.StorageClassOnezoneIa
	case "INTELLIGENT_TIERING":
		return types.StorageClassIntelligentTiering
	case "GLACIER":
		return types.StorageClassGlacier
	case "GLACIER_IR":
		return types.StorageClassGlacierIr
	case "DEEP_ARCHIVE":
		return types.StorageClassDeepArchive
	default:
		return types.StorageClassStandard
	}
}

// S3Archive writes each event to object storage as JSON, partitioned by
// event date so lifecycle rules and range restores stay cheap. Keys sort
// lexicographically in sequence order within a day.
type S3Archive struct {
	client *s3.Client
	config S3Config
	logger *slog.Logger

	objects atomic.Int64
	bytes   atomic.Int64
	closed  atomic.Bool
}

// NewS3Archive creates the exporter.
func NewS3Archive(ctx context.Context, cfg S3Config, logger *slog.Logger) (*S3Archive, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	var opts []func(*config.LoadOptions) error
	opts = append(opts, config.WithRegion(cfg.Region))

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		creds := credentials.NewStaticCredentialsProvider(
			cfg.AccessKeyID,
			cfg.SecretAccessKey,
			cfg.SessionToken,
		)
		opts = append(opts, config.WithCredentialsProvider(creds))
	}

	if cfg.RetryMaxAttempts > 0 {
		opts = append(opts, config.WithRetryMaxAttempts(cfg.RetryMaxAttempts))
	}

	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("export: load AWS config: %w", err)
	}

	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}
	if cfg.UsePathStyle {
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.UsePathStyle = true
		})
	}

	a := &S3Archive{
		client: s3.NewFromConfig(awsCfg, s3Opts...),
		config: cfg,
		logger: logger.With(slog.String("component", "s3-archive")),
	}

	a.logger.Info("s3 archive exporter initialized",
		"bucket", cfg.Bucket,
		"prefix", cfg.Prefix,
		"storage_class", string(cfg.GetStorageClass()),
	)

	return a, nil
}

// Name implements Exporter.
func (a *S3Archive) Name() string { return "s3-archive" }

// Export implements Exporter.
func (a *S3Archive) Export(ctx context.Context, e *event.Event) error {
	if a.closed.Load() {
		return ErrExporterClosed
	}

	data, err := json.Marshal(e)
	if err != nil {
		return &ExportError{Exporter: a.Name(), EventID: e.EventID, Err: err}
	}

	putInput := &s3.PutObjectInput{
		Bucket:       aws.String(a.config.Bucket),
		Key:          aws.String(archiveKey(a.config.Prefix, e)),
		Body:         bytes.NewReader(data),
		ContentType:  aws.String("application/json"),
		StorageClass: a.config.GetStorageClass(),
		Metadata: map[string]string{
			"sequence": strconv.FormatUint(e.Sequence, 10),
			"kind":     string(e.Kind),
			"hash":     e.Hash.Hex(),
		},
	}

	switch a.config.ServerSideEncryption {
	case "AES256":
		putInput.ServerSideEncryption = types.ServerSideEncryptionAes256
	case "aws:kms":
		putInput.ServerSideEncryption = types.ServerSideEncryptionAwsKms
		if a.config.KMSKeyID != "" {
			putInput.SSEKMSKeyId = aws.String(a.config.KMSKeyID)
		}
	}

	if _, err := a.client.PutObject(ctx, putInput); err != nil {
		return &ExportError{Exporter: a.Name(), EventID: e.EventID, Err: err}
	}

	a.objects.Add(1)
	a.bytes.Add(int64(len(data)))
	return nil
}

// Close implements Exporter.
func (a *S3Archive) Close() error {
	a.closed.Store(true)
	a.logger.Info("s3 archive exporter closed",
		"objects", a.objects.Load(),
		"bytes", a.bytes.Load(),
	)
	return nil
}

// archiveKey builds the object key. The zero-padded sequence keeps keys in
// numeric order under lexicographic listing.
func archiveKey(prefix string, e *event.Event) string {
	day := e.Timestamp.UTC().Format("2006/01/02")
	name := fmt.Sprintf("%020d-%s.json", e.Sequence, e.EventID)
	if prefix == "" {
		return day + "/" + name
	}
	return strings.TrimSuffix(prefix, "/") + "/" + day + "/" + name
}
