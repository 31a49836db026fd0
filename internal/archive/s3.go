package archive

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"proctorguard/internal/config"
	"proctorguard/internal/model"
	"proctorguard/internal/report"
)

type objectPutter interface {
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// Archiver uploads finished reports to an S3 compatible bucket.
type Archiver struct {
	client     objectPutter
	bucket     string
	prefix     string
	html       bool
	maxRetries int
	backoff    time.Duration
	logger     *slog.Logger
}

func NewArchiver(ctx context.Context, cfg config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	var s3Opts []func(*s3.Options)
	if cfg.Endpoint != "" {
		// custom endpoints are MinIO or LocalStack, both need path style
		s3Opts = append(s3Opts, func(o *s3.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		})
	}
	a := newArchiver(s3.NewFromConfig(awsCfg, s3Opts...), cfg, logger)
	if logger != nil {
		logger.Info("report archive enabled", "bucket", cfg.Bucket, "prefix", a.prefix, "html", cfg.HTML)
	}
	return a, nil
}

func newArchiver(client objectPutter, cfg config.ArchiveConfig, logger *slog.Logger) *Archiver {
	return &Archiver{
		client:     client,
		bucket:     cfg.Bucket,
		prefix:     cfg.Prefix,
		html:       cfg.HTML,
		maxRetries: 3,
		backoff:    100 * time.Millisecond,
		logger:     logger,
	}
}

// ObjectKey lays reports out as <prefix>/<user>/<yyyy>/<mm>/<dd>/<session>.<ext>.
func ObjectKey(prefix string, r *model.AnalysisReport, ext string) string {
	user := r.UserID
	if user == "" {
		user = "anonymous"
	}
	ts := r.Timestamp
	if ts.IsZero() {
		ts = time.Now()
	}
	ts = ts.UTC()
	return path.Join(strings.Trim(prefix, "/"), user, ts.Format("2006/01/02"), r.SessionID+"."+ext)
}

func (a *Archiver) HandleReport(ctx context.Context, r *model.AnalysisReport) error {
	if r == nil {
		return nil
	}
	var buf bytes.Buffer
	if err := report.WriteJSON(&buf, r); err != nil {
		return err
	}
	if err := a.put(ctx, ObjectKey(a.prefix, r, "json"), buf.Bytes(), "application/json"); err != nil {
		return err
	}
	if !a.html {
		return nil
	}
	buf.Reset()
	if err := report.RenderHTML(&buf, r); err != nil {
		return err
	}
	return a.put(ctx, ObjectKey(a.prefix, r, "html"), buf.Bytes(), "text/html; charset=utf-8")
}

func (a *Archiver) put(ctx context.Context, key string, body []byte, contentType string) error {
	err := a.retryWithBackoff(ctx, func() error {
		_, err := a.client.PutObject(ctx, &s3.PutObjectInput{
			Bucket:      aws.String(a.bucket),
			Key:         aws.String(key),
			Body:        bytes.NewReader(body),
			ContentType: aws.String(contentType),
		})
		return err
	})
	if err != nil {
		return fmt.Errorf("upload %s: %w", key, err)
	}
	if a.logger != nil {
		a.logger.Debug("report archived", "bucket", a.bucket, "key", key, "bytes", len(body))
	}
	return nil
}

func (a *Archiver) retryWithBackoff(ctx context.Context, op func() error) error {
	var lastErr error
	for attempt := 0; attempt <= a.maxRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = op()
		if lastErr == nil {
			return nil
		}
		if attempt < a.maxRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.backoff << attempt):
			}
		}
	}
	return lastErr
}
