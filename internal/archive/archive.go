// Package archive uploads finished reconstruction directories to S3
// compatible object storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"

	"github.com/srx-beamline/autoscan/internal/infrastructure/config"
)

// ErrNoBucket is returned when archiving is enabled without a bucket.
var ErrNoBucket = errors.New("archive: bucket not configured")

const defaultRegion = "us-east-1"

// Logger defines the logging interface used by this package.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}

// Uploader is satisfied by *s3manager.Uploader.
type Uploader interface {
	UploadWithContext(ctx aws.Context, input *s3manager.UploadInput, opts ...func(*s3manager.Uploader)) (*s3manager.UploadOutput, error)
}

// Archiver copies directories to s3://bucket/prefix/<dir name>/.
// A zero Archiver is disabled and Archive does nothing.
type Archiver struct {
	uploader Uploader
	bucket   string
	prefix   string
	logger   Logger
}

// New creates an Archiver from cfg. Credentials come from the standard AWS
// environment variables and shared config. A configured endpoint selects
// path-style addressing for S3 compatible stores.
func New(cfg config.ArchiveConfig, logger Logger) (*Archiver, error) {
	if !cfg.Enabled {
		return &Archiver{logger: noopLogger{}}, nil
	}
	if cfg.Bucket == "" {
		return nil, ErrNoBucket
	}

	region := cfg.Region
	if region == "" {
		region = defaultRegion
	}
	awsCfg := &aws.Config{Region: aws.String(region)}
	if cfg.Endpoint != "" {
		awsCfg.Endpoint = aws.String(cfg.Endpoint)
		awsCfg.S3ForcePathStyle = aws.Bool(true)
	}

	sess, err := session.NewSession(awsCfg)
	if err != nil {
		return nil, fmt.Errorf("creating aws session: %w", err)
	}
	return NewWithUploader(s3manager.NewUploader(sess), cfg.Bucket, cfg.Prefix, logger), nil
}

// NewWithUploader creates an enabled Archiver around u.
func NewWithUploader(u Uploader, bucket, prefix string, logger Logger) *Archiver {
	if logger == nil {
		logger = noopLogger{}
	}
	return &Archiver{uploader: u, bucket: bucket, prefix: prefix, logger: logger}
}

// Enabled reports whether Archive uploads anything.
func (a *Archiver) Enabled() bool {
	return a != nil && a.uploader != nil
}

// Archive uploads every regular file under dir and returns the URI of the
// uploaded tree, or "" when disabled.
func (a *Archiver) Archive(ctx context.Context, dir string) (string, error) {
	if !a.Enabled() {
		return "", nil
	}

	keyPrefix := path.Join(a.prefix, filepath.Base(dir))
	files := 0
	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		key := path.Join(keyPrefix, filepath.ToSlash(rel))
		if err := a.upload(ctx, p, key); err != nil {
			return err
		}
		files++
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("archiving %s: %w", dir, err)
	}

	uri := fmt.Sprintf("s3://%s/%s/", a.bucket, keyPrefix)
	a.logger.Info("reconstruction archived", "uri", uri, "files", files)
	return uri, nil
}

func (a *Archiver) upload(ctx context.Context, file, key string) error {
	f, err := os.Open(file)
	if err != nil {
		return err
	}
	defer f.Close()

	_, err = a.uploader.UploadWithContext(ctx, &s3manager.UploadInput{
		Bucket: aws.String(a.bucket),
		Key:    aws.String(key),
		Body:   f,
	})
	if err != nil {
		return fmt.Errorf("uploading %s: %w", key, err)
	}
	a.logger.Debug("uploaded", "key", key)
	return nil
}
