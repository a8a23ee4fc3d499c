// Package s3store implements nixstore.Store against an S3-compatible
// binary cache bucket, adapted from the teacher's S3 uploader
// (distributed-task-scheduler/internal/worker/image_handler.go): the same
// aws-sdk-go-v2 client construction, pointed at existence checks and
// GetObject reads instead of PutObject writes.
package s3store

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	smithyhttp "github.com/aws/smithy-go/transport/http"

	"github.com/buildqueue/queuerunner/internal/derivation"
	"github.com/buildqueue/queuerunner/internal/nixstore"
)

// Config selects the bucket and endpoint for the binary cache.
type Config struct {
	Bucket     string
	Region     string
	Endpoint   string
	PathStyle  bool
	DrvPrefix  string
	ValidKeyFn func(outputPath string) string
}

// Store reads derivations and output markers from an S3 bucket.
type Store struct {
	client *s3.Client
	cfg    Config
}

// New constructs an S3-backed store using the default AWS credential
// chain, optionally pointed at a custom (e.g. MinIO) endpoint.
func New(ctx context.Context, cfg Config) (*Store, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Endpoint != "" {
		resolver := aws.EndpointResolverWithOptionsFunc(func(service, region string, _ ...interface{}) (aws.Endpoint, error) {
			if service == s3.ServiceID {
				return aws.Endpoint{
					URL:               cfg.Endpoint,
					HostnameImmutable: cfg.PathStyle,
					SigningRegion:     cfg.Region,
					Source:            aws.EndpointSourceCustom,
				}, nil
			}
			return aws.Endpoint{}, &aws.EndpointNotFoundError{}
		})
		opts = append(opts, awsconfig.WithEndpointResolverWithOptions(resolver))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		o.UsePathStyle = cfg.PathStyle
	})
	return &Store{client: client, cfg: cfg}, nil
}

func (s *Store) drvKey(drvPath string) string {
	return s.cfg.DrvPrefix + sanitize(drvPath)
}

func (s *Store) validKey(outputPath string) string {
	if s.cfg.ValidKeyFn != nil {
		return s.cfg.ValidKeyFn(outputPath)
	}
	return "valid/" + sanitize(outputPath)
}

// IsValidPath issues a HeadObject for the output's marker key.
func (s *Store) IsValidPath(ctx context.Context, outputPath string) (bool, error) {
	_, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.validKey(outputPath)),
	})
	if err == nil {
		return true, nil
	}
	var notFound *smithyhttp.ResponseError
	if errors.As(err, &notFound) && notFound.HTTPStatusCode() == 404 {
		return false, nil
	}
	return false, fmt.Errorf("head object for %s: %w", outputPath, err)
}

// ReadDerivation fetches and parses the derivation object.
func (s *Store) ReadDerivation(ctx context.Context, drvPath string) (derivation.Derivation, error) {
	resp, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.drvKey(drvPath)),
	})
	if err != nil {
		return derivation.Derivation{}, fmt.Errorf("get derivation object %s: %w", drvPath, err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return derivation.Derivation{}, fmt.Errorf("read derivation object %s: %w", drvPath, err)
	}
	drv, err := derivation.Parse(data)
	if err != nil {
		return derivation.Derivation{}, fmt.Errorf("parse derivation %s: %w", drvPath, err)
	}
	return drv, nil
}

// GetBuildOutput reports output sizes via HeadObject content-length.
func (s *Store) GetBuildOutput(ctx context.Context, drv derivation.Derivation) (nixstore.BuildOutput, error) {
	out := nixstore.BuildOutput{Outputs: map[string]string{}}
	for _, o := range drv.Outputs {
		out.Outputs[o.Name] = o.Path
		head, err := s.client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(s.cfg.Bucket),
			Key:    aws.String(s.validKey(o.Path)),
		})
		if err == nil && head.ContentLength != nil {
			out.Size += *head.ContentLength
		}
	}
	return out, nil
}

// PutMarker uploads a zero-byte validity marker, used by fixtures and
// tests against a mocked bucket.
func (s *Store) PutMarker(ctx context.Context, outputPath string) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(s.cfg.Bucket),
		Key:    aws.String(s.validKey(outputPath)),
		Body:   bytes.NewReader(nil),
	})
	return err
}

func sanitize(p string) string {
	for len(p) > 0 && p[0] == '/' {
		p = p[1:]
	}
	return p
}
