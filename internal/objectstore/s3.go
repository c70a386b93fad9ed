package objectstore

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
)

const s3Scheme = "s3://"

// S3Config configures the S3 backend
type S3Config struct {
	Bucket         string
	Region         string
	Endpoint       string
	AccessKey      string
	SecretKey      string
	ForcePathStyle bool
	PresignTTL     time.Duration
}

// S3Store talks to S3 only through pre-signed URLs: the SDK signs, plain
// HTTP moves the bytes.
type S3Store struct {
	presign *awss3.PresignClient
	bucket  string
	ttl     time.Duration
	http    *http.Client
}

// NewS3Store loads AWS configuration and builds the presign client
func NewS3Store(ctx context.Context, cfg S3Config) (*S3Store, error) {
	if cfg.Region == "" {
		cfg.Region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(cfg.Region)}
	if cfg.AccessKey != "" && cfg.SecretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load aws config: %w", err)
	}

	client := awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
		if cfg.ForcePathStyle {
			o.UsePathStyle = true
		}
	})
	return newS3Store(client, cfg.Bucket, cfg.PresignTTL, nil), nil
}

func newS3Store(client *awss3.Client, bucket string, ttl time.Duration, hc *http.Client) *S3Store {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	if hc == nil {
		hc = &http.Client{Timeout: 10 * time.Minute}
	}
	return &S3Store{
		presign: awss3.NewPresignClient(client),
		bucket:  bucket,
		ttl:     ttl,
		http:    hc,
	}
}

// SignGet returns a pre-signed GET URL for ref. Plain http(s) references are
// assumed to be signed already and returned as is.
func (s *S3Store) SignGet(ctx context.Context, ref string, ttl time.Duration) (string, error) {
	if isHTTPURL(ref) {
		return ref, nil
	}
	bucket, key, err := s.parseRef(ref)
	if err != nil {
		return "", err
	}
	if ttl <= 0 {
		ttl = s.ttl
	}
	req, err := s.presign.PresignGetObject(ctx, &awss3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, awss3.WithPresignExpires(ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign download: %w", err)
	}
	return req.URL, nil
}

// Fetch downloads the object through a pre-signed URL
func (s *S3Store) Fetch(ctx context.Context, ref string) (*Object, error) {
	u, err := s.SignGet(ctx, ref, 0)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download failed: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		return nil, statusError("download", resp)
	}
	return &Object{Body: resp.Body, Size: resp.ContentLength}, nil
}

// Put uploads body through a pre-signed PUT URL and returns s3://bucket/key
func (s *S3Store) Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error) {
	bucket, key, err := s.parseRef(key)
	if err != nil {
		return "", err
	}
	input := &awss3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}
	if contentType != "" {
		input.ContentType = aws.String(contentType)
	}
	signed, err := s.presign.PresignPutObject(ctx, input, awss3.WithPresignExpires(s.ttl))
	if err != nil {
		return "", fmt.Errorf("failed to presign upload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, signed.Method, signed.URL, body)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidRef, err)
	}
	for name, values := range signed.SignedHeader {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if size >= 0 {
		req.ContentLength = size
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return "", statusError("upload", resp)
	}
	io.Copy(io.Discard, resp.Body)
	return s3Scheme + bucket + "/" + key, nil
}

// parseRef accepts s3://bucket/key or a bare key in the default bucket
func (s *S3Store) parseRef(ref string) (bucket, key string, err error) {
	ref = strings.TrimSpace(ref)
	if rest, ok := strings.CutPrefix(ref, s3Scheme); ok {
		bucket, key, _ = strings.Cut(rest, "/")
	} else {
		bucket, key = s.bucket, strings.TrimPrefix(ref, "/")
	}
	if bucket == "" || key == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidRef, ref)
	}
	return bucket, key, nil
}

func isHTTPURL(ref string) bool {
	u, err := url.Parse(ref)
	return err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}
