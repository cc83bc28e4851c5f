// Package artifact turns stored intunewin locations into short-lived download links.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// ErrUnsupportedLocation is returned for locations that are neither s3:// nor http(s)://.
var ErrUnsupportedLocation = errors.New("unsupported artifact location")

// Config selects the bucket and credentials. Empty keys fall back to the default AWS chain.
type Config struct {
	Bucket    string
	Region    string
	Endpoint  string
	AccessKey string
	SecretKey string
	Expires   time.Duration
}

// Presigner signs GET requests for artifacts stored in S3.
type Presigner struct {
	client  *s3.PresignClient
	bucket  string
	expires time.Duration
	now     func() time.Time
}

// NewPresigner builds an S3 presign client. A custom endpoint implies path-style addressing.
func NewPresigner(ctx context.Context, cfg Config) (*Presigner, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.AccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
			o.UsePathStyle = true
		}
	})
	expires := cfg.Expires
	if expires <= 0 {
		expires = 15 * time.Minute
	}
	return &Presigner{
		client:  s3.NewPresignClient(client),
		bucket:  cfg.Bucket,
		expires: expires,
		now:     time.Now,
	}, nil
}

// DownloadURL returns a link for location and when it stops working. s3://bucket/key locations
// are presigned; plain http(s) locations are returned unchanged with a zero expiry.
func (p *Presigner) DownloadURL(ctx context.Context, location string) (string, time.Time, error) {
	bucket, key, err := parseLocation(location, p.bucket)
	if err != nil {
		return "", time.Time{}, err
	}
	if bucket == "" {
		return location, time.Time{}, nil
	}
	req, err := p.client.PresignGetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	}, s3.WithPresignExpires(p.expires))
	if err != nil {
		return "", time.Time{}, fmt.Errorf("presign %s: %w", location, err)
	}
	return req.URL, p.now().Add(p.expires), nil
}

// parseLocation splits s3://bucket/key. An s3:///key location uses defaultBucket. http(s)
// locations yield an empty bucket.
func parseLocation(location, defaultBucket string) (string, string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrUnsupportedLocation, err)
	}
	switch u.Scheme {
	case "http", "https":
		return "", "", nil
	case "s3":
		bucket := u.Host
		if bucket == "" {
			bucket = defaultBucket
		}
		key := strings.TrimPrefix(u.Path, "/")
		if bucket == "" || key == "" {
			return "", "", fmt.Errorf("%w: %q needs a bucket and key", ErrUnsupportedLocation, location)
		}
		return bucket, key, nil
	default:
		return "", "", fmt.Errorf("%w: %q", ErrUnsupportedLocation, location)
	}
}
