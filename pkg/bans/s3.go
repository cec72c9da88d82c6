package bans

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"gopkg.in/yaml.v3"
)

// ObjectAPI is the part of the S3 client the snapshot source uses.
type ObjectAPI interface {
	GetObject(ctx context.Context, in *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, in *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
}

// S3Config locates a ban list snapshot.
type S3Config struct {
	// Bucket holding the snapshot.
	Bucket string

	// Key of the snapshot object.
	// Default: "gsnet/bans.yaml"
	Key string

	// Region of the bucket.
	// Default: "us-east-1"
	Region string

	// Endpoint overrides the S3 endpoint, for S3-compatible stores.
	Endpoint string

	// AccessKeyID and SecretAccessKey sign requests. Both empty means
	// anonymous access, which suits a public read-only snapshot.
	AccessKeyID     string
	SecretAccessKey string

	// UsePathStyle addresses the bucket in the path rather than the host.
	UsePathStyle bool
}

// NewS3Client builds an S3 client from cfg.
func NewS3Client(cfg S3Config) *s3.Client {
	region := cfg.Region
	if region == "" {
		region = "us-east-1"
	}
	var creds aws.CredentialsProvider = aws.AnonymousCredentials{}
	if cfg.AccessKeyID != "" || cfg.SecretAccessKey != "" {
		static := aws.Credentials{
			AccessKeyID:     cfg.AccessKeyID,
			SecretAccessKey: cfg.SecretAccessKey,
			Source:          "gsnet",
		}
		creds = aws.NewCredentialsCache(aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
			return static, nil
		}))
	}
	return s3.New(s3.Options{
		Region:       region,
		Credentials:  creds,
		UsePathStyle: cfg.UsePathStyle,
		BaseEndpoint: optionalString(cfg.Endpoint),
	})
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return aws.String(s)
}

// snapshot is the YAML document stored in the bucket.
type snapshot struct {
	Bans []Ban `yaml:"bans"`
}

// S3Source reads and writes ban list snapshots in S3.
type S3Source struct {
	api    ObjectAPI
	bucket string
	key    string
}

// NewS3Source returns a source for the object at bucket/key.
func NewS3Source(api ObjectAPI, bucket, key string) *S3Source {
	if key == "" {
		key = "gsnet/bans.yaml"
	}
	return &S3Source{api: api, bucket: bucket, key: key}
}

// Fetch downloads the snapshot. A missing object is an empty list.
func (s *S3Source) Fetch(ctx context.Context) ([]Ban, error) {
	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(s.key),
	})
	var noKey *types.NoSuchKey
	if errors.As(err, &noKey) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bans: fetch s3://%s/%s: %w", s.bucket, s.key, err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, fmt.Errorf("bans: read snapshot: %w", err)
	}
	var snap snapshot
	if err := yaml.Unmarshal(body, &snap); err != nil {
		return nil, fmt.Errorf("bans: decode snapshot: %w", err)
	}
	return snap.Bans, nil
}

// Publish uploads bans as the new snapshot.
func (s *S3Source) Publish(ctx context.Context, bans []Ban) error {
	body, err := yaml.Marshal(snapshot{Bans: bans})
	if err != nil {
		return fmt.Errorf("bans: encode snapshot: %w", err)
	}
	_, err = s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(s.key),
		Body:        bytes.NewReader(body),
		ContentType: aws.String("application/yaml"),
	})
	if err != nil {
		return fmt.Errorf("bans: publish s3://%s/%s: %w", s.bucket, s.key, err)
	}
	return nil
}

// Pull replaces the store's contents with the snapshot and returns the
// number of bans loaded.
func Pull(ctx context.Context, src *S3Source, store *Store) (int, error) {
	bans, err := src.Fetch(ctx)
	if err != nil {
		return 0, err
	}
	if err := store.Replace(ctx, bans); err != nil {
		return 0, err
	}
	return len(bans), nil
}

// Push publishes the store's contents as the snapshot.
func Push(ctx context.Context, store *Store, src *S3Source) (int, error) {
	bans, err := store.List(ctx)
	if err != nil {
		return 0, err
	}
	return len(bans), src.Publish(ctx, bans)
}
