// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package objectstore reads and writes objects in an S3 compatible bucket, using minio-go.
//
// It is used to fetch shards of source records for training, and to mirror checkpoints.
// All keys are relative to an optional prefix, configured with Config.Prefix.
//
// Credentials are usually given by environment variables (see EnvAccessKey and EnvSecretKey), which
// can be loaded from a ".env" file.
package objectstore

import (
	"bytes"
	"context"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/gomlx/infill/pkg/ml/params"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ParamEndpoint is the host[:port] of the S3 server. Empty (the default) disables the object store.
	ParamEndpoint = "s3_endpoint"

	// ParamBucket is the name of the bucket. Default is "infill".
	ParamBucket = "s3_bucket"

	// ParamPrefix is prepended to all keys. Default is "".
	ParamPrefix = "s3_prefix"

	// ParamRegion of the bucket. Default is "us-east-1".
	ParamRegion = "s3_region"

	// ParamUseSSL selects https. Default is true.
	ParamUseSSL = "s3_use_ssl"

	// EnvAccessKey and EnvSecretKey are the environment variables with the credentials.
	EnvAccessKey = "S3_ACCESS_KEY"
	EnvSecretKey = "S3_SECRET_KEY"

	// ErrNotFound is returned when an object doesn't exist.
	ErrNotFound = errors.New("object not found")
)

const (
	DefaultBucket = "infill"
	DefaultRegion = "us-east-1"
)

// Config of a Store, created with New.
type Config struct {
	endpoint, bucket, prefix, region string
	accessKey, secretKey             string
	useSSL                           bool
}

// New creates the configuration of a Store for the given endpoint. Credentials are read from
// the environment by default.
func New(endpoint string) *Config {
	return &Config{
		endpoint:  endpoint,
		bucket:    DefaultBucket,
		region:    DefaultRegion,
		useSSL:    true,
		accessKey: os.Getenv(EnvAccessKey),
		secretKey: os.Getenv(EnvSecretKey),
	}
}

// FromParams creates the configuration from the hyperparameters. It returns nil if ParamEndpoint
// is not set, meaning no object store is used.
func FromParams(p *params.Params) *Config {
	endpoint := params.GetParamOr(p, ParamEndpoint, "")
	if endpoint == "" {
		return nil
	}
	c := New(endpoint)
	c.bucket = params.GetParamOr(p, ParamBucket, c.bucket)
	c.prefix = params.GetParamOr(p, ParamPrefix, c.prefix)
	c.region = params.GetParamOr(p, ParamRegion, c.region)
	c.useSSL = params.GetParamOr(p, ParamUseSSL, c.useSSL)
	return c
}

// Bucket sets the bucket name.
func (c *Config) Bucket(bucket string) *Config {
	c.bucket = bucket
	return c
}

// Prefix sets a prefix prepended to all keys.
func (c *Config) Prefix(prefix string) *Config {
	c.prefix = prefix
	return c
}

// Region sets the region used when creating the bucket.
func (c *Config) Region(region string) *Config {
	c.region = region
	return c
}

// Credentials sets static credentials, instead of the ones from the environment.
func (c *Config) Credentials(accessKey, secretKey string) *Config {
	c.accessKey, c.secretKey = accessKey, secretKey
	return c
}

// UseSSL selects whether to connect with https.
func (c *Config) UseSSL(useSSL bool) *Config {
	c.useSSL = useSSL
	return c
}

// Done validates the configuration and creates the Store. It doesn't connect to the server:
// the bucket is checked (and created if missing) on first use.
func (c *Config) Done() (*Store, error) {
	endpoint := strings.TrimSpace(c.endpoint)
	if endpoint == "" {
		return nil, errors.New("objectstore: endpoint is required")
	}
	if c.accessKey == "" || c.secretKey == "" {
		return nil, errors.Errorf("objectstore: credentials are required, set %s and %s", EnvAccessKey, EnvSecretKey)
	}
	if strings.TrimSpace(c.bucket) == "" {
		return nil, errors.New("objectstore: bucket is required")
	}
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(c.accessKey, c.secretKey, ""),
		Secure: c.useSSL,
		Region: c.region,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "objectstore: failed to create client for %q", endpoint)
	}
	return &Store{
		client: client,
		bucket: c.bucket,
		prefix: c.prefix,
		region: c.region,
	}, nil
}

// Store of objects in a bucket. It is safe for concurrent use.
type Store struct {
	client *minio.Client
	bucket string
	prefix string
	region string

	initOnce sync.Once
	initErr  error
}

// String implements fmt.Stringer.
func (s *Store) String() string {
	return "s3://" + s.bucket + "/" + s.prefix
}

func (s *Store) ensureBucket(ctx context.Context) error {
	s.initOnce.Do(func() {
		exists, err := s.client.BucketExists(ctx, s.bucket)
		if err != nil {
			s.initErr = errors.Wrapf(err, "objectstore: checking bucket %q", s.bucket)
			return
		}
		if exists {
			return
		}
		klog.Infof("objectstore: creating bucket %q", s.bucket)
		if err = s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{Region: s.region}); err != nil {
			s.initErr = errors.Wrapf(err, "objectstore: creating bucket %q", s.bucket)
		}
	})
	return s.initErr
}

// Key returns the full object key of the given relative key.
func (s *Store) Key(key string) string {
	return JoinKey(s.prefix, key)
}

// JoinKey joins key parts with "/", dropping empty parts and redundant slashes.
func JoinKey(parts ...string) string {
	var kept []string
	for _, part := range parts {
		part = strings.Trim(strings.TrimSpace(part), "/")
		if part != "" {
			kept = append(kept, part)
		}
	}
	return strings.Join(kept, "/")
}

// Put writes size bytes read from r to the object key.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, size int64) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	fullKey := s.Key(key)
	_, err := s.client.PutObject(ctx, s.bucket, fullKey, r, size, minio.PutObjectOptions{
		ContentType: "application/octet-stream",
	})
	if err != nil {
		return errors.Wrapf(err, "objectstore: failed to put %q", fullKey)
	}
	return nil
}

// PutBytes writes content to the object key.
func (s *Store) PutBytes(ctx context.Context, key string, content []byte) error {
	return s.Put(ctx, key, bytes.NewReader(content), int64(len(content)))
}

// PutFile uploads the local file to the object key.
func (s *Store) PutFile(ctx context.Context, key, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "objectstore: failed to open %q", path)
	}
	defer func() { _ = f.Close() }()
	info, err := f.Stat()
	if err != nil {
		return errors.Wrapf(err, "objectstore: failed to stat %q", path)
	}
	return s.Put(ctx, key, f, info.Size())
}

// Get returns the contents of the object key. It returns an error wrapping ErrNotFound
// if the object doesn't exist.
func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	fullKey := s.Key(key)
	obj, err := s.client.GetObject(ctx, s.bucket, fullKey, minio.GetObjectOptions{})
	if err != nil {
		return nil, s.wrapErr(err, fullKey)
	}
	defer func() { _ = obj.Close() }()
	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, s.wrapErr(err, fullKey)
	}
	return data, nil
}

// Download copies the object key to the local path, creating the parent directories.
func (s *Store) Download(ctx context.Context, key, path string) error {
	data, err := s.Get(ctx, key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0770); err != nil {
		return errors.Wrapf(err, "objectstore: failed to create directory for %q", path)
	}
	if err := os.WriteFile(path, data, 0660); err != nil {
		return errors.Wrapf(err, "objectstore: failed to write %q", path)
	}
	return nil
}

// List returns the keys under the given relative prefix, sorted, and relative to the store prefix.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	if err := s.ensureBucket(ctx); err != nil {
		return nil, err
	}
	fullPrefix := s.Key(prefix)
	if fullPrefix != "" && strings.HasSuffix(prefix, "/") {
		fullPrefix += "/"
	}
	storePrefix := s.Key("")
	if storePrefix != "" {
		storePrefix += "/"
	}
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{
		Prefix:    fullPrefix,
		Recursive: true,
	}) {
		if obj.Err != nil {
			return nil, errors.Wrapf(obj.Err, "objectstore: failed listing %q", fullPrefix)
		}
		if obj.Key == "" {
			continue
		}
		keys = append(keys, strings.TrimPrefix(obj.Key, storePrefix))
	}
	sort.Strings(keys)
	return keys, nil
}

// Delete removes the object key. Removing a missing object is not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.ensureBucket(ctx); err != nil {
		return err
	}
	fullKey := s.Key(key)
	if err := s.client.RemoveObject(ctx, s.bucket, fullKey, minio.RemoveObjectOptions{}); err != nil {
		return s.wrapErr(err, fullKey)
	}
	return nil
}

func (s *Store) wrapErr(err error, fullKey string) error {
	switch minio.ToErrorResponse(err).Code {
	case "NoSuchKey", "NoSuchBucket":
		return errors.Wrapf(ErrNotFound, "objectstore: %s/%s", s.bucket, fullKey)
	}
	return errors.Wrapf(err, "objectstore: %s/%s", s.bucket, fullKey)
}
