// Package objectstore stores and fetches bot-code artifacts, using
// minio-go/v7 — already in the teacher's go.mod — against any S3-compatible
// backend.
package objectstore

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// Store wraps one bucket of bot-code artifacts, keyed
// bots/<bot_id>/code/<version>/<filename>.
type Store struct {
	client *minio.Client
	bucket string
}

func New(endpoint, accessKey, secretKey, bucket string, useSSL bool) (*Store, error) {
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(accessKey, secretKey, ""),
		Secure: useSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: connect: %w", err)
	}
	return &Store{client: client, bucket: bucket}, nil
}

// Key builds the canonical artifact key for one bot version's file.
func Key(botID int64, version, filename string) string {
	return fmt.Sprintf("bots/%d/code/%s/%s", botID, version, filename)
}

// Upload writes an artifact and returns its SHA-256 hex digest and size, the
// two fields the loader (spec §4.D) verifies on fetch.
func (s *Store) Upload(ctx context.Context, key string, data []byte) (sha256hex string, size int64, err error) {
	sum := sha256.Sum256(data)
	sha256hex = hex.EncodeToString(sum[:])

	info, err := s.client.PutObject(ctx, s.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{
			ContentType: "application/octet-stream",
			UserMetadata: map[string]string{
				"sha256": sha256hex,
			},
		})
	if err != nil {
		return "", 0, fmt.Errorf("objectstore: upload %s: %w", key, err)
	}
	return sha256hex, info.Size, nil
}

// Download fetches an artifact's bytes in full — bot code is small enough
// (platform-authored strategies, not user uploads) that streaming isn't
// needed.
func (s *Store) Download(ctx context.Context, key string) ([]byte, error) {
	obj, err := s.client.GetObject(ctx, s.bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, fmt.Errorf("objectstore: download %s: %w", key, err)
	}
	defer obj.Close()

	data, err := io.ReadAll(obj)
	if err != nil {
		return nil, fmt.Errorf("objectstore: read %s: %w", key, err)
	}
	return data, nil
}

// List returns every key under a prefix — used to enumerate a bot's
// versions when resolving "latest" without a reliable DB row.
func (s *Store) List(ctx context.Context, prefix string) ([]string, error) {
	var keys []string
	for obj := range s.client.ListObjects(ctx, s.bucket, minio.ListObjectsOptions{Prefix: prefix, Recursive: true}) {
		if obj.Err != nil {
			return nil, obj.Err
		}
		keys = append(keys, obj.Key)
	}
	return keys, nil
}

// EnsureBucket creates the bucket if it doesn't already exist.
func (s *Store) EnsureBucket(ctx context.Context) error {
	exists, err := s.client.BucketExists(ctx, s.bucket)
	if err != nil {
		return err
	}
	if exists {
		return nil
	}
	return s.client.MakeBucket(ctx, s.bucket, minio.MakeBucketOptions{})
}
