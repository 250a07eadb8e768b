package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/sirupsen/logrus"
)

// RootfsFetcher downloads the rootfs tarball from an https:// URL or an
// s3://bucket/key mirror, computing the SHA-256 checksum while streaming.
type RootfsFetcher struct {
	httpClient *http.Client
	s3Region   string
}

func NewRootfsFetcher() *RootfsFetcher {
	return &RootfsFetcher{
		httpClient: &http.Client{Timeout: 30 * time.Minute},
		s3Region:   "us-east-1",
	}
}

// Fetch downloads rawURL to localPath unless a verified copy already
// exists. When expectedChecksum is non-empty a cached file is re-hashed
// before being trusted, and a mismatched download is removed.
func (f *RootfsFetcher) Fetch(ctx context.Context, rawURL, localPath, expectedChecksum string) error {
	logger := GetLogger(ctx).WithFields(logrus.Fields{
		"url":        rawURL,
		"local_path": localPath,
	})

	if _, err := os.Stat(localPath); err == nil {
		if expectedChecksum == "" {
			logger.Info("rootfs already downloaded")
			return nil
		}
		cached, err := fileChecksum(localPath)
		if err != nil {
			return fmt.Errorf("failed to hash cached rootfs: %w", err)
		}
		if cached == expectedChecksum {
			logger.Info("rootfs already downloaded")
			return nil
		}
		logger.WithField("sha256", cached).Warn("cached rootfs checksum mismatch, downloading again")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid rootfs URL: %w", err)
	}

	var checksum string
	switch u.Scheme {
	case "http", "https":
		checksum, err = f.fetchHTTP(ctx, rawURL, localPath)
	case "s3":
		checksum, err = f.fetchS3(ctx, u.Host, strings.TrimPrefix(u.Path, "/"), localPath)
	default:
		return fmt.Errorf("unsupported rootfs URL scheme %q", u.Scheme)
	}
	if err != nil {
		return err
	}

	if expectedChecksum != "" && checksum != expectedChecksum {
		os.Remove(localPath)
		return fmt.Errorf("rootfs checksum mismatch: expected %s, got %s", expectedChecksum, checksum)
	}

	logger.WithField("sha256", checksum).Info("rootfs downloaded")
	return nil
}

func (f *RootfsFetcher) fetchHTTP(ctx context.Context, rawURL, localPath string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build rootfs request: %w", err)
	}
	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to download rootfs: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("rootfs download returned %s", resp.Status)
	}
	return writeWithChecksum(resp.Body, localPath)
}

func (f *RootfsFetcher) fetchS3(ctx context.Context, bucket, key, localPath string) (string, error) {
	client, err := f.s3Client(ctx)
	if err != nil {
		return "", err
	}
	resp, err := client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return "", fmt.Errorf("failed to get rootfs object: %w", err)
	}
	defer resp.Body.Close()

	return writeWithChecksum(resp.Body, localPath)
}

// s3Client loads the default AWS config, falling back to anonymous
// credentials so public mirror buckets work without any AWS setup.
func (f *RootfsFetcher) s3Client(ctx context.Context) (*s3.Client, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(f.s3Region))
	if err != nil {
		cfg = aws.Config{
			Region:      f.s3Region,
			Credentials: aws.AnonymousCredentials{},
		}
	} else if creds, err := cfg.Credentials.Retrieve(ctx); err != nil || creds.AccessKeyID == "" {
		cfg.Credentials = aws.AnonymousCredentials{}
	}
	return s3.NewFromConfig(cfg), nil
}

func fileChecksum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}

// writeWithChecksum streams r into localPath via a temporary file,
// computing the SHA-256 on the way, and renames into place on success.
func writeWithChecksum(r io.Reader, localPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(localPath), 0755); err != nil {
		return "", fmt.Errorf("failed to create download directory: %w", err)
	}

	tmpPath := localPath + ".tmp"
	tmpFile, err := os.Create(tmpPath)
	if err != nil {
		return "", fmt.Errorf("failed to create temporary file: %w", err)
	}
	defer func() {
		tmpFile.Close()
		os.Remove(tmpPath)
	}()

	hasher := sha256.New()
	if _, err := io.Copy(io.MultiWriter(tmpFile, hasher), r); err != nil {
		return "", fmt.Errorf("failed to write download: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		return "", fmt.Errorf("failed to sync download: %w", err)
	}
	tmpFile.Close()

	if err := os.Rename(tmpPath, localPath); err != nil {
		return "", fmt.Errorf("failed to move download into place: %w", err)
	}
	return fmt.Sprintf("%x", hasher.Sum(nil)), nil
}
