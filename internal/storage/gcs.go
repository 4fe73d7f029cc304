package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"
)

// GCSStorage implements Storage using Google Cloud Storage. The host uses
// it to archive frame snapshots off the device.
type GCSStorage struct {
	client     *storage.Client
	bucketName string
	baseDir    string
	ctx        context.Context
}

// NewGCSStorage creates a new GCS storage instance
// projectID: Your GCP project ID
// bucketName: The GCS bucket name
// baseDir: Base directory/prefix within the bucket (e.g., "snapshots")
func NewGCSStorage(ctx context.Context, projectID, bucketName, baseDir string) (*GCSStorage, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}

	bucket := client.Bucket(bucketName)
	if _, err := bucket.Attrs(ctx); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to access bucket %s in project %s: %w", bucketName, projectID, err)
	}

	return &GCSStorage{
		client:     client,
		bucketName: bucketName,
		baseDir:    strings.Trim(baseDir, "/"),
		ctx:        ctx,
	}, nil
}

// Write uploads data, replacing the object
func (s *GCSStorage) Write(name string, data []byte) error {
	w := s.object(name).NewWriter(s.ctx)
	w.ContentType = contentType(name)
	w.CacheControl = cacheControl(name)

	if _, err := w.Write(data); err != nil {
		w.Close()
		return fmt.Errorf("failed to write to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}

	return nil
}

// Read downloads an object
func (s *GCSStorage) Read(name string) ([]byte, error) {
	r, err := s.object(name).NewReader(s.ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read from GCS: %w", gcsNotFound(err))
	}
	defer r.Close()

	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read data: %w", err)
	}

	return data, nil
}

// ReadSeeker downloads the object into memory. Snapshots are single frames,
// small enough that ranged reads are not worth it.
func (s *GCSStorage) ReadSeeker(name string) (io.ReadSeeker, error) {
	data, err := s.Read(name)
	if err != nil {
		return nil, err
	}
	return bytes.NewReader(data), nil
}

// Delete deletes an object
func (s *GCSStorage) Delete(name string) error {
	if err := s.object(name).Delete(s.ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("failed to delete from GCS: %w", err)
	}

	return nil
}

// Exists checks if an object exists
func (s *GCSStorage) Exists(name string) (bool, error) {
	_, err := s.object(name).Attrs(s.ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check GCS object: %w", err)
	}

	return true, nil
}

// List lists object names directly under dir
func (s *GCSStorage) List(dir string) ([]string, error) {
	prefix := s.fullPath(dir)
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}

	it := s.client.Bucket(s.bucketName).Objects(s.ctx, &storage.Query{
		Prefix:    prefix,
		Delimiter: "/",
	})

	var files []string
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list GCS objects: %w", err)
		}

		// Prefix entries stand for sub-directories
		if attrs.Name == "" {
			continue
		}
		files = append(files, strings.TrimPrefix(attrs.Name, prefix))
	}
	sort.Strings(files)

	return files, nil
}

// Close closes the GCS client
func (s *GCSStorage) Close() error {
	return s.client.Close()
}

func (s *GCSStorage) object(name string) *storage.ObjectHandle {
	return s.client.Bucket(s.bucketName).Object(s.fullPath(name))
}

func (s *GCSStorage) fullPath(name string) string {
	name = strings.Trim(name, "/")
	if s.baseDir == "" {
		return name
	}
	if name == "" {
		return s.baseDir
	}
	return s.baseDir + "/" + name
}

func gcsNotFound(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return err
}

func contentType(name string) string {
	switch path.Ext(name) {
	case ".json":
		return "application/json"
	case ".msgpack":
		return "application/msgpack"
	default:
		return "application/octet-stream"
	}
}

func cacheControl(name string) string {
	// Shared values change while a session runs
	if path.Ext(name) == ".msgpack" {
		return "no-cache, no-store, must-revalidate"
	}
	return "public, max-age=300"
}
