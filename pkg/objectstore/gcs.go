package objectstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/hashicorp/go-multierror"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCS is a Bucket backed by a Google Cloud Storage bucket.
type GCS struct {
	client *storage.Client
	bucket string
}

// NewGCS opens a GCS bucket. opts are passed to the storage client, e.g.
// option.WithCredentialsFile.
func NewGCS(ctx context.Context, bucket string, opts ...option.ClientOption) (*GCS, error) {
	opts = append(opts, option.WithScopes(storage.ScopeReadWrite))
	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create storage client: %w", err)
	}
	return &GCS{client: client, bucket: bucket}, nil
}

// Close releases the storage client
func (b *GCS) Close() error {
	return b.client.Close()
}

func (b *GCS) ReadDir(ctx context.Context, dir string) ([]Entry, error) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	prefix := dirPrefix(dir)
	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix, Delimiter: "/"})

	var out []Entry
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		if e, ok := entryFor(prefix, attrs); ok {
			out = append(out, e)
		}
	}
	return out, nil
}

// entryFor maps a delimited listing result to a child entry.
func entryFor(prefix string, attrs *storage.ObjectAttrs) (Entry, bool) {
	if attrs.Prefix != "" {
		name := strings.TrimSuffix(strings.TrimPrefix(attrs.Prefix, prefix), "/")
		return Entry{Name: name, IsDir: true}, name != ""
	}
	name := strings.TrimPrefix(attrs.Name, prefix)
	// Zero-byte placeholder objects stand for the directory itself.
	return Entry{Name: name}, name != ""
}

func dirPrefix(dir string) string {
	dir = Clean(dir)
	if dir == "" {
		return ""
	}
	return dir + "/"
}

func (b *GCS) ReadFile(ctx context.Context, name string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	r, err := b.client.Bucket(b.bucket).Object(Clean(name)).NewReader(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return nil, fmt.Errorf("%s: %w", name, ErrNotExist)
	}
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

func (b *GCS) WriteFile(ctx context.Context, name string, data []byte) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := b.client.Bucket(b.bucket).Object(Clean(name)).NewWriter(ctx)
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return fmt.Errorf("failed to write data to GCS: %w", err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("failed to close GCS writer: %w", err)
	}
	return nil
}

// Rename copies then deletes; GCS has no atomic move.
func (b *GCS) Rename(ctx context.Context, from, to string) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	src := b.client.Bucket(b.bucket).Object(Clean(from))
	dst := b.client.Bucket(b.bucket).Object(Clean(to))
	if _, err := dst.CopierFrom(src).Run(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return fmt.Errorf("%s: %w", from, ErrNotExist)
		}
		return fmt.Errorf("copy %s->%s: %w", from, to, err)
	}
	if err := src.Delete(ctx); err != nil {
		return fmt.Errorf("delete %s after copy: %w", from, err)
	}
	return nil
}

func (b *GCS) DeleteAll(ctx context.Context, dir string) error {
	prefix := dirPrefix(dir)
	if prefix == "" {
		return fmt.Errorf("refusing to delete bucket root")
	}

	it := b.client.Bucket(b.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
	var result *multierror.Error
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return err
		}
		if err := b.client.Bucket(b.bucket).Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			result = multierror.Append(result, fmt.Errorf("delete %s: %w", attrs.Name, err))
		}
	}
	return result.ErrorOrNil()
}

func (b *GCS) URI(name string) string {
	return fmt.Sprintf("gs://%s/%s", b.bucket, Clean(name))
}
