package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// ErrNotFound is wrapped when a source has no object of the requested name.
var ErrNotFound = errors.New("object not found")

// Source lists and reads raw table files.
type Source interface {
	// List returns the file names available, sorted.
	List(ctx context.Context) ([]string, error)
	// Read returns the full contents of file name.
	Read(ctx context.Context, name string) ([]byte, error)
	Close() error
}

// Open returns a GCS source for gs://bucket/prefix locations and a
// directory source otherwise.
func Open(ctx context.Context, location, credentials string, logger *zap.Logger) (Source, error) {
	if rest, ok := strings.CutPrefix(location, "gs://"); ok {
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return nil, fmt.Errorf("invalid GCS location %q", location)
		}
		var opts []option.ClientOption
		if credentials != "" {
			opts = append(opts, option.WithCredentialsFile(credentials))
		}
		return NewGCSSource(ctx, bucket, prefix, logger, opts...)
	}
	return DirSource{Dir: location}, nil
}

// ---------------------------------------------------------------------
// Local directory
// ---------------------------------------------------------------------

// DirSource reads files from a local directory.
type DirSource struct {
	Dir string
}

func (d DirSource) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(d.Dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list %q: %w", d.Dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

func (d DirSource) Read(ctx context.Context, name string) ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.Dir, name))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return data, err
}

func (d DirSource) Close() error { return nil }

// ---------------------------------------------------------------------
// Google Cloud Storage
// ---------------------------------------------------------------------

// GCSSource reads objects under a bucket prefix. Reads go through a circuit
// breaker so a failing bucket does not stall every table load.
type GCSSource struct {
	client  *gcs.Client
	bucket  *gcs.BucketHandle
	prefix  string
	breaker *gobreaker.CircuitBreaker[[]byte]
}

// NewGCSSource connects to bucket. Object names are taken relative to prefix.
func NewGCSSource(ctx context.Context, bucket, prefix string, logger *zap.Logger, opts ...option.ClientOption) (*GCSSource, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	client, err := gcs.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCS client: %w", err)
	}
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	settings := gobreaker.Settings{
		Name:    "gcs:" + bucket,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 3
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrNotFound)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("Circuit breaker state change",
				zap.String("breaker", name),
				zap.Stringer("from", from),
				zap.Stringer("to", to))
		},
	}
	return &GCSSource{
		client:  client,
		bucket:  client.Bucket(bucket),
		prefix:  prefix,
		breaker: gobreaker.NewCircuitBreaker[[]byte](settings),
	}, nil
}

func (g *GCSSource) List(ctx context.Context) ([]string, error) {
	var names []string
	it := g.bucket.Objects(ctx, &gcs.Query{Prefix: g.prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to list gs objects: %w", err)
		}
		name := strings.TrimPrefix(attrs.Name, g.prefix)
		if name != "" && !strings.Contains(name, "/") {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (g *GCSSource) Read(ctx context.Context, name string) ([]byte, error) {
	return g.breaker.Execute(func() ([]byte, error) {
		r, err := g.bucket.Object(g.prefix + name).NewReader(ctx)
		if errors.Is(err, gcs.ErrObjectNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
		}
		if err != nil {
			return nil, err
		}
		defer r.Close()
		return io.ReadAll(r)
	})
}

func (g *GCSSource) Close() error {
	return g.client.Close()
}
