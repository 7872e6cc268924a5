package corpus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/kangjinkui/katokbot/pkg/config"
	apperrors "github.com/kangjinkui/katokbot/pkg/errors"
)

// Source is where a corpus document is read from.
type Source interface {
	Name() string
	Open(ctx context.Context) (io.ReadCloser, error)
}

type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return s.Path }

func (s FileSource) Open(_ context.Context) (io.ReadCloser, error) {
	f, err := os.Open(s.Path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrNotFound, err)
		}
		return nil, err
	}
	return f, nil
}

// ObjectOpener is satisfied by objectstore.Client.
type ObjectOpener interface {
	Open(ctx context.Context, bucket, key string) (io.ReadCloser, error)
}

type ObjectSource struct {
	Client ObjectOpener
	Bucket string
	Key    string
}

func (s ObjectSource) Name() string { return "s3://" + s.Bucket + "/" + s.Key }

func (s ObjectSource) Open(ctx context.Context) (io.ReadCloser, error) {
	return s.Client.Open(ctx, s.Bucket, s.Key)
}

// BytesSource serves an in-memory document. Used by tests and the CLI.
type BytesSource struct {
	Label string
	Data  []byte
}

func (s BytesSource) Name() string { return s.Label }

func (s BytesSource) Open(_ context.Context) (io.ReadCloser, error) {
	return io.NopCloser(bytes.NewReader(s.Data)), nil
}

// SourceFromConfig picks the configured source. client is only needed for
// the "object" kind.
func SourceFromConfig(cfg config.CorpusConfig, client ObjectOpener) (Source, error) {
	switch cfg.Source {
	case "", "file":
		return FileSource{Path: cfg.Path}, nil
	case "object":
		if client == nil {
			return nil, fmt.Errorf("corpus source %q needs an object store client", cfg.Source)
		}
		return ObjectSource{Client: client, Bucket: cfg.Bucket, Key: cfg.Key}, nil
	default:
		return nil, fmt.Errorf("unknown corpus source %q", cfg.Source)
	}
}
