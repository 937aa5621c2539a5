// Package report renders run reports and progress tables and exports them
// to a file directory or an S3 bucket.
package report

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/JonMunkholm/ledgerport/internal/config"
)

// Sink stores one exported document under key and returns where it went.
type Sink interface {
	Put(ctx context.Context, key, contentType string, body []byte) (string, error)
}

// FileSink writes documents below Dir.
type FileSink struct {
	Dir string
}

// Put writes body to Dir/key, creating parent directories.
func (s FileSink) Put(_ context.Context, key, _ string, body []byte) (string, error) {
	path := filepath.Join(s.Dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return "", fmt.Errorf("create report dir: %w", err)
	}
	// Write then rename so a reader never sees a partial report.
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, body, 0o640); err != nil {
		return "", fmt.Errorf("write report: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("write report: %w", err)
	}
	return path, nil
}

// Open returns the sink cfg selects. The none sink is nil.
func Open(ctx context.Context, cfg config.ReportConfig) (Sink, error) {
	switch strings.ToLower(cfg.Sink) {
	case "", "none":
		return nil, nil
	case "file":
		return FileSink{Dir: cfg.Dir}, nil
	case "s3":
		sink, err := NewS3Sink(ctx, S3Config{
			Bucket:    cfg.Bucket,
			Prefix:    cfg.Prefix,
			Region:    cfg.Region,
			Endpoint:  cfg.Endpoint,
			PathStyle: cfg.PathStyle,
		})
		if err != nil {
			return nil, err
		}
		return sink, nil
	default:
		return nil, fmt.Errorf("unknown report sink %q", cfg.Sink)
	}
}
