package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/crypto/acme/autocert"
)

// DirKV keeps one file per key in a directory, using autocert's atomic DirCache writes.
type DirKV struct {
	dir   string
	cache autocert.DirCache
}

var _ KV = (*DirKV)(nil)

// NewDirKV creates dir if needed.
func NewDirKV(dir string) (*DirKV, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("storage: failed to create data directory %s: %w", dir, err)
	}
	logger.Info("Directory storage initialized", zap.String("dir", dir))
	return &DirKV{dir: dir, cache: autocert.DirCache(dir)}, nil
}

// tempFile matches in-flight DirCache writes.
var tempFile = regexp.MustCompile(`\.tmp\d+$`)

func validFileKey(key string) error {
	if key == "" || strings.ContainsAny(key, `/\`) || strings.HasPrefix(key, ".") {
		return fmt.Errorf("storage: invalid key %q", key)
	}
	return nil
}

func (d *DirKV) Get(ctx context.Context, key string) ([]byte, error) {
	if err := validFileKey(key); err != nil {
		return nil, err
	}
	data, err := d.cache.Get(ctx, key)
	if err != nil {
		if errors.Is(err, autocert.ErrCacheMiss) {
			return nil, nil
		}
		return nil, err
	}
	return data, nil
}

func (d *DirKV) Put(ctx context.Context, key string, value []byte) error {
	if err := validFileKey(key); err != nil {
		return err
	}
	return d.cache.Put(ctx, key, value)
}

func (d *DirKV) Delete(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := validFileKey(key); err != nil {
			return err
		}
		if err := d.cache.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

func (d *DirKV) Keys(_ context.Context, prefix string) ([]string, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.Type().IsRegular() && strings.HasPrefix(e.Name(), prefix) && !tempFile.MatchString(e.Name()) {
			keys = append(keys, e.Name())
		}
	}
	return keys, nil
}

func (d *DirKV) Ping(_ context.Context) error {
	_, err := os.Stat(d.dir)
	return err
}

func (d *DirKV) Close() error { return nil }
