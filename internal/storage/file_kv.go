package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/kimhsiao/feesync/internal/logging"
)

const (
	fileSchemaVersion = 1
	fileExt           = ".yaml"
	tmpPattern        = ".feesync-tmp-*" + fileExt
)

// envelope is the on-disk shape of one key.
type envelope struct {
	SchemaVersion int    `yaml:"schema_version"`
	Key           string `yaml:"key"`
	Writer        string `yaml:"writer"`
	UpdatedAt     string `yaml:"updated_at"`
	Value         string `yaml:"value"`
}

// FileKV stores each key as a YAML file in a directory. Writes go through a temp
// file and rename, keeping the previous version as <key>.yaml.bak.
type FileKV struct {
	dir    string
	writer string
}

// NewFileKV creates dir if needed.
func NewFileKV(dir string) (*FileKV, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileKV{dir: dir, writer: uuid.NewString()}, nil
}

func (f *FileKV) Dir() string { return f.dir }

func (f *FileKV) path(key string) string {
	return filepath.Join(f.dir, key+fileExt)
}

func (f *FileKV) read(key string) (envelope, error) {
	var env envelope
	content, err := os.ReadFile(f.path(key))
	if os.IsNotExist(err) {
		return env, ErrNotFound
	}
	if err != nil {
		return env, fmt.Errorf("read %s: %w", key, err)
	}
	if err := yamlv3.Unmarshal(content, &env); err != nil {
		return env, fmt.Errorf("%w: decode %s: %v", ErrCorrupt, key, err)
	}
	if env.SchemaVersion != fileSchemaVersion {
		return env, fmt.Errorf("%w: %s has unsupported schema_version %d", ErrCorrupt, key, env.SchemaVersion)
	}
	return env, nil
}

func (f *FileKV) Get(_ context.Context, key string) ([]byte, error) {
	if err := validateKey(key); err != nil {
		return nil, err
	}
	env, err := f.read(key)
	if err != nil {
		return nil, err
	}
	return []byte(env.Value), nil
}

func (f *FileKV) Set(_ context.Context, key string, value []byte) error {
	if err := validateKey(key); err != nil {
		return err
	}
	content, err := yamlv3.Marshal(envelope{
		SchemaVersion: fileSchemaVersion,
		Key:           key,
		Writer:        f.writer,
		UpdatedAt:     time.Now().UTC().Format(time.RFC3339Nano),
		Value:         string(value),
	})
	if err != nil {
		return fmt.Errorf("yaml marshal: %w", err)
	}
	return atomicWrite(f.path(key), content)
}

func (f *FileKV) Delete(_ context.Context, key string) error {
	if err := validateKey(key); err != nil {
		return err
	}
	if err := os.Remove(f.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Watch calls fn for every key rewritten by another writer until ctx is done.
// Writes made through this FileKV are not reported.
func (f *FileKV) Watch(ctx context.Context, fn func(key string)) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := w.Add(f.dir); err != nil {
		w.Close()
		return fmt.Errorf("failed to watch %s: %w", f.dir, err)
	}

	go func() {
		defer w.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-w.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
					continue
				}
				key, ok := keyFromPath(event.Name)
				if !ok {
					continue
				}
				env, err := f.read(key)
				if err != nil || env.Writer == f.writer {
					continue
				}
				fn(key)
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				logging.Warn("store watcher error", map[string]interface{}{
					"dir":   f.dir,
					"error": err.Error(),
				})
			}
		}
	}()
	return nil
}

func keyFromPath(p string) (string, bool) {
	base := filepath.Base(p)
	if strings.HasPrefix(base, ".") || !strings.HasSuffix(base, fileExt) {
		return "", false
	}
	key := strings.TrimSuffix(base, fileExt)
	return key, validateKey(key) == nil
}

func atomicWrite(path string, content []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), tmpPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()

	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}

	if _, err := os.Stat(path); err == nil {
		if err := copyFile(path, path+".bak"); err != nil {
			return fmt.Errorf("create backup: %w", err)
		}
	}

	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
