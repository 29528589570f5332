package secrets

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// EnvLoader reads the named environment variables. Unset ones are skipped.
func EnvLoader(names ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(names))
		for _, n := range names {
			if v := os.Getenv(n); v != "" {
				vals[n] = v
			}
		}
		return vals, nil
	}
}

// DirLoader reads one secret per regular file in dir, named after the file,
// the layout of Kubernetes and Docker secret mounts. Hidden files are skipped
// and surrounding whitespace is trimmed. A missing or empty dir yields no
// secrets.
func DirLoader(dir string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string)
		if dir == "" {
			return vals, nil
		}
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			return vals, nil
		}
		if err != nil {
			return nil, fmt.Errorf("read secrets dir %s: %w", dir, err)
		}
		for _, e := range entries {
			if strings.HasPrefix(e.Name(), ".") {
				continue
			}
			path := filepath.Join(dir, e.Name())
			info, err := os.Stat(path)
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			data, err := os.ReadFile(path)
			if err != nil {
				return nil, fmt.Errorf("read secret %s: %w", e.Name(), err)
			}
			if v := strings.TrimSpace(string(data)); v != "" {
				vals[e.Name()] = v
			}
		}
		return vals, nil
	}
}

// Merge combines loaders. Later loaders win on conflicting names.
func Merge(loaders ...Loader) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string)
		for _, l := range loaders {
			part, err := l()
			if err != nil {
				return nil, err
			}
			for k, v := range part {
				vals[k] = v
			}
		}
		return vals, nil
	}
}
