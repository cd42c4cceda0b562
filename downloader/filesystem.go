package downloader

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Filesystem caches downloaded files in a directory, one file per
// URL. Freshness is judged by file modification time.
type Filesystem struct {
	Dir string

	TimeNow func() time.Time

	mutex sync.Mutex
}

func NewFilesystem(dir string) (*Filesystem, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, fmt.Errorf("creating cache dir: %w", err)
	}

	return &Filesystem{
		Dir:     dir,
		TimeNow: time.Now,
	}, nil
}

func (f *Filesystem) Get(
	ctx context.Context,
	url string,
	headers map[string]string,
	options GetOptions,
) ([]byte, error) {

	f.mutex.Lock()
	defer f.mutex.Unlock()

	path := f.Path(url)

	if options.Cache {
		info, err := os.Stat(path)
		if err == nil {
			if options.CacheTTL <= 0 || info.ModTime().Add(options.CacheTTL).After(f.TimeNow()) {
				body, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("reading cached: %w", err)
				}
				return body, nil
			}
			log.Printf("cache expired for %s", url)
		}
	}

	body, err := HTTPGet(ctx, url, headers, options)
	if err != nil {
		return nil, fmt.Errorf("http get: %w", err)
	}

	if options.Cache {
		err = f.save(path, body)
		if err != nil {
			return nil, fmt.Errorf("saving: %w", err)
		}
	}

	return body, nil
}

// Path is where the body fetched from url is cached.
func (f *Filesystem) Path(url string) string {
	sum := sha256.Sum256([]byte(url))
	return filepath.Join(f.Dir, hex.EncodeToString(sum[:8]))
}

func (f *Filesystem) save(path string, body []byte) error {
	tmp, err := os.CreateTemp(f.Dir, ".download-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	_, err = tmp.Write(body)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return err
	}

	return os.Rename(tmp.Name(), path)
}
