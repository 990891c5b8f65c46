package docstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/accordsai/caselane/pkg/domain"

	"github.com/cenkalti/backoff/v5"
)

const (
	StrategyDirectURL = "direct_url"
	StrategyObjectKey = "object_key"
	StrategyPublicURL = "public_url"
	StrategyLocalPath = "local_path"
)

const defaultMaxBytes = 50 << 20

// HTTPFetcher downloads absolute URLs with bounded retries. 5xx and 429
// responses and transport errors are retried; other statuses are final.
type HTTPFetcher struct {
	Client          *http.Client
	MaxTries        uint
	InitialInterval time.Duration
	MaxBytes        int64
}

func (f HTTPFetcher) Get(ctx context.Context, url string) ([]byte, error) {
	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	tries := f.MaxTries
	if tries == 0 {
		tries = 3
	}
	limit := f.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	shown := redactURL(url)

	op := func() ([]byte, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, backoff.Permanent(err)
		}
		resp, err := client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("GET %s: %w", shown, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
			return nil, fmt.Errorf("GET %s: status %d", shown, resp.StatusCode)
		}
		if resp.StatusCode >= 300 {
			return nil, backoff.Permanent(fmt.Errorf("GET %s: status %d", shown, resp.StatusCode))
		}
		body, err := io.ReadAll(io.LimitReader(resp.Body, limit+1))
		if err != nil {
			return nil, fmt.Errorf("GET %s: read body: %w", shown, err)
		}
		if int64(len(body)) > limit {
			return nil, backoff.Permanent(fmt.Errorf("GET %s: body exceeds %d bytes", shown, limit))
		}
		return body, nil
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.InitialInterval
	if b.InitialInterval <= 0 {
		b.InitialInterval = 200 * time.Millisecond
	}
	return backoff.Retry(ctx, op, backoff.WithBackOff(b), backoff.WithMaxTries(tries))
}

// DirectURL fetches the stored absolute URL.
type DirectURL struct {
	HTTP HTTPFetcher
}

func (DirectURL) Name() string { return StrategyDirectURL }

func (DirectURL) Applies(ref domain.StorageRef) bool { return isHTTPURL(ref.URL) }

func (s DirectURL) Fetch(ctx context.Context, ref domain.StorageRef) ([]byte, error) {
	return s.HTTP.Get(ctx, ref.URL)
}

type KeyFetcher interface {
	FetchByKey(ctx context.Context, key string) ([]byte, error)
}

// ObjectKey downloads the object with the service credentials.
type ObjectKey struct {
	Objects KeyFetcher
}

func (ObjectKey) Name() string { return StrategyObjectKey }

func (s ObjectKey) Applies(ref domain.StorageRef) bool { return s.Objects != nil && ref.Key != "" }

func (s ObjectKey) Fetch(ctx context.Context, ref domain.StorageRef) ([]byte, error) {
	return s.Objects.FetchByKey(ctx, ref.Key)
}

type URLSigner interface {
	PublicURLFor(ctx context.Context, key string) (string, error)
}

// PublicURL derives the public (or presigned) URL for the key and fetches it
// over plain HTTP.
type PublicURL struct {
	Objects URLSigner
	HTTP    HTTPFetcher
}

func (PublicURL) Name() string { return StrategyPublicURL }

func (s PublicURL) Applies(ref domain.StorageRef) bool { return s.Objects != nil && ref.Key != "" }

func (s PublicURL) Fetch(ctx context.Context, ref domain.StorageRef) ([]byte, error) {
	u, err := s.Objects.PublicURLFor(ctx, ref.Key)
	if err != nil {
		return nil, err
	}
	return s.HTTP.Get(ctx, u)
}

// LocalPath reads from a directory on the local filesystem. Paths are
// resolved under Root and cannot escape it.
type LocalPath struct {
	Root     string
	MaxBytes int64
}

func (LocalPath) Name() string { return StrategyLocalPath }

func (s LocalPath) Applies(ref domain.StorageRef) bool {
	return strings.TrimSpace(s.Root) != "" && (ref.Path != "" || ref.Key != "")
}

func (s LocalPath) Fetch(ctx context.Context, ref domain.StorageRef) ([]byte, error) {
	rel := ref.Path
	if rel == "" {
		rel = ref.Key
	}
	full, err := s.resolve(rel)
	if err != nil {
		return nil, err
	}
	info, err := os.Stat(full)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("local file %s does not exist", rel)
		}
		return nil, err
	}
	if info.IsDir() {
		return nil, fmt.Errorf("local path %s is a directory", rel)
	}
	limit := s.MaxBytes
	if limit <= 0 {
		limit = defaultMaxBytes
	}
	if info.Size() > limit {
		return nil, fmt.Errorf("local file %s exceeds %d bytes", rel, limit)
	}
	return os.ReadFile(full)
}

// Save writes body to key under Root, creating parent directories.
func (s LocalPath) Save(ctx context.Context, key string, body []byte, contentType string) (domain.StorageRef, error) {
	if strings.TrimSpace(s.Root) == "" {
		return domain.StorageRef{}, errors.New("local storage root is not configured")
	}
	full, err := s.resolve(key)
	if err != nil {
		return domain.StorageRef{}, err
	}
	if err := os.MkdirAll(filepath.Dir(full), 0o750); err != nil {
		return domain.StorageRef{}, fmt.Errorf("create storage dir: %w", err)
	}
	if err := os.WriteFile(full, body, 0o640); err != nil {
		return domain.StorageRef{}, fmt.Errorf("write %s: %w", key, err)
	}
	return domain.StorageRef{Path: key}, nil
}

func (s LocalPath) resolve(rel string) (string, error) {
	root, err := filepath.Abs(s.Root)
	if err != nil {
		return "", err
	}
	cleaned := filepath.Clean(string(filepath.Separator) + filepath.FromSlash(rel))
	full := filepath.Join(root, cleaned)
	if full != root && !strings.HasPrefix(full, root+string(filepath.Separator)) {
		return "", fmt.Errorf("local path %s escapes storage root", rel)
	}
	return full, nil
}
