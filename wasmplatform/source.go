package wasmplatform

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeycumines/go-lazybind"
	"golang.org/x/sync/errgroup"
)

// fetchConcurrency bounds the number of libraries fetched at once.
const fetchConcurrency = 4

var (
	// ErrLibraryNotFound indicates a [Source] does not have a requested library.
	ErrLibraryNotFound = errors.New("wasmplatform: library not found")

	// ErrUnauthorized indicates a [Source] refused the API key.
	ErrUnauthorized = errors.New("wasmplatform: unauthorized")
)

// Source provides the binaries of the libraries named by a config.
//
// Fetch must return exactly one binary per name in cfg.Libraries.
type Source interface {
	Fetch(ctx context.Context, cfg lazybind.Config) (map[string][]byte, error)
}

// MapSource is an in-memory [Source], keyed by library name. It ignores the
// version and API key.
type MapSource map[string][]byte

// Fetch implements [Source].
func (x MapSource) Fetch(ctx context.Context, cfg lazybind.Config) (map[string][]byte, error) {
	return fetchAll(ctx, cfg.Libraries, func(ctx context.Context, library string) ([]byte, error) {
		b, ok := x[library]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrLibraryNotFound, library)
		}
		return b, nil
	})
}

// DirSource reads libraries from the filesystem, from
// <Dir>/<version>/<library>.wasm, or <Dir>/<library>.wasm if the version is
// empty. It ignores the API key.
type DirSource struct {
	Dir string
}

// Fetch implements [Source].
func (x DirSource) Fetch(ctx context.Context, cfg lazybind.Config) (map[string][]byte, error) {
	return fetchAll(ctx, cfg.Libraries, func(ctx context.Context, library string) ([]byte, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := checkLibraryName(library); err != nil {
			return nil, err
		}
		path := filepath.Join(x.Dir, cfg.Version, library+".wasm")
		b, err := os.ReadFile(path)
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %q (%s)", ErrLibraryNotFound, library, path)
		}
		return b, err
	})
}

// HTTPSource downloads libraries from
// <BaseURL>/<version>/<library>.wasm, or <BaseURL>/<library>.wasm if the
// version is empty, sending the API key as a bearer token.
type HTTPSource struct {
	// Client defaults to [http.DefaultClient].
	Client  *http.Client
	BaseURL string
}

// Fetch implements [Source].
func (x HTTPSource) Fetch(ctx context.Context, cfg lazybind.Config) (map[string][]byte, error) {
	base, err := url.Parse(x.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("wasmplatform: invalid base url: %w", err)
	}
	client := x.Client
	if client == nil {
		client = http.DefaultClient
	}
	return fetchAll(ctx, cfg.Libraries, func(ctx context.Context, library string) ([]byte, error) {
		if err := checkLibraryName(library); err != nil {
			return nil, err
		}
		u := base.JoinPath(cfg.Version, library+".wasm")
		if cfg.Version == `` {
			u = base.JoinPath(library + ".wasm")
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set(`Authorization`, `Bearer `+cfg.APIKey)
		res, err := client.Do(req)
		if err != nil {
			return nil, err
		}
		defer res.Body.Close()
		switch res.StatusCode {
		case http.StatusOK:
			return io.ReadAll(res.Body)
		case http.StatusNotFound:
			return nil, fmt.Errorf("%w: %q", ErrLibraryNotFound, library)
		case http.StatusUnauthorized, http.StatusForbidden:
			return nil, fmt.Errorf("%w: %s", ErrUnauthorized, res.Status)
		default:
			return nil, fmt.Errorf("wasmplatform: fetch %q: unexpected status %s", library, res.Status)
		}
	})
}

func checkLibraryName(library string) error {
	if library == `` || library == `.` || library == `..` || strings.ContainsAny(library, `/\`) {
		return fmt.Errorf("wasmplatform: invalid library name %q", library)
	}
	return nil
}

// fetchAll calls fetch for each library, concurrently, failing on the first
// error.
func fetchAll(ctx context.Context, libraries []string, fetch func(ctx context.Context, library string) ([]byte, error)) (map[string][]byte, error) {
	binaries := make([][]byte, len(libraries))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fetchConcurrency)
	for i, library := range libraries {
		g.Go(func() error {
			b, err := fetch(ctx, library)
			if err != nil {
				return err
			}
			binaries[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := make(map[string][]byte, len(libraries))
	for i, library := range libraries {
		result[library] = binaries[i]
	}
	return result, nil
}
