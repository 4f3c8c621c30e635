// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

// Package fetch acquires source artifacts into the sources cache:
// remote files over HTTP with mirror fallback and checksum verification,
// and version-controlled repositories through the git binary.
package fetch

import (
	"context"
	"crypto/md5"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"zombiezen.com/go/log"

	"github.com/fcanata00/Orquestrator1.0/internal/layout"
	"github.com/fcanata00/Orquestrator1.0/internal/osutil"
	"github.com/fcanata00/Orquestrator1.0/internal/recipe"
)

// ErrUnsupportedChecksum is reported when a declared checksum's length maps
// to no known digest algorithm. Such sources are refused, not trusted.
var ErrUnsupportedChecksum = errors.New("unsupported checksum format")

// A ChecksumMismatchError reports a cached or downloaded artifact whose
// digest does not equal the declared one.
type ChecksumMismatchError struct {
	Path string
	Want string
	Got  string
}

func (e *ChecksumMismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: want %s, got %s", e.Path, e.Want, e.Got)
}

// An AllMirrorsFailedError reports that the primary URL and every mirror failed.
type AllMirrorsFailedError struct {
	URL    string
	Errors []error
}

func (e *AllMirrorsFailedError) Error() string {
	return fmt.Sprintf("all mirrors failed for %s (%d attempts)", e.URL, len(e.Errors))
}

func (e *AllMirrorsFailedError) Unwrap() []error { return e.Errors }

// A Fetcher downloads source artifacts into the sources cache.
type Fetcher struct {
	Dir    layout.Directory
	Client *http.Client

	// Retries is the per-URL attempt count. Zero means 3.
	Retries int
	// InitialBackoff is the first retry delay, doubling per attempt.
	// Zero means 5 seconds.
	InitialBackoff time.Duration
	// GitBin is the git executable. Zero means "git".
	GitBin string
}

func (f *Fetcher) client() *http.Client {
	if f.Client == nil {
		return http.DefaultClient
	}
	return f.Client
}

func (f *Fetcher) retries() int {
	if f.Retries <= 0 {
		return 3
	}
	return f.Retries
}

func (f *Fetcher) initialBackoff() time.Duration {
	if f.InitialBackoff <= 0 {
		return 5 * time.Second
	}
	return f.InitialBackoff
}

// CachedPath returns where the artifact named by src is (or would be)
// stored in the package's source cache.
func (f *Fetcher) CachedPath(pkg string, src recipe.Source) (string, error) {
	name, err := downloadName(src.URL)
	if err != nil {
		return "", err
	}
	return filepath.Join(f.Dir.Sources(pkg), name), nil
}

// FetchURL ensures the artifact named by src is present and verified in the
// package's source cache directory, returning its path.
//
// A cached file with a matching checksum short-circuits the download; with a
// mismatching checksum it is quarantined and re-fetched. Without a declared
// checksum, presence counts as success. The primary URL is tried before each
// mirror in order; partial downloads are always quarantined, never left in
// the cache.
func (f *Fetcher) FetchURL(ctx context.Context, pkg string, src recipe.Source) (string, error) {
	destDir := f.Dir.Sources(pkg)
	if err := osutil.MkdirAllPerm(destDir, 0o755); err != nil {
		return "", err
	}
	name, err := downloadName(src.URL)
	if err != nil {
		return "", err
	}
	dest := filepath.Join(destDir, name)

	if osutil.Exists(dest) {
		if src.SHA256 == "" {
			log.Debugf(ctx, "%s already present (no checksum declared)", dest)
			return dest, nil
		}
		err := verifyChecksum(dest, src.SHA256)
		if err == nil {
			log.Debugf(ctx, "%s already present and verified", dest)
			return dest, nil
		}
		var mismatch *ChecksumMismatchError
		if !errors.As(err, &mismatch) {
			return "", err
		}
		log.Warnf(ctx, "Cached %s failed verification, re-fetching: %v", dest, err)
		if _, err := f.Dir.Quarantine(dest); err != nil {
			return "", err
		}
	}

	urls := append([]string{src.URL}, src.Mirrors...)
	var attemptErrors []error
	for _, u := range urls {
		err := f.downloadWithRetry(ctx, u, dest)
		if err != nil {
			log.Warnf(ctx, "Fetch %s: %v", u, err)
			attemptErrors = append(attemptErrors, err)
			continue
		}
		if src.SHA256 != "" {
			if err := verifyChecksum(dest, src.SHA256); err != nil {
				var mismatch *ChecksumMismatchError
				if errors.As(err, &mismatch) {
					log.Warnf(ctx, "Downloaded %s failed verification: %v", u, err)
					if _, qerr := f.Dir.Quarantine(dest); qerr != nil {
						return "", qerr
					}
					attemptErrors = append(attemptErrors, err)
					continue
				}
				return "", err
			}
		}
		return dest, nil
	}
	return "", &AllMirrorsFailedError{URL: src.URL, Errors: attemptErrors}
}

// downloadWithRetry attempts one URL with exponential backoff between tries.
func (f *Fetcher) downloadWithRetry(ctx context.Context, rawURL, dest string) error {
	delay := f.initialBackoff()
	var lastErr error
	for attempt := 0; attempt < f.retries(); attempt++ {
		if attempt > 0 {
			log.Infof(ctx, "Retrying %s in %v", rawURL, delay)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
			delay *= 2
		}
		lastErr = f.downloadOnce(ctx, rawURL, dest)
		if lastErr == nil {
			return nil
		}
		if ctx.Err() != nil {
			return lastErr
		}
	}
	return lastErr
}

func (f *Fetcher) downloadOnce(ctx context.Context, rawURL, dest string) (err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}

	tmp := dest + ".part"
	out, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			out.Close()
			// A partial file must never be left where the cache would trust it.
			if osutil.Exists(tmp) {
				if _, qerr := f.Dir.Quarantine(tmp); qerr != nil {
					os.Remove(tmp)
				}
			}
		}
	}()

	var src io.ReadCloser
	switch u.Scheme {
	case "", "file":
		src, err = os.Open(u.Path)
		if err != nil {
			return err
		}
	case "http", "https":
		req, reqErr := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
		if reqErr != nil {
			return reqErr
		}
		resp, respErr := f.client().Do(req)
		if respErr != nil {
			return respErr
		}
		if resp.StatusCode != http.StatusOK {
			resp.Body.Close()
			return fmt.Errorf("get %s: %s", rawURL, resp.Status)
		}
		src = resp.Body
	default:
		return fmt.Errorf("get %s: unsupported scheme %q", rawURL, u.Scheme)
	}
	defer src.Close()

	if _, err = io.Copy(out, src); err != nil {
		return fmt.Errorf("get %s: %v", rawURL, err)
	}
	if err = out.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, dest)
}

// verifyChecksum compares the file's digest against the declared sum.
// The algorithm is inferred from the hex length: 64 or more hex characters
// select SHA-256, exactly 32 select MD5, and anything else is refused.
func verifyChecksum(path, want string) error {
	want = strings.ToLower(strings.TrimSpace(want))
	var h hash.Hash
	switch {
	case len(want) >= 64 && isHex(want):
		h = sha256.New()
		// Longer digests compare on the leading SHA-256 width.
		want = want[:64]
	case len(want) == 32 && isHex(want):
		h = md5.New()
	default:
		return fmt.Errorf("%s: %w (%d characters)", path, ErrUnsupportedChecksum, len(want))
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	if _, err := io.Copy(h, f); err != nil {
		return err
	}
	got := hex.EncodeToString(h.Sum(nil))
	if got != want {
		return &ChecksumMismatchError{Path: path, Want: want, Got: got}
	}
	return nil
}

func isHex(s string) bool {
	for _, c := range s {
		switch {
		case '0' <= c && c <= '9', 'a' <= c && c <= 'f':
		default:
			return false
		}
	}
	return len(s) > 0
}

// downloadName derives the cache file name from the URL's final path element.
func downloadName(rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	name := filepath.Base(u.Path)
	if name == "" || name == "." || name == "/" {
		return "", fmt.Errorf("get %s: cannot derive a file name", rawURL)
	}
	return name, nil
}
