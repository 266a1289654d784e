package pipeline

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	apperr "github.com/deemusic/core/internal/errors"
	"github.com/deemusic/core/internal/metadata"
)

// fetchClient is a shared, pooled HTTP client for the Fetch stage
// (teacher's proxyHTTPClient idiom: package-level client, explicit
// Transport tuning, reused across every job to keep connections warm).
var fetchClient = &http.Client{
	Timeout: 5 * time.Minute,
	Transport: &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 8,
		IdleConnTimeout:     90 * time.Second,
	},
}

const fetchCopyChunk = 64 * 1024

// fetch streams resolved.URL into the file at tempPath, resuming a
// previous partial download when possible (spec.md §4.4, §5). onProgress
// receives cumulative bytes written; it may be called with a total of 0
// when resolved.Size is unknown.
func fetch(ctx context.Context, resolved metadata.ResolvedDownload, tempPath string, onProgress func(written, total int64)) error {
	offset := int64(0)
	if fi, err := os.Stat(tempPath); err == nil {
		offset = fi.Size()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resolved.URL, nil)
	if err != nil {
		return apperr.NewWithCode("Pipeline.Fetch", err, apperr.CodeInvalidParameter, "malformed download url")
	}
	for k, v := range resolved.Headers {
		req.Header.Set(k, v)
	}
	resuming := offset > 0
	if resuming {
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", offset))
	}

	resp, err := fetchClient.Do(req)
	if err != nil {
		return classifyTransportError(err)
	}
	defer resp.Body.Close()

	if resuming {
		// The provider offers no content digest, so the start offset
		// echoed back in Content-Range is the strongest resume-integrity
		// check available at this seam: a provider is not assumed to
		// guarantee stable byte offsets across reconnects, so a bare 206
		// is not trusted on its own (spec.md §9 Open Question).
		if resp.StatusCode != http.StatusPartialContent || !contentRangeStartsAt(resp.Header.Get("Content-Range"), offset) {
			// Server refused the range, or resumed from an unexpected
			// offset: discard the stale partial and restart from scratch
			// (spec.md §5).
			resp.Body.Close()
			if rmErr := os.Remove(tempPath); rmErr != nil && !os.IsNotExist(rmErr) {
				return apperr.NewWithCode("Pipeline.Fetch", rmErr, apperr.CodeFilesystem, "failed to discard stale partial")
			}
			return fetch(ctx, resolved, tempPath, onProgress)
		}
	} else if resp.StatusCode != http.StatusOK {
		return httpStatusError(resp.StatusCode)
	}

	flags := os.O_CREATE | os.O_WRONLY
	if resuming {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(tempPath, flags, 0644)
	if err != nil {
		return apperr.NewWithCode("Pipeline.Fetch", err, apperr.CodeFilesystem, "failed to open temp artifact")
	}
	defer f.Close()

	total := resolved.Size
	written := offset
	buf := make([]byte, fetchCopyChunk)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, werr := f.Write(buf[:n]); werr != nil {
				return apperr.NewWithCode("Pipeline.Fetch", werr, apperr.CodeFilesystem, "failed to write temp artifact")
			}
			written += int64(n)
			if onProgress != nil {
				onProgress(written, total)
			}
		}
		if readErr == io.EOF {
			return nil
		}
		if readErr != nil {
			return classifyTransportError(readErr)
		}
	}
}

// contentRangeStartsAt reports whether a "Content-Range: bytes start-end/total"
// header's start offset matches want. A missing or malformed header is
// treated as a mismatch: fetch falls back to the safe discard-and-restart
// path rather than trusting an unverifiable resume.
func contentRangeStartsAt(header string, want int64) bool {
	const prefix = "bytes "
	if !strings.HasPrefix(header, prefix) {
		return false
	}
	rest := strings.TrimPrefix(header, prefix)
	dash := strings.IndexByte(rest, '-')
	if dash < 0 {
		return false
	}
	start, err := strconv.ParseInt(rest[:dash], 10, 64)
	if err != nil {
		return false
	}
	return start == want
}

// classifyTransportError maps a connection-level failure (timeout, reset,
// DNS) to the transient class so the scheduler's retry policy (spec.md
// §4.2, §7) applies.
func classifyTransportError(err error) error {
	return apperr.Classify("Pipeline.Fetch", fmt.Errorf("%w: %v", apperr.ErrNetwork, err), apperr.ClassTransient)
}

func httpStatusError(status int) error {
	switch {
	case status >= 500:
		return apperr.Classify("Pipeline.Fetch", fmt.Errorf("%w: server error %d", apperr.ErrNetwork, status), apperr.ClassTransient)
	case status == http.StatusTooManyRequests:
		return apperr.Classify("Pipeline.Fetch", apperr.ErrRateLimited, apperr.ClassTransient)
	case status == http.StatusNotFound:
		return apperr.NewWithCode("Pipeline.Fetch", apperr.ErrNotFound, apperr.CodeNotFound, "track not found")
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return apperr.NewWithCode("Pipeline.Fetch", apperr.ErrAuthRequired, apperr.CodeAuthFailed, "unauthorized")
	default:
		return apperr.NewWithCode("Pipeline.Fetch", apperr.ErrResolveFailed, apperr.CodeOperationFailed, fmt.Sprintf("unexpected status %d", status))
	}
}
