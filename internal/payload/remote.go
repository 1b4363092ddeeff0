package payload

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"flashkit/internal/xerrors"
)

// RemoteBlob is an HTTP range-read payload blob source (spec §4.7: "the
// extractor also supports a remote streaming mode: the blob is an HTTP
// range-read source"). It implements io.ReaderAt by issuing one ranged GET
// per call, retrying transient errors with exponential backoff (3
// attempts, factors 1x/2x/4x) before giving up.
type RemoteBlob struct {
	Client *http.Client
	URL    string
	Ctx    context.Context

	// BackoffUnit is the base retry delay (1x/2x/4x); defaults to 500ms.
	BackoffUnit time.Duration
	// Sleep lets tests substitute a no-op clock.
	Sleep func(time.Duration)
}

const maxRemoteAttempts = 3

// ReadAt issues a ranged GET for [off, off+len(p)) and copies the
// response body into p, retrying transient failures up to
// maxRemoteAttempts times.
func (r *RemoteBlob) ReadAt(p []byte, off int64) (int, error) {
	client := r.Client
	if client == nil {
		client = http.DefaultClient
	}
	unit := r.BackoffUnit
	if unit <= 0 {
		unit = 500 * time.Millisecond
	}
	sleep := r.Sleep
	if sleep == nil {
		sleep = time.Sleep
	}
	ctx := r.Ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var lastErr error
	for attempt := 0; attempt < maxRemoteAttempts; attempt++ {
		if attempt > 0 {
			sleep(unit * time.Duration(1<<uint(attempt-1)))
		}
		n, err := r.readOnce(ctx, client, p, off)
		if err == nil {
			return n, nil
		}
		lastErr = err
		if !isTransient(err) {
			break
		}
	}
	return 0, xerrors.Wrap(xerrors.KindDisconnected, "payload.RemoteBlob.ReadAt", "range %d-%d after %d attempts: %v", off, off+int64(len(p)), maxRemoteAttempts, lastErr)
}

func (r *RemoteBlob) readOnce(ctx context.Context, client *http.Client, p []byte, off int64) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", off, off+int64(len(p))-1))

	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusPartialContent && resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	n, err := io.ReadFull(resp.Body, p)
	if err != nil && err != io.ErrUnexpectedEOF {
		return n, err
	}
	return n, nil
}

// isTransient treats every non-nil error as transient, so every failure
// of readOnce (a connection error, a timeout, or an unexpected HTTP
// status) is retried until maxRemoteAttempts is reached.
func isTransient(err error) bool {
	return err != nil
}
