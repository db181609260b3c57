package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"time"
)

// httpFetcher implements transfer.URLFetcher against net/http, the
// worker-side half of a PutURL request (§4.4).
type httpFetcher struct {
	client *http.Client
}

func newHTTPFetcher(timeout time.Duration) *httpFetcher {
	return &httpFetcher{client: &http.Client{Timeout: timeout}}
}

func (f *httpFetcher) Fetch(ctx context.Context, url string, dest io.Writer) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch %s: unexpected status %s", url, resp.Status)
	}
	_, err = io.Copy(dest, resp.Body)
	return err
}

// execRunner implements transfer.CommandRunner by running the command
// through a shell and capturing its stdout, the worker-side half of a
// PutCmd request.
type execRunner struct{}

func (execRunner) Run(ctx context.Context, command string, dest io.Writer) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Stdout = dest
	return cmd.Run()
}
