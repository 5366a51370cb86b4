package connectivity

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// DefaultMaxBody caps response reads (10 MiB).
const DefaultMaxBody int64 = 10 << 20

// RequestFunc builds the HTTP request for one call from its payload.
type RequestFunc func(ctx context.Context, payload []byte) (*http.Request, error)

// HTTPHandler turns a request builder into a Handler. The response body is
// returned for 2xx statuses; anything else is a *StatusError.
func HTTPHandler(client *http.Client, service string, build RequestFunc) Handler {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context, payload []byte) ([]byte, error) {
		req, err := build(ctx, payload)
		if err != nil {
			return nil, fmt.Errorf("connectivity/%s: build request: %w", service, err)
		}

		resp, err := client.Do(req)
		if err != nil {
			// the URL may carry credentials; keep it out of error text
			var ue *url.Error
			if errors.As(err, &ue) {
				err = ue.Err
			}
			return nil, fmt.Errorf("connectivity/%s: do request: %w", service, err)
		}
		defer resp.Body.Close()

		body, err := limitedReadAll(resp.Body, DefaultMaxBody)
		if err != nil {
			return nil, fmt.Errorf("connectivity/%s: read response: %w", service, err)
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return nil, &StatusError{Service: service, Code: resp.StatusCode, Body: body}
		}
		return body, nil
	}
}

// JSONPost returns a RequestFunc that POSTs the payload as JSON to url with
// the given extra headers.
func JSONPost(url string, header http.Header) RequestFunc {
	return func(ctx context.Context, payload []byte) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		for k, vs := range header {
			for _, v := range vs {
				req.Header.Add(k, v)
			}
		}
		req.Header.Set("Content-Type", "application/json")
		return req, nil
	}
}

func limitedReadAll(r io.Reader, max int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, max+1))
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > max {
		return nil, ErrBodyTooLarge
	}
	return data, nil
}
