// Copyright 2022 Drone.IO Inc. All rights reserved.
// Use of this source code is governed by the Polyform License
// that can be found in the LICENSE file.

// Package remote implements the log service client over HTTP. The
// historical read is a bounded JSON request; the follow stream is a
// long-lived NDJSON response consumed line by line.
package remote

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"

	cerrors "github.com/chronotail/chronotail/errors"
	"github.com/chronotail/chronotail/internal/safego"
	"github.com/chronotail/chronotail/logstream"
)

const (
	listEndpoint   = "/logs?accountID=%s&key=%s"
	streamEndpoint = "/logs/stream?accountID=%s&key=%s"

	// generous ceiling for a single NDJSON frame.
	maxFrameBytes = 1024 * 1024
)

var _ logstream.Client = (*HTTPClient)(nil)

// defaultClient is the default http.Client.
var defaultClient = &http.Client{
	CheckRedirect: func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// NewHTTPClient returns a new HTTPClient.
func NewHTTPClient(endpoint, accountID, token string, skipverify bool) *HTTPClient {
	client := &HTTPClient{
		Endpoint:   endpoint,
		AccountID:  accountID,
		Token:      token,
		SkipVerify: skipverify,
	}
	if skipverify {
		client.Client = &http.Client{
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				TLSClientConfig: &tls.Config{
					InsecureSkipVerify: true,
				},
			},
		}
	}
	return client
}

// HTTPClient provides an http log service client.
type HTTPClient struct {
	Client     *http.Client
	Endpoint   string // Example: http://localhost:port
	Token      string // Per account token to validate against
	AccountID  string
	SkipVerify bool
}

// List returns a page of historical lines. It issues exactly one
// bounded request; retry on failure is the caller's decision.
func (c *HTTPClient) List(ctx context.Context, key string, opts logstream.ListOptions) (*logstream.ListResult, error) {
	path := fmt.Sprintf(listEndpoint, c.AccountID, url.QueryEscape(key))
	path += "&" + listQuery(opts).Encode()

	out := new(listResponse)
	childCtx, cancel := context.WithTimeout(ctx, 30*time.Second) //nolint:gomnd
	defer cancel()
	if _, err := c.do(childCtx, c.Endpoint+path, "GET", nil, out); err != nil { //nolint:bodyclose
		return nil, err
	}

	res := &logstream.ListResult{Exhausted: out.Exhausted}
	for _, raw := range out.Lines {
		line, ok := logstream.Normalize(raw)
		if !ok {
			continue
		}
		res.Lines = append(res.Lines, line)
	}
	return res, nil
}

func listQuery(opts logstream.ListOptions) url.Values {
	q := url.Values{}
	q.Set("limit", strconv.Itoa(opts.Limit))
	if opts.Filter != "" {
		q.Set("filter", opts.Filter)
	}
	switch opts.Direction {
	case logstream.DirectionOlder:
		q.Set("direction", "older")
		// pull the cursor back 1ms so the boundary line the buffer
		// already holds is not fetched again.
		q.Set("cursor", strconv.FormatInt(opts.Cursor.Add(-time.Millisecond).UnixMilli(), 10))
	default:
		q.Set("direction", "initial")
	}
	return q
}

// Stream opens the follow stream. The returned stream stays open
// until cancelled, the remote closes it, or the transport fails.
func (c *HTTPClient) Stream(ctx context.Context, key string, opts logstream.StreamOptions) (logstream.LineStream, error) {
	if c.Token == "" {
		return nil, &cerrors.AuthError{Msg: "no access token available for log stream"}
	}

	path := fmt.Sprintf(streamEndpoint, c.AccountID, url.QueryEscape(key))
	q := url.Values{}
	q.Set("follow", strconv.FormatBool(opts.Follow))
	q.Set("tail", strconv.Itoa(opts.Tail))
	if opts.Filter != "" {
		q.Set("filter", opts.Filter)
	}
	path += "&" + q.Encode()

	streamCtx, cancel := context.WithCancel(ctx)
	req, err := http.NewRequestWithContext(streamCtx, "GET", c.Endpoint+path, nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Add("X-Account-Token", c.Token)

	res, err := c.client().Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if res.StatusCode > 299 { //nolint:gomnd
		err := responseError(res)
		res.Body.Close()
		cancel()
		return nil, err
	}

	s := &httpStream{
		cancel: cancel,
		lines:  make(chan logstream.Line, 64), //nolint:gomnd
		done:   make(chan struct{}),
	}
	safego.SafeGo("log_stream_read", func() {
		s.run(streamCtx, res.Body)
	})
	return s, nil
}

// httpStream consumes one NDJSON stream response.
type httpStream struct {
	cancel context.CancelFunc
	lines  chan logstream.Line
	done   chan struct{}

	mu  sync.Mutex
	err error
}

func (s *httpStream) Lines() <-chan logstream.Line {
	return s.lines
}

// Err blocks until the stream has terminated and returns its
// terminal error. Cancellation yields the context's error.
func (s *httpStream) Err() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close cancels the stream. Safe to call any number of times.
func (s *httpStream) Close() error {
	s.cancel()
	return nil
}

func (s *httpStream) run(ctx context.Context, body io.ReadCloser) {
	defer close(s.done)
	defer close(s.lines)

	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 64*1024), maxFrameBytes) //nolint:gomnd
	for scanner.Scan() {
		frame := scanner.Bytes()
		if len(frame) == 0 {
			continue
		}
		raw := logstream.RawLine{}
		if err := json.Unmarshal(frame, &raw); err != nil {
			logrus.WithError(err).Debugln("stream: skipping malformed frame")
			continue
		}
		line, ok := logstream.Normalize(raw)
		if !ok {
			continue
		}
		select {
		case s.lines <- line:
		case <-ctx.Done():
			body.Close() // nolint: errcheck
			s.setErr(ctx.Err())
			return
		}
	}

	var result *multierror.Error
	if err := scanner.Err(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := body.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if ctx.Err() != nil {
		// a cancelled read surfaces as a read error; report the
		// cancellation instead.
		s.setErr(ctx.Err())
		return
	}
	s.setErr(result.ErrorOrNil())
}

func (s *httpStream) setErr(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
}

// do is a helper function that issues an http request with the
// input encoded and response decoded from json.
func (c *HTTPClient) do(ctx context.Context, path, method string, in io.Reader, out interface{}) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, path, in)
	if err != nil {
		return nil, err
	}

	// the request should include the secret shared between
	// the client and the log service for authorization.
	req.Header.Add("X-Account-Token", c.Token)
	res, err := c.client().Do(req)
	if res != nil {
		defer func() {
			// drain the response body so we can reuse
			// this connection.
			if _, cerr := io.Copy(io.Discard, io.LimitReader(res.Body, 4096)); cerr != nil { //nolint:gomnd
				logrus.WithError(cerr).Errorln("failed to drain response body")
			}
			res.Body.Close()
		}()
	}
	if err != nil {
		return res, err
	}

	if res.StatusCode == 204 { //nolint:gomnd
		return res, nil
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return res, err
	}

	if res.StatusCode > 299 { //nolint:gomnd
		// if the response body includes an error message
		// we should return the error string.
		if len(body) != 0 {
			out := new(struct {
				Message string `json:"error_msg"`
			})
			if err := json.Unmarshal(body, out); err == nil {
				return res, &Error{Code: res.StatusCode, Message: out.Message}
			}
			return res, &Error{Code: res.StatusCode, Message: string(body)}
		}
		return res, errors.New(
			http.StatusText(res.StatusCode),
		)
	}
	if out == nil {
		return res, nil
	}
	return res, json.Unmarshal(body, out)
}

func responseError(res *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(res.Body, 4096)) //nolint:gomnd
	if len(body) != 0 {
		out := new(struct {
			Message string `json:"error_msg"`
		})
		if err := json.Unmarshal(body, out); err == nil && out.Message != "" {
			return &Error{Code: res.StatusCode, Message: out.Message}
		}
		return &Error{Code: res.StatusCode, Message: string(body)}
	}
	return errors.New(http.StatusText(res.StatusCode))
}

// client is a helper function that returns the default client
// if a custom client is not defined.
func (c *HTTPClient) client() *http.Client {
	if c.Client == nil {
		return defaultClient
	}
	return c.Client
}
