package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/apascualco/edgeway/internal/application"
	"github.com/apascualco/edgeway/internal/domain"
)

const defaultMaxBodyBytes = 10 << 20

// ErrResponseTooLarge is returned when an upstream body exceeds the limit.
var ErrResponseTooLarge = errors.New("upstream response too large")

// Forwarder makes one buffered upstream call. The whole response is read
// before returning so the pipeline can still retry or cache it.
type Forwarder struct {
	client       *http.Client
	maxBodyBytes int64
}

func NewForwarder(maxBodyBytes int64) *Forwarder {
	if maxBodyBytes <= 0 {
		maxBodyBytes = defaultMaxBodyBytes
	}
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   5 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        200,
		MaxIdleConnsPerHost: 32,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Forwarder{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		maxBodyBytes: maxBodyBytes,
	}
}

func (f *Forwarder) Forward(ctx context.Context, target *domain.ServiceInstance, req *application.Request) (*application.Response, error) {
	u := &url.URL{
		Scheme:   "http",
		Host:     target.Address(),
		Path:     req.Path,
		RawQuery: req.RawQuery,
	}

	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}

	out, err := http.NewRequestWithContext(ctx, req.Method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("%w: building request: %v", domain.ErrUpstreamError, err)
	}
	out.Header = req.Header.Clone()
	if out.Header == nil {
		out.Header = http.Header{}
	}
	out.Host = target.Address()

	resp, err := f.client.Do(out)
	if err != nil {
		return nil, classify(ctx, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBodyBytes+1))
	if err != nil {
		return nil, classify(ctx, err)
	}
	if int64(len(data)) > f.maxBodyBytes {
		return nil, fmt.Errorf("%w: %w", domain.ErrUpstreamError, ErrResponseTooLarge)
	}

	return &application.Response{
		Status: resp.StatusCode,
		Header: resp.Header.Clone(),
		Body:   data,
	}, nil
}

func classify(ctx context.Context, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrUpstreamTimeout, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrUpstreamError, err)
}
