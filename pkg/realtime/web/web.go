// web.go
//
// Copyright (c) 2026 Kristofer Berggren
// All rights reserved.
//
// nchat is distributed under the MIT license, see LICENSE for details.

package web

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/net/proxy"
)

const (
	DefaultOrigin    = "https://www.messenger.com"
	DefaultUserAgent = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

type ContentType string

const (
	ContentTypeJSON ContentType = "application/json"
	ContentTypeForm ContentType = "application/x-www-form-urlencoded"
)

var ErrUnsupportedProxy = errors.New("unsupported proxy scheme")

// NewHTTPClient returns a client that routes through proxyAddr when it is
// set. socks5 proxies are dialed with x/net/proxy, http(s) proxies go through
// the transport's CONNECT support.
func NewHTTPClient(proxyAddr string, timeout time.Duration) (*http.Client, error) {
	transport := &http.Transport{
		ForceAttemptHTTP2:   true,
		TLSHandshakeTimeout: 15 * time.Second,
		IdleConnTimeout:     90 * time.Second,
	}
	if proxyAddr != "" {
		proxyURL, err := url.Parse(proxyAddr)
		if err != nil {
			return nil, fmt.Errorf("failed to parse proxy address: %w", err)
		}
		switch proxyURL.Scheme {
		case "http", "https":
			transport.Proxy = http.ProxyURL(proxyURL)
		case "socks5", "socks5h":
			dialer, err := proxy.FromURL(proxyURL, proxy.Direct)
			if err != nil {
				return nil, fmt.Errorf("failed to create socks dialer: %w", err)
			}
			contextDialer, ok := dialer.(proxy.ContextDialer)
			if !ok {
				return nil, fmt.Errorf("%w: %s dialer has no context support", ErrUnsupportedProxy, proxyURL.Scheme)
			}
			transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
				return contextDialer.DialContext(ctx, network, addr)
			}
		default:
			return nil, fmt.Errorf("%w: %q", ErrUnsupportedProxy, proxyURL.Scheme)
		}
	}
	return &http.Client{Transport: transport, Timeout: timeout}, nil
}

type HTTPReqOpt struct {
	Body        []byte
	ContentType ContentType
	Headers     http.Header
	Cookie      string
	UserAgent   string
}

var httpReqCounter atomic.Int64

func SendHTTPRequest(ctx context.Context, client *http.Client, method, urlStr string, opt *HTTPReqOpt) (*http.Response, error) {
	if opt == nil {
		opt = &HTTPReqOpt{}
	}
	log := zerolog.Ctx(ctx).With().
		Str("action", "send HTTP request").
		Str("method", method).
		Str("url", urlStr).
		Logger()
	ctx = log.WithContext(ctx)

	req, err := http.NewRequestWithContext(ctx, method, urlStr, bytes.NewReader(opt.Body))
	if err != nil {
		log.Err(err).Msg("Error creating request")
		return nil, err
	}
	for key, values := range opt.Headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if opt.ContentType != "" {
		req.Header.Set("Content-Type", string(opt.ContentType))
	} else if len(opt.Body) > 0 {
		req.Header.Set("Content-Type", string(ContentTypeJSON))
	}
	req.Header.Set("Content-Length", strconv.Itoa(len(opt.Body)))
	if opt.UserAgent != "" {
		req.Header.Set("User-Agent", opt.UserAgent)
	} else {
		req.Header.Set("User-Agent", DefaultUserAgent)
	}
	if opt.Cookie != "" {
		req.Header.Set("Cookie", opt.Cookie)
	}
	if req.Header.Get("Origin") == "" {
		req.Header.Set("Origin", DefaultOrigin)
	}

	log = log.With().Int64("request_number", httpReqCounter.Add(1)).Logger()
	log.Trace().Msg("Sending HTTP request")
	resp, err := client.Do(req)
	if err != nil {
		log.Err(err).Msg("Error sending request")
		return nil, err
	}
	log.Debug().Int("status_code", resp.StatusCode).Msg("Received HTTP response")
	return resp, nil
}

func CloseBody(resp *http.Response) {
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
}

// ReadHTTPResponseBody checks the status code and returns the whole body.
func ReadHTTPResponseBody(ctx context.Context, resp *http.Response) ([]byte, error) {
	defer CloseBody(resp)
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		zerolog.Ctx(ctx).Debug().
			Str("body", string(body)).
			Int("status_code", resp.StatusCode).
			Msg("Unexpected status code")
		return body, fmt.Errorf("unexpected status code: %d %s", resp.StatusCode, resp.Status)
	}
	return body, nil
}
