// Package colly implements the Fetcher interface over the Colly collector.
package colly

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/Moze54/smartSpider/internal/proxy"
	"github.com/Moze54/smartSpider/internal/spider"
)

// Config controls the fetcher. The transport (connection pool) is shared by
// every fetch; collectors and their cookie jars are not.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxBodyBytes int
	IgnoreRobots bool
	MaxIdleConns int
	ConnsPerHost int
	// Proxies optionally routes fetches through a rotating proxy pool.
	Proxies *proxy.Pool
}

// Fetcher fetches pages through a fresh Colly collector per request. A fresh
// collector means a fresh cookie jar, so leased cookies never leak between
// fetches; the HTTP transport underneath is shared for connection reuse.
type Fetcher struct {
	cfg       Config
	transport *http.Transport
	logger    *zap.Logger
}

// New constructs a configured Colly-based Fetcher.
func New(cfg Config, logger *zap.Logger) *Fetcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxIdleConns <= 0 {
		cfg.MaxIdleConns = 64
	}
	if cfg.ConnsPerHost <= 0 {
		cfg.ConnsPerHost = 16
	}

	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.ConnsPerHost,
		MaxConnsPerHost:       cfg.ConnsPerHost,
		IdleConnTimeout:       30 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: cfg.Timeout,
		ForceAttemptHTTP2:     true,
	}
	if cfg.Proxies != nil {
		transport.Proxy = func(r *http.Request) (*url.URL, error) {
			u, err := cfg.Proxies.Next(r)
			if err != nil {
				return nil, err
			}
			// Annotate the request so the proxy address survives into
			// the response for health reporting.
			ctx := context.WithValue(r.Context(), colly.ProxyURLKey, u.String())
			*r = *r.WithContext(ctx)
			return u, nil
		}
	}

	return &Fetcher{cfg: cfg, transport: transport, logger: logger}
}

func (f *Fetcher) newCollector() *colly.Collector {
	opts := []colly.CollectorOption{
		colly.UserAgent(f.cfg.UserAgent),
	}
	if f.cfg.MaxBodyBytes > 0 {
		opts = append(opts, colly.MaxBodySize(f.cfg.MaxBodyBytes))
	}
	if f.cfg.IgnoreRobots {
		opts = append(opts, colly.IgnoreRobotsTxt())
	}
	collector := colly.NewCollector(opts...)
	collector.AllowURLRevisit = true
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.WithTransport(f.transport)
	return collector
}

// Fetch retrieves one page. Non-2xx responses are returned with their
// status code and a nil error; classification is the retry controller's
// concern.
func (f *Fetcher) Fetch(ctx context.Context, req spider.FetchRequest) (spider.FetchResponse, error) {
	collector := f.newCollector()
	collector.Context = ctx

	if len(req.Cookies) > 0 {
		cookies := make([]*http.Cookie, 0, len(req.Cookies))
		for name, value := range req.Cookies {
			cookies = append(cookies, &http.Cookie{Name: name, Value: value})
		}
		if err := collector.SetCookies(req.URL, cookies); err != nil {
			return spider.FetchResponse{}, err
		}
	}

	collector.OnRequest(func(r *colly.Request) {
		for key, values := range req.Header {
			for _, v := range values {
				r.Headers.Set(key, v)
			}
		}
	})

	resultCh := make(chan fetchResult, 1)
	var once sync.Once
	send := func(res fetchResult) {
		once.Do(func() { resultCh <- res })
	}
	start := time.Now()

	collector.OnResponse(func(r *colly.Response) {
		f.reportProxy(r, true)
		send(fetchResult{resp: toResponse(req.URL, r, time.Since(start))})
	})
	collector.OnError(func(r *colly.Response, err error) {
		// Colly routes non-2xx here; surface the status so the controller
		// can classify it instead of treating it as a transport failure.
		if r != nil && r.StatusCode != 0 {
			f.reportProxy(r, true)
			send(fetchResult{resp: toResponse(req.URL, r, time.Since(start))})
			return
		}
		f.reportProxy(r, false)
		if err == nil {
			err = errors.New("unknown colly error")
		}
		send(fetchResult{err: err})
	})

	// Visit reports non-2xx statuses as errors; the OnError handler has
	// already queued the real response by then, so the result channel is
	// authoritative and the Visit error is only a fallback.
	visitErr := collector.Visit(req.URL)
	collector.Wait()

	select {
	case res := <-resultCh:
		if err := ctx.Err(); err != nil {
			return spider.FetchResponse{}, err
		}
		res.resp.Duration = time.Since(start)
		return res.resp, res.err
	default:
		if visitErr != nil {
			return spider.FetchResponse{}, visitErr
		}
		return spider.FetchResponse{}, errors.New("colly fetch produced no result")
	}
}

// reportProxy feeds the fetch outcome back into the proxy pool. A response
// from the target, whatever its status, means the proxy itself worked.
func (f *Fetcher) reportProxy(r *colly.Response, ok bool) {
	if f.cfg.Proxies == nil || r == nil || r.Request == nil || r.Request.ProxyURL == "" {
		return
	}
	if ok {
		f.cfg.Proxies.ReportSuccess(r.Request.ProxyURL)
		return
	}
	f.cfg.Proxies.ReportFailure(r.Request.ProxyURL)
}

func toResponse(rawURL string, r *colly.Response, dur time.Duration) spider.FetchResponse {
	headers := http.Header{}
	if r.Headers != nil {
		for k, v := range *r.Headers {
			cp := make([]string, len(v))
			copy(cp, v)
			headers[k] = cp
		}
	}
	final := rawURL
	if r.Request != nil && r.Request.URL != nil {
		final = r.Request.URL.String()
	}
	return spider.FetchResponse{
		URL:        rawURL,
		FinalURL:   final,
		StatusCode: r.StatusCode,
		Header:     headers,
		Body:       append([]byte{}, r.Body...),
		Duration:   dur,
	}
}

type fetchResult struct {
	resp spider.FetchResponse
	err  error
}
