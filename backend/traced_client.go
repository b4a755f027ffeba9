package backend

import (
	"crypto/tls"
	"io"
	"net/http"
	"net/http/httptrace"
	"time"

	"viva/log"
)

type TracedClient struct {
	client *http.Client
}

func NewTracedClient() *TracedClient {
	return &TracedClient{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        4,
				MaxIdleConnsPerHost: 4,
				IdleConnTimeout:     90 * time.Second,
				ForceAttemptHTTP2:   true,
			},
		},
	}
}

type TracedResponse struct {
	Body       []byte
	StatusCode int
	Header     http.Header
	Metrics    log.NetworkMetrics
}

type tracer struct {
	m            log.NetworkMetrics
	dnsStart     time.Time
	connStart    time.Time
	tlsStart     time.Time
	wroteRequest time.Time
	start        time.Time
}

func (t *tracer) attach(req *http.Request) *http.Request {
	ms := func(d time.Duration) float64 { return float64(d.Microseconds()) / 1000 }
	trace := &httptrace.ClientTrace{
		GotConn:           func(info httptrace.GotConnInfo) { t.m.ConnReused = info.Reused },
		DNSStart:          func(httptrace.DNSStartInfo) { t.dnsStart = time.Now() },
		DNSDone:           func(httptrace.DNSDoneInfo) { t.m.DNSTimeMs = ms(time.Since(t.dnsStart)) },
		ConnectStart:      func(_, _ string) { t.connStart = time.Now() },
		ConnectDone:       func(_, _ string, _ error) { t.m.ConnTimeMs = ms(time.Since(t.connStart)) },
		TLSHandshakeStart: func() { t.tlsStart = time.Now() },
		TLSHandshakeDone: func(cs tls.ConnectionState, _ error) {
			t.m.TLSTimeMs = ms(time.Since(t.tlsStart))
			t.m.TLSProto = cs.NegotiatedProtocol
		},
		WroteRequest:         func(httptrace.WroteRequestInfo) { t.wroteRequest = time.Now() },
		GotFirstResponseByte: func() { t.m.TTFBMs = ms(time.Since(t.wroteRequest)) },
	}
	t.start = time.Now()
	return req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
}

func (t *tracer) finish() log.NetworkMetrics {
	t.m.TotalTimeMs = float64(time.Since(t.start).Microseconds()) / 1000
	return t.m
}

// Do sends req and reads the whole response body.
func (c *TracedClient) Do(req *http.Request) (*TracedResponse, error) {
	tr := &tracer{}
	req = tr.attach(req)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	return &TracedResponse{
		Body:       body,
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Metrics:    tr.finish(),
	}, nil
}

// Stream sends req and returns the open response for incremental reads.
// Metrics cover the time to response headers.
func (c *TracedClient) Stream(req *http.Request) (*http.Response, log.NetworkMetrics, error) {
	tr := &tracer{}
	req = tr.attach(req)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, log.NetworkMetrics{}, err
	}
	return resp, tr.finish(), nil
}

// WarmConnection opens a connection to url ahead of the first real call and
// reports the TLS handshake time (zero for plain HTTP).
func (c *TracedClient) WarmConnection(url string) (time.Duration, error) {
	var tlsStart time.Time
	var tlsDuration time.Duration
	trace := &httptrace.ClientTrace{
		TLSHandshakeStart: func() { tlsStart = time.Now() },
		TLSHandshakeDone:  func(_ tls.ConnectionState, _ error) { tlsDuration = time.Since(tlsStart) },
	}

	req, err := http.NewRequest(http.MethodHead, url, nil)
	if err != nil {
		return 0, err
	}
	req = req.WithContext(httptrace.WithClientTrace(req.Context(), trace))
	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return tlsDuration, nil
}
