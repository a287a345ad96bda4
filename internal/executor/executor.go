// Package executor performs single HTTP pings against targets and turns every
// outcome, including transport failures, into a models.Attempt.
package executor

import (
	"context"
	"crypto/tls"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"pingrobot/internal/models"
	"pingrobot/internal/telemetry"
)

// DefaultTimeout bounds a single request including the body read.
const DefaultTimeout = 10 * time.Second

// Options configures an Executor.
type Options struct {
	Timeout            time.Duration
	InsecureSkipVerify bool
	// RequestsPerSecond caps outbound requests across all targets. Zero disables the cap.
	RequestsPerSecond float64
	Metrics           *telemetry.Metrics
	// Transport overrides the default transport, mainly for tests.
	Transport http.RoundTripper
}

// Executor issues HTTP requests for targets. It is safe for concurrent use.
type Executor struct {
	client  *http.Client
	timeout time.Duration
	limiter *rate.Limiter
	metrics *telemetry.Metrics
	now     func() time.Time
}

// New creates an Executor. Redirects are never followed; a 3xx is recorded as is.
func New(opts Options) *Executor {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	transport := opts.Transport
	if transport == nil {
		t := http.DefaultTransport.(*http.Transport).Clone()
		t.TLSClientConfig = &tls.Config{InsecureSkipVerify: opts.InsecureSkipVerify}
		transport = t
	}

	var limiter *rate.Limiter
	if opts.RequestsPerSecond > 0 {
		burst := int(opts.RequestsPerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), burst)
	}

	return &Executor{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: timeout,
		limiter: limiter,
		metrics: opts.Metrics,
		now:     time.Now,
	}
}

// Timeout returns the per-request timeout.
func (e *Executor) Timeout() time.Duration { return e.timeout }

// sendsBody reports whether the body template is sent for method.
func sendsBody(method string) bool {
	switch method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return true
	}
	return false
}

// Execute pings target once. It never fails: transport errors are classified
// into the returned attempt's ErrorType.
func (e *Executor) Execute(ctx context.Context, target models.Target) models.Attempt {
	if e.limiter != nil {
		if err := e.limiter.Wait(ctx); err != nil {
			return e.finish(models.Attempt{Timestamp: e.now().UTC(), ErrorType: Classify(err)})
		}
	}

	start := e.now()
	attempt := models.Attempt{Timestamp: start.UTC()}

	reqCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	var body io.Reader
	if target.BodyTemplate != nil && sendsBody(target.Method) {
		body = strings.NewReader(*target.BodyTemplate)
	}

	method := target.Method
	if method == "" {
		method = http.MethodGet
	}
	req, err := http.NewRequestWithContext(reqCtx, method, target.URL, body)
	if err != nil {
		attempt.ErrorType = Classify(err)
		attempt.LatencyMS = elapsedMS(start, e.now())
		return e.finish(attempt)
	}
	for k, v := range target.Headers {
		if strings.EqualFold(k, "Host") {
			req.Host = v
			continue
		}
		req.Header.Set(k, v)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		attempt.ErrorType = Classify(err)
		attempt.LatencyMS = elapsedMS(start, e.now())
		return e.finish(attempt)
	}

	n, err := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	attempt.LatencyMS = elapsedMS(start, e.now())
	if err != nil {
		attempt.ErrorType = Classify(err)
		return e.finish(attempt)
	}

	code := resp.StatusCode
	attempt.StatusCode = &code
	attempt.ResponseSize = n
	attempt.ErrorType = classifyStatus(code)
	return e.finish(attempt)
}

func (e *Executor) finish(a models.Attempt) models.Attempt {
	e.metrics.ObserveAttempt(a)
	return a
}

func elapsedMS(start, end time.Time) float64 {
	return models.RoundMS(float64(end.Sub(start)) / float64(time.Millisecond))
}

func classifyStatus(code int) models.ErrorType {
	switch {
	case code >= 400 && code < 500:
		return models.Error4xx
	case code >= 500 && code < 600:
		return models.Error5xx
	}
	return models.ErrorNone
}
