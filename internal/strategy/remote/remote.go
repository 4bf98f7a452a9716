// Package remote delegates the fetch to an external download service over
// HTTPS.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"

	"github.com/italolelis/video_acquirer/internal/acquire"
	"github.com/italolelis/video_acquirer/internal/downloader"
	"github.com/italolelis/video_acquirer/internal/failure"
	"github.com/italolelis/video_acquirer/internal/identity"
	"github.com/italolelis/video_acquirer/internal/logctx"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"
)

// Name identifies the strategy in results, logs and metrics.
const Name = "remote-service"

const maxErrorBody = 4 * 1024

var _ acquire.Strategy = (*Strategy)(nil)

type Config struct {
	Endpoint string
	// Token is sent as a bearer token when set.
	Token string
	// RequestsPerSecond throttles calls to the service; zero disables it.
	RequestsPerSecond float64
}

// Strategy posts {"url": ...} to the service. The service answers with
// either the video bytes or a JSON envelope pointing at them.
type Strategy struct {
	endpoint   string
	httpClient *http.Client
	limiter    *rate.Limiter
}

type Option func(*Strategy)

// WithHTTPClient replaces the traced, token-authenticated default client.
func WithHTTPClient(c *http.Client) Option {
	return func(s *Strategy) {
		s.httpClient = c
	}
}

func New(cfg Config, opts ...Option) *Strategy {
	base := &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}

	client := base
	if cfg.Token != "" {
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
		client = oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: cfg.Token}))
	}

	s := &Strategy{
		endpoint:   cfg.Endpoint,
		httpClient: client,
	}

	if cfg.RequestsPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *Strategy) Name() string { return Name }

func (s *Strategy) UsesIdentity() bool { return false }

// envelope is the JSON answer of services that return a link instead of bytes.
type envelope struct {
	VideoURL string `json:"videoUrl"`
	URL      string `json:"url"`
	Error    string `json:"error"`
}

func (s *Strategy) Fetch(ctx context.Context, req acquire.Request, _ *identity.Identity) error {
	logger := logctx.LoggerFromContext(ctx).With("strategy", Name)

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return &failure.Error{Strategy: Name, Operation: "throttle", Message: err.Error(), Timeout: true, Err: err}
		}
	}

	body, err := json.Marshal(map[string]string{"url": req.URL()})
	if err != nil {
		return failure.Wrap(Name, "request", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(body))
	if err != nil {
		return failure.Wrap(Name, "request", err)
	}

	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/octet-stream, video/*, application/json")

	logger.Debug("requesting remote download", "endpoint", s.endpoint)

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return failure.Wrap(Name, "request", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("request", resp); err != nil {
		return err
	}

	if !isJSON(resp.Header.Get("Content-Type")) {
		return s.save(ctx, resp, req.Destination())
	}

	var env envelope
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxErrorBody)).Decode(&env); err != nil {
		return failure.Wrap(Name, "decode", err)
	}

	if env.Error != "" {
		return &failure.Error{Strategy: Name, Operation: "response", Message: env.Error}
	}

	videoURL := env.VideoURL
	if videoURL == "" {
		videoURL = env.URL
	}

	if videoURL == "" {
		return &failure.Error{Strategy: Name, Operation: "response", Message: "response carries no video url"}
	}

	logger.Debug("downloading from remote link")

	return s.stream(ctx, videoURL, req.Destination())
}

func (s *Strategy) stream(ctx context.Context, videoURL, dest string) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, videoURL, nil)
	if err != nil {
		return failure.Wrap(Name, "stream", err)
	}

	resp, err := s.httpClient.Do(httpReq)
	if err != nil {
		return failure.Wrap(Name, "stream", err)
	}
	defer resp.Body.Close()

	if err := checkStatus("stream", resp); err != nil {
		return err
	}

	return s.save(ctx, resp, dest)
}

func (s *Strategy) save(ctx context.Context, resp *http.Response, dest string) error {
	if _, err := downloader.Save(ctx, resp.Body, dest, resp.ContentLength); err != nil {
		return failure.Wrap(Name, "stream", err)
	}

	return nil
}

func checkStatus(operation string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	msg := strings.TrimSpace(string(data))
	if msg == "" {
		msg = http.StatusText(resp.StatusCode)
	}

	return &failure.Error{
		Strategy:   Name,
		Operation:  operation,
		StatusCode: resp.StatusCode,
		Message:    msg,
		Err:        fmt.Errorf("unexpected status %d", resp.StatusCode),
	}
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	return mediaType == "application/json"
}
