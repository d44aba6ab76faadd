package comtrade

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"golang.org/x/time/rate"

	"tradeingest/internal/config"
	"tradeingest/internal/metrics"
	"tradeingest/internal/model"
	"tradeingest/internal/providers"
)

const (
	defaultBaseURL         = "https://comtradeapi.un.org/"
	defaultDataPath        = "tariffline/v1/get/{type}/{freq}/{cl}"
	defaultType            = "C"
	defaultFrequency       = "M"
	defaultClassification  = "HS"
	defaultRecordLimit     = 100000
	defaultRateLimitPerSec = 1
	defaultRateLimitBurst  = 1
	defaultTimeoutSeconds  = 60
	defaultUserAgent       = "tradeingest/0.1"
	subscriptionKeyHeader  = "Ocp-Apim-Subscription-Key"
)

// ErrQuotaExhausted means every configured credential has spent its budget for the current UTC day.
var ErrQuotaExhausted = providers.ErrQuotaExhausted

var errCredentialQuota = errors.New("comtrade: credential quota exceeded")

// NetworkError is a request that failed after retries, or failed in a way retrying cannot fix.
type NetworkError struct {
	Status    int
	Retryable bool
	Err       error
}

func (e *NetworkError) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("comtrade: request failed (status %d): %v", e.Status, e.Err)
	}
	return fmt.Sprintf("comtrade: request failed: %v", e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

type Config struct {
	BaseURL         string
	DataPath        string
	Type            string
	Frequency       string
	Classification  string
	APIKeyPrimary   string
	APIKeySecondary string
	RecordLimit     int
	Timeout         time.Duration
	UserAgent       string
	RateLimitPerSec float64
	RateLimitBurst  int
	Retry           RetryPolicy
	Quota           *QuotaState
	HTTPClient      *http.Client
	Clock           clockwork.Clock
	Logger          *slog.Logger
}

// ConfigFromSettings maps the loaded API settings onto a gateway config.
func ConfigFromSettings(api config.APIConfig, quota *QuotaState) Config {
	retry := DefaultRetryPolicy()
	retry.MaxAttempts = api.MaxRetries
	retry.BaseDelay = api.RetryBaseDelay
	retry.MaxDelay = api.RetryMaxDelay
	return Config{
		BaseURL:         api.BaseURL,
		APIKeyPrimary:   api.KeyPrimary,
		APIKeySecondary: api.KeySecondary,
		RecordLimit:     api.RecordLimit,
		Timeout:         api.Timeout,
		RateLimitPerSec: api.RateLimitPerSec,
		RateLimitBurst:  api.RateLimitBurst,
		Retry:           retry,
		Quota:           quota,
	}
}

type credentialKey struct {
	name model.Credential
	key  string
}

type Gateway struct {
	config      Config
	client      *http.Client
	limiter     *rate.Limiter
	quota       *QuotaState
	clock       clockwork.Clock
	log         *slog.Logger
	credentials []credentialKey
	order       []model.Credential
	calls       atomic.Int64
}

func New(cfg Config) (*Gateway, error) {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.DataPath) == "" {
		cfg.DataPath = defaultDataPath
	}
	if strings.TrimSpace(cfg.Type) == "" {
		cfg.Type = defaultType
	}
	if strings.TrimSpace(cfg.Frequency) == "" {
		cfg.Frequency = defaultFrequency
	}
	if strings.TrimSpace(cfg.Classification) == "" {
		cfg.Classification = defaultClassification
	}
	if cfg.RecordLimit <= 0 {
		cfg.RecordLimit = defaultRecordLimit
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeoutSeconds * time.Second
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = defaultUserAgent
	}
	if cfg.RateLimitPerSec <= 0 {
		cfg.RateLimitPerSec = defaultRateLimitPerSec
	}
	if cfg.RateLimitBurst <= 0 {
		cfg.RateLimitBurst = defaultRateLimitBurst
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Quota == nil {
		return nil, errors.New("comtrade: quota state is required")
	}

	credentials := []credentialKey{}
	if key := strings.TrimSpace(cfg.APIKeyPrimary); key != "" {
		credentials = append(credentials, credentialKey{name: model.CredentialPrimary, key: key})
	}
	if key := strings.TrimSpace(cfg.APIKeySecondary); key != "" && key != strings.TrimSpace(cfg.APIKeyPrimary) {
		credentials = append(credentials, credentialKey{name: model.CredentialSecondary, key: key})
	}
	if len(credentials) == 0 {
		return nil, errors.New("comtrade: api key is required (COMTRADE_API_KEY_PRIMARY)")
	}
	order := make([]model.Credential, 0, len(credentials))
	for _, cred := range credentials {
		order = append(order, cred.name)
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	return &Gateway{
		config:      cfg,
		client:      client,
		limiter:     rate.NewLimiter(rate.Limit(cfg.RateLimitPerSec), cfg.RateLimitBurst),
		quota:       cfg.Quota,
		clock:       cfg.Clock,
		log:         cfg.Logger,
		credentials: credentials,
		order:       order,
	}, nil
}

func (g *Gateway) Name() string {
	return "comtrade"
}

// Calls reports successful provider calls made by this gateway.
func (g *Gateway) Calls() int {
	return int(g.calls.Load())
}

func (g *Gateway) RecordLimit() int {
	return g.config.RecordLimit
}

// RemainingCalls is the unreserved budget across all configured credentials.
func (g *Gateway) RemainingCalls() int {
	return g.quota.Remaining(g.order)
}

// Fetch requests one unit. The active credential is the first in order with budget left; a
// credential the provider reports as over quota is marked exhausted and the next one is tried.
func (g *Gateway) Fetch(ctx context.Context, unit model.FetchUnit) (providers.Payload, error) {
	params := g.params(unit)
	started := g.clock.Now()
	for {
		cred, err := g.quota.Reserve(g.order)
		if err != nil {
			g.log.Warn("comtrade: no credential has budget left", "unit", unit.Key())
			metrics.APIRequests.WithLabelValues("none", "quota").Inc()
			return providers.Payload{}, err
		}

		body, err := g.fetchWithRetry(ctx, unit, params, cred)
		if err != nil {
			g.quota.Release(cred)
			if errors.Is(err, errCredentialQuota) {
				if markErr := g.quota.MarkExhausted(cred); markErr != nil {
					g.log.Warn("comtrade: failed to persist quota state", "error", markErr)
				}
				g.log.Info("comtrade: rotating credential", "exhausted", cred)
				continue
			}
			metrics.FetchDuration.WithLabelValues("error").Observe(g.clock.Since(started).Seconds())
			return providers.Payload{}, err
		}

		if err := g.quota.Commit(cred); err != nil {
			g.log.Warn("comtrade: failed to persist quota state", "error", err)
		}
		g.calls.Add(1)
		metrics.FetchDuration.WithLabelValues("ok").Observe(g.clock.Since(started).Seconds())

		records, err := providers.CountRecords(body)
		if err != nil {
			return providers.Payload{}, &NetworkError{Status: http.StatusOK, Retryable: false, Err: err}
		}
		payload := providers.Payload{
			Body:       body,
			Records:    records,
			Truncated:  records >= g.config.RecordLimit,
			Credential: cred,
			FetchedAt:  g.clock.Now().UTC(),
		}
		if payload.Truncated {
			g.log.Warn("comtrade: response reached the record limit", "unit", unit.Key(), "records", records, "limit", g.config.RecordLimit)
		}
		return payload, nil
	}
}

func (g *Gateway) fetchWithRetry(ctx context.Context, unit model.FetchUnit, params url.Values, cred model.Credential) ([]byte, error) {
	key := g.keyFor(cred)
	attempts := g.config.Retry.attempts()
	for attempt := 1; ; attempt++ {
		if err := g.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		body, status, retryAfter, err := g.doRequest(ctx, params, key)
		logAttrs := []any{"credential", cred, "attempt", attempt, "status", status, "reporter", unit.Reporter, "period", unit.Period.String()}
		if !unit.Refinement.IsZero() {
			logAttrs = append(logAttrs, "refinement", string(unit.Refinement.Kind)+"="+unit.Refinement.Code)
		}

		if err == nil {
			g.log.Debug("comtrade: request", append(logAttrs, "outcome", "ok")...)
			metrics.APIRequests.WithLabelValues(string(cred), "ok").Inc()
			return body, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		if errors.Is(err, errCredentialQuota) {
			g.log.Warn("comtrade: request", append(logAttrs, "outcome", "quota")...)
			metrics.APIRequests.WithLabelValues(string(cred), "quota").Inc()
			return nil, err
		}

		retryable := isRetryable(status)
		if !retryable || attempt >= attempts {
			g.log.Warn("comtrade: request", append(logAttrs, "outcome", "fatal", "error", err)...)
			metrics.APIRequests.WithLabelValues(string(cred), "fatal").Inc()
			return nil, &NetworkError{Status: status, Retryable: retryable, Err: err}
		}

		delay := g.config.Retry.Delay(attempt)
		if retryAfter > delay {
			delay = retryAfter
		}
		g.log.Info("comtrade: request", append(logAttrs, "outcome", "retry", "delay", delay, "error", err)...)
		metrics.APIRequests.WithLabelValues(string(cred), "retry").Inc()
		if err := sleepWithContext(ctx, g.clock, delay); err != nil {
			return nil, err
		}
	}
}

func (g *Gateway) params(unit model.FetchUnit) url.Values {
	params := url.Values{}
	params.Set("reporterCode", reporterCode(unit.Reporter))
	params.Set("period", unit.Period.String())
	params.Set("flowCode", string(unit.Flow))
	switch unit.Refinement.Kind {
	case model.RefineCommodity:
		params.Set("cmdCode", unit.Refinement.Code)
	case model.RefinePartner:
		params.Set("partnerCode", unit.Refinement.Code)
	}
	params.Set("maxRecords", strconv.Itoa(g.config.RecordLimit))
	return params
}

// reporterCode maps a known ISO2 code to its M49 code; anything else is passed through.
func reporterCode(reporter string) string {
	if known, ok := model.LookupReporter(reporter); ok {
		return known.M49
	}
	return reporter
}

func (g *Gateway) keyFor(cred model.Credential) string {
	for _, c := range g.credentials {
		if c.name == cred {
			return c.key
		}
	}
	return ""
}

func (g *Gateway) dataURL() string {
	path := strings.TrimLeft(g.config.DataPath, "/")
	path = strings.ReplaceAll(path, "{type}", url.PathEscape(g.config.Type))
	path = strings.ReplaceAll(path, "{freq}", url.PathEscape(g.config.Frequency))
	path = strings.ReplaceAll(path, "{cl}", url.PathEscape(g.config.Classification))
	return strings.TrimRight(g.config.BaseURL, "/") + "/" + path
}

func (g *Gateway) doRequest(ctx context.Context, params url.Values, apiKey string) ([]byte, int, time.Duration, error) {
	uri := g.dataURL() + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, uri, nil)
	if err != nil {
		return nil, 0, 0, err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set(subscriptionKeyHeader, apiKey)
	if g.config.UserAgent != "" {
		req.Header.Set("User-Agent", g.config.UserAgent)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, 0, 0, err
	}
	defer resp.Body.Close()

	// A body cut short by a reset or client timeout is a transport failure, whatever the status line said.
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("read body (status %d): %w", resp.StatusCode, err)
	}

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		retryAfter := g.parseRetryAfter(resp, body)
		if (resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusTooManyRequests) && isQuotaExceeded(body) {
			return nil, resp.StatusCode, retryAfter, fmt.Errorf("%w: %s", errCredentialQuota, strings.TrimSpace(string(body)))
		}
		return nil, resp.StatusCode, retryAfter, fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}

	return body, resp.StatusCode, 0, nil
}

// isRetryable reports whether a failed attempt may succeed on retry. Status 0 is a transport
// error or timeout.
func isRetryable(status int) bool {
	switch {
	case status == 0:
		return true
	case status == http.StatusTooManyRequests, status == http.StatusRequestTimeout:
		return true
	case status >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}

func (g *Gateway) parseRetryAfter(resp *http.Response, body []byte) time.Duration {
	if resp != nil {
		if value := strings.TrimSpace(resp.Header.Get("Retry-After")); value != "" {
			if seconds, err := strconv.Atoi(value); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
			if when, err := time.Parse(http.TimeFormat, value); err == nil {
				if wait := when.Sub(g.clock.Now()); wait > 0 {
					return wait
				}
			}
		}
	}

	if len(body) == 0 {
		return 0
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err != nil {
		return 0
	}
	message, _ := payload["message"].(string)
	if seconds := parseRetrySeconds(message); seconds > 0 {
		return time.Duration(seconds) * time.Second
	}
	return 0
}

func isQuotaExceeded(body []byte) bool {
	if len(body) == 0 {
		return false
	}
	var payload map[string]any
	if err := json.Unmarshal(body, &payload); err == nil {
		if message, ok := payload["message"].(string); ok {
			return strings.Contains(strings.ToLower(message), "quota")
		}
	}
	return strings.Contains(strings.ToLower(string(body)), "quota")
}

func parseRetrySeconds(message string) int {
	msg := strings.ToLower(message)
	marker := "try again in"
	idx := strings.Index(msg, marker)
	if idx == -1 {
		return 0
	}
	fragment := msg[idx+len(marker):]
	for _, part := range strings.Fields(fragment) {
		if value, err := strconv.Atoi(part); err == nil && value > 0 {
			return value
		}
	}
	return 0
}

var _ providers.Fetcher = (*Gateway)(nil)
