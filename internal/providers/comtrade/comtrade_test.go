package comtrade

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tradeingest/internal/model"
)

type recordedRequest struct {
	path  string
	query map[string]string
	key   string
}

type fakeProvider struct {
	mu       sync.Mutex
	hits     atomic.Int64
	requests []recordedRequest
	respond  func(n int, key string, w http.ResponseWriter)
}

func (f *fakeProvider) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	n := int(f.hits.Add(1))
	query := map[string]string{}
	for k := range r.URL.Query() {
		query[k] = r.URL.Query().Get(k)
	}
	key := r.Header.Get(subscriptionKeyHeader)
	f.mu.Lock()
	f.requests = append(f.requests, recordedRequest{path: r.URL.Path, query: query, key: key})
	f.mu.Unlock()
	f.respond(n, key, w)
}

func okBody(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"count":1,"data":[{"primaryValue":1}]}`))
}

func newTestGateway(t *testing.T, handler http.Handler, limit int, mutate func(*Config)) (*Gateway, *QuotaState) {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	quota, err := NewQuotaState(limit, clockwork.NewRealClock(), "")
	require.NoError(t, err)

	cfg := Config{
		BaseURL:         server.URL,
		APIKeyPrimary:   "key-a",
		APIKeySecondary: "key-b",
		RecordLimit:     100,
		RateLimitPerSec: 1000,
		RateLimitBurst:  100,
		Retry:           RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond},
		Quota:           quota,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	gw, err := New(cfg)
	require.NoError(t, err)
	return gw, quota
}

func unitFor(reporter string, month int) model.FetchUnit {
	return model.FetchUnit{Reporter: reporter, Period: model.Period{Year: 2022, Month: month}, Flow: model.FlowImport}
}

func TestGateway_RequestShape(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{respond: func(_ int, _ string, w http.ResponseWriter) { okBody(w) }}
	gw, _ := newTestGateway(t, provider, 10, nil)

	unit := unitFor("DE", 1)
	unit.Refinement = model.Refinement{Kind: model.RefineCommodity, Code: "01"}
	payload, err := gw.Fetch(context.Background(), unit)
	require.NoError(t, err)
	assert.Equal(t, 1, payload.Records)
	assert.False(t, payload.Truncated)
	assert.Equal(t, model.CredentialPrimary, payload.Credential)

	require.Len(t, provider.requests, 1)
	req := provider.requests[0]
	assert.Equal(t, "/tariffline/v1/get/C/M/HS", req.path)
	assert.Equal(t, "276", req.query["reporterCode"])
	assert.Equal(t, "202201", req.query["period"])
	assert.Equal(t, "M", req.query["flowCode"])
	assert.Equal(t, "01", req.query["cmdCode"])
	assert.Equal(t, "100", req.query["maxRecords"])
	assert.NotContains(t, req.query, "partnerCode")
	assert.NotContains(t, req.query, "subscription-key")
	assert.Equal(t, "key-a", req.key)
}

func TestGateway_RotatesWhenPrimaryBudgetSpent(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{respond: func(_ int, _ string, w http.ResponseWriter) { okBody(w) }}
	gw, quota := newTestGateway(t, provider, 1, nil)
	ctx := context.Background()

	first, err := gw.Fetch(ctx, unitFor("DE", 1))
	require.NoError(t, err)
	assert.Equal(t, model.CredentialPrimary, first.Credential)

	second, err := gw.Fetch(ctx, unitFor("DE", 2))
	require.NoError(t, err)
	assert.Equal(t, model.CredentialSecondary, second.Credential)

	assert.Equal(t, 2, gw.Calls())
	assert.Equal(t, 1, quota.Used(model.CredentialPrimary))
	assert.Equal(t, 1, quota.Used(model.CredentialSecondary))

	_, err = gw.Fetch(ctx, unitFor("DE", 3))
	require.ErrorIs(t, err, ErrQuotaExhausted)
	assert.EqualValues(t, 2, provider.hits.Load(), "exhausted quota must not reach the network")
	assert.Zero(t, gw.RemainingCalls())
}

func TestGateway_PreSpentPrimaryUsesSecondary(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{respond: func(_ int, _ string, w http.ResponseWriter) { okBody(w) }}
	gw, quota := newTestGateway(t, provider, 5, nil)
	require.NoError(t, quota.SetUsed(model.CredentialPrimary, 4))

	first, err := gw.Fetch(context.Background(), unitFor("DE", 1))
	require.NoError(t, err)
	assert.Equal(t, model.CredentialPrimary, first.Credential)

	second, err := gw.Fetch(context.Background(), unitFor("DE", 2))
	require.NoError(t, err)
	assert.Equal(t, model.CredentialSecondary, second.Credential)
	assert.Equal(t, "key-b", provider.requests[1].key)
}

func TestGateway_RetriesTransientFailures(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{respond: func(n int, _ string, w http.ResponseWriter) {
		if n == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		okBody(w)
	}}
	gw, quota := newTestGateway(t, provider, 10, nil)

	_, err := gw.Fetch(context.Background(), unitFor("FR", 1))
	require.NoError(t, err)
	assert.EqualValues(t, 2, provider.hits.Load())
	assert.Equal(t, 1, gw.Calls())
	assert.Equal(t, 1, quota.Used(model.CredentialPrimary))
}

func TestGateway_RetriesShortBody(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{respond: func(n int, _ string, w http.ResponseWriter) {
		if n == 1 {
			w.Header().Set("Content-Type", "application/json")
			w.Header().Set("Content-Length", "500")
			_, _ = w.Write([]byte(`{"count":1,"da`))
			return
		}
		okBody(w)
	}}
	gw, _ := newTestGateway(t, provider, 10, nil)

	payload, err := gw.Fetch(context.Background(), unitFor("FR", 1))
	require.NoError(t, err)
	assert.JSONEq(t, `{"count":1,"data":[{"primaryValue":1}]}`, string(payload.Body))
	assert.EqualValues(t, 2, provider.hits.Load())
	assert.Equal(t, 1, gw.Calls())
}

func TestGateway_GivesUpAfterMaxAttempts(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{respond: func(_ int, _ string, w http.ResponseWriter) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}}
	gw, quota := newTestGateway(t, provider, 10, nil)

	_, err := gw.Fetch(context.Background(), unitFor("FR", 1))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.True(t, netErr.Retryable)
	assert.Equal(t, http.StatusServiceUnavailable, netErr.Status)
	assert.EqualValues(t, 3, provider.hits.Load())
	assert.Zero(t, gw.Calls())
	assert.Zero(t, quota.Used(model.CredentialPrimary))
}

func TestGateway_NonRetryableFailsImmediately(t *testing.T) {
	t.Parallel()

	for _, status := range []int{http.StatusBadRequest, http.StatusUnauthorized, http.StatusNotFound} {
		provider := &fakeProvider{respond: func(_ int, _ string, w http.ResponseWriter) {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"message":"nope"}`))
		}}
		gw, _ := newTestGateway(t, provider, 10, nil)

		_, err := gw.Fetch(context.Background(), unitFor("IT", 1))
		var netErr *NetworkError
		require.ErrorAs(t, err, &netErr, status)
		assert.False(t, netErr.Retryable)
		assert.Equal(t, status, netErr.Status)
		assert.EqualValues(t, 1, provider.hits.Load())
	}
}

func TestGateway_ProviderQuotaRotatesCredential(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{respond: func(_ int, key string, w http.ResponseWriter) {
		if key == "key-a" {
			w.WriteHeader(http.StatusForbidden)
			_, _ = w.Write([]byte(`{"statusCode":403,"message":"Out of call volume quota. Quota will be replenished in 10:00:00."}`))
			return
		}
		okBody(w)
	}}
	gw, quota := newTestGateway(t, provider, 10, nil)
	ctx := context.Background()

	payload, err := gw.Fetch(ctx, unitFor("ES", 1))
	require.NoError(t, err)
	assert.Equal(t, model.CredentialSecondary, payload.Credential)
	assert.Equal(t, 0, quota.Used(model.CredentialPrimary))
	assert.Equal(t, 1, quota.Used(model.CredentialSecondary))

	_, err = gw.Fetch(ctx, unitFor("ES", 2))
	require.NoError(t, err)
	assert.EqualValues(t, 3, provider.hits.Load(), "exhausted primary is not retried")
}

func TestGateway_MarksTruncation(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{respond: func(_ int, _ string, w http.ResponseWriter) {
		_, _ = w.Write([]byte(`{"count":2,"data":[{},{}]}`))
	}}
	gw, _ := newTestGateway(t, provider, 10, func(cfg *Config) { cfg.RecordLimit = 2 })

	payload, err := gw.Fetch(context.Background(), unitFor("PL", 1))
	require.NoError(t, err)
	assert.True(t, payload.Truncated)
	assert.Equal(t, 2, payload.Records)
}

func TestGateway_MalformedBody(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{respond: func(_ int, _ string, w http.ResponseWriter) {
		_, _ = w.Write([]byte(`<html>maintenance</html>`))
	}}
	gw, _ := newTestGateway(t, provider, 10, nil)

	_, err := gw.Fetch(context.Background(), unitFor("PL", 1))
	var netErr *NetworkError
	require.ErrorAs(t, err, &netErr)
	assert.False(t, netErr.Retryable)
}

func TestGateway_CancelledContext(t *testing.T) {
	t.Parallel()

	provider := &fakeProvider{respond: func(_ int, _ string, w http.ResponseWriter) {
		w.WriteHeader(http.StatusInternalServerError)
	}}
	gw, _ := newTestGateway(t, provider, 10, func(cfg *Config) {
		cfg.Retry = RetryPolicy{MaxAttempts: 5, BaseDelay: time.Hour}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := gw.Fetch(ctx, unitFor("PL", 1))
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNew_RequiresKey(t *testing.T) {
	t.Parallel()

	quota, err := NewQuotaState(1, nil, "")
	require.NoError(t, err)
	_, err = New(Config{Quota: quota})
	require.Error(t, err)
}

func TestIsQuotaExceeded(t *testing.T) {
	t.Parallel()

	assert.True(t, isQuotaExceeded([]byte(`{"message":"Out of call volume quota."}`)))
	assert.True(t, isQuotaExceeded([]byte(`quota exceeded`)))
	assert.False(t, isQuotaExceeded([]byte(`{"message":"Rate limit is exceeded. Try again in 1 seconds."}`)))
	assert.False(t, isQuotaExceeded(nil))
}

func TestParseRetrySeconds(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 7, parseRetrySeconds("Rate limit is exceeded. Try again in 7 seconds."))
	assert.Zero(t, parseRetrySeconds("something else"))
}
