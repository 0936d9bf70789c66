package fetcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/tidwall/gjson"
	"golang.org/x/time/rate"

	"usagewatch/internal/resilience"
	"usagewatch/internal/usage"
)

const zonesPageSize = 500

// AnalyticsOptions parameterise the HTTP analytics source.
type AnalyticsOptions struct {
	BaseURL   string
	APIToken  string
	UserAgent string
	Timeout   time.Duration
	RateLimit float64
	RateBurst int
	Retry     resilience.RetryConfig
	Breaker   *resilience.BreakerConfig
}

// Analytics queries the usage analytics API over HTTP.
type Analytics struct {
	opts     AnalyticsOptions
	baseURL  string
	client   *http.Client
	limiter  *rate.Limiter
	executor *resilience.Executor[[]byte]
	logger   zerolog.Logger
}

// NewAnalytics constructs the HTTP analytics source.
func NewAnalytics(opts AnalyticsOptions, logger zerolog.Logger) *Analytics {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	opts.Timeout = timeout

	limit := rate.Inf
	if opts.RateLimit > 0 {
		limit = rate.Limit(opts.RateLimit)
	}
	burst := opts.RateBurst
	if burst <= 0 {
		burst = 1
	}

	a := &Analytics{
		opts:    opts,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		client:  &http.Client{},
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger.With().Str("component", "analytics_source").Logger(),
	}

	breaker := opts.Breaker
	if breaker != nil {
		cfg := *breaker
		cfg.OnStateChange = func(name string, from, to gobreaker.State) {
			a.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("analytics breaker state changed")
		}
		breaker = &cfg
	}
	a.executor = resilience.NewExecutor[[]byte](opts.Retry, breaker)
	return a
}

// CountZones returns the number of zones in an account using a single-item page.
func (a *Analytics) CountZones(ctx context.Context, accountID string) (int, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	query := url.Values{"per_page": {"1"}}
	payload, err := a.do(ctx, http.MethodGet, a.accountPath(accountID, "zones")+"?"+query.Encode(), nil)
	if err != nil {
		return 0, err
	}
	info := gjson.GetBytes(payload, "result_info.total_count")
	if !info.Exists() {
		return int(gjson.GetBytes(payload, "result.#").Int()), nil
	}
	return int(info.Int()), nil
}

// ListZones pages through every zone of an account.
func (a *Analytics) ListZones(ctx context.Context, accountID string) ([]usage.Zone, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	zones := make([]usage.Zone, 0)
	for page := 1; ; page++ {
		query := url.Values{"per_page": {fmt.Sprint(zonesPageSize)}, "page": {fmt.Sprint(page)}}
		payload, err := a.do(ctx, http.MethodGet, a.accountPath(accountID, "zones")+"?"+query.Encode(), nil)
		if err != nil {
			return nil, err
		}
		gjson.GetBytes(payload, "result").ForEach(func(_, zone gjson.Result) bool {
			id := zone.Get("id").String()
			if id == "" {
				return true
			}
			zones = append(zones, usage.Zone{ID: id, Name: zone.Get("name").String(), AccountID: accountID})
			return true
		})

		totalPages := gjson.GetBytes(payload, "result_info.total_pages").Int()
		if totalPages <= int64(page) {
			break
		}
	}
	return zones, nil
}

// QueryUsage returns account-level usage for a SKU.
func (a *Analytics) QueryUsage(ctx context.Context, accountID, skuID string, from, to time.Time) (usage.MetricValues, error) {
	return a.queryUsage(ctx, accountID, "", skuID, from, to)
}

// QueryZoneUsage returns zone-level usage for a SKU.
func (a *Analytics) QueryZoneUsage(ctx context.Context, accountID, zoneID, skuID string, from, to time.Time) (usage.MetricValues, error) {
	return a.queryUsage(ctx, accountID, zoneID, skuID, from, to)
}

type usageRequest struct {
	SKU    string `json:"sku"`
	ZoneID string `json:"zoneId,omitempty"`
	Since  string `json:"since"`
	Until  string `json:"until"`
}

func (a *Analytics) queryUsage(ctx context.Context, accountID, zoneID, skuID string, from, to time.Time) (usage.MetricValues, error) {
	ctx, cancel := context.WithTimeout(ctx, a.opts.Timeout)
	defer cancel()

	body, err := json.Marshal(usageRequest{
		SKU:    skuID,
		ZoneID: zoneID,
		Since:  from.UTC().Format(time.RFC3339),
		Until:  to.UTC().Format(time.RFC3339),
	})
	if err != nil {
		return nil, err
	}

	payload, err := a.do(ctx, http.MethodPost, a.accountPath(accountID, "usage"), body)
	if err != nil {
		return nil, err
	}
	return parseMetrics(payload), nil
}

// parseMetrics keeps every numeric field under result.metrics and skips
// nulls and anything non-numeric; sampled metrics are often absent.
func parseMetrics(payload []byte) usage.MetricValues {
	values := usage.MetricValues{}
	gjson.GetBytes(payload, "result.metrics").ForEach(func(key, value gjson.Result) bool {
		switch value.Type {
		case gjson.Number:
			values[key.String()] = value.Float()
		case gjson.String:
			if f := gjson.Parse(value.String()); f.Type == gjson.Number {
				values[key.String()] = f.Float()
			}
		}
		return true
	})
	return values
}

func (a *Analytics) accountPath(accountID, suffix string) string {
	return fmt.Sprintf("%s/accounts/%s/%s", a.baseURL, url.PathEscape(accountID), suffix)
}

func (a *Analytics) do(ctx context.Context, method, endpoint string, body []byte) ([]byte, error) {
	return a.executor.Execute(ctx, func() ([]byte, error) {
		if err := a.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		var reader io.Reader
		if body != nil {
			reader = bytes.NewReader(body)
		}
		req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
		if err != nil {
			return nil, resilience.Permanent(err)
		}
		req.Header.Set("Accept", "application/json")
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}
		if a.opts.APIToken != "" {
			req.Header.Set("Authorization", "Bearer "+a.opts.APIToken)
		}
		if ua := strings.TrimSpace(a.opts.UserAgent); ua != "" {
			req.Header.Set("User-Agent", ua)
		} else {
			req.Header.Set("User-Agent", "usagewatch/1.0")
		}

		resp, err := a.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		payload, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, err
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := parseHTTPError(resp.StatusCode, payload)
			if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
				return nil, resilience.Permanent(apiErr)
			}
			return nil, apiErr
		}
		if success := gjson.GetBytes(payload, "success"); success.Exists() && !success.Bool() {
			return nil, resilience.Permanent(parseHTTPError(resp.StatusCode, payload))
		}
		return payload, nil
	})
}

func parseHTTPError(status int, payload []byte) error {
	if msg := gjson.GetBytes(payload, "errors.0.message").String(); msg != "" {
		return fmt.Errorf("analytics api error (%d): %s", status, msg)
	}
	if msg := gjson.GetBytes(payload, "message").String(); msg != "" {
		return fmt.Errorf("analytics api error (%d): %s", status, msg)
	}
	if len(payload) > 0 && !gjson.ValidBytes(payload) {
		return fmt.Errorf("analytics api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("analytics api error (%d)", status)
}

var _ Source = (*Analytics)(nil)
