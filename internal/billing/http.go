package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"cost-anomaly-alerts/internal/detector"
)

const costsPath = "/costs"

// HTTPOptions parameterise the billing API client.
type HTTPOptions struct {
	BaseURL       string
	Token         string
	Account       string
	Currency      string
	Timeout       time.Duration
	UserAgent     string
	RatePerSecond float64
	Burst         int
}

// HTTPClient reads daily costs from a JSON billing API.
type HTTPClient struct {
	opts    HTTPOptions
	logger  zerolog.Logger
	client  *http.Client
	limiter *rate.Limiter
	baseURL string
}

// NewHTTPClient constructs a billing API client.
func NewHTTPClient(opts HTTPOptions, logger zerolog.Logger) *HTTPClient {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	limit := rate.Inf
	if opts.RatePerSecond > 0 {
		limit = rate.Limit(opts.RatePerSecond)
	}
	burst := opts.Burst
	if burst <= 0 {
		burst = 1
	}

	return &HTTPClient{
		opts:    opts,
		logger:  logger.With().Str("component", "billing_api").Logger(),
		client:  &http.Client{Timeout: timeout},
		limiter: rate.NewLimiter(limit, burst),
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
	}
}

// FetchWindow retrieves every day in [from, to].
func (c *HTTPClient) FetchWindow(ctx context.Context, from, to time.Time) ([]detector.CostObservation, error) {
	from, to = detector.Day(from), detector.Day(to)
	if to.Before(from) {
		return nil, fmt.Errorf("%w: window end %s before start %s", detector.ErrInput,
			to.Format(detector.DateLayout), from.Format(detector.DateLayout))
	}

	payload, err := c.get(ctx, from, to)
	if err != nil {
		return nil, err
	}

	observations := make([]detector.CostObservation, 0, len(payload.Days))
	for _, d := range payload.Days {
		obs, err := d.observation()
		if err != nil {
			return nil, err
		}
		if obs.Date.Before(from) || obs.Date.After(to) {
			continue
		}
		observations = append(observations, obs)
	}
	slices.SortFunc(observations, func(a, b detector.CostObservation) int {
		return a.Date.Compare(b.Date)
	})

	c.logger.Debug().
		Str("from", from.Format(detector.DateLayout)).
		Str("to", to.Format(detector.DateLayout)).
		Int("days", len(observations)).
		Msg("billing window fetched")
	return observations, nil
}

// FetchDay retrieves the contributor breakdown for a single day.
func (c *HTTPClient) FetchDay(ctx context.Context, day time.Time) (map[string]float64, error) {
	observations, err := c.FetchWindow(ctx, day, day)
	if err != nil {
		return nil, err
	}
	if len(observations) == 0 {
		return nil, Permanent(fmt.Errorf("%w: no billing record for %s",
			detector.ErrDataUnavailable, detector.Day(day).Format(detector.DateLayout)))
	}
	return observations[0].Contributors, nil
}

func (c *HTTPClient) get(ctx context.Context, from, to time.Time) (*costsResponse, error) {
	if c.baseURL == "" {
		return nil, Permanent(errors.New("billing api base url not configured"))
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("start", from.Format(detector.DateLayout))
	query.Set("end", to.Format(detector.DateLayout))
	query.Set("granularity", "daily")
	if c.opts.Account != "" {
		query.Set("account", c.opts.Account)
	}
	if c.opts.Currency != "" {
		query.Set("currency", c.opts.Currency)
	}

	endpoint := c.baseURL + costsPath + "?" + query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, Permanent(err)
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	} else {
		req.Header.Set("User-Agent", "costwatch/1.0")
	}
	if c.opts.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	if resp.StatusCode != http.StatusOK {
		return nil, parseHTTPError(resp.StatusCode, body)
	}

	var payload costsResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, Permanent(fmt.Errorf("%w: decode billing response: %v", detector.ErrInput, err))
	}
	return &payload, nil
}

type costsResponse struct {
	Currency string    `json:"currency"`
	Days     []costDay `json:"days"`
}

type costDay struct {
	Date         string                     `json:"date"`
	Total        decimal.Decimal            `json:"total"`
	Contributors map[string]decimal.Decimal `json:"contributors"`
}

func (d costDay) observation() (detector.CostObservation, error) {
	date, err := time.Parse(detector.DateLayout, d.Date)
	if err != nil {
		return detector.CostObservation{}, Permanent(fmt.Errorf("%w: billing date %q: %v", detector.ErrInput, d.Date, err))
	}

	contributors := make(map[string]float64, len(d.Contributors))
	for name, amount := range d.Contributors {
		contributors[name] = amount.InexactFloat64()
	}
	return detector.NewObservation(date, d.Total.InexactFloat64(), contributors), nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func parseHTTPError(status int, payload []byte) error {
	err := describeHTTPError(status, payload)
	switch {
	case status == http.StatusNotFound:
		return Permanent(fmt.Errorf("%w: %v", detector.ErrDataUnavailable, err))
	case status == http.StatusTooManyRequests || status >= 500:
		return err
	default:
		return Permanent(err)
	}
}

func describeHTTPError(status int, payload []byte) error {
	var apiErr errorResponse
	if err := json.Unmarshal(payload, &apiErr); err == nil {
		if apiErr.Message != "" {
			return fmt.Errorf("billing api error (%d): %s", status, apiErr.Message)
		}
		if apiErr.Error != "" {
			return fmt.Errorf("billing api error (%d): %s", status, apiErr.Error)
		}
		if apiErr.Code != "" {
			return fmt.Errorf("billing api error (%d): %s", status, apiErr.Code)
		}
	}
	if len(payload) > 0 {
		return fmt.Errorf("billing api error (%d): %s", status, strings.TrimSpace(string(payload)))
	}
	return fmt.Errorf("billing api error (%d)", status)
}

var _ Source = (*HTTPClient)(nil)
