// Package forecast fetches the short-horizon weather forecast used by the
// irrigation decision.
package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultEndpoint  = "https://api.open-meteo.com/v1/forecast"
	DefaultLatitude  = -22.9519
	DefaultLongitude = -43.2105
	DefaultTimezone  = "America/Sao_Paulo"
	DefaultTimeout   = 10 * time.Second

	// timeLayout is the ISO8601 form Open-Meteo uses for local times.
	timeLayout = "2006-01-02T15:04"
	variables  = "temperature_2m,precipitation,wind_speed_10m"
)

// ErrUnavailable wraps every failure to obtain a usable forecast.
var ErrUnavailable = errors.New("forecast unavailable")

// Provider returns the aggregate for the upcoming hours.
type Provider interface {
	Forecast(ctx context.Context) (*Aggregate, error)
}

// Config holds the Open-Meteo client configuration.
type Config struct {
	Logger    *slog.Logger
	Endpoint  string
	Latitude  float64
	Longitude float64
	Timezone  string
	// Horizon is the number of hourly entries to reduce. Defaults to DefaultHorizon.
	Horizon int
	// Timeout bounds the single request made per call. Defaults to DefaultTimeout.
	Timeout time.Duration
	// FromCurrentHour starts the horizon at the current local hour instead of
	// the first entry of the day.
	FromCurrentHour bool
	// HTTPClient overrides the client used for requests.
	HTTPClient *http.Client
}

// OpenMeteo is a Provider backed by the Open-Meteo forecast API.
type OpenMeteo struct {
	logger   *slog.Logger
	client   *http.Client
	endpoint string
	query    url.Values
	horizon  int
	timeout  time.Duration
	fromNow  bool
}

var _ Provider = (*OpenMeteo)(nil)

// NewOpenMeteo creates an Open-Meteo provider.
func NewOpenMeteo(cfg *Config) (*OpenMeteo, error) {
	if cfg == nil {
		return nil, errors.New("forecast config cannot be nil")
	}

	if cfg.Logger == nil {
		return nil, errors.New("logger cannot be nil")
	}

	if cfg.Latitude < -90 || cfg.Latitude > 90 {
		return nil, errors.New("latitude must be between -90 and 90")
	}

	if cfg.Longitude < -180 || cfg.Longitude > 180 {
		return nil, errors.New("longitude must be between -180 and 180")
	}

	endpoint := cfg.Endpoint
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid forecast endpoint: %w", err)
	}

	timezone := cfg.Timezone
	if timezone == "" {
		timezone = DefaultTimezone
	}

	horizon := cfg.Horizon
	if horizon == 0 {
		horizon = DefaultHorizon
	}
	if horizon < 0 {
		return nil, fmt.Errorf("%w: horizon %d", ErrInvalidHorizon, horizon)
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}

	query := url.Values{}
	query.Set("latitude", strconv.FormatFloat(cfg.Latitude, 'f', -1, 64))
	query.Set("longitude", strconv.FormatFloat(cfg.Longitude, 'f', -1, 64))
	query.Set("hourly", variables)
	query.Set("current", variables)
	// A window starting late in the day runs into tomorrow.
	days := "1"
	if cfg.FromCurrentHour {
		days = "2"
	}
	query.Set("forecast_days", days)
	query.Set("timezone", timezone)

	return &OpenMeteo{
		logger:   cfg.Logger,
		client:   client,
		endpoint: endpoint,
		query:    query,
		horizon:  horizon,
		timeout:  timeout,
		fromNow:  cfg.FromCurrentHour,
	}, nil
}

type response struct {
	Current *struct {
		Time          string   `json:"time"`
		Temperature2m *float64 `json:"temperature_2m"`
		Precipitation *float64 `json:"precipitation"`
		WindSpeed10m  *float64 `json:"wind_speed_10m"`
	} `json:"current"`
	Hourly struct {
		Time          []string   `json:"time"`
		Temperature2m []*float64 `json:"temperature_2m"`
		Precipitation []*float64 `json:"precipitation"`
	} `json:"hourly"`
}

// Forecast performs one request and reduces it. There is no retry; every
// failure is returned wrapped in ErrUnavailable.
func (c *OpenMeteo) Forecast(ctx context.Context) (*Aggregate, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	reqURL := c.endpoint + "?" + c.query.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to create request: %w", ErrUnavailable, err)
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: request failed: %w", ErrUnavailable, err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: unexpected status code %d", ErrUnavailable, resp.StatusCode)
	}

	var body response
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("%w: failed to decode response: %w", ErrUnavailable, err)
	}

	agg, err := c.reduce(&body)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	c.logger.Debug("forecast fetched",
		"duration", time.Since(start),
		"mean_temp_c", agg.MeanTempC,
		"total_rain_mm", agg.TotalRainMM,
		"will_rain", agg.WillRain,
	)

	return agg, nil
}

func (c *OpenMeteo) reduce(body *response) (*Aggregate, error) {
	offset := 0
	if c.fromNow && body.Current != nil {
		offset = hourOffset(body.Hourly.Time, body.Current.Time)
	}

	temps, err := window(body.Hourly.Temperature2m, offset, c.horizon, "temperature_2m")
	if err != nil {
		return nil, err
	}
	rain, err := window(body.Hourly.Precipitation, offset, c.horizon, "precipitation")
	if err != nil {
		return nil, err
	}

	agg, err := NewAggregate(temps, rain, c.horizon)
	if err != nil {
		return nil, err
	}

	if cur := body.Current; cur != nil && cur.Temperature2m != nil && cur.WindSpeed10m != nil {
		conditions := &Conditions{
			TempC:   *cur.Temperature2m,
			WindKmh: *cur.WindSpeed10m,
		}
		if cur.Precipitation != nil {
			conditions.PrecipitationMM = *cur.Precipitation
		}
		if t, err := time.Parse(timeLayout, cur.Time); err == nil {
			conditions.ObservedAt = t
		}
		agg.Current = conditions
	}

	return agg, nil
}

// window returns n values starting at offset, rejecting nulls.
func window(series []*float64, offset, n int, name string) ([]float64, error) {
	if len(series) < offset+n {
		return nil, fmt.Errorf("%w: %s has %d entries, need %d", ErrInvalidHorizon, name, len(series), offset+n)
	}

	out := make([]float64, n)
	for i := range out {
		v := series[offset+i]
		if v == nil {
			return nil, fmt.Errorf("%s entry %d is null", name, offset+i)
		}
		out[i] = *v
	}
	return out, nil
}

// hourOffset finds the hourly entry covering current. It returns 0 when
// current cannot be matched.
func hourOffset(hours []string, current string) int {
	now, err := time.Parse(timeLayout, current)
	if err != nil {
		return 0
	}
	now = now.Truncate(time.Hour)

	for i, raw := range hours {
		t, err := time.Parse(timeLayout, raw)
		if err != nil {
			continue
		}
		if !t.Before(now) {
			return i
		}
	}
	return 0
}
