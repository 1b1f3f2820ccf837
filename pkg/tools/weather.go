package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/nstogner/klever/pkg/domain"
	"github.com/nstogner/klever/pkg/model"
)

const (
	WeatherToolName       = "getWeather"
	DefaultWeatherBaseURL = "https://api.open-meteo.com"
	DefaultWeatherTimeout = 10 * time.Second
	maxWeatherBodyBytes   = 1 << 20
)

type weatherArgs struct {
	Latitude  *float64 `json:"latitude" validate:"required,gte=-90,lte=90"`
	Longitude *float64 `json:"longitude" validate:"required,gte=-180,lte=180"`
}

var validate = validator.New()

// WeatherTool fetches current conditions and a forecast from open-meteo.
type WeatherTool struct {
	Client  *http.Client
	BaseURL string
}

// NewWeatherTool creates a WeatherTool. Empty values fall back to defaults.
func NewWeatherTool(baseURL string, timeout time.Duration) *WeatherTool {
	if strings.TrimSpace(baseURL) == "" {
		baseURL = DefaultWeatherBaseURL
	}
	if timeout <= 0 {
		timeout = DefaultWeatherTimeout
	}
	return &WeatherTool{
		Client:  &http.Client{Timeout: timeout},
		BaseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

func (t *WeatherTool) Spec() model.ToolSpec {
	return model.ToolSpec{
		Name:        WeatherToolName,
		Description: "Get the current weather at a location",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"latitude":  map[string]any{"type": "number"},
				"longitude": map[string]any{"type": "number"},
			},
			"required": []string{"latitude", "longitude"},
		},
	}
}

func (t *WeatherTool) Execute(ctx context.Context, input domain.Payload) (domain.Payload, error) {
	var args weatherArgs
	if err := input.Decode(&args); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if err := validate.Struct(args); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}

	q := url.Values{}
	q.Set("latitude", strconv.FormatFloat(*args.Latitude, 'f', -1, 64))
	q.Set("longitude", strconv.FormatFloat(*args.Longitude, 'f', -1, 64))
	q.Set("current", "temperature_2m")
	q.Set("hourly", "temperature_2m")
	q.Set("daily", "sunrise,sunset")
	q.Set("timezone", "auto")
	endpoint := t.BaseURL + "/v1/forecast?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build weather request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := t.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("weather request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxWeatherBodyBytes))
	if err != nil {
		return nil, fmt.Errorf("read weather response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("weather request failed: status %d", resp.StatusCode)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("weather response is not valid JSON")
	}
	return domain.Payload(body), nil
}
