package pixie

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/lmittmann/tint"
)

// weatherCodeDescriptions maps WMO weather interpretation codes to
// human-readable conditions.
var weatherCodeDescriptions = map[int]string{
	0:  "Clear sky",
	1:  "Mainly clear",
	2:  "Partly cloudy",
	3:  "Overcast",
	45: "Foggy",
	48: "Depositing rime fog",
	51: "Light drizzle",
	53: "Moderate drizzle",
	55: "Dense drizzle",
	61: "Slight rain",
	63: "Moderate rain",
	65: "Heavy rain",
	71: "Slight snow",
	73: "Moderate snow",
	75: "Heavy snow",
	77: "Snow grains",
	80: "Slight rain showers",
	81: "Moderate rain showers",
	82: "Violent rain showers",
	85: "Slight snow showers",
	86: "Heavy snow showers",
	95: "Thunderstorm",
	96: "Thunderstorm with slight hail",
	99: "Thunderstorm with heavy hail",
}

// WeatherLocation identifies a geocoded place.
type WeatherLocation struct {
	Name      string  `json:"name"`
	Country   string  `json:"country"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// WeatherConditions holds normalized current conditions.
type WeatherConditions struct {
	Temperature int     `json:"temperature"`
	FeelsLike   int     `json:"feels_like"`
	Humidity    float64 `json:"humidity"`
	WindSpeed   float64 `json:"wind_speed"`
	Description string  `json:"description"`
	Icon        string  `json:"icon"`
}

// WeatherReport is the normalized weather tool result.
type WeatherReport struct {
	Location   WeatherLocation   `json:"location"`
	Conditions WeatherConditions `json:"conditions"`
	Timestamp  time.Time         `json:"timestamp"`
}

// WeatherFetcher is the weather tool contract. A nil report with a
// nil error means the location could not be resolved; that's a valid
// outcome, not a failure.
type WeatherFetcher interface {
	CurrentWeather(ctx context.Context, location string) (*WeatherReport, error)
}

// OpenMeteoClient fetches weather via Open-Meteo's geocoding and
// forecast APIs. Neither endpoint requires credentials.
type OpenMeteoClient struct {
	geocodeURL  string
	forecastURL string
	httpClient  *http.Client
	logger      *slog.Logger
}

func NewOpenMeteoClient(
	cfg *WeatherConfig,
	httpClient *http.Client,
	logger *slog.Logger,
) *OpenMeteoClient {
	geocodeURL := cfg.GeocodeBaseURL
	if geocodeURL == "" {
		geocodeURL = DefaultGeocodeBaseURL
	}
	forecastURL := cfg.ForecastBaseURL
	if forecastURL == "" {
		forecastURL = DefaultForecastBaseURL
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = DefaultWeatherTimeout
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OpenMeteoClient{
		geocodeURL:  geocodeURL,
		forecastURL: forecastURL,
		httpClient:  httpClient,
		logger:      logger.With(loggerNameKey, "weather"),
	}
}

type geocodeResponse struct {
	Results []struct {
		Name      string  `json:"name"`
		Country   string  `json:"country"`
		Latitude  float64 `json:"latitude"`
		Longitude float64 `json:"longitude"`
	} `json:"results"`
}

type forecastCurrent struct {
	Temperature2m      float64 `json:"temperature_2m"`
	RelativeHumidity2m float64 `json:"relative_humidity_2m"`
	WindSpeed10m       float64 `json:"wind_speed_10m"`
	WeatherCode        int     `json:"weather_code"`
}

type forecastResponse struct {
	Current forecastCurrent `json:"current"`
}

// CurrentWeather geocodes a free-text location and fetches current
// conditions. An unresolvable location returns (nil, nil). Transport
// failures are logged and also degrade to (nil, nil) so the caller
// can fall back to a "couldn't find weather" reply.
func (c *OpenMeteoClient) CurrentWeather(
	ctx context.Context,
	location string,
) (*WeatherReport, error) {
	place, err := c.geocode(ctx, location)
	if err != nil {
		c.logger.ErrorContext(
			ctx,
			"geocoding failed",
			tint.Err(err),
			slog.String("location", location),
		)
		return nil, nil
	}
	if place == nil {
		c.logger.DebugContext(
			ctx,
			"no location found",
			slog.String("location", location),
		)
		return nil, nil
	}

	current, err := c.forecast(ctx, place.Latitude, place.Longitude)
	if err != nil {
		c.logger.ErrorContext(
			ctx,
			"forecast failed",
			tint.Err(err),
			slog.String("location", place.Name),
		)
		return nil, nil
	}

	return &WeatherReport{
		Location: *place,
		Conditions: WeatherConditions{
			Temperature: int(math.Round(current.Temperature2m)),
			FeelsLike:   int(math.Round(current.Temperature2m)),
			Humidity:    current.RelativeHumidity2m,
			WindSpeed:   current.WindSpeed10m,
			Description: weatherDescription(current.WeatherCode),
			Icon:        weatherIcon(current.WeatherCode),
		},
		Timestamp: time.Now().UTC(),
	}, nil
}

func (c *OpenMeteoClient) geocode(
	ctx context.Context,
	location string,
) (*WeatherLocation, error) {
	params := url.Values{}
	params.Set("name", location)
	params.Set("count", "1")
	params.Set("language", "en")
	params.Set("format", "json")

	var decoded geocodeResponse
	if err := c.getJSON(ctx, c.geocodeURL, params, &decoded); err != nil {
		return nil, err
	}
	if len(decoded.Results) == 0 {
		return nil, nil
	}
	best := decoded.Results[0]
	return &WeatherLocation{
		Name:      best.Name,
		Country:   best.Country,
		Latitude:  best.Latitude,
		Longitude: best.Longitude,
	}, nil
}

func (c *OpenMeteoClient) forecast(
	ctx context.Context,
	latitude float64,
	longitude float64,
) (*forecastCurrent, error) {
	params := url.Values{}
	params.Set("latitude", strconv.FormatFloat(latitude, 'f', -1, 64))
	params.Set("longitude", strconv.FormatFloat(longitude, 'f', -1, 64))
	params.Set(
		"current",
		"temperature_2m,relative_humidity_2m,wind_speed_10m,weather_code",
	)
	params.Set("timezone", "auto")

	var decoded forecastResponse
	if err := c.getJSON(ctx, c.forecastURL, params, &decoded); err != nil {
		return nil, err
	}
	return &decoded.Current, nil
}

func (c *OpenMeteoClient) getJSON(
	ctx context.Context,
	baseURL string,
	params url.Values,
	out any,
) error {
	req, err := http.NewRequestWithContext(
		ctx,
		http.MethodGet,
		baseURL+"?"+params.Encode(),
		nil,
	)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, baseURL)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func weatherDescription(code int) string {
	if description, ok := weatherCodeDescriptions[code]; ok {
		return description
	}
	return "Unknown"
}

func weatherIcon(code int) string {
	switch {
	case code == 0:
		return "☀️" // sun
	case code <= 3:
		return "\U0001f324️" // sun behind small cloud
	case code <= 48:
		return "\U0001f32b️" // fog
	case code <= 65:
		return "\U0001f327️" // rain
	case code <= 77:
		return "\U0001f328️" // snow
	case code <= 82:
		return "\U0001f326️" // sun behind rain
	case code <= 86:
		return "\U0001f328️" // snow
	case code <= 99:
		return "⛈️" // thunderstorm
	default:
		return "❓" // question mark
	}
}

// FormatWeatherReport renders a report as a user-facing reply.
func FormatWeatherReport(report *WeatherReport) string {
	if report == nil {
		return ""
	}
	return fmt.Sprintf(
		"%s Current weather in %s, %s: %s, %d°C (feels like %d°C), "+
			"humidity %.0f%%, wind %.1f km/h.",
		report.Conditions.Icon,
		report.Location.Name,
		report.Location.Country,
		report.Conditions.Description,
		report.Conditions.Temperature,
		report.Conditions.FeelsLike,
		report.Conditions.Humidity,
		report.Conditions.WindSpeed,
	)
}
