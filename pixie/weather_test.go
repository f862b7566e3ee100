package pixie

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testWeatherClient wires an OpenMeteoClient to stub geocoding and
// forecast handlers.
func testWeatherClient(
	t *testing.T,
	geocode http.HandlerFunc,
	forecast http.HandlerFunc,
) *OpenMeteoClient {
	t.Helper()
	geocodeServer := httptest.NewServer(geocode)
	t.Cleanup(geocodeServer.Close)
	forecastServer := httptest.NewServer(forecast)
	t.Cleanup(forecastServer.Close)

	return NewOpenMeteoClient(
		&WeatherConfig{
			GeocodeBaseURL:  geocodeServer.URL,
			ForecastBaseURL: forecastServer.URL,
		},
		geocodeServer.Client(),
		testLogger(t),
	)
}

func TestCurrentWeather(t *testing.T) {
	geocode := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Paris", r.URL.Query().Get("name"))
		assert.Equal(t, "1", r.URL.Query().Get("count"))
		_ = json.NewEncoder(w).Encode(
			map[string]any{
				"results": []map[string]any{
					{
						"name":      "Paris",
						"country":   "France",
						"latitude":  48.85,
						"longitude": 2.35,
					},
				},
			},
		)
	}
	forecast := func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "48.85", r.URL.Query().Get("latitude"))
		assert.Equal(t, "2.35", r.URL.Query().Get("longitude"))
		assert.Contains(t, r.URL.Query().Get("current"), "temperature_2m")
		_ = json.NewEncoder(w).Encode(
			map[string]any{
				"current": map[string]any{
					"temperature_2m":       21.6,
					"relative_humidity_2m": 64.0,
					"wind_speed_10m":       12.3,
					"weather_code":         2,
				},
			},
		)
	}

	client := testWeatherClient(t, geocode, forecast)
	report, err := client.CurrentWeather(context.Background(), "Paris")
	require.NoError(t, err)
	require.NotNil(t, report)

	assert.Equal(t, "Paris", report.Location.Name)
	assert.Equal(t, "France", report.Location.Country)
	assert.Equal(t, 22, report.Conditions.Temperature)
	assert.Equal(t, report.Conditions.Temperature, report.Conditions.FeelsLike)
	assert.Equal(t, 64.0, report.Conditions.Humidity)
	assert.Equal(t, 12.3, report.Conditions.WindSpeed)
	assert.Equal(t, "Partly cloudy", report.Conditions.Description)
	assert.False(t, report.Timestamp.IsZero())
}

func TestCurrentWeatherUnknownLocation(t *testing.T) {
	geocode := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"results": []any{}})
	}
	forecast := func(w http.ResponseWriter, r *http.Request) {
		t.Error("forecast should not be called for an unknown location")
	}

	client := testWeatherClient(t, geocode, forecast)
	report, err := client.CurrentWeather(context.Background(), "Nowhereville")
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestCurrentWeatherTransportFailures(t *testing.T) {
	errored := func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}
	ok := func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(
			map[string]any{
				"results": []map[string]any{
					{"name": "Oslo", "country": "Norway", "latitude": 59.9, "longitude": 10.7},
				},
			},
		)
	}

	// Geocoding failure degrades to no report.
	client := testWeatherClient(t, errored, errored)
	report, err := client.CurrentWeather(context.Background(), "Oslo")
	require.NoError(t, err)
	assert.Nil(t, report)

	// Forecast failure likewise.
	client = testWeatherClient(t, ok, errored)
	report, err = client.CurrentWeather(context.Background(), "Oslo")
	require.NoError(t, err)
	assert.Nil(t, report)
}

func TestWeatherDescription(t *testing.T) {
	assert.Equal(t, "Clear sky", weatherDescription(0))
	assert.Equal(t, "Moderate rain", weatherDescription(63))
	assert.Equal(t, "Thunderstorm", weatherDescription(95))
	assert.Equal(t, "Unknown", weatherDescription(1234))
}

func TestWeatherIcon(t *testing.T) {
	assert.Equal(t, "☀️", weatherIcon(0))
	assert.Equal(t, "\U0001f324️", weatherIcon(2))
	assert.Equal(t, "\U0001f32b️", weatherIcon(45))
	assert.Equal(t, "\U0001f327️", weatherIcon(61))
	assert.Equal(t, "⛈️", weatherIcon(95))
	assert.Equal(t, "❓", weatherIcon(1234))
}

func TestFormatWeatherReport(t *testing.T) {
	assert.Empty(t, FormatWeatherReport(nil))

	report := &WeatherReport{
		Location: WeatherLocation{Name: "Paris", Country: "France"},
		Conditions: WeatherConditions{
			Temperature: 22,
			FeelsLike:   22,
			Humidity:    64,
			WindSpeed:   12.3,
			Description: "Partly cloudy",
			Icon:        "\U0001f324️",
		},
	}
	assert.Equal(
		t,
		"\U0001f324️ Current weather in Paris, France: Partly cloudy, "+
			"22°C (feels like 22°C), humidity 64%, wind 12.3 km/h.",
		FormatWeatherReport(report),
	)
}
