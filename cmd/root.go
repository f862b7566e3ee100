package cmd

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"reflect"
	"strings"
	"syscall"
	"testing"

	"github.com/CodeMeAPixel/Pixie-Bot/pixie"
	"github.com/joho/godotenv"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	cfg        = pixie.DefaultConfig()
	configFile string
)

var rootCmd = &cobra.Command{
	Use: "pixie [flags]",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		err := viper.Unmarshal(
			cfg,
			viper.DecodeHook(
				mapstructure.ComposeDecodeHookFunc(
					mapstructure.StringToTimeDurationHookFunc(),
					LevelToStringHookFunc(),
				),
			),
		)
		if err != nil {
			log.Fatalln(err)
		}
	},
}

func getLogLevel(level string) (slog.Level, error) {
	switch level {
	case slog.LevelDebug.String():
		return slog.LevelDebug, nil
	case slog.LevelInfo.String():
		return slog.LevelInfo, nil
	case slog.LevelWarn.String():
		return slog.LevelWarn, nil
	case slog.LevelError.String():
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

func LevelToStringHookFunc() mapstructure.DecodeHookFuncType {
	return func(
		f reflect.Type,
		t reflect.Type,
		data any,
	) (any, error) {
		if f.Kind() != reflect.String {
			return data, nil
		}
		if t.Kind() != reflect.Ptr {
			return data, nil
		}

		typ := t.Elem()

		if typ != reflect.TypeOf(slog.LevelVar{}) {
			return data, nil
		}
		lvl, err := getLogLevel(data.(string))
		if err != nil {
			return nil, fmt.Errorf("invalid log level: %s", data)
		}
		lvlVar := &slog.LevelVar{}
		lvlVar.Set(lvl)
		return lvlVar, nil
	}
}

func Execute() {
	ctx, cancel := context.WithCancel(context.Background())
	rootCmd.SetContext(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(
		signals,
		os.Interrupt,
		syscall.SIGHUP,
		syscall.SIGTERM,
		syscall.SIGINT,
	)
	defer func() {
		signal.Stop(signals)
		cancel()
	}()
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
			//
		}
	}()
	err := rootCmd.ExecuteContext(ctx)
	fmt.Println(err)
	if err != nil {
		os.Exit(1)
	}
}

func initConfig() {
	if configFile == "" {
		if err := godotenv.Load(); err != nil {
			log.Println("No .env file found")
		}
	} else {
		fmt.Println("loading env from file", configFile)
		if err := godotenv.Load(configFile); err != nil {
			log.Println("No .env file found")
		}
	}

	viper.SetDefault("database", pixie.DefaultDatabase)
	viper.SetDefault("database_type", pixie.DefaultDatabaseType)
	viper.SetDefault(
		"database_slow_threshold",
		pixie.DefaultDatabaseSlowThreshold,
	)
	viper.SetDefault(
		"database_log_level",
		pixie.DefaultDatabaseLogLevel.String(),
	)

	viper.SetDefault("log_level", pixie.DefaultLogLevel.String())

	viper.SetDefault("startup_timeout", pixie.DefaultStartupTimeout)
	viper.SetDefault("shutdown_timeout", pixie.DefaultShutdownTimeout)

	// Provider config
	viper.SetDefault("providers.log_level", pixie.DefaultProviderLogLevel.String())
	viper.SetDefault("providers.openai_token", "")
	viper.SetDefault("providers.groq_token", "")
	viper.SetDefault(
		"providers.max_requests_per_second",
		pixie.DefaultProviderMaxRequestsPerSecond,
	)

	// Tavily web search config
	viper.SetDefault("tavily.token", "")
	viper.SetDefault("tavily.base_url", pixie.DefaultTavilyBaseURL)
	viper.SetDefault("tavily.search_depth", pixie.DefaultTavilySearchDepth)
	viper.SetDefault("tavily.max_results", pixie.DefaultTavilyMaxResults)
	viper.SetDefault("tavily.timeout", pixie.DefaultTavilyTimeout)

	// Open-Meteo weather config
	viper.SetDefault("weather.geocode_base_url", pixie.DefaultGeocodeBaseURL)
	viper.SetDefault("weather.forecast_base_url", pixie.DefaultForecastBaseURL)
	viper.SetDefault("weather.timeout", pixie.DefaultWeatherTimeout)

	// Discord config
	viper.SetDefault("discord.token", "")
	viper.SetDefault("discord.application_id", "")
	viper.SetDefault("discord.guild_id", "")
	viper.SetDefault("discord.custom_status", pixie.DefaultDiscordCustomStatus)
	viper.SetDefault("discord.bot_invite", "")
	viper.SetDefault("discord.support_server_invite", "")
	viper.SetDefault(
		"discord.log_level",
		pixie.DefaultDiscordLogLevel.String(),
	)
	viper.SetDefault(
		"discord.discordgo_log_level",
		pixie.DefaultDiscordgoLogLevel.String(),
	)
	viper.SetDefault(
		"discord.gateway_intents",
		pixie.DefaultDiscordGatewayIntent,
	)

	fatalErr := func(err error) {
		if err != nil {
			log.Fatalf("error: %v", err)
		}
	}

	// API config
	viper.SetDefault("api.listen", pixie.DefaultAPIListen)
	viper.SetDefault("api.token", "")
	viper.SetDefault("api.log_level", pixie.DefaultAPILogLevel.String())
	viper.SetDefault("api.development", false)

	viper.SetDefault("api.read_timeout", pixie.DefaultReadTimeout)
	viper.SetDefault(
		"api.read_header_timeout",
		pixie.DefaultReadHeaderTimeout,
	)
	viper.SetDefault("api.write_timeout", pixie.DefaultWriteTimeout)
	viper.SetDefault("api.idle_timeout", pixie.DefaultIdleTimeout)

	// API: SSL config
	fatalErr(viper.BindEnv("api.ssl.cert"))
	fatalErr(viper.BindEnv("api.ssl.key"))
	fatalErr(viper.BindEnv("api.ssl.tls_min_version"))

	// API: CORS config
	viper.SetDefault(
		"api.cors.allow_headers",
		pixie.DefaultCORSAllowHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_methods",
		pixie.DefaultCORSAllowMethods,
	)
	viper.SetDefault(
		"api.cors.expose_headers",
		pixie.DefaultCORSExposeHeaders,
	)
	viper.SetDefault(
		"api.cors.allow_origins",
		[]string{},
	)
	viper.SetDefault("api.cors.max_age", pixie.DefaultCORSMaxAge)
	viper.SetDefault(
		"api.cors.allow_credentials",
		pixie.DefaultAPICORSAllowCredentials,
	)

	envPrefix := os.Getenv(pixie.EnvvarSetEnvPrefix)
	if envPrefix == "" {
		envPrefix = pixie.DefaultEnvPrefix
	}
	viper.SetEnvPrefix(envPrefix)

	replacer := strings.NewReplacer(".", "_")
	viper.SetEnvKeyReplacer(replacer)
	viper.AutomaticEnv()

	// Convert values to correct types
	viper.Set(
		"api.cors.allow_headers",
		viper.GetStringSlice("api.cors.allow_headers"),
	)
	viper.Set(
		"api.cors.allow_origins",
		viper.GetStringSlice("api.cors.allow_origins"),
	)
	viper.Set(
		"api.cors.allow_methods",
		viper.GetStringSlice("api.cors.allow_methods"),
	)
	viper.Set(
		"api.cors.expose_headers",
		viper.GetStringSlice("api.cors.expose_headers"),
	)

	for k, v := range viper.AllSettings() {
		log.Printf("config: %s: %v", k, v)
	}

	for _, key := range []string{
		"log_level",
		"database_log_level",
		"providers.log_level",
		"discord.log_level",
		"discord.discordgo_log_level",
		"api.log_level",
	} {
		// initConfig can run more than once per process (cobra calls it
		// on every Execute). Keys already converted hold a *slog.LevelVar
		// and must not be re-parsed as strings.
		if _, ok := viper.Get(key).(*slog.LevelVar); ok {
			continue
		}
		logLevelVar, err := levelStringToLevelVar(viper.GetString(key))
		if err != nil {
			log.Fatalf("error parsing %s: %v", key, err)
		}
		viper.Set(key, logLevelVar)
	}
}

func assertLogLevel(t testing.TB, expected slog.Level, v any) {
	t.Helper()

	lvl, ok := v.(*slog.LevelVar)
	require.Truef(t, ok, "could not convert %#v (%T) to *slog.LevelVar", v, v)
	assert.Equal(t, expected, lvl.Level())
}

func levelStringToLevelVar(lvl string) (*slog.LevelVar, error) {
	level := &slog.LevelVar{}
	err := level.UnmarshalText([]byte(lvl))
	return level, err
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(
		&configFile,
		"config",
		"",
		"Config file to use",
	)
}
