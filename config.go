package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

type Config struct {
	bind           string
	datasetPath    string
	mapsAPIKey     string
	ntaPath        string
	port           int
	prefix         string
	profile        bool
	roundTimeLimit time.Duration
	tlsCert        string
	tlsKey         string
	verbose        bool
	version        bool
}

func (c *Config) validate() error {
	if (c.tlsCert == "") != (c.tlsKey == "") {
		return errors.New("both --tls-cert and --tls-key must be provided together")
	}
	if c.port < 1 || c.port > 65535 {
		return fmt.Errorf("invalid port (must be between 1-65535 inclusive): %d", c.port)
	}
	if c.datasetPath == "" {
		return errors.New("--dataset is required")
	}
	if c.roundTimeLimit < time.Second {
		return fmt.Errorf("invalid round time limit (must be at least 1s): %s", c.roundTimeLimit)
	}
	return nil
}

func (c *Config) scheme() string {
	if c.tlsCert != "" && c.tlsKey != "" {
		return "https"
	}
	return "http"
}

func newCmd(cfg *Config) *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("GEOCRIME")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	cmd := &cobra.Command{
		Use:           "geocrime",
		Short:         "A two-player crime-map guessing game, backed by a public incident dataset.",
		Args:          cobra.ExactArgs(0),
		SilenceErrors: true,
		Version:       releaseVersion,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cfg.validate(); err != nil {
				return err
			}
			return ServePage(cmd.Context(), cfg)
		},
	}

	fs := cmd.Flags()

	fs.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
	})

	fs.StringVarP(&cfg.bind, "bind", "b", "0.0.0.0", "address to bind to (env: GEOCRIME_BIND)")
	fs.StringVar(&cfg.datasetPath, "dataset", "crime_dataset.csv", "path to the incident dataset csv (env: GEOCRIME_DATASET)")
	fs.StringVar(&cfg.mapsAPIKey, "maps-api-key", "", "google maps api key for street view urls (env: GEOCRIME_MAPS_API_KEY)")
	fs.StringVar(&cfg.ntaPath, "nta-geojson", "", "path to the neighborhood polygon geojson, enables choropleth maps (env: GEOCRIME_NTA_GEOJSON)")
	fs.IntVarP(&cfg.port, "port", "p", 8080, "port to listen on (env: GEOCRIME_PORT)")
	fs.StringVar(&cfg.prefix, "prefix", "", "path to prepend to all URLs, for use behind reverse proxy (env: GEOCRIME_PREFIX)")
	fs.BoolVar(&cfg.profile, "profile", false, "register net/http/pprof handlers (env: GEOCRIME_PROFILE)")
	fs.DurationVar(&cfg.roundTimeLimit, "round-time-limit", 30*time.Second, "advisory guessing time sent to clients at round start (env: GEOCRIME_ROUND_TIME_LIMIT)")
	fs.StringVar(&cfg.tlsCert, "tls-cert", "", "path to tls certificate (env: GEOCRIME_TLS_CERT)")
	fs.StringVar(&cfg.tlsKey, "tls-key", "", "path to tls keyfile (env: GEOCRIME_TLS_KEY)")
	fs.BoolVarP(&cfg.verbose, "verbose", "v", false, "display additional output (env: GEOCRIME_VERBOSE)")
	fs.BoolVarP(&cfg.version, "version", "V", false, "display version and exit (env: GEOCRIME_VERSION)")

	fs.VisitAll(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
		_ = v.BindEnv(f.Name)
		if !f.Changed && v.IsSet(f.Name) {
			_ = fs.Set(f.Name, fmt.Sprintf("%v", v.Get(f.Name)))
		}
	})

	cmd.CompletionOptions.HiddenDefaultCmd = true
	cmd.SetHelpCommand(&cobra.Command{Hidden: true})
	cmd.SetVersionTemplate("geocrime v{{.Version}}\n")

	cmd.SilenceErrors = true
	cmd.SilenceUsage = true

	return cmd
}
