// Package config is responsible for initializing the application's
// configuration. It uses the Viper library to read settings from a config
// file and environment variables, providing a unified configuration system.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

// InitConfig initializes the application's configuration using Viper. It sets
// up default values, defines configuration search paths, and enables reading
// from environment variables. Call once at startup, before Load. When cfgFile
// is non-empty it is used instead of the search paths.
func InitConfig(cfgFile string) {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("config")
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/gbif-scraper/")
		viper.AddConfigPath("$HOME/.gbif-scraper")
	}

	viper.SetDefault("database.dsn", "postgres://scraper@localhost:5432/scraper")
	viper.SetDefault("database.max_conns", 32)

	viper.SetDefault("storage.data_path", "data")

	viper.SetDefault("scraper.jobs", 8)
	viper.SetDefault("scraper.min_occurrences", 30)
	viper.SetDefault("scraper.max_occurrences", 1200)
	viper.SetDefault("scraper.crop", true)

	viper.SetDefault("cropper.batch_size", 128)
	viper.SetDefault("cropper.command", []string{"python", "python/main.py"})

	viper.SetDefault("gbif.base_url", "https://api.gbif.org/v1")
	viper.SetDefault("gbif.timeout", "30s")
	viper.SetDefault("gbif.blacklisted_dataset", "7e380070-f762-11e1-a439-00145eb45e9a")

	viper.SetDefault("taxref.path", "")
	viper.SetDefault("taxref.url", "https://storage.tforgione.fr/TAXREFv17.txt")

	viper.SetDefault("log.development", false)

	viper.SetEnvPrefix("SCRAPER") // e.g. SCRAPER_DATABASE_DSN
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults and environment variables
		// are enough to run. A malformed one is not.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintln(os.Stderr, "Error reading config file:", err)
			os.Exit(1)
		}
	}
}
