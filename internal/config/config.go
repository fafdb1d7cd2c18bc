package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds the configuration for the application.
type Config struct {
	DB struct {
		Host     string `mapstructure:"host"`
		Port     int    `mapstructure:"port"`
		User     string `mapstructure:"user"`
		Password string `mapstructure:"password"`
		Name     string `mapstructure:"name"`
		SSLMode  string `mapstructure:"sslmode"`
	} `mapstructure:"db"`
	GitHub struct {
		APIURL       string `mapstructure:"api_url"`
		Token        string `mapstructure:"token"`
		Organization string `mapstructure:"organization"`
	} `mapstructure:"github"`
	Auth struct {
		// Token is the single shared bearer token protecting the API.
		Token string `mapstructure:"token"`
	} `mapstructure:"auth"`
	Sync struct {
		Workers            int `mapstructure:"workers"`
		MaxRunsPerWorkflow int `mapstructure:"max_runs_per_workflow"`
	} `mapstructure:"sync"`
	TLS struct {
		Enable    bool     `mapstructure:"enable"`
		CertFile  string   `mapstructure:"cert_file"`
		KeyFile   string   `mapstructure:"key_file"`
		Hostnames []string `mapstructure:"hostnames"`
	} `mapstructure:"tls"`
}

// LoadConfig loads the configuration from a file and the environment.
func LoadConfig() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.SetEnvPrefix("RUNBOARD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// Config file is optional when the environment provides values.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	config.GitHub.APIURL = normalizeBaseURL(config.GitHub.APIURL)

	return &config, nil
}

// normalizeBaseURL puts the configured API base URL into a predictable
// form, removing any trailing slash so path joining stays simple.
func normalizeBaseURL(input string) string {
	u := strings.TrimSpace(input)
	return strings.TrimRight(u, "/")
}
