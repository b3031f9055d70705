// Package config loads runtime settings from flags, environment variables,
// an optional .env file and an optional YAML config file.
package config

import (
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const EnvPrefix = "LG"

// Keys shared by flags, env vars and config files.
const (
	KeyDBPath           = "db_path"
	KeyPort             = "port"
	KeyLogLevel         = "log_level"
	KeyLogFormat        = "log_format"
	KeyPValue           = "pvalue"
	KeyAdminToken       = "admin_token"
	KeyBatchConcurrency = "batch_concurrency"
)

type Config struct {
	DBPath           string `mapstructure:"db_path" validate:"required"`
	Port             int    `mapstructure:"port" validate:"min=1,max=65535"`
	LogLevel         string `mapstructure:"log_level" validate:"oneof=debug info warn error"`
	LogFormat        string `mapstructure:"log_format" validate:"oneof=json console"`
	PValue           string `mapstructure:"pvalue" validate:"oneof=approx normal student-t"`
	AdminToken       string `mapstructure:"admin_token"`
	BatchConcurrency int    `mapstructure:"batch_concurrency" validate:"min=1,max=256"`
}

func Defaults(v *viper.Viper) {
	v.SetDefault(KeyDBPath, "./learngoat.db")
	v.SetDefault(KeyPort, 8080)
	v.SetDefault(KeyLogLevel, "info")
	v.SetDefault(KeyLogFormat, "console")
	v.SetDefault(KeyPValue, "approx")
	v.SetDefault(KeyAdminToken, "")
	v.SetDefault(KeyBatchConcurrency, 8)
}

// New returns a viper instance with defaults and LG_ environment binding.
func New() *viper.Viper {
	v := viper.New()
	Defaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()
	return v
}

// BindFlags maps flag names (dashes) onto config keys (underscores).
func BindFlags(v *viper.Viper, flags *pflag.FlagSet) error {
	var err error
	flags.VisitAll(func(f *pflag.Flag) {
		key := strings.ReplaceAll(f.Name, "-", "_")
		if bindErr := v.BindPFlag(key, f); bindErr != nil && err == nil {
			err = errors.Wrapf(bindErr, "failed to bind flag %q", f.Name)
		}
	})
	return err
}

// Load reads the .env file at envFile (if present) and the YAML config file
// at path (if set), then decodes and validates the merged settings.
func Load(v *viper.Viper, path, envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, errors.Wrapf(err, "failed to load %s", envFile)
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", path)
		}
	}

	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return errors.Newf("invalid config %s: failed %q (value %v)",
				strings.ToLower(fe.Field()), fe.Tag(), fe.Value())
		}
		return errors.Wrap(err, "invalid config")
	}
	return nil
}
