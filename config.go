package grocerycrawler

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// configService wraps viper for .env and process environment lookups.
type configService struct {
	v *viper.Viper
}

func newConfig() *configService {
	v := viper.New()
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/")
	v.AllowEmptyEnv(true)
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Printf("Error reading Config file: %v\n", err)
		}
	}

	return &configService{v: v}
}

// Env retrieves a raw value, falling back to the first default.
func (c *configService) Env(envName string, defaultValue ...interface{}) interface{} {
	value := c.v.Get(envName)
	if value != nil {
		return value
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return nil
}

func (c *configService) EnvString(envName string, defaultValue ...string) string {
	value := c.v.Get(envName)
	if value != nil && fmt.Sprint(value) != "" {
		return fmt.Sprint(value)
	}
	if len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return ""
}

// Set overrides a key for the lifetime of the process.
func (c *configService) Set(name string, value interface{}) {
	c.v.Set(name, value)
}

func (c *configService) GetString(path string) string {
	return c.v.GetString(path)
}

func (c *configService) GetInt(path string, defaultValue ...int) int {
	if !c.v.IsSet(path) && len(defaultValue) > 0 {
		return defaultValue[0]
	}
	return c.v.GetInt(path)
}

func (c *configService) GetBool(path string) bool {
	return c.v.GetBool(path)
}

// GetDuration accepts Go durations ("90s") and bare seconds ("90").
func (c *configService) GetDuration(path string, defaultValue time.Duration) time.Duration {
	if !c.v.IsSet(path) || c.v.GetString(path) == "" {
		return defaultValue
	}
	raw := c.v.GetString(path)
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	if secs := c.v.GetFloat64(path); secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return defaultValue
}

// GetStringSlice splits a comma separated value and drops blanks.
func (c *configService) GetStringSlice(path string) []string {
	raw := c.v.GetString(path)
	if raw == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func (c *configService) isLocalEnv() bool {
	return c.GetString("APP_ENV") == "local"
}
