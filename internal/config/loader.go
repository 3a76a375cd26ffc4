package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// ErrConfigNotFound is returned when an explicitly requested config file does
// not exist.
var ErrConfigNotFound = errors.New("config file not found")

// Load builds a Config from defaults, the YAML file at path, a .env file in
// the working directory, and the environment.
//
// An empty path looks for DefaultFileName and tolerates its absence. A
// non-empty path must exist.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if err := applyTags(reflect.ValueOf(cfg).Elem(), tagDefault); err != nil {
		return nil, fmt.Errorf("config defaults: %w", err)
	}

	explicit := path != ""
	if !explicit {
		path = DefaultFileName
	}
	if err := loadYAML(path, cfg); err != nil {
		if !errors.Is(err, ErrConfigNotFound) || explicit {
			return nil, err
		}
	}

	// A missing .env is the common case.
	_ = godotenv.Load()

	if err := applyTags(reflect.ValueOf(cfg).Elem(), tagEnv); err != nil {
		return nil, fmt.Errorf("config load: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", path, ErrConfigNotFound)
		}
		return fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

type tagSource int

const (
	tagDefault tagSource = iota
	tagEnv
)

// applyTags walks struct fields and sets them either from their `default`
// tag or from the environment variables named by `env`/`envAlt`.
// Environment values only override when set.
func applyTags(v reflect.Value, src tagSource) error {
	t := v.Type()

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)
		fieldVal := v.Field(i)

		if !fieldVal.CanSet() {
			continue
		}

		if field.Type.Kind() == reflect.Struct && field.Type != reflect.TypeOf(time.Time{}) {
			if err := applyTags(fieldVal, src); err != nil {
				return err
			}
			continue
		}

		var name, value string
		switch src {
		case tagDefault:
			name = field.Name
			value = field.Tag.Get("default")
		case tagEnv:
			name = field.Tag.Get("env")
			if name == "" {
				continue
			}
			value = os.Getenv(name)
			if value == "" {
				if alt := field.Tag.Get("envAlt"); alt != "" {
					value = os.Getenv(alt)
				}
			}
		}
		if value == "" {
			continue
		}

		if err := setField(fieldVal, value); err != nil {
			return fmt.Errorf("invalid value for %s=%q: %w", name, value, err)
		}
	}

	return nil
}

// setField sets a reflect.Value from a string based on its type.
func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)

	case reflect.Int, reflect.Int64:
		if field.Type() == reflect.TypeOf(time.Duration(0)) {
			d, err := time.ParseDuration(value)
			if err != nil {
				return fmt.Errorf("invalid duration: %w", err)
			}
			field.Set(reflect.ValueOf(d))
			return nil
		}
		i, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			return fmt.Errorf("invalid integer: %w", err)
		}
		field.SetInt(i)

	case reflect.Bool:
		b, err := strconv.ParseBool(value)
		if err != nil {
			return fmt.Errorf("invalid boolean: %w", err)
		}
		field.SetBool(b)

	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type: %s", field.Type().Elem().Kind())
		}
		parts := strings.Split(value, ",")
		out := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		field.Set(reflect.ValueOf(out))

	case reflect.Map:
		// Maps (aliases) are YAML-only.
		return nil

	default:
		return fmt.Errorf("unsupported field type: %s", field.Kind())
	}

	return nil
}
