// Package config layers a TOML file and RENDERPOOL_ environment variables
// over the CLI option struct, and reads the logging table for live reloads.
package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/renderpool/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every env tag when reading overrides.
const EnvPrefix = "RENDERPOOL_"

// ErrInvalidValue is wrapped by errors for values that do not fit their field.
var ErrInvalidValue = errors.New("invalid config value")

var durationType = reflect.TypeOf(time.Duration(0))

// binding ties one option field to its flag, TOML path and env name.
type binding struct {
	name  string
	value reflect.Value
	flag  string
	toml  string
	env   string
}

// LoadConfig fills opts with precedence CLI flags > env vars > config file.
// opts must point to a struct; its Config field names the TOML file. Flags
// the user set on cmd are left alone. A missing file is not an error.
// Values that do not parse are skipped and reported together.
func LoadConfig(opts any, cmd *cobra.Command) error {
	bindings, configPath := bind(opts)

	changed := make(map[string]bool)
	if cmd != nil {
		cmd.Flags().VisitAll(func(f *pflag.Flag) {
			if f.Changed {
				changed[f.Name] = true
			}
		})
	}

	var tree map[string]any
	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err == nil {
			if err := toml.Unmarshal(data, &tree); err != nil {
				return fmt.Errorf("failed to parse TOML config %s: %w", configPath, err)
			}
		}
	}

	var errs []error
	for _, b := range bindings {
		if changed[b.flag] {
			continue
		}
		if raw := lookup(tree, b.toml); raw != nil {
			if err := assign(b.value, raw); err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", b.toml, err))
			}
		}
		if b.env == "" {
			continue
		}
		if raw, ok := os.LookupEnv(EnvPrefix + b.env); ok && raw != "" {
			if err := parse(b.value, raw); err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, b.env, err))
			}
		}
	}
	return errors.Join(errs...)
}

// bind collects the tagged fields of opts and the config file path.
func bind(opts any) ([]binding, string) {
	v := reflect.ValueOf(opts).Elem()
	t := v.Type()

	var configPath string
	bindings := make([]binding, 0, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.Name == "Config" && f.Type.Kind() == reflect.String {
			configPath = v.Field(i).String()
			continue
		}
		tomlPath, env := f.Tag.Get("toml"), f.Tag.Get("env")
		if tomlPath == "" && env == "" {
			continue
		}
		bindings = append(bindings, binding{
			name:  f.Name,
			value: v.Field(i),
			flag:  flagName(f.Name),
			toml:  tomlPath,
			env:   env,
		})
	}
	return bindings, configPath
}

// flagName converts a field name to the kebab-case flag humacli derives
// from it. Acronyms stay together: "LoggingLevel" -> "logging-level",
// "APIAddr" -> "api-addr".
func flagName(field string) string {
	runes := []rune(field)
	var b strings.Builder
	for i, r := range runes {
		if i > 0 && unicode.IsUpper(r) {
			prev := runes[i-1]
			nextLower := i+1 < len(runes) && unicode.IsLower(runes[i+1])
			if !unicode.IsUpper(prev) || nextLower {
				b.WriteByte('-')
			}
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// lookup walks a dotted path through decoded TOML tables.
func lookup(tree map[string]any, path string) any {
	if tree == nil || path == "" {
		return nil
	}
	keys := strings.Split(path, ".")
	for _, key := range keys[:len(keys)-1] {
		next, ok := tree[key].(map[string]any)
		if !ok {
			return nil
		}
		tree = next
	}
	return tree[keys[len(keys)-1]]
}

// assign stores a decoded TOML value. Durations accept strings such as
// "90s" or bare integers meaning seconds.
func assign(field reflect.Value, raw any) error {
	if !field.CanSet() {
		return nil
	}
	mismatch := fmt.Errorf("%w: %v (%T) for %s", ErrInvalidValue, raw, raw, field.Type())

	if field.Type() == durationType {
		switch d := raw.(type) {
		case string:
			return parse(field, d)
		case int64:
			field.SetInt(d * int64(time.Second))
			return nil
		}
		return mismatch
	}

	switch field.Kind() {
	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return mismatch
		}
		field.SetString(s)
	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return mismatch
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		switch n := raw.(type) {
		case int64:
			field.SetInt(n)
		case int:
			field.SetInt(int64(n))
		default:
			return mismatch
		}
	case reflect.Slice:
		items, ok := raw.([]any)
		if !ok || field.Type().Elem().Kind() != reflect.String {
			return mismatch
		}
		out := make([]string, 0, len(items))
		for _, item := range items {
			s, ok := item.(string)
			if !ok {
				return mismatch
			}
			out = append(out, s)
		}
		field.Set(reflect.ValueOf(out))
	default:
		return mismatch
	}
	return nil
}

// parse stores a string value from the environment. Slices are
// comma-separated.
func parse(field reflect.Value, raw string) error {
	if !field.CanSet() {
		return nil
	}
	invalid := func(err error) error {
		return fmt.Errorf("%w: %q for %s: %v", ErrInvalidValue, raw, field.Type(), err)
	}

	if field.Type() == durationType {
		d, err := time.ParseDuration(strings.TrimSpace(raw))
		if err != nil {
			return invalid(err)
		}
		field.SetInt(int64(d))
		return nil
	}

	switch field.Kind() {
	case reflect.String:
		field.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return invalid(err)
		}
		field.SetBool(b)
	case reflect.Int, reflect.Int64:
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return invalid(err)
		}
		field.SetInt(n)
	case reflect.Slice:
		if field.Type().Elem().Kind() != reflect.String {
			return invalid(errors.New("unsupported slice type"))
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		field.Set(reflect.ValueOf(parts))
	default:
		return invalid(errors.New("unsupported field type"))
	}
	return nil
}

// ReadLoggingConfig parses the [logging] table of a TOML config file.
// Keys other than level and format are per-module levels.
func ReadLoggingConfig(configPath string) (logging.Config, error) {
	cfg := logging.Config{Level: "info", Format: "text", Modules: map[string]string{}}
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}

	var raw struct {
		Logging map[string]any `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &raw); err != nil {
		return cfg, fmt.Errorf("failed to parse TOML config: %w", err)
	}

	for key, value := range raw.Logging {
		s, ok := value.(string)
		if !ok {
			continue
		}
		switch key {
		case "level":
			cfg.Level = s
		case "format":
			cfg.Format = s
		default:
			cfg.Modules[key] = s
		}
	}
	return cfg, nil
}
