package config

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-utils/v2/env"
	"github.com/docker/go-units"
	"github.com/spf13/viper"
)

const (
	keyChunkSize             = "chunkSize"
	keyDebug                 = "debug"
	keyAllowedFileCategories = "allowedFileCategories"
)

// Environment variables read by FromEnv.
const (
	ChunkSizeEnvKey             = "VPUPLOAD_CHUNK_SIZE"
	DebugEnvKey                 = "VPUPLOAD_DEBUG"
	AllowedFileCategoriesEnvKey = "VPUPLOAD_ALLOWED_FILE_CATEGORIES"
)

// canonicalKeys maps normalized spellings (lower case, no separators) to option names,
// so chunkSize, chunk_size and chunk-size are all recognized.
var canonicalKeys = map[string]string{
	"chunksize":             keyChunkSize,
	"debug":                 keyDebug,
	"allowedfilecategories": keyAllowedFileCategories,
}

func normalizeKey(key string) string {
	key = strings.ToLower(key)
	key = strings.ReplaceAll(key, "_", "")
	return strings.ReplaceAll(key, "-", "")
}

// FromMap validates a loosely typed configuration value, as decoded from JSON or YAML.
// A nil value yields the defaults. Unknown keys are reported as diagnostics and ignored.
func FromMap(raw interface{}) (Config, []Diagnostic, error) {
	if raw == nil {
		return Default(), nil, nil
	}

	values, ok := raw.(map[string]interface{})
	if !ok {
		return Config{}, nil, &ValidationError{Reason: fmt.Sprintf("configuration must be an object, got %T", raw)}
	}

	var opts Options
	var diagnostics []Diagnostic

	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := values[key]

		switch canonicalKeys[normalizeKey(key)] {
		case keyChunkSize:
			size, err := parseChunkSize(value)
			if err != nil {
				return Config{}, nil, err
			}
			opts.ChunkSize = &size
		case keyDebug:
			debug, ok := value.(bool)
			if !ok {
				return Config{}, nil, &ValidationError{Key: keyDebug, Reason: fmt.Sprintf("must be a boolean, got %T", value)}
			}
			opts.Debug = &debug
		case keyAllowedFileCategories:
			categories, err := parseCategories(value)
			if err != nil {
				return Config{}, nil, err
			}
			opts.AllowedFileCategories = categories
		default:
			diagnostics = append(diagnostics, Diagnostic{Key: key, Message: "unknown configuration key, ignored"})
		}
	}

	cfg, err := Configure(opts)
	if err != nil {
		return Config{}, nil, err
	}
	return cfg, diagnostics, nil
}

// FromEnv reads the configuration from environment variables. Unset variables fall back to the defaults.
func FromEnv(envRepo env.Repository) (Config, error) {
	var opts Options

	if value := strings.TrimSpace(envRepo.Get(ChunkSizeEnvKey)); value != "" {
		size, err := parseChunkSize(value)
		if err != nil {
			return Config{}, err
		}
		opts.ChunkSize = &size
	}

	if value := strings.TrimSpace(envRepo.Get(DebugEnvKey)); value != "" {
		debug, err := strconv.ParseBool(value)
		if err != nil {
			return Config{}, &ValidationError{Key: keyDebug, Reason: fmt.Sprintf("must be a boolean, got %q", value)}
		}
		opts.Debug = &debug
	}

	if value, ok := lookup(envRepo, AllowedFileCategoriesEnvKey); ok {
		categories := []string{}
		for _, category := range strings.Split(value, ",") {
			if category = strings.TrimSpace(category); category != "" {
				categories = append(categories, category)
			}
		}
		opts.AllowedFileCategories = categories
	}

	return Configure(opts)
}

// LoadFile reads a YAML, JSON or TOML configuration file and validates it like FromMap.
func LoadFile(path string) (Config, []Diagnostic, error) {
	v := viper.New()
	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return Config{}, nil, fmt.Errorf("read config file %s: %w", path, err)
	}

	return FromMap(v.AllSettings())
}

// lookup tells an unset variable apart from one set to an empty value.
func lookup(envRepo env.Repository, key string) (string, bool) {
	for _, kv := range envRepo.List() {
		if strings.HasPrefix(kv, key+"=") {
			return strings.TrimPrefix(kv, key+"="), true
		}
	}
	return "", false
}

func parseChunkSize(value interface{}) (int64, error) {
	invalid := func(reason string) error {
		return &ValidationError{Key: keyChunkSize, Reason: reason}
	}

	var size int64
	switch v := value.(type) {
	case int:
		size = int64(v)
	case int8:
		size = int64(v)
	case int16:
		size = int64(v)
	case int32:
		size = int64(v)
	case int64:
		size = v
	case uint:
		if uint64(v) > math.MaxInt64 {
			return 0, invalid(fmt.Sprintf("must fit in 63 bits, got %d", v))
		}
		size = int64(v)
	case uint8:
		size = int64(v)
	case uint16:
		size = int64(v)
	case uint32:
		size = int64(v)
	case uint64:
		if v > math.MaxInt64 {
			return 0, invalid(fmt.Sprintf("must fit in 63 bits, got %d", v))
		}
		size = int64(v)
	case float32:
		return parseChunkSize(float64(v))
	case float64:
		if v != math.Trunc(v) || v >= math.MaxInt64 {
			return 0, invalid(fmt.Sprintf("must be a whole number of bytes, got %v", v))
		}
		size = int64(v)
	case string:
		parsed, err := units.RAMInBytes(strings.TrimSpace(v))
		if err != nil {
			return 0, invalid(fmt.Sprintf("must be a byte size, got %q", v))
		}
		size = parsed
	default:
		return 0, invalid(fmt.Sprintf("must be a positive number, got %T", value))
	}

	if size <= 0 {
		return 0, invalid("must be a positive number")
	}
	return size, nil
}

func parseCategories(value interface{}) ([]string, error) {
	switch v := value.(type) {
	case []string:
		return append([]string{}, v...), nil
	case []interface{}:
		categories := make([]string, 0, len(v))
		for i, item := range v {
			category, ok := item.(string)
			if !ok {
				return nil, &ValidationError{Key: keyAllowedFileCategories, Reason: fmt.Sprintf("item %d must be a string, got %T", i, item)}
			}
			categories = append(categories, category)
		}
		return categories, nil
	default:
		return nil, &ValidationError{Key: keyAllowedFileCategories, Reason: fmt.Sprintf("must be a list of strings, got %T", value)}
	}
}
