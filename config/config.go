// Package config validates and normalizes the uploader settings shared by every
// other component: chunk size, allowed file categories and the debug flag.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/docker/go-units"
)

// DefaultChunkSize is the byte threshold above which a file is sent as a multi-part upload.
const DefaultChunkSize int64 = 50 * units.MiB

// DefaultAllowedFileCategories only admits video files.
var DefaultAllowedFileCategories = []string{"video/*"}

// ErrValidation is wrapped by every ValidationError.
var ErrValidation = errors.New("invalid configuration")

// ValidationError reports a recognized key with a value of the wrong shape.
type ValidationError struct {
	Key    string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("%s: %s", ErrValidation, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s", ErrValidation, e.Key, e.Reason)
}

// Unwrap ...
func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// Diagnostic is a non-fatal finding about the supplied configuration, e.g. an unknown key.
type Diagnostic struct {
	Key     string
	Message string
}

func (d Diagnostic) String() string {
	return fmt.Sprintf("%s: %s", d.Key, d.Message)
}

// Options holds user supplied settings. Nil fields fall back to the defaults.
type Options struct {
	ChunkSize *int64
	Debug     *bool
	// AllowedFileCategories are MIME type patterns, e.g. "video/*".
	// An empty, non-nil slice lifts the restriction.
	AllowedFileCategories []string
}

// Config is the merged, validated configuration.
type Config struct {
	ChunkSize             int64
	Debug                 bool
	AllowedFileCategories []string
}

// Default returns the configuration used when no option is set.
func Default() Config {
	return Config{
		ChunkSize:             DefaultChunkSize,
		Debug:                 true,
		AllowedFileCategories: append([]string(nil), DefaultAllowedFileCategories...),
	}
}

// Configure merges opts over the defaults and validates the result.
func Configure(opts Options) (Config, error) {
	cfg := Default()

	if opts.ChunkSize != nil {
		if *opts.ChunkSize <= 0 {
			return Config{}, &ValidationError{Key: keyChunkSize, Reason: "must be a positive number"}
		}
		cfg.ChunkSize = *opts.ChunkSize
	}

	if opts.Debug != nil {
		cfg.Debug = *opts.Debug
	}

	if opts.AllowedFileCategories != nil {
		categories := make([]string, 0, len(opts.AllowedFileCategories))
		for _, category := range opts.AllowedFileCategories {
			category = strings.ToLower(strings.TrimSpace(category))
			if category == "" {
				return Config{}, &ValidationError{Key: keyAllowedFileCategories, Reason: "must not contain empty entries"}
			}
			if !doublestar.ValidatePattern(category) {
				return Config{}, &ValidationError{Key: keyAllowedFileCategories, Reason: fmt.Sprintf("contains an invalid pattern: %s", category)}
			}
			categories = append(categories, category)
		}
		cfg.AllowedFileCategories = categories
	}

	return cfg, nil
}

// AllowsType reports whether a file with the given MIME type passes the category filter.
func (c Config) AllowsType(mimeType string) bool {
	if len(c.AllowedFileCategories) == 0 {
		return true
	}

	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	// drop parameters such as "; codecs=avc1"
	if i := strings.Index(mimeType, ";"); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	if mimeType == "" {
		return false
	}

	for _, pattern := range c.AllowedFileCategories {
		if ok, err := doublestar.Match(pattern, mimeType); err == nil && ok {
			return true
		}
	}
	return false
}
