package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/docker/go-units"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func int64Ptr(v int64) *int64 { return &v }
func boolPtr(v bool) *bool    { return &v }

func TestConfigure(t *testing.T) {
	tests := []struct {
		name    string
		opts    Options
		want    Config
		wantErr bool
	}{
		{
			name: "defaults",
			opts: Options{},
			want: Config{ChunkSize: 50 * units.MiB, Debug: true, AllowedFileCategories: []string{"video/*"}},
		},
		{
			name: "overrides",
			opts: Options{ChunkSize: int64Ptr(10 * units.MiB), Debug: boolPtr(false), AllowedFileCategories: []string{" Video/MP4 ", "audio/*"}},
			want: Config{ChunkSize: 10 * units.MiB, Debug: false, AllowedFileCategories: []string{"video/mp4", "audio/*"}},
		},
		{
			name: "empty category list lifts the filter",
			opts: Options{AllowedFileCategories: []string{}},
			want: Config{ChunkSize: DefaultChunkSize, Debug: true, AllowedFileCategories: []string{}},
		},
		{
			name:    "zero chunk size",
			opts:    Options{ChunkSize: int64Ptr(0)},
			wantErr: true,
		},
		{
			name:    "negative chunk size",
			opts:    Options{ChunkSize: int64Ptr(-1)},
			wantErr: true,
		},
		{
			name:    "blank category",
			opts:    Options{AllowedFileCategories: []string{"video/*", " "}},
			wantErr: true,
		},
		{
			name:    "malformed pattern",
			opts:    Options{AllowedFileCategories: []string{"video/[mp4"}},
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Configure(tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				require.True(t, errors.Is(err, ErrValidation))
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestFromMap(t *testing.T) {
	tests := []struct {
		name            string
		raw             interface{}
		want            Config
		wantDiagnostics []Diagnostic
		wantErrKey      string
		wantErr         bool
	}{
		{
			name: "nil falls back to defaults",
			raw:  nil,
			want: Default(),
		},
		{
			name: "json decoded values",
			raw: map[string]interface{}{
				"chunkSize":             float64(10 * units.MiB),
				"debug":                 false,
				"allowedFileCategories": []interface{}{"video/*", "image/png"},
			},
			want: Config{ChunkSize: 10 * units.MiB, Debug: false, AllowedFileCategories: []string{"video/*", "image/png"}},
		},
		{
			name: "human readable chunk size and snake case key",
			raw:  map[string]interface{}{"chunk_size": "8MiB"},
			want: Config{ChunkSize: 8 * units.MiB, Debug: true, AllowedFileCategories: []string{"video/*"}},
		},
		{
			name:            "unknown keys are reported",
			raw:             map[string]interface{}{"autoProceed": true, "debug": true},
			want:            Default(),
			wantDiagnostics: []Diagnostic{{Key: "autoProceed", Message: "unknown configuration key, ignored"}},
		},
		{
			name:    "non-object configuration",
			raw:     "chunkSize=5",
			wantErr: true,
		},
		{
			name:       "non-positive chunk size",
			raw:        map[string]interface{}{"chunkSize": 0},
			wantErrKey: keyChunkSize,
			wantErr:    true,
		},
		{
			name:       "fractional chunk size",
			raw:        map[string]interface{}{"chunkSize": 1.5},
			wantErrKey: keyChunkSize,
			wantErr:    true,
		},
		{
			name:       "unparsable chunk size",
			raw:        map[string]interface{}{"chunkSize": "lots"},
			wantErrKey: keyChunkSize,
			wantErr:    true,
		},
		{
			name:       "non-boolean debug",
			raw:        map[string]interface{}{"debug": "yes"},
			wantErrKey: keyDebug,
			wantErr:    true,
		},
		{
			name:       "non-sequence category filter",
			raw:        map[string]interface{}{"allowedFileCategories": "video/*"},
			wantErrKey: keyAllowedFileCategories,
			wantErr:    true,
		},
		{
			name:       "non-string category",
			raw:        map[string]interface{}{"allowedFileCategories": []interface{}{"video/*", 3}},
			wantErrKey: keyAllowedFileCategories,
			wantErr:    true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, diagnostics, err := FromMap(tt.raw)
			if tt.wantErr {
				var validationErr *ValidationError
				require.True(t, errors.As(err, &validationErr), "got %v", err)
				assert.Equal(t, tt.wantErrKey, validationErr.Key)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.wantDiagnostics, diagnostics)
		})
	}
}

func TestFromEnv(t *testing.T) {
	t.Run("unset variables", func(t *testing.T) {
		got, err := FromEnv(fakeEnvRepo{envVars: map[string]string{}})
		require.NoError(t, err)
		require.Equal(t, Default(), got)
	})

	t.Run("all variables", func(t *testing.T) {
		got, err := FromEnv(fakeEnvRepo{envVars: map[string]string{
			ChunkSizeEnvKey:             "16MB",
			DebugEnvKey:                 "false",
			AllowedFileCategoriesEnvKey: "video/*, audio/*",
		}})
		require.NoError(t, err)
		require.Equal(t, Config{ChunkSize: 16 * units.MiB, Debug: false, AllowedFileCategories: []string{"video/*", "audio/*"}}, got)
	})

	t.Run("empty category variable lifts the filter", func(t *testing.T) {
		got, err := FromEnv(fakeEnvRepo{envVars: map[string]string{AllowedFileCategoriesEnvKey: ""}})
		require.NoError(t, err)
		require.Empty(t, got.AllowedFileCategories)
		require.True(t, got.AllowsType("application/pdf"))
	})

	t.Run("invalid debug flag", func(t *testing.T) {
		_, err := FromEnv(fakeEnvRepo{envVars: map[string]string{DebugEnvKey: "maybe"}})
		require.True(t, errors.Is(err, ErrValidation))
	})
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vpupload.yml")
	content := "chunk_size: 10MiB\ndebug: false\nallowed_file_categories:\n  - video/*\nparallel: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	got, diagnostics, err := LoadFile(path)
	require.NoError(t, err)
	require.Equal(t, Config{ChunkSize: 10 * units.MiB, Debug: false, AllowedFileCategories: []string{"video/*"}}, got)
	require.Equal(t, []Diagnostic{{Key: "parallel", Message: "unknown configuration key, ignored"}}, diagnostics)

	_, _, err = LoadFile(filepath.Join(dir, "missing.yml"))
	require.Error(t, err)
}

func TestConfig_AllowsType(t *testing.T) {
	cfg := Default()

	tests := []struct {
		mimeType string
		want     bool
	}{
		{"video/mp4", true},
		{"VIDEO/QuickTime", true},
		{"video/webm; codecs=vp9", true},
		{"image/png", false},
		{"video", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.mimeType, func(t *testing.T) {
			assert.Equal(t, tt.want, cfg.AllowsType(tt.mimeType))
		})
	}
}

type fakeEnvRepo struct {
	envVars map[string]string
}

func (repo fakeEnvRepo) Get(key string) string {
	return repo.envVars[key]
}

func (repo fakeEnvRepo) Set(key, value string) error {
	repo.envVars[key] = value
	return nil
}

func (repo fakeEnvRepo) Unset(key string) error {
	delete(repo.envVars, key)
	return nil
}

func (repo fakeEnvRepo) List() []string {
	envs := []string{}
	for k, v := range repo.envVars {
		envs = append(envs, fmt.Sprintf("%s=%s", k, v))
	}
	return envs
}

func Test_parseChunkSize(t *testing.T) {
	tests := []struct {
		name    string
		value   interface{}
		want    int64
		wantErr bool
	}{
		{name: "int8", value: int8(64), want: 64},
		{name: "int16", value: int16(4096), want: 4096},
		{name: "uint", value: uint(1024), want: 1024},
		{name: "uint8", value: uint8(8), want: 8},
		{name: "uint16", value: uint16(512), want: 512},
		{name: "uint64", value: uint64(5 * units.MiB), want: 5 * units.MiB},
		{name: "float32", value: float32(2048), want: 2048},
		{name: "uint64 above int64", value: uint64(math.MaxInt64) + 1, wantErr: true},
		{name: "float64 at two to the 63", value: math.Pow(2, 63), wantErr: true},
		{name: "fractional float64", value: 1.5, wantErr: true},
		{name: "negative int16", value: int16(-1), wantErr: true},
		{name: "bool", value: true, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseChunkSize(tt.value)
			if tt.wantErr {
				var validationErr *ValidationError
				require.ErrorAs(t, err, &validationErr)
				require.Equal(t, keyChunkSize, validationErr.Key)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}
