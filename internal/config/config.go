package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/menta2k/selfie-sorter/internal/utils"
	"github.com/menta2k/selfie-sorter/pkg/types"
)

// EnvPrefix is prepended to every environment override, e.g.
// SELFIE_SORT_CENSOR_STYLE.
const EnvPrefix = "SELFIE_SORT"

// Backend kinds for the coarse scorer and fine detector
const (
	BackendNone     = "none"
	BackendCommand  = "command"
	BackendOllama   = "ollama"
	BackendLlamaCpp = "llamacpp"
)

// SortConfig holds the configuration of one sorting run
type SortConfig struct {
	InputDir   string   `mapstructure:"input_dir"`
	OutputDir  string   `mapstructure:"output_dir"`
	Files      []string `mapstructure:"files"`
	Extensions []string `mapstructure:"extensions"`

	UseCoarseGate    bool     `mapstructure:"use_coarse_gate"`
	NSFWThreshold    float64  `mapstructure:"nsfw_threshold"`
	ExplicitLabels   []string `mapstructure:"explicit_labels"`
	SuggestiveLabels []string `mapstructure:"suggestive_labels"`
	DupHamming       int      `mapstructure:"dup_hamming"`

	StripMetadata bool `mapstructure:"strip_metadata"`
	WriteSidecar  bool `mapstructure:"write_sidecar"`
	MoveSafe      bool `mapstructure:"move_safe"`
	ShowProgress  bool `mapstructure:"show_progress"`

	Buckets BucketDirs    `mapstructure:"buckets"`
	Censor  CensorConfig  `mapstructure:"censor"`
	Tools   ToolConfig    `mapstructure:"tools"`
	Backend BackendConfig `mapstructure:"backend"`

	LogMode string `mapstructure:"log_mode"`
}

// BucketDirs names the top-level output directories
type BucketDirs struct {
	Explicit   string `mapstructure:"explicit"`
	Suggestive string `mapstructure:"suggestive"`
	Safe       string `mapstructure:"safe"`
	Dupes      string `mapstructure:"dupes"`
}

// CensorConfig controls censored copies
type CensorConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Style    string `mapstructure:"style"`
	Strength int    `mapstructure:"strength"`
	Label    string `mapstructure:"label"`
	Suffix   string `mapstructure:"suffix"`
	// Quality is the JPEG/WebP encoder quality of censored copies.
	Quality int `mapstructure:"quality"`
	// Root is resolved against OutputDir when relative.
	Root string `mapstructure:"root"`
}

// ToolConfig names external programs and their execution policy
type ToolConfig struct {
	Exiftool    string        `mapstructure:"exiftool"`
	ScorerCmd   string        `mapstructure:"scorer_cmd"`
	DetectorCmd string        `mapstructure:"detector_cmd"`
	Timeout     time.Duration `mapstructure:"timeout"`
	Retries     int           `mapstructure:"retries"`
}

// BackendConfig selects where coarse scores and detections come from
type BackendConfig struct {
	Kind  string `mapstructure:"kind"`
	URL   string `mapstructure:"url"`
	Model string `mapstructure:"model"`
}

// DefaultExplicitLabels are detector labels that make an image explicit
var DefaultExplicitLabels = []string{
	"FEMALE_BREAST_EXPOSED",
	"FEMALE_GENITALIA_EXPOSED",
	"MALE_GENITALIA_EXPOSED",
	"ANUS_EXPOSED",
}

// DefaultSuggestiveLabels are detector labels that make an image suggestive
var DefaultSuggestiveLabels = []string{
	"BELLY_EXPOSED",
	"BUTTOCKS",
	"MALE_BREAST",
	"ARMPITS",
	"UNDERWEAR",
	"LINGERIE",
	"CLEAVAGE",
}

// Load reads defaults, an optional config file (YAML, JSON or TOML by
// extension) and SELFIE_SORT_* environment overrides. With an empty path the
// file at GetConfigPath is used when it exists.
func Load(configPath string) (*SortConfig, error) {
	v := newViper()

	if configPath == "" {
		if p := GetConfigPath(); utils.FileExists(p) {
			configPath = p
		}
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg SortConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

// Default returns a configuration with default values and no overrides
func Default() *SortConfig {
	v := viper.New()
	setDefaults(v)

	var cfg SortConfig
	if err := v.Unmarshal(&cfg); err != nil {
		// Defaults are static; a failure here is a programming error.
		panic(fmt.Sprintf("invalid default config: %v", err))
	}
	return &cfg
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("input_dir", "")
	v.SetDefault("output_dir", "")
	v.SetDefault("files", []string{})
	v.SetDefault("extensions", []string{".jpg", ".jpeg", ".png", ".webp", ".bmp", ".gif"})

	v.SetDefault("use_coarse_gate", true)
	v.SetDefault("nsfw_threshold", 0.80)
	v.SetDefault("explicit_labels", DefaultExplicitLabels)
	v.SetDefault("suggestive_labels", DefaultSuggestiveLabels)
	v.SetDefault("dup_hamming", 5)

	v.SetDefault("strip_metadata", true)
	v.SetDefault("write_sidecar", true)
	v.SetDefault("move_safe", true)
	v.SetDefault("show_progress", true)

	v.SetDefault("buckets.explicit", "explicit")
	v.SetDefault("buckets.suggestive", "suggestive")
	v.SetDefault("buckets.safe", "safe")
	v.SetDefault("buckets.dupes", "dupes")

	v.SetDefault("censor.enabled", false)
	v.SetDefault("censor.style", "pixelated")
	v.SetDefault("censor.strength", 12)
	v.SetDefault("censor.label", "CENSORED")
	v.SetDefault("censor.suffix", "_censored")
	v.SetDefault("censor.quality", 92)
	v.SetDefault("censor.root", "censored")

	v.SetDefault("tools.exiftool", "exiftool")
	v.SetDefault("tools.scorer_cmd", "")
	v.SetDefault("tools.detector_cmd", "")
	v.SetDefault("tools.timeout", time.Duration(0))
	v.SetDefault("tools.retries", 0)

	v.SetDefault("backend.kind", BackendNone)
	v.SetDefault("backend.url", "")
	v.SetDefault("backend.model", "")

	v.SetDefault("log_mode", "development")
}

// BucketDir returns the directory name configured for a bucket
func (c *SortConfig) BucketDir(b types.Bucket) string {
	switch b {
	case types.BucketExplicit:
		return c.Buckets.Explicit
	case types.BucketSuggestive:
		return c.Buckets.Suggestive
	default:
		return c.Buckets.Safe
	}
}

// CensorRoot returns the absolute-or-output-relative censored tree root
func (c *SortConfig) CensorRoot() string {
	if filepath.IsAbs(c.Censor.Root) {
		return c.Censor.Root
	}
	return filepath.Join(c.OutputDir, c.Censor.Root)
}

// Validate checks if the configuration is valid
func (c *SortConfig) Validate() error {
	if c.NSFWThreshold < 0 || c.NSFWThreshold > 1 {
		return invalid("nsfw_threshold must be between 0 and 1")
	}

	if c.DupHamming < 0 {
		return invalid("dup_hamming must not be negative")
	}

	if len(c.Extensions) == 0 {
		return invalid("extensions cannot be empty")
	}

	if c.Censor.Strength < 1 {
		return invalid("censor.strength must be at least 1")
	}

	switch strings.ReplaceAll(strings.ToLower(strings.TrimSpace(c.Censor.Style)), "-", "_") {
	case "pixelated", "blurred", "black_box":
	default:
		return invalid("censor.style must be one of pixelated, blurred, black_box")
	}

	if c.Censor.Suffix == "" {
		return invalid("censor.suffix cannot be empty")
	}

	if c.Censor.Quality < 1 || c.Censor.Quality > 100 {
		return invalid("censor.quality must be between 1 and 100")
	}

	dirs := map[string]bool{}
	for _, d := range []string{c.Buckets.Explicit, c.Buckets.Suggestive, c.Buckets.Safe, c.Buckets.Dupes} {
		if d == "" || strings.ContainsAny(d, `/\`) {
			return invalid("bucket directories must be plain non-empty names")
		}
		if dirs[d] {
			return invalid(fmt.Sprintf("bucket directory %q is used twice", d))
		}
		dirs[d] = true
	}

	if c.Tools.Timeout < 0 {
		return invalid("tools.timeout must not be negative")
	}

	if c.Tools.Retries < 0 {
		return invalid("tools.retries must not be negative")
	}

	switch c.Backend.Kind {
	case BackendNone, BackendCommand, BackendOllama, BackendLlamaCpp:
	default:
		return invalid("backend.kind must be one of none, command, ollama, llamacpp")
	}

	if c.Backend.Kind == BackendOllama && c.Backend.Model == "" {
		return invalid("backend.model is required for the ollama backend")
	}

	switch c.LogMode {
	case "development", "production":
	default:
		return invalid("log_mode must be development or production")
	}

	return nil
}

// ValidateSortMode additionally checks what a sorting run needs
func (c *SortConfig) ValidateSortMode() error {
	if err := c.Validate(); err != nil {
		return err
	}
	if c.InputDir == "" || c.OutputDir == "" {
		return invalid("input and output directories are required")
	}
	if len(c.Files) == 0 && !utils.DirExists(c.InputDir) {
		return invalid(fmt.Sprintf("input directory %s does not exist", c.InputDir))
	}
	return nil
}

// GetConfigPath returns the default configuration file path
func GetConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./selfie-sort.yaml"
	}
	return filepath.Join(home, ".config", "selfie-sort", "config.yaml")
}

func invalid(msg string) error {
	return fmt.Errorf("%w: %s", types.ErrInvalidConfig, msg)
}
