package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// Project config file names, in lookup order.
var projectConfigNames = []string{".amanrag.yaml", ".amanrag.yml", ".amanrag.toml"}

// DefaultStateDirName is the state directory created under the project root.
const DefaultStateDirName = ".amanrag"

// Strictness levels for per-file ingestion failures.
const (
	StrictnessAbort = "abort"
	StrictnessSkip  = "skip"
)

// Busy policies for concurrent reload requests.
const (
	BusyQueue  = "queue"
	BusyReject = "reject"
)

// Config represents the complete amanrag configuration.
type Config struct {
	Version int           `yaml:"version" toml:"version" json:"version"`
	Source  SourceConfig  `yaml:"source" toml:"source" json:"source"`
	State   StateConfig   `yaml:"state" toml:"state" json:"state"`
	Index   IndexConfig   `yaml:"index" toml:"index" json:"index"`
	Reload  ReloadConfig  `yaml:"reload" toml:"reload" json:"reload"`
	Backup  BackupConfig  `yaml:"backup" toml:"backup" json:"backup"`
	Ingest  IngestConfig  `yaml:"ingest" toml:"ingest" json:"ingest"`
	Detect  DetectConfig  `yaml:"detect" toml:"detect" json:"detect"`
	Vector  VectorConfig  `yaml:"vector" toml:"vector" json:"vector"`
	Lexical LexicalConfig `yaml:"lexical" toml:"lexical" json:"lexical"`
	Chunk   ChunkConfig   `yaml:"chunk" toml:"chunk" json:"chunk"`
	Search  SearchConfig  `yaml:"search" toml:"search" json:"search"`
	Watch   WatchConfig   `yaml:"watch" toml:"watch" json:"watch"`
	Logging LoggingConfig `yaml:"logging" toml:"logging" json:"logging"`

	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry" json:"telemetry"`
}

// SourceConfig describes the corpus directory.
type SourceConfig struct {
	Dir           string   `yaml:"dir" toml:"dir" json:"dir"`
	Ignore        []string `yaml:"ignore" toml:"ignore" json:"ignore"`
	DefaultDomain string   `yaml:"default_domain" toml:"default_domain" json:"default_domain"`
	MaxFileSize   int64    `yaml:"max_file_size" toml:"max_file_size" json:"max_file_size"`
}

// StateConfig holds the persisted-state locations. Empty paths are derived from Dir.
type StateConfig struct {
	Dir          string `yaml:"dir" toml:"dir" json:"dir"`
	ManifestPath string `yaml:"manifest_path" toml:"manifest_path" json:"manifest_path"`
	VectorPath   string `yaml:"vector_path" toml:"vector_path" json:"vector_path"`
	LexicalPath  string `yaml:"lexical_path" toml:"lexical_path" json:"lexical_path"`
	BackupDir    string `yaml:"backup_dir" toml:"backup_dir" json:"backup_dir"`
}

// IndexConfig controls update-cycle semantics.
type IndexConfig struct {
	// Incremental applies only detected changes. When false every reload
	// rebuilds the vector and lexical stores from all source files.
	Incremental bool `yaml:"incremental" toml:"incremental" json:"incremental"`

	// Strictness is "abort" (any per-file failure fails the cycle) or
	// "skip" (the file is reported and left for the next cycle).
	Strictness string `yaml:"strictness" toml:"strictness" json:"strictness"`
}

// ReloadConfig controls how concurrent reload requests are handled.
type ReloadConfig struct {
	BusyPolicy string `yaml:"busy_policy" toml:"busy_policy" json:"busy_policy"`
}

// BackupConfig controls backup snapshot retention.
type BackupConfig struct {
	Retention     int  `yaml:"retention" toml:"retention" json:"retention"`
	KeepOnSuccess bool `yaml:"keep_on_success" toml:"keep_on_success" json:"keep_on_success"`
}

// IngestConfig controls calls into the chunking and embedding collaborator.
type IngestConfig struct {
	Timeout               string `yaml:"timeout" toml:"timeout" json:"timeout"`
	Retries               int    `yaml:"retries" toml:"retries" json:"retries"`
	EstimateBytesPerChunk int    `yaml:"estimate_bytes_per_chunk" toml:"estimate_bytes_per_chunk" json:"estimate_bytes_per_chunk"`
}

// DetectConfig controls change detection.
type DetectConfig struct {
	Workers int `yaml:"workers" toml:"workers" json:"workers"`
}

// VectorConfig configures the vector index store.
type VectorConfig struct {
	Dimensions  int    `yaml:"dimensions" toml:"dimensions" json:"dimensions"`
	Metric      string `yaml:"metric" toml:"metric" json:"metric"`
	Approximate bool   `yaml:"approximate" toml:"approximate" json:"approximate"`
	M           int    `yaml:"m" toml:"m" json:"m"`
	EfSearch    int    `yaml:"ef_search" toml:"ef_search" json:"ef_search"`
}

// LexicalConfig configures the BM25 lexical index store.
type LexicalConfig struct {
	K1        float64 `yaml:"k1" toml:"k1" json:"k1"`
	B         float64 `yaml:"b" toml:"b" json:"b"`
	Tokenizer string  `yaml:"tokenizer" toml:"tokenizer" json:"tokenizer"`
}

// ChunkConfig configures the default chunker.
type ChunkConfig struct {
	MaxChunkChars int `yaml:"max_chunk_chars" toml:"max_chunk_chars" json:"max_chunk_chars"`
}

// SearchConfig configures the hybrid read path.
// RRF constant k=60 is the value used by most hybrid search engines.
type SearchConfig struct {
	CacheSize      int     `yaml:"cache_size" toml:"cache_size" json:"cache_size"`
	RRFConstant    int     `yaml:"rrf_constant" toml:"rrf_constant" json:"rrf_constant"`
	LexicalWeight  float64 `yaml:"lexical_weight" toml:"lexical_weight" json:"lexical_weight"`
	SemanticWeight float64 `yaml:"semantic_weight" toml:"semantic_weight" json:"semantic_weight"`
}

// WatchConfig configures the file-watch trigger.
type WatchConfig struct {
	Debounce string `yaml:"debounce" toml:"debounce" json:"debounce"`
}

// TelemetryConfig configures local query metrics.
type TelemetryConfig struct {
	Enabled       bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	FlushInterval string `yaml:"flush_interval" toml:"flush_interval" json:"flush_interval"`
}

// LoggingConfig configures log output.
type LoggingConfig struct {
	Level     string `yaml:"level" toml:"level" json:"level"`
	MaxSizeMB int    `yaml:"max_size_mb" toml:"max_size_mb" json:"max_size_mb"`
	MaxFiles  int    `yaml:"max_files" toml:"max_files" json:"max_files"`
}

// NewConfig creates a new Config with sensible defaults.
func NewConfig() *Config {
	return &Config{
		Version: 1,
		Source: SourceConfig{
			Dir:           "corpus",
			Ignore:        []string{"*.tmp", "*.swp", "*~"},
			DefaultDomain: "general",
			MaxFileSize:   10 * 1024 * 1024,
		},
		State: StateConfig{
			Dir: DefaultStateDirName,
		},
		Index: IndexConfig{
			Incremental: true,
			Strictness:  StrictnessAbort,
		},
		Reload: ReloadConfig{
			BusyPolicy: BusyQueue,
		},
		Backup: BackupConfig{
			Retention: 3,
		},
		Ingest: IngestConfig{
			Timeout:               "2m",
			EstimateBytesPerChunk: 1200,
		},
		Detect: DetectConfig{
			Workers: 4,
		},
		Vector: VectorConfig{
			Dimensions: 256,
			Metric:     "cos",
			M:          16,
			EfSearch:   64,
		},
		Lexical: LexicalConfig{
			K1:        1.2,
			B:         0.75,
			Tokenizer: "code",
		},
		Chunk: ChunkConfig{
			MaxChunkChars: 1500,
		},
		Search: SearchConfig{
			CacheSize:      1000,
			RRFConstant:    60,
			LexicalWeight:  0.35,
			SemanticWeight: 0.65,
		},
		Watch: WatchConfig{
			Debounce: "500ms",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSizeMB: 10,
			MaxFiles:  5,
		},
		Telemetry: TelemetryConfig{
			Enabled:       true,
			FlushInterval: "1m",
		},
	}
}

// GetUserConfigPath returns the path to the user/global configuration file.
// It follows XDG Base Directory specification:
//   - $XDG_CONFIG_HOME/amanrag/config.yaml (if XDG_CONFIG_HOME is set)
//   - ~/.config/amanrag/config.yaml (default)
func GetUserConfigPath() string {
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "amanrag", "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), ".config", "amanrag", "config.yaml")
	}
	return filepath.Join(home, ".config", "amanrag", "config.yaml")
}

// Load loads configuration for the project rooted at dir.
// It applies configuration in order of increasing precedence:
//  1. Hardcoded defaults
//  2. User/global config (~/.config/amanrag/config.yaml)
//  3. Project config (.amanrag.yaml, .amanrag.yml or .amanrag.toml)
//  4. Environment variables (AMANRAG_*)
//  5. opts, in order (command-line flags)
//
// Relative paths are resolved against dir.
func Load(dir string, opts ...Option) (*Config, error) {
	cfg := NewConfig()

	if userPath := GetUserConfigPath(); fileExists(userPath) {
		if err := cfg.LoadFile(userPath); err != nil {
			return nil, fmt.Errorf("failed to load user config: %w", err)
		}
	}

	for _, name := range projectConfigNames {
		path := filepath.Join(dir, name)
		if fileExists(path) {
			if err := cfg.LoadFile(path); err != nil {
				return nil, err
			}
			break
		}
	}

	cfg.applyEnvOverrides()

	for _, opt := range opts {
		if err := opt(cfg); err != nil {
			return nil, err
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.Resolve(dir)
	return cfg, nil
}

// Option adjusts a Config after files and environment are applied.
type Option func(*Config) error

// WithFile layers an explicit config file on top.
func WithFile(path string) Option {
	return func(c *Config) error {
		if path == "" {
			return nil
		}
		return c.LoadFile(path)
	}
}

// WithSourceDir overrides source.dir.
func WithSourceDir(dir string) Option {
	return func(c *Config) error {
		if dir != "" {
			c.Source.Dir = dir
		}
		return nil
	}
}

// WithStateDir overrides state.dir. Store paths not set explicitly follow it.
func WithStateDir(dir string) Option {
	return func(c *Config) error {
		if dir != "" {
			c.State.Dir = dir
		}
		return nil
	}
}

// WithLogLevel overrides logging.level.
func WithLogLevel(level string) Option {
	return func(c *Config) error {
		if level != "" {
			c.Logging.Level = level
		}
		return nil
	}
}

// LoadFile decodes a YAML or TOML file onto c. Only keys present in the file
// are changed, so explicit false and zero values override defaults.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		err = toml.Unmarshal(data, c)
	default:
		err = yaml.Unmarshal(data, c)
	}
	if err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// applyEnvOverrides applies AMANRAG_* environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("AMANRAG_INCREMENTAL"); v != "" {
		c.Index.Incremental = parseBool(v)
	}
	if v := os.Getenv("AMANRAG_BACKUP_RETENTION"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			c.Backup.Retention = n
		}
	}
	if v := os.Getenv("AMANRAG_SOURCE_DIR"); v != "" {
		c.Source.Dir = v
	}
	if v := os.Getenv("AMANRAG_STATE_DIR"); v != "" {
		c.State.Dir = v
	}
	if v := os.Getenv("AMANRAG_MANIFEST_PATH"); v != "" {
		c.State.ManifestPath = v
	}
	if v := os.Getenv("AMANRAG_VECTOR_PATH"); v != "" {
		c.State.VectorPath = v
	}
	if v := os.Getenv("AMANRAG_LEXICAL_PATH"); v != "" {
		c.State.LexicalPath = v
	}
	if v := os.Getenv("AMANRAG_BACKUP_DIR"); v != "" {
		c.State.BackupDir = v
	}
	if v := os.Getenv("AMANRAG_STRICTNESS"); v != "" {
		c.Index.Strictness = strings.ToLower(v)
	}
	if v := os.Getenv("AMANRAG_BUSY_POLICY"); v != "" {
		c.Reload.BusyPolicy = strings.ToLower(v)
	}
	if v := os.Getenv("AMANRAG_LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}
	if v := os.Getenv("AMANRAG_TELEMETRY"); v != "" {
		c.Telemetry.Enabled = parseBool(v)
	}
}

// Resolve makes relative paths absolute against root and fills in derived
// state paths.
func (c *Config) Resolve(root string) {
	abs := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(root, p)
	}

	c.Source.Dir = abs(c.Source.Dir)
	c.State.Dir = abs(c.State.Dir)

	if c.State.ManifestPath == "" {
		c.State.ManifestPath = filepath.Join(c.State.Dir, "manifest.json")
	}
	if c.State.VectorPath == "" {
		c.State.VectorPath = filepath.Join(c.State.Dir, "vectors.bin")
	}
	if c.State.LexicalPath == "" {
		c.State.LexicalPath = filepath.Join(c.State.Dir, "lexical.db")
	}
	if c.State.BackupDir == "" {
		c.State.BackupDir = filepath.Join(c.State.Dir, "backups")
	}
	c.State.ManifestPath = abs(c.State.ManifestPath)
	c.State.VectorPath = abs(c.State.VectorPath)
	c.State.LexicalPath = abs(c.State.LexicalPath)
	c.State.BackupDir = abs(c.State.BackupDir)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	if c.Source.Dir == "" {
		return fmt.Errorf("source.dir must not be empty")
	}
	if c.Source.MaxFileSize < 0 {
		return fmt.Errorf("source.max_file_size must be non-negative, got %d", c.Source.MaxFileSize)
	}
	if c.Index.Strictness != StrictnessAbort && c.Index.Strictness != StrictnessSkip {
		return fmt.Errorf("index.strictness must be 'abort' or 'skip', got %s", c.Index.Strictness)
	}
	if c.Reload.BusyPolicy != BusyQueue && c.Reload.BusyPolicy != BusyReject {
		return fmt.Errorf("reload.busy_policy must be 'queue' or 'reject', got %s", c.Reload.BusyPolicy)
	}
	if c.Backup.Retention < 0 {
		return fmt.Errorf("backup.retention must be non-negative, got %d", c.Backup.Retention)
	}
	if _, err := parseDuration(c.Ingest.Timeout); err != nil {
		return fmt.Errorf("ingest.timeout: %w", err)
	}
	if c.Ingest.Retries < 0 {
		return fmt.Errorf("ingest.retries must be non-negative, got %d", c.Ingest.Retries)
	}
	if c.Ingest.EstimateBytesPerChunk <= 0 {
		return fmt.Errorf("ingest.estimate_bytes_per_chunk must be positive, got %d", c.Ingest.EstimateBytesPerChunk)
	}
	if c.Detect.Workers <= 0 {
		return fmt.Errorf("detect.workers must be positive, got %d", c.Detect.Workers)
	}
	if c.Vector.Dimensions <= 0 {
		return fmt.Errorf("vector.dimensions must be positive, got %d", c.Vector.Dimensions)
	}
	if c.Vector.Metric != "cos" && c.Vector.Metric != "l2" {
		return fmt.Errorf("vector.metric must be 'cos' or 'l2', got %s", c.Vector.Metric)
	}
	if c.Lexical.K1 < 0 || c.Lexical.B < 0 || c.Lexical.B > 1 {
		return fmt.Errorf("lexical.k1 must be >= 0 and lexical.b in [0,1], got k1=%g b=%g", c.Lexical.K1, c.Lexical.B)
	}
	if c.Lexical.Tokenizer != "code" && c.Lexical.Tokenizer != "standard" {
		return fmt.Errorf("lexical.tokenizer must be 'code' or 'standard', got %s", c.Lexical.Tokenizer)
	}
	if c.Chunk.MaxChunkChars <= 0 {
		return fmt.Errorf("chunk.max_chunk_chars must be positive, got %d", c.Chunk.MaxChunkChars)
	}
	if c.Search.LexicalWeight < 0 || c.Search.SemanticWeight < 0 {
		return fmt.Errorf("search weights must be non-negative")
	}
	if _, err := parseDuration(c.Watch.Debounce); err != nil {
		return fmt.Errorf("watch.debounce: %w", err)
	}
	if _, err := parseDuration(c.Telemetry.FlushInterval); err != nil {
		return fmt.Errorf("telemetry.flush_interval: %w", err)
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be 'debug', 'info', 'warn', or 'error', got %s", c.Logging.Level)
	}

	return nil
}

// IngestTimeout returns the per-file collaborator timeout.
func (c *Config) IngestTimeout() time.Duration {
	d, _ := parseDuration(c.Ingest.Timeout)
	return d
}

// WatchDebounce returns the watch debounce window.
func (c *Config) WatchDebounce() time.Duration {
	d, _ := parseDuration(c.Watch.Debounce)
	return d
}

// TelemetryFlushInterval returns how often query metrics are persisted.
func (c *Config) TelemetryFlushInterval() time.Duration {
	d, _ := parseDuration(c.Telemetry.FlushInterval)
	return d
}

// TelemetryPath returns the query metrics database.
func (c *Config) TelemetryPath() string {
	return filepath.Join(c.State.Dir, "telemetry.db")
}

// LogDir returns the directory for rotated log files.
func (c *Config) LogDir() string {
	return filepath.Join(c.State.Dir, "logs")
}

// WriteYAML writes the configuration to a YAML file.
func (c *Config) WriteYAML(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func parseDuration(s string) (time.Duration, error) {
	if s == "" || s == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("duration must be non-negative, got %s", s)
	}
	return d, nil
}

func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return !info.IsDir()
}
