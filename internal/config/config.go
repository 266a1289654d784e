// Package config loads and saves the application's settings.json using
// a per-instance viper.Viper (never the global singleton, so multiple
// Config values never fight over shared state).
package config

import (
	"path/filepath"
	"sync"

	"github.com/spf13/viper"
)

// Quality is the audio quality requested at enqueue time (spec.md §1,
// immutable once a job is created).
type Quality string

const (
	QualityMP3128 Quality = "MP3_128"
	QualityMP3320 Quality = "MP3_320"
	QualityFLAC   Quality = "FLAC"
)

// DownloadConfig mirrors the "download.*" keys spec.md §6 lists.
type DownloadConfig struct {
	OutputDir           string  `mapstructure:"output_dir"`
	Quality             Quality `mapstructure:"quality"`
	ConcurrentDownloads int     `mapstructure:"concurrent_downloads"`
	EmbedArtwork        bool    `mapstructure:"embed_artwork"`
}

// LyricsConfig mirrors the "lyrics.*" keys spec.md §6 lists.
type LyricsConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	EmbedInFile      bool `mapstructure:"embed_in_file"`
	SaveSeparateFile bool `mapstructure:"save_separate_file"`
}

// ProviderConfig holds the secret token MetadataProvider authenticates
// with. The provider implementation itself is out of scope; the core
// only persists and surfaces this value.
type ProviderConfig struct {
	SecretToken string `mapstructure:"secret_token"`
}

// Config is the in-memory, thread-safe view of settings.json.
type Config struct {
	Download DownloadConfig `mapstructure:"download"`
	Lyrics   LyricsConfig   `mapstructure:"lyrics"`
	Provider ProviderConfig `mapstructure:"provider"`

	mu   sync.RWMutex
	v    *viper.Viper
	path string
}

// Default returns a Config populated with the application's defaults.
func Default() *Config {
	c := &Config{
		Download: DownloadConfig{
			OutputDir:           "",
			Quality:             QualityMP3320,
			ConcurrentDownloads: 3,
			EmbedArtwork:        true,
		},
		Lyrics: LyricsConfig{
			Enabled:          true,
			EmbedInFile:      true,
			SaveSeparateFile: false,
		},
	}
	c.v = newViper()
	return c
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetConfigName("settings")
	v.SetConfigType("json")
	v.SetDefault("download.quality", string(QualityMP3320))
	v.SetDefault("download.concurrent_downloads", 3)
	v.SetDefault("download.embed_artwork", true)
	v.SetDefault("lyrics.enabled", true)
	v.SetDefault("lyrics.embed_in_file", true)
	v.SetDefault("lyrics.save_separate_file", false)
	v.SetEnvPrefix("DEEMUSIC")
	v.AutomaticEnv()
	return v
}

// Load reads settings.json from configDir, falling back to Default()
// when the file is absent or corrupted. The caller may Save() the
// returned Config to create the file.
func Load(configDir string) (*Config, error) {
	v := newViper()
	v.AddConfigPath(configDir)

	path := filepath.Join(configDir, "settings.json")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			cfg := Default()
			cfg.path = path
			return cfg, nil
		}
		// Corrupted file: fall back to defaults but keep the path so a
		// subsequent Save() overwrites it.
		cfg := Default()
		cfg.path = path
		return cfg, nil
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		cfg = Default()
		cfg.path = path
		return cfg, nil
	}

	cfg.v = v
	cfg.path = path
	if cfg.Download.ConcurrentDownloads < 1 {
		cfg.Download.ConcurrentDownloads = 1
	}
	return cfg, nil
}

// Save writes the current config to configDir/settings.json.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.v.Set("download.output_dir", c.Download.OutputDir)
	c.v.Set("download.quality", string(c.Download.Quality))
	c.v.Set("download.concurrent_downloads", c.Download.ConcurrentDownloads)
	c.v.Set("download.embed_artwork", c.Download.EmbedArtwork)
	c.v.Set("lyrics.enabled", c.Lyrics.Enabled)
	c.v.Set("lyrics.embed_in_file", c.Lyrics.EmbedInFile)
	c.v.Set("lyrics.save_separate_file", c.Lyrics.SaveSeparateFile)
	c.v.Set("provider.secret_token", c.Provider.SecretToken)

	return c.v.WriteConfigAs(c.path)
}

// Update executes fn with the mutex held, for compound mutations.
func (c *Config) Update(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fn(c)
}

// Get returns a copy of the current settings.
func (c *Config) Get() Config {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return Config{
		Download: c.Download,
		Lyrics:   c.Lyrics,
		Provider: c.Provider,
	}
}

// SetConcurrentDownloads updates the global concurrency cap, clamped to
// the scheduler's valid range (spec.md §5, [1, 32]).
func (c *Config) SetConcurrentDownloads(n int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n < 1 {
		n = 1
	}
	if n > 32 {
		n = 32
	}
	c.Download.ConcurrentDownloads = n
}
