// Package config loads imxup's persisted configuration directory: the
// imxup.ini file (upload parameters, hook commands, scan sampling) and a
// handful of environment-variable overrides, following the teacher
// project's config.Config/getEnv pattern.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"gopkg.in/ini.v1"
)

// HookEvent names one of the three lifecycle points a hook can fire at.
type HookEvent string

const (
	HookAdded     HookEvent = "added"
	HookStarted   HookEvent = "started"
	HookCompleted HookEvent = "completed"
)

// HookConfig is one configured external program for a single lifecycle event.
type HookConfig struct {
	Enabled      bool
	Command      string
	ShowConsole  bool
	KeyMapping   [4]string // maps ext1..ext4 to JSON keys expected in stdout; empty entry means unmapped
}

// SamplingMethod selects how the scanner picks images for dimension sampling.
type SamplingMethod string

const (
	SamplingFixedCount SamplingMethod = "fixed_count"
	SamplingPercentage SamplingMethod = "percentage"
)

// ScanningConfig controls gallery-scan cost and exclusion rules.
type ScanningConfig struct {
	FastScanning         bool
	SamplingMethod       SamplingMethod
	SamplingFixedCount   int
	SamplingPercentage   float64
	ExcludeFirst         bool
	ExcludeLast          bool
	ExcludeSmallImages   bool
	ExcludeOutliers      bool
	ExcludeSmallThreshold int64
	ExcludePatterns      []string
	AverageMethod        string // "mean" or "median"
}

// UploadConfig controls the upload engine's pacing and retry policy.
type UploadConfig struct {
	TimeoutSeconds  int
	Retries         int
	BatchSize       int // per-gallery parallel_batch_size
	ThumbnailSize   string
	ThumbnailFormat string
}

// ArchiveConfig controls the auto-archive sweep (§9 Design Note: the
// source's time-based archival path, consolidated here into one
// canonical ExecuteAutoArchive, see original_source/src/processing/auto_archive.py).
type ArchiveConfig struct {
	CheckIntervalMinutes int // how often the sweep runs; bounded 5..1440 upstream
	ArchiveAfterMinutes  int // how long after completion a gallery is eligible
}

// FileHostConfig names one S3-compatible mirror destination; the File-Host
// Worker Pool runs one imxup/internal/filehost.Worker per entry here.
type FileHostConfig struct {
	Name      string
	Enabled   bool
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// Config is imxup's full resolved configuration: ini file values layered
// under environment overrides, matching the teacher's getEnv precedence.
type Config struct {
	ConfigDir string // default ~/.imxup
	DBPath    string
	GalleryDir string
	TemplateDir string
	LogDir    string
	TempDir   string
	IniPath   string

	ParallelHookExecution bool
	Hooks                 map[HookEvent]HookConfig

	Scanning  ScanningConfig
	Upload    UploadConfig
	Archive   ArchiveConfig
	FileHosts []FileHostConfig

	PrimaryHostURL string
	RenameUsername string
	RenamePassword string
}

const configDirName = ".imxup"
const dbFileName = "imxup.db"

// Default returns imxup's baseline configuration rooted at the user's home
// directory, with no ini file loaded yet.
func Default() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("resolve home directory: %w", err)
	}
	dir := getEnv("IMXUP_CONFIG_DIR", filepath.Join(home, configDirName))

	return &Config{
		ConfigDir:   dir,
		DBPath:      filepath.Join(dir, dbFileName),
		GalleryDir:  filepath.Join(dir, "galleries"),
		TemplateDir: filepath.Join(dir, "templates"),
		LogDir:      filepath.Join(dir, "logs"),
		TempDir:     filepath.Join(dir, "temp"),
		IniPath:     filepath.Join(dir, "imxup.ini"),

		Hooks: map[HookEvent]HookConfig{
			HookAdded:     {},
			HookStarted:   {},
			HookCompleted: {},
		},
		Scanning: ScanningConfig{
			SamplingMethod:        SamplingFixedCount,
			SamplingFixedCount:    25, // MAX_DIMENSION_SAMPLES, matches the original imxup scanner
			SamplingPercentage:    10.0,
			ExcludeSmallThreshold: 1024,
			AverageMethod:         "mean",
		},
		Upload: UploadConfig{
			TimeoutSeconds:  30,
			Retries:         3,
			BatchSize:       4, // DEFAULT_PARALLEL_BATCH_SIZE
			ThumbnailSize:   "3",
			ThumbnailFormat: "2",
		},
		Archive: ArchiveConfig{
			CheckIntervalMinutes: 30, // DEFAULT_ARCHIVE_CHECK_MINUTES
			ArchiveAfterMinutes:  60,
		},
	}, nil
}

// Load reads cfg.IniPath (if present) and applies it on top of Default,
// then applies environment overrides. A missing ini file is not an error —
// first run proceeds on defaults.
func Load() (*Config, error) {
	cfg, err := Default()
	if err != nil {
		return nil, err
	}

	if _, statErr := os.Stat(cfg.IniPath); statErr == nil {
		if err := cfg.loadIni(cfg.IniPath); err != nil {
			return nil, fmt.Errorf("load %s: %w", cfg.IniPath, err)
		}
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) loadIni(path string) error {
	f, err := ini.Load(path)
	if err != nil {
		return err
	}

	if sec := f.Section("EXTERNAL_APPS"); sec != nil {
		c.ParallelHookExecution = sec.Key("parallel_execution").MustBool(false)
		for _, event := range []HookEvent{HookAdded, HookStarted, HookCompleted} {
			hc := HookConfig{
				Enabled:     sec.Key(fmt.Sprintf("hook_%s_enabled", event)).MustBool(false),
				Command:     sec.Key(fmt.Sprintf("hook_%s_command", event)).String(),
				ShowConsole: sec.Key(fmt.Sprintf("hook_%s_show_console", event)).MustBool(false),
			}
			for i := 0; i < 4; i++ {
				hc.KeyMapping[i] = sec.Key(fmt.Sprintf("hook_%s_key%d", event, i+1)).String()
			}
			c.Hooks[event] = hc
		}
	}

	if sec := f.Section("SCANNING"); sec != nil {
		c.Scanning.FastScanning = sec.Key("fast_scanning").MustBool(c.Scanning.FastScanning)
		if m := sec.Key("sampling_method").String(); m != "" {
			c.Scanning.SamplingMethod = SamplingMethod(m)
		}
		c.Scanning.SamplingFixedCount = sec.Key("sampling_fixed_count").MustInt(c.Scanning.SamplingFixedCount)
		c.Scanning.SamplingPercentage = sec.Key("sampling_percentage").MustFloat64(c.Scanning.SamplingPercentage)
		c.Scanning.ExcludeFirst = sec.Key("exclude_first").MustBool(c.Scanning.ExcludeFirst)
		c.Scanning.ExcludeLast = sec.Key("exclude_last").MustBool(c.Scanning.ExcludeLast)
		c.Scanning.ExcludeSmallImages = sec.Key("exclude_small_images").MustBool(c.Scanning.ExcludeSmallImages)
		c.Scanning.ExcludeOutliers = sec.Key("exclude_outliers").MustBool(c.Scanning.ExcludeOutliers)
		c.Scanning.ExcludeSmallThreshold = sec.Key("exclude_small_threshold").MustInt64(c.Scanning.ExcludeSmallThreshold)
		if patterns := sec.Key("exclude_patterns").Strings(","); len(patterns) > 0 {
			c.Scanning.ExcludePatterns = patterns
		}
		if m := sec.Key("average_method").String(); m != "" {
			c.Scanning.AverageMethod = m
		}
	}

	if sec := f.Section("upload"); sec != nil {
		c.Upload.TimeoutSeconds = sec.Key("timeout").MustInt(c.Upload.TimeoutSeconds)
		c.Upload.Retries = sec.Key("retries").MustInt(c.Upload.Retries)
		c.Upload.BatchSize = sec.Key("batch_size").MustInt(c.Upload.BatchSize)
		if v := sec.Key("thumbnail_size").String(); v != "" {
			c.Upload.ThumbnailSize = v
		}
		if v := sec.Key("thumbnail_format").String(); v != "" {
			c.Upload.ThumbnailFormat = v
		}
	}

	if sec := f.Section("ARCHIVE"); sec != nil {
		c.Archive.CheckIntervalMinutes = clampInt(sec.Key("check_interval_minutes").MustInt(c.Archive.CheckIntervalMinutes), 5, 1440)
		c.Archive.ArchiveAfterMinutes = sec.Key("archive_after_minutes").MustInt(c.Archive.ArchiveAfterMinutes)
	}

	if sec := f.Section("PRIMARY_HOST"); sec != nil {
		c.PrimaryHostURL = sec.Key("url").String()
		c.RenameUsername = sec.Key("username").String()
		c.RenamePassword = sec.Key("password").String()
	}

	if sec := f.Section("FILEHOSTS"); sec != nil {
		names := sec.Key("enabled_hosts").Strings(",")
		for _, name := range names {
			hostSec, err := f.GetSection("filehost:" + name)
			if err != nil {
				continue
			}
			c.FileHosts = append(c.FileHosts, FileHostConfig{
				Name:      name,
				Enabled:   true,
				Endpoint:  hostSec.Key("endpoint").String(),
				AccessKey: hostSec.Key("access_key").String(),
				SecretKey: hostSec.Key("secret_key").String(),
				Bucket:    hostSec.Key("bucket").String(),
				Secure:    hostSec.Key("secure").MustBool(true),
			})
		}
	}

	return nil
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("IMXUP_UPLOAD_TIMEOUT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Upload.TimeoutSeconds = n
		}
	}
	if v := os.Getenv("IMXUP_UPLOAD_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Upload.Retries = n
		}
	}
	if v := os.Getenv("IMXUP_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Upload.BatchSize = n
		}
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
