package config

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"olmconv/render"
)

// Config captures all options required to run a conversion job. Values come
// from flags, optionally overlaid on a YAML job file; an explicitly set flag
// always wins over the file.
type Config struct {
	ArchivePath        string
	OutputDir          string
	BaseName           string
	Formats            []string
	JobFile            string
	IMAPHost           string
	IMAPPort           int
	IMAPUser           string
	IMAPPass           string
	UseTLS             bool
	InsecureSkipVerify bool
	TargetFolder       string
	StateDir           string
	DryRun             bool
	LogLevel           string
	LogDir             string
	IncludeHeader      []string
	IncludeBody        []string
	ExcludeHeader      []string
	ExcludeBody        []string
}

// DeliveryEnabled reports whether the job should append recovered messages
// to an IMAP mailbox.
func (c Config) DeliveryEnabled() bool {
	return c.IMAPHost != ""
}

// jobFile mirrors the YAML job description. Pointer fields distinguish
// "absent" from zero values. The IMAP password deliberately has no place
// here; it stays on the flag or in IMAP_PASS.
type jobFile struct {
	Archive            string   `yaml:"archive"`
	OutputDir          string   `yaml:"output_dir"`
	Base               string   `yaml:"base"`
	Formats            []string `yaml:"formats"`
	IMAPHost           string   `yaml:"imap_host"`
	IMAPPort           *int     `yaml:"imap_port"`
	IMAPUser           string   `yaml:"imap_user"`
	UseTLS             *bool    `yaml:"use_tls"`
	InsecureSkipVerify *bool    `yaml:"insecure_skip_verify"`
	TargetFolder       string   `yaml:"target_folder"`
	StateDir           string   `yaml:"state_dir"`
	DryRun             *bool    `yaml:"dry_run"`
	LogLevel           string   `yaml:"log_level"`
	LogDir             string   `yaml:"log_dir"`
	IncludeHeader      []string `yaml:"include_header"`
	IncludeBody        []string `yaml:"include_body"`
	ExcludeHeader      []string `yaml:"exclude_header"`
	ExcludeBody        []string `yaml:"exclude_body"`
}

// RegisterFlags attaches all CLI flags to the provided command.
func RegisterFlags(cmd *cobra.Command) error {
	defaultStateDir, err := defaultStateDir()
	if err != nil {
		return err
	}

	flags := cmd.Flags()
	flags.String("archive", "", "Path to the .olm/.zip/.mbox archive to convert")
	flags.String("output-dir", ".", "Directory for rendered artifacts")
	flags.String("base", "", "Base name for artifacts (defaults to the archive name)")
	flags.StringSlice("format", []string{"csv", "txt", "json"}, "Output formats: "+strings.Join(render.Formats(), ", "))
	flags.String("job", "", "YAML job file; explicitly set flags override its values")
	flags.String("imap-host", "", "IMAP server hostname (enables delivery)")
	flags.Int("imap-port", 993, "IMAP server port")
	flags.String("imap-user", "", "IMAP username")
	flags.String("imap-pass", "", "IMAP password (falls back to IMAP_PASS env var)")
	flags.Bool("use-tls", true, "Use TLS for the IMAP connection")
	flags.Bool("insecure-skip-verify", false, "Skip TLS certificate verification (not recommended)")
	flags.String("target-folder", "INBOX", "Target IMAP folder for delivered mail")
	flags.String("state-dir", defaultStateDir, "Directory for delivery state files")
	flags.Bool("dry-run", false, "Simulate delivery and emit stats without uploading")
	flags.String("log-level", "info", "Logging level: debug, info, warn, error")
	flags.String("log-dir", "", "Directory for a timestamped log file in addition to stdout")
	flags.StringArray("include-header", nil, "Regex allow-list applied to record headers (mutually exclusive with exclude flags)")
	flags.StringArray("include-body", nil, "Regex allow-list applied to record bodies (mutually exclusive with exclude flags)")
	flags.StringArray("exclude-header", nil, "Regex block-list applied to record headers (mutually exclusive with include flags)")
	flags.StringArray("exclude-body", nil, "Regex block-list applied to record bodies (mutually exclusive with include flags)")

	return nil
}

// LoadConfig converts the parsed Cobra flags into a Config struct with validation.
func LoadConfig(cmd *cobra.Command) (Config, error) {
	flags := cmd.Flags()

	archivePath, err := flags.GetString("archive")
	if err != nil {
		return Config{}, err
	}
	outputDir, err := flags.GetString("output-dir")
	if err != nil {
		return Config{}, err
	}
	baseName, err := flags.GetString("base")
	if err != nil {
		return Config{}, err
	}
	formats, err := flags.GetStringSlice("format")
	if err != nil {
		return Config{}, err
	}
	jobPath, err := flags.GetString("job")
	if err != nil {
		return Config{}, err
	}
	imapHost, err := flags.GetString("imap-host")
	if err != nil {
		return Config{}, err
	}
	imapPort, err := flags.GetInt("imap-port")
	if err != nil {
		return Config{}, err
	}
	imapUser, err := flags.GetString("imap-user")
	if err != nil {
		return Config{}, err
	}
	imapPass, err := flags.GetString("imap-pass")
	if err != nil {
		return Config{}, err
	}
	useTLS, err := flags.GetBool("use-tls")
	if err != nil {
		return Config{}, err
	}
	insecureSkipVerify, err := flags.GetBool("insecure-skip-verify")
	if err != nil {
		return Config{}, err
	}
	targetFolder, err := flags.GetString("target-folder")
	if err != nil {
		return Config{}, err
	}
	stateDir, err := flags.GetString("state-dir")
	if err != nil {
		return Config{}, err
	}
	dryRun, err := flags.GetBool("dry-run")
	if err != nil {
		return Config{}, err
	}
	logLevel, err := flags.GetString("log-level")
	if err != nil {
		return Config{}, err
	}
	logDir, err := flags.GetString("log-dir")
	if err != nil {
		return Config{}, err
	}
	includeHeader, err := flags.GetStringArray("include-header")
	if err != nil {
		return Config{}, err
	}
	includeBody, err := flags.GetStringArray("include-body")
	if err != nil {
		return Config{}, err
	}
	excludeHeader, err := flags.GetStringArray("exclude-header")
	if err != nil {
		return Config{}, err
	}
	excludeBody, err := flags.GetStringArray("exclude-body")
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ArchivePath:        archivePath,
		OutputDir:          outputDir,
		BaseName:           baseName,
		Formats:            formats,
		JobFile:            jobPath,
		IMAPHost:           imapHost,
		IMAPPort:           imapPort,
		IMAPUser:           imapUser,
		IMAPPass:           imapPass,
		UseTLS:             useTLS,
		InsecureSkipVerify: insecureSkipVerify,
		TargetFolder:       targetFolder,
		StateDir:           stateDir,
		DryRun:             dryRun,
		LogLevel:           logLevel,
		LogDir:             logDir,
		IncludeHeader:      includeHeader,
		IncludeBody:        includeBody,
		ExcludeHeader:      excludeHeader,
		ExcludeBody:        excludeBody,
	}

	if jobPath != "" {
		if err := applyJobFile(&cfg, cmd, jobPath); err != nil {
			return Config{}, err
		}
	}

	if cfg.IMAPPass == "" {
		cfg.IMAPPass = os.Getenv("IMAP_PASS")
	}

	if cfg.StateDir == "" {
		cfg.StateDir, err = defaultStateDir()
		if err != nil {
			return Config{}, err
		}
	}
	cfg.StateDir = filepath.Clean(cfg.StateDir)

	cfg.LogLevel = strings.ToLower(cfg.LogLevel)
	if cfg.LogLevel == "warning" {
		cfg.LogLevel = "warn"
	}

	for i, format := range cfg.Formats {
		cfg.Formats[i] = strings.ToLower(strings.TrimSpace(format))
	}

	if cfg.BaseName == "" && cfg.ArchivePath != "" {
		name := filepath.Base(cfg.ArchivePath)
		cfg.BaseName = strings.TrimSuffix(name, filepath.Ext(name))
	}

	if err := validateConfig(cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// applyJobFile overlays values from the YAML job description. A flag the
// user set explicitly keeps its value.
func applyJobFile(cfg *Config, cmd *cobra.Command, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open job file: %w", err)
	}
	defer f.Close()

	dec := yaml.NewDecoder(f)
	dec.KnownFields(true)

	var job jobFile
	if err := dec.Decode(&job); err != nil {
		return fmt.Errorf("parse job file %s: %w", path, err)
	}

	flags := cmd.Flags()
	if !flags.Changed("archive") && job.Archive != "" {
		cfg.ArchivePath = job.Archive
	}
	if !flags.Changed("output-dir") && job.OutputDir != "" {
		cfg.OutputDir = job.OutputDir
	}
	if !flags.Changed("base") && job.Base != "" {
		cfg.BaseName = job.Base
	}
	if !flags.Changed("format") && len(job.Formats) > 0 {
		cfg.Formats = job.Formats
	}
	if !flags.Changed("imap-host") && job.IMAPHost != "" {
		cfg.IMAPHost = job.IMAPHost
	}
	if !flags.Changed("imap-port") && job.IMAPPort != nil {
		cfg.IMAPPort = *job.IMAPPort
	}
	if !flags.Changed("imap-user") && job.IMAPUser != "" {
		cfg.IMAPUser = job.IMAPUser
	}
	if !flags.Changed("use-tls") && job.UseTLS != nil {
		cfg.UseTLS = *job.UseTLS
	}
	if !flags.Changed("insecure-skip-verify") && job.InsecureSkipVerify != nil {
		cfg.InsecureSkipVerify = *job.InsecureSkipVerify
	}
	if !flags.Changed("target-folder") && job.TargetFolder != "" {
		cfg.TargetFolder = job.TargetFolder
	}
	if !flags.Changed("state-dir") && job.StateDir != "" {
		cfg.StateDir = job.StateDir
	}
	if !flags.Changed("dry-run") && job.DryRun != nil {
		cfg.DryRun = *job.DryRun
	}
	if !flags.Changed("log-level") && job.LogLevel != "" {
		cfg.LogLevel = job.LogLevel
	}
	if !flags.Changed("log-dir") && job.LogDir != "" {
		cfg.LogDir = job.LogDir
	}
	if !flags.Changed("include-header") && len(job.IncludeHeader) > 0 {
		cfg.IncludeHeader = job.IncludeHeader
	}
	if !flags.Changed("include-body") && len(job.IncludeBody) > 0 {
		cfg.IncludeBody = job.IncludeBody
	}
	if !flags.Changed("exclude-header") && len(job.ExcludeHeader) > 0 {
		cfg.ExcludeHeader = job.ExcludeHeader
	}
	if !flags.Changed("exclude-body") && len(job.ExcludeBody) > 0 {
		cfg.ExcludeBody = job.ExcludeBody
	}

	return nil
}

func validateConfig(cfg Config) error {
	if cfg.ArchivePath == "" {
		return fmt.Errorf("an archive must be given via --archive or the job file")
	}
	if cfg.OutputDir == "" {
		return fmt.Errorf("--output-dir must not be empty")
	}
	if len(cfg.Formats) == 0 {
		return fmt.Errorf("at least one output format is required")
	}

	supported := render.Formats()
	for _, format := range cfg.Formats {
		if !slices.Contains(supported, format) {
			return fmt.Errorf("unsupported format %q (supported: %s)", format, strings.Join(supported, ", "))
		}
	}

	if cfg.DeliveryEnabled() {
		if cfg.IMAPUser == "" {
			return fmt.Errorf("--imap-user is required when --imap-host is set")
		}
		if cfg.IMAPPass == "" {
			return fmt.Errorf("IMAP password must be provided via --imap-pass or IMAP_PASS env var")
		}
		if cfg.IMAPPort <= 0 || cfg.IMAPPort > 65535 {
			return fmt.Errorf("--imap-port must be between 1 and 65535")
		}
	}

	includeActive := len(cfg.IncludeHeader) > 0 || len(cfg.IncludeBody) > 0
	excludeActive := len(cfg.ExcludeHeader) > 0 || len(cfg.ExcludeBody) > 0
	if includeActive && excludeActive {
		return fmt.Errorf("include and exclude flags are mutually exclusive")
	}

	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid --log-level: %s", cfg.LogLevel)
	}

	return nil
}

func defaultStateDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".olmconv", "state"), nil
}
