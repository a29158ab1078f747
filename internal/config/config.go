// internal/config/config.go
//
// This package handles configuration and the .scanrelay directory structure.
// Every deployment gets a .scanrelay/ folder created in its working directory.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// Dir is the name of the directory we create in each deployment
	Dir = ".scanrelay"

	defaultPollInterval   = 30 * time.Second
	defaultQuietPeriod    = 2 * time.Minute
	defaultArchiveTimeout = 20 * time.Second
	defaultConverterLimit = 30 * time.Minute
	defaultAuditInterval  = 24 * time.Hour
	defaultNamingPattern  = "{{.Subject}}/{{.Session}}/{{.Type}}/{{.Group}}/{{.Name}}"
	defaultTimestamp      = "2006-01-02 15:04:05"
	defaultStatusPort     = 8766
)

const defaultConfigYAML = `# scanrelay configuration
version: 1

inbox:
  root: inbox
  quiet_period: 2m
  types:
    dicom: [".dcm", ".ima"]
    physio: [".puls", ".resp", ".ecg"]
    behavior: [".csv", ".tsv"]

naming:
  root: raw
  pattern: "{{.Subject}}/{{.Session}}/{{.Type}}/{{.Group}}/{{.Name}}"

archive:
  enabled: false
  base_url: http://127.0.0.1:8042
  timeout: 20s

poll_interval: 30s
# Extra full polling intervals a session must stay stable before hand-off.
settle_intervals: 1

ledger:
  path: state/ledger.sqlite

converter:
  command: ["convert-group", "{group}", "{output}"]
  output: converted
  timeout: 30m

manifest: manifest.yaml

projects: []
#  - name: ProjA
#    match: '(?i)^proja[_-]?(?P<subject>[a-z0-9]+)$'
#    scheduled_minutes: 60

eventlog:
  timestamp_layout: "2006-01-02 15:04:05"
  markers:
    session_start: 'Patient registered'
    operator_start: 'Operator start'
    acquisition_ready: 'Ready for acquisition'
    acquisition_start: 'Acquisition started'
    acquisition_complete: 'Acquisition complete'
  name: 'Name=(\S+)'

notify:
  escalate_after: 3

status:
  enabled: true
  port: 8766

audit_interval: 24h
`

// InboxConfig describes the local staging inbox.
type InboxConfig struct {
	Root        string              `yaml:"root"`
	QuietPeriod Duration            `yaml:"quiet_period"`
	Types       map[string][]string `yaml:"types"`
}

// NamingConfig declares where placed items land.
type NamingConfig struct {
	Root    string `yaml:"root"`
	Pattern string `yaml:"pattern"`
}

// ArchiveConfig points at the remote archive REST service.
type ArchiveConfig struct {
	Enabled bool     `yaml:"enabled"`
	BaseURL string   `yaml:"base_url"`
	Token   string   `yaml:"token,omitempty"`
	Timeout Duration `yaml:"timeout"`
}

// LedgerConfig locates the tracking ledger database.
type LedgerConfig struct {
	Path string `yaml:"path"`
}

// ConverterConfig describes the external converter invocation. The tokens
// {group}, {output} and {session} are substituted per call.
type ConverterConfig struct {
	Command []string `yaml:"command"`
	Output  string   `yaml:"output"`
	Timeout Duration `yaml:"timeout"`
}

// ProjectRef is one row of the project-name table.
type ProjectRef struct {
	Name             string `yaml:"name"`
	Match            string `yaml:"match"`
	ScheduledMinutes int    `yaml:"scheduled_minutes,omitempty"`
}

// MarkerConfig holds the regular expressions recognising event-log lines.
type MarkerConfig struct {
	SessionStart        string `yaml:"session_start"`
	OperatorStart       string `yaml:"operator_start"`
	AcquisitionReady    string `yaml:"acquisition_ready"`
	AcquisitionStart    string `yaml:"acquisition_start"`
	AcquisitionComplete string `yaml:"acquisition_complete"`
}

// BehaviorConfig locates behavioral logs for time-window matching.
type BehaviorConfig struct {
	Dir       string   `yaml:"dir,omitempty"`
	Glob      string   `yaml:"glob,omitempty"`
	Tolerance Duration `yaml:"tolerance,omitempty"`
}

// EventLogConfig describes the chronological system log format.
type EventLogConfig struct {
	TimestampLayout string         `yaml:"timestamp_layout"`
	Markers         MarkerConfig   `yaml:"markers"`
	Name            string         `yaml:"name"`
	Behavior        BehaviorConfig `yaml:"behavior,omitempty"`
}

// NotifyConfig routes completeness notifications.
type NotifyConfig struct {
	WebhookURL           string `yaml:"webhook_url,omitempty"`
	EscalationWebhookURL string `yaml:"escalation_webhook_url,omitempty"`
	EscalateAfter        int    `yaml:"escalate_after"`
}

// StatusConfig toggles the HTTP status server.
type StatusConfig struct {
	Enabled *bool  `yaml:"enabled,omitempty"`
	Host    string `yaml:"host,omitempty"`
	Port    int    `yaml:"port,omitempty"`
}

// Project models .scanrelay/config.yaml.
type Project struct {
	Version         int             `yaml:"version"`
	Inbox           InboxConfig     `yaml:"inbox"`
	Naming          NamingConfig    `yaml:"naming"`
	Archive         ArchiveConfig   `yaml:"archive"`
	PollInterval    Duration        `yaml:"poll_interval"`
	SettleIntervals int             `yaml:"settle_intervals"`
	Ledger          LedgerConfig    `yaml:"ledger"`
	Converter       ConverterConfig `yaml:"converter"`
	Manifest        string          `yaml:"manifest"`
	Projects        []ProjectRef    `yaml:"projects"`
	EventLog        EventLogConfig  `yaml:"eventlog"`
	Notify          NotifyConfig    `yaml:"notify"`
	Status          StatusConfig    `yaml:"status"`
	AuditInterval   Duration        `yaml:"audit_interval"`
}

// Config holds the runtime configuration for scanrelay.
type Config struct {
	// ProjectDir is the directory scanrelay was started from
	ProjectDir string

	// StateRoot is ProjectDir/.scanrelay
	StateRoot string

	Project Project
}

// InitDir creates the .scanrelay directory structure in the given directory.
//
// Structure created:
// .scanrelay/
// ├── logs/           <- process log
// ├── state/          <- ledger database
// ├── sourced/        <- sessions materialized from the archive
// └── notifications/  <- notification journal
func InitDir(projectDir string) error {
	root := filepath.Join(projectDir, Dir)
	dirs := []string{
		filepath.Join(root, "logs"),
		filepath.Join(root, "state"),
		filepath.Join(root, "sourced"),
		filepath.Join(root, "notifications"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	return ensureConfigFile(filepath.Join(root, "config.yaml"))
}

// Load reads .scanrelay/config.yaml beneath projectDir, applying defaults,
// environment overrides and validation.
func Load(projectDir string) (*Config, error) {
	abs, err := filepath.Abs(projectDir)
	if err != nil {
		return nil, fmt.Errorf("config: resolve project dir: %w", err)
	}
	cfg := &Config{
		ProjectDir: abs,
		StateRoot:  filepath.Join(abs, Dir),
		Project:    defaultProject(),
	}
	if err := cfg.load(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ConfigPath returns the on-disk location for the config file.
func (c *Config) ConfigPath() string {
	return filepath.Join(c.StateRoot, "config.yaml")
}

// LogsDir returns the path to the logs directory
func (c *Config) LogsDir() string {
	return filepath.Join(c.StateRoot, "logs")
}

// SourcedDir is where archive sessions are downloaded before conversion.
func (c *Config) SourcedDir() string {
	return filepath.Join(c.StateRoot, "sourced")
}

// NotificationsPath is the journal file for the logbook notification sink.
func (c *Config) NotificationsPath() string {
	return filepath.Join(c.StateRoot, "notifications", "notifications.log")
}

// LedgerPath returns the sqlite database path.
func (c *Config) LedgerPath() string {
	return c.Project.Ledger.Path
}

// SettlePeriod is the mandatory wait after a first stability signal.
func (c *Config) SettlePeriod() time.Duration {
	return time.Duration(c.Project.SettleIntervals) * c.Project.PollInterval.Std()
}

func (c *Config) load() error {
	path := c.ConfigPath()
	data, err := os.ReadFile(path)
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	parsed := defaultProject()
	if err == nil {
		if err := yaml.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	parsed.applyEnvOverrides()
	parsed.applyDefaults()
	parsed.normalize(c.ProjectDir, c.StateRoot)
	if err := parsed.validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	c.Project = parsed
	return nil
}

func defaultProject() Project {
	return Project{
		Version: 1,
		Inbox: InboxConfig{
			QuietPeriod: Duration(defaultQuietPeriod),
		},
		Naming:          NamingConfig{Pattern: defaultNamingPattern},
		Archive:         ArchiveConfig{Timeout: Duration(defaultArchiveTimeout)},
		Converter: ConverterConfig{
			Command: []string{"convert-group", "{group}", "{output}"},
		},
		PollInterval:    Duration(defaultPollInterval),
		SettleIntervals: 1,
		AuditInterval:   Duration(defaultAuditInterval),
	}
}

func (p *Project) applyEnvOverrides() {
	if value := strings.TrimSpace(os.Getenv("SCANRELAY_INBOX")); value != "" {
		p.Inbox.Root = value
	}
	if value := strings.TrimSpace(os.Getenv("SCANRELAY_ARCHIVE_URL")); value != "" {
		p.Archive.BaseURL = value
		p.Archive.Enabled = true
	}
	if value := strings.TrimSpace(os.Getenv("SCANRELAY_ARCHIVE_TOKEN")); value != "" {
		p.Archive.Token = value
	}
	if value := strings.TrimSpace(os.Getenv("SCANRELAY_STATUS_ENABLED")); value != "" {
		if enabled, err := strconv.ParseBool(value); err == nil {
			p.Status.Enabled = &enabled
		}
	}
	if value := strings.TrimSpace(os.Getenv("SCANRELAY_STATUS_PORT")); value != "" {
		if port, err := strconv.Atoi(value); err == nil {
			p.Status.Port = port
		}
	}
}

func (p *Project) applyDefaults() {
	if p.Version == 0 {
		p.Version = 1
	}
	if strings.TrimSpace(p.Inbox.Root) == "" {
		p.Inbox.Root = "inbox"
	}
	if p.Inbox.QuietPeriod <= 0 {
		p.Inbox.QuietPeriod = Duration(defaultQuietPeriod)
	}
	if strings.TrimSpace(p.Naming.Root) == "" {
		p.Naming.Root = "raw"
	}
	if strings.TrimSpace(p.Naming.Pattern) == "" {
		p.Naming.Pattern = defaultNamingPattern
	}
	if p.Archive.Timeout <= 0 {
		p.Archive.Timeout = Duration(defaultArchiveTimeout)
	}
	if p.PollInterval <= 0 {
		p.PollInterval = Duration(defaultPollInterval)
	}
	if p.SettleIntervals <= 0 {
		p.SettleIntervals = 1
	}
	if strings.TrimSpace(p.Ledger.Path) == "" {
		p.Ledger.Path = filepath.Join("state", "ledger.sqlite")
	}
	if strings.TrimSpace(p.Converter.Output) == "" {
		p.Converter.Output = "converted"
	}
	if p.Converter.Timeout <= 0 {
		p.Converter.Timeout = Duration(defaultConverterLimit)
	}
	if strings.TrimSpace(p.EventLog.TimestampLayout) == "" {
		p.EventLog.TimestampLayout = defaultTimestamp
	}
	if p.Notify.EscalateAfter <= 0 {
		p.Notify.EscalateAfter = 3
	}
	if p.Status.Port == 0 {
		p.Status.Port = defaultStatusPort
	}
	if p.AuditInterval <= 0 {
		p.AuditInterval = Duration(defaultAuditInterval)
	}
}

func (p *Project) normalize(base, stateRoot string) {
	p.Inbox.Root = resolvePath(base, p.Inbox.Root)
	p.Naming.Root = resolvePath(base, p.Naming.Root)
	p.Archive.BaseURL = strings.TrimRight(strings.TrimSpace(p.Archive.BaseURL), "/")
	p.Ledger.Path = resolvePath(stateRoot, p.Ledger.Path)
	p.Converter.Output = resolvePath(base, p.Converter.Output)
	if strings.TrimSpace(p.Manifest) != "" {
		p.Manifest = resolvePath(stateRoot, p.Manifest)
	}
	if p.EventLog.Behavior.Dir != "" {
		p.EventLog.Behavior.Dir = resolvePath(base, p.EventLog.Behavior.Dir)
	}
	types := make(map[string][]string, len(p.Inbox.Types))
	for name, exts := range p.Inbox.Types {
		key := strings.ToLower(strings.TrimSpace(name))
		for _, ext := range exts {
			ext = strings.ToLower(strings.TrimSpace(ext))
			if ext == "" {
				continue
			}
			if !strings.HasPrefix(ext, ".") {
				ext = "." + ext
			}
			types[key] = append(types[key], ext)
		}
	}
	p.Inbox.Types = types
	for i := range p.Projects {
		p.Projects[i].Name = strings.TrimSpace(p.Projects[i].Name)
		p.Projects[i].Match = strings.TrimSpace(p.Projects[i].Match)
	}
	p.Status.Host = strings.TrimSpace(p.Status.Host)
}

func (p *Project) validate() error {
	if p.Version < 1 {
		return fmt.Errorf("config version must be >= 1")
	}
	if p.Archive.Enabled && p.Archive.BaseURL == "" {
		return fmt.Errorf("archive.base_url is required when the archive is enabled")
	}
	if len(p.Converter.Command) == 0 {
		return fmt.Errorf("converter.command is required")
	}
	if rel, err := filepath.Rel(p.Inbox.Root, p.Naming.Root); err == nil && !strings.HasPrefix(rel, "..") {
		return fmt.Errorf("naming.root must not live inside inbox.root")
	}
	owners := map[string]string{}
	for _, name := range sortedKeys(p.Inbox.Types) {
		for _, ext := range p.Inbox.Types[name] {
			if other, dup := owners[ext]; dup && other != name {
				return fmt.Errorf("inbox.types: extension %s claimed by both %s and %s", ext, other, name)
			}
			owners[ext] = name
		}
	}
	for i, ref := range p.Projects {
		if ref.Name == "" {
			return fmt.Errorf("projects[%d]: name is required", i)
		}
		re, err := regexp.Compile(ref.Match)
		if err != nil {
			return fmt.Errorf("projects[%d]: match: %w", i, err)
		}
		if re.SubexpIndex("subject") < 0 {
			return fmt.Errorf("projects[%d]: match must define a (?P<subject>...) group", i)
		}
	}
	for label, expr := range p.EventLog.Markers.patterns() {
		if expr == "" {
			continue
		}
		if _, err := regexp.Compile(expr); err != nil {
			return fmt.Errorf("eventlog.markers.%s: %w", label, err)
		}
	}
	if p.Status.Port < 0 || p.Status.Port > 65535 {
		return fmt.Errorf("status.port must be between 0 and 65535")
	}
	return nil
}

func sortedKeys(values map[string][]string) []string {
	keys := make([]string, 0, len(values))
	for key := range values {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (m MarkerConfig) patterns() map[string]string {
	return map[string]string{
		"session_start":        m.SessionStart,
		"operator_start":       m.OperatorStart,
		"acquisition_ready":    m.AcquisitionReady,
		"acquisition_start":    m.AcquisitionStart,
		"acquisition_complete": m.AcquisitionComplete,
	}
}

func resolvePath(base, candidate string) string {
	trimmed := strings.TrimSpace(candidate)
	if trimmed == "" {
		return ""
	}
	if filepath.IsAbs(trimmed) {
		return filepath.Clean(trimmed)
	}
	return filepath.Clean(filepath.Join(base, trimmed))
}

func ensureConfigFile(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return os.WriteFile(path, []byte(defaultConfigYAML), 0o644)
}
