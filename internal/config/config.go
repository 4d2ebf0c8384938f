// Package config loads the fuzzer's INI configuration (spec.md §6) and
// resolves it, together with CLI overrides, into a typed Config.
package config

import (
	"fmt"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/ini.v1"
)

// ClientSpec describes one configured EVM client daemon.
type ClientSpec struct {
	Name     string
	Kind     Kind
	Endpoint string // local binary path, or container image/name
}

// Kind distinguishes a locally-executed client from a containerized one.
type Kind int

const (
	// Native clients run as a local binary (ClientSpec.Endpoint is a path).
	Native Kind = iota
	// Container clients run inside a long-lived daemon container
	// (ClientSpec.Endpoint is an image/container name).
	Container
)

func (k Kind) String() string {
	if k == Container {
		return "container"
	}
	return "native"
}

// Overrides carries CLI flag values that take precedence over the INI file
// (spec.md §6: "CLI values override INI").
type Overrides struct {
	ForceSave               *bool
	EnableReporting         *bool
	DockerForceUpdateImages []string
	Verbosity               string
	DryRun                  bool
	Benchmark               bool
}

// Config is the fully resolved configuration for one fuzzer run.
type Config struct {
	ActiveClients           []ClientSpec
	ForkConfig              string
	Artefacts               string
	TempPath                string
	ForceSave               bool
	EnableReporting         bool
	DockerForceUpdateImages []string
	HostTag                 string

	CodegenSection   *ini.Section
	StateTestSection *ini.Section
}

// TestFilesPath is the directory test JSON files are written to before they
// either get discarded or archived.
func (c *Config) TestFilesPath() string {
	return filepath.Join(c.TempPath, "testfiles") + string(filepath.Separator)
}

// LogFilesPath is the directory client trace logs are written to.
func (c *Config) LogFilesPath() string {
	return filepath.Join(c.TempPath, "logs") + string(filepath.Separator)
}

// ClientNames returns the configured client names, in configuration order.
func (c *Config) ClientNames() []string {
	names := make([]string, len(c.ActiveClients))
	for i, cs := range c.ActiveClients {
		names[i] = cs.Name
	}
	return names
}

// hostTag builds the "<user>-<weekday_hh_mm_ss>-<pid>" string spec.md §3
// requires for filename uniqueness across concurrent instances.
func hostTag(uname string, now time.Time, pid int) string {
	return fmt.Sprintf("%s-%s-%d", uname, now.Format("Mon_15_04_05"), pid)
}

// Load reads the INI file at path, selects the section matching the current
// OS user (falling back to DEFAULT), and merges CLI overrides on top.
func Load(path string, ov Overrides) (*Config, error) {
	f, err := ini.LoadSources(ini.LoadOptions{AllowShadows: true}, path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %q: %w", path, err)
	}

	uname := "DEFAULT"
	if u, err := user.Current(); err == nil && u.Username != "" {
		if f.HasSection(u.Username) {
			uname = u.Username
		}
	}
	sect := f.Section(uname)

	clientsRaw := sect.Key("clients").MustString("")
	if clientsRaw == "" {
		return nil, fmt.Errorf("config section %q: missing required key %q", uname, "clients")
	}

	seen := mapset.NewSet[string]()
	var clients []ClientSpec
	for _, name := range strings.Split(clientsRaw, ",") {
		name = strings.TrimSpace(name)
		if name == "" || seen.Contains(name) {
			continue
		}
		seen.Add(name)

		binKey := fmt.Sprintf("%s.binary", name)
		dockerKey := fmt.Sprintf("%s.docker_name", name)
		switch {
		case sect.HasKey(binKey):
			clients = append(clients, ClientSpec{Name: name, Kind: Native, Endpoint: sect.Key(binKey).String()})
		case sect.HasKey(dockerKey):
			clients = append(clients, ClientSpec{Name: name, Kind: Container, Endpoint: sect.Key(dockerKey).String()})
		default:
			return nil, fmt.Errorf("config section %q: client %q has neither %q nor %q", uname, name, binKey, dockerKey)
		}
	}

	artefacts, err := resolvePath(sect.Key("artefacts").MustString(""))
	if err != nil {
		return nil, fmt.Errorf("config section %q: resolving %q: %w", uname, "artefacts", err)
	}
	tempPath, err := resolvePath(sect.Key("tests_path").MustString(""))
	if err != nil {
		return nil, fmt.Errorf("config section %q: resolving %q: %w", uname, "tests_path", err)
	}

	cfg := &Config{
		ActiveClients:   clients,
		ForkConfig:      sect.Key("fork_config").MustString(""),
		Artefacts:       artefacts,
		TempPath:        tempPath,
		ForceSave:       sect.Key("force_save").MustBool(false),
		EnableReporting: sect.Key("enable_reporting").MustBool(false),
		HostTag:         hostTag(uname, time.Now(), os.Getpid()),
	}

	if raw := sect.Key("docker_force_update_image").MustString(""); raw != "" {
		for _, img := range strings.Split(raw, ",") {
			if img = strings.TrimSpace(img); img != "" {
				cfg.DockerForceUpdateImages = append(cfg.DockerForceUpdateImages, img)
			}
		}
	}

	if f.HasSection("codegen") {
		cfg.CodegenSection = f.Section("codegen")
	}
	if f.HasSection("statetest") {
		cfg.StateTestSection = f.Section("statetest")
	}

	applyOverrides(cfg, ov)

	for _, dir := range []string{cfg.Artefacts, cfg.TestFilesPath(), cfg.LogFilesPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating directory %q: %w", dir, err)
		}
	}

	return cfg, nil
}

func applyOverrides(cfg *Config, ov Overrides) {
	if ov.ForceSave != nil {
		cfg.ForceSave = *ov.ForceSave
	}
	if ov.EnableReporting != nil {
		cfg.EnableReporting = *ov.EnableReporting
	}
	if len(ov.DockerForceUpdateImages) > 0 {
		cfg.DockerForceUpdateImages = append(cfg.DockerForceUpdateImages, ov.DockerForceUpdateImages...)
	}
}

func resolvePath(p string) (string, error) {
	p = strings.TrimSpace(p)
	if p == "" {
		return "", fmt.Errorf("empty path")
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		p = filepath.Join(home, strings.TrimPrefix(p, "~"))
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", err
	}
	return abs, nil
}

// ParseBoolFlag is a small helper for CLI code that needs to turn an
// optional boolean flag value into a *bool override without importing the
// flag-parsing library into this package.
func ParseBoolFlag(set bool, val bool) *bool {
	if !set {
		return nil
	}
	v := val
	return &v
}
