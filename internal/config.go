package internal

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/galaxy/internal/engine"
	"github.com/starford/galaxy/internal/imagegen"
	"github.com/starford/galaxy/internal/macro"
	"github.com/starford/galaxy/internal/pyexec"
)

func absoluteURL(value any) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("must be an absolute URL")
	}
	return nil
}

// Auth modes.
const (
	AuthModeDisabled = "disabled"
	AuthModeToken    = "token"
)

// Config represents the application configuration.
type Config struct {
	App     ApplicationConfig `yaml:"app"`
	Galaxy  GalaxyConfig      `yaml:"galaxy"`
	Remote  RemoteConfig      `yaml:"remote"`
	Macros  MacrosConfig      `yaml:"macros"`
	Secrets SecretsConfig     `yaml:"secrets"`
	Images  ImagesConfig      `yaml:"images"`
	Scenes  ScenesConfig      `yaml:"scenes"`
	Auth    AuthConfig        `yaml:"auth"`
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	validators := []validation.Validatable{
		&c.App, &c.Galaxy, &c.Remote, &c.Macros, &c.Images, &c.Scenes, &c.Auth,
	}
	for _, v := range validators {
		if err := v.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// ApplicationConfig holds application-level configuration.
type ApplicationConfig struct {
	LogLevel slog.Level `yaml:"log_level"`
	// LogFile is relative to the galaxy directory unless absolute. Empty disables it.
	LogFile string     `yaml:"log_file"`
	Debug   bool       `yaml:"debug"`
	HTTP    HTTPConfig `yaml:"http"`
}

// Validate validates the application configuration.
func (c *ApplicationConfig) Validate() error {
	return c.HTTP.Validate()
}

// HTTPConfig holds HTTP server configuration.
type HTTPConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// Address returns HTTP server address.
func (c *HTTPConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// Validate validates the HTTP configuration.
func (c *HTTPConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Port, validation.Required, validation.Min(1), validation.Max(65535)),
	)
}

// GalaxyConfig locates the galaxy directory and the development asset dirs.
type GalaxyConfig struct {
	Path    string   `yaml:"path"`
	DevDirs []string `yaml:"dev_dirs"`
}

// Validate validates the galaxy configuration.
func (c *GalaxyConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
	)
}

// CacheDir is where synced assets are kept.
func (c *GalaxyConfig) CacheDir() string {
	return filepath.Join(c.Path, "dist")
}

// Resolve returns p joined to the galaxy directory unless p is absolute.
func (c *GalaxyConfig) Resolve(p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(c.Path, p)
}

// RemoteConfig holds the GitHub source of the UI distribution.
type RemoteConfig struct {
	Enabled     bool          `yaml:"enabled"`
	BaseURL     string        `yaml:"base_url"`
	Owner       string        `yaml:"owner"`
	Repo        string        `yaml:"repo"`
	Branch      string        `yaml:"branch"`
	Dirs        []string      `yaml:"dirs"`
	Token       string        `yaml:"token"`
	Timeout     time.Duration `yaml:"timeout"`
	Concurrency int           `yaml:"concurrency"`
}

// Validate validates the remote configuration.
func (c *RemoteConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.BaseURL, validation.Required, validation.By(absoluteURL)),
		validation.Field(&c.Owner, validation.Required),
		validation.Field(&c.Repo, validation.Required),
		validation.Field(&c.Timeout, validation.Min(time.Duration(0))),
		validation.Field(&c.Concurrency, validation.Min(1), validation.Max(64)),
	)
}

// MacrosConfig holds macro discovery and execution settings.
type MacrosConfig struct {
	// Dir is relative to the galaxy directory unless absolute.
	Dir            string        `yaml:"dir"`
	Fallback       string        `yaml:"fallback"`
	Startup        string        `yaml:"startup"`
	AllowedModules []string      `yaml:"allowed_modules"`
	StarlarkLoads  []string      `yaml:"starlark_loads"`
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	ScriptTimeout  time.Duration `yaml:"script_timeout"`
	FetchTimeout   time.Duration `yaml:"fetch_timeout"`

	// PythonInterpreter backs the execute-python binding. Empty disables it.
	PythonInterpreter string        `yaml:"python_interpreter"`
	PythonTimeout     time.Duration `yaml:"python_timeout"`
}

// Validate validates the macros configuration.
func (c *MacrosConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Dir, validation.Required),
		validation.Field(&c.Fallback, validation.Required),
		validation.Field(&c.Startup, validation.Required),
		validation.Field(&c.Workers, validation.Min(1), validation.Max(256)),
		validation.Field(&c.QueueSize, validation.Min(1)),
		validation.Field(&c.PythonTimeout, validation.Min(time.Duration(0))),
	)
}

// SecretsConfig holds API keys handed to macros.
type SecretsConfig struct {
	OpenAIKey string `yaml:"openai_key"`
	GoogleKey string `yaml:"google_key"`
}

// ImagesConfig controls generation of missing images.
type ImagesConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Endpoint string        `yaml:"endpoint"`
	Model    string        `yaml:"model"`
	Size     string        `yaml:"size"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Validate validates the images configuration.
func (c *ImagesConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	return validation.ValidateStruct(c,
		validation.Field(&c.Endpoint, validation.Required, validation.By(absoluteURL)),
		validation.Field(&c.Size, validation.In("256x256", "512x512", "1024x1024", "1792x1024", "1024x1792")),
	)
}

// ScenesConfig holds the scene store settings.
type ScenesConfig struct {
	// Path is relative to the galaxy directory unless absolute.
	Path             string        `yaml:"path"`
	AutosaveInterval time.Duration `yaml:"autosave_interval"`
}

// Validate validates the scenes configuration.
func (c *ScenesConfig) Validate() error {
	return validation.ValidateStruct(c,
		validation.Field(&c.Path, validation.Required),
		validation.Field(&c.AutosaveInterval, validation.Min(time.Duration(0))),
	)
}

// AuthConfig holds authentication configuration.
//
// Mode controls how authentication is enforced:
//   - "disabled" (default): no authentication required, suitable for local use.
//   - "token": Bearer token authentication; Token must be non-empty.
type AuthConfig struct {
	Mode  string `yaml:"mode"`
	Token string `yaml:"token"`
}

// Validate validates the auth configuration.
func (c *AuthConfig) Validate() error {
	if c.Mode == "" {
		c.Mode = AuthModeDisabled
	}
	if err := validation.ValidateStruct(c,
		validation.Field(&c.Mode, validation.Required, validation.In(AuthModeDisabled, AuthModeToken)),
	); err != nil {
		return err
	}
	if c.Mode == AuthModeToken && c.Token == "" {
		return fmt.Errorf("auth: mode is %q but token is empty", AuthModeToken)
	}
	return nil
}

// AuthEnabled returns true when authentication is active.
func (c *AuthConfig) AuthEnabled() bool {
	return c.Mode == AuthModeToken
}

// DefaultGalaxyPath is ~/.galaxy, or .galaxy when the home directory is unknown.
func DefaultGalaxyPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".galaxy"
	}
	return filepath.Join(home, ".galaxy")
}

// NewDefaultConfig returns a new Config with sensible default values.
// Secrets default to the OPENAI_KEY and GOOGLE_KEY environment variables.
func NewDefaultConfig() *Config {
	return &Config{
		App: ApplicationConfig{
			LogLevel: slog.LevelInfo,
			LogFile:  "galaxy.log",
			HTTP: HTTPConfig{
				Host: "127.0.0.1",
				Port: 8080,
			},
		},
		Galaxy: GalaxyConfig{
			Path: DefaultGalaxyPath(),
		},
		Remote: RemoteConfig{
			Enabled:     true,
			BaseURL:     "https://api.github.com",
			Owner:       "7flash",
			Repo:        "galaxy-dist",
			Branch:      "main",
			Dirs:        []string{"", "assets", "excalidraw-assets"},
			Timeout:     30 * time.Second,
			Concurrency: 8,
		},
		Macros: MacrosConfig{
			Dir:            "macros",
			Fallback:       macro.DefaultFallbackLabel,
			Startup:        macro.DefaultStartupLabel,
			AllowedModules: engine.DefaultAllowedModules,
			StarlarkLoads:  engine.DefaultStarlarkModules,
			Workers:        4,
			QueueSize:      64,
			ScriptTimeout:  30 * time.Second,
			FetchTimeout:   60 * time.Second,

			PythonInterpreter: pyexec.DefaultInterpreter,
			PythonTimeout:     time.Minute,
		},
		Secrets: SecretsConfig{
			OpenAIKey: os.Getenv("OPENAI_KEY"),
			GoogleKey: os.Getenv("GOOGLE_KEY"),
		},
		Images: ImagesConfig{
			Endpoint: imagegen.DefaultEndpoint,
			Model:    "dall-e-3",
			Size:     "1024x1024",
			Timeout:  2 * time.Minute,
		},
		Scenes: ScenesConfig{
			Path:             "scenes.db",
			AutosaveInterval: time.Minute,
		},
		Auth: AuthConfig{
			Mode: AuthModeDisabled,
		},
	}
}
