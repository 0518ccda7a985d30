package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/hashicorp/go-multierror"
	"github.com/spf13/viper"

	"github.com/yarkm13/remoteorigin/internal/disposition"
	"github.com/yarkm13/remoteorigin/internal/origin"
	"github.com/yarkm13/remoteorigin/internal/remote"
	"github.com/yarkm13/remoteorigin/internal/retry"
	"github.com/yarkm13/remoteorigin/internal/selector"
)

// EnvPrefix prefixes environment overrides, e.g. REMOTEORIGIN_REMOTE_ADDRESS.
const EnvPrefix = "REMOTEORIGIN"

type Config struct {
	Remote         RemoteConfig         `mapstructure:"remote"`
	Credentials    CredentialsConfig    `mapstructure:"credentials"`
	Files          FilesConfig          `mapstructure:"files"`
	PostProcessing PostProcessingConfig `mapstructure:"post_processing"`
	Error          ErrorConfig          `mapstructure:"error"`
	Poll           PollConfig           `mapstructure:"poll"`
	State          StateConfig          `mapstructure:"state"`
	Output         OutputConfig         `mapstructure:"output"`
	Log            LogConfig            `mapstructure:"log"`
	Metrics        MetricsConfig        `mapstructure:"metrics"`
}

type RemoteConfig struct {
	Address        string        `mapstructure:"address" validate:"required,url"`
	UserDirIsRoot  bool          `mapstructure:"user_dir_is_root"`
	ConnectTimeout time.Duration `mapstructure:"connect_timeout" validate:"gt=0"`
}

// CredentialsConfig holds secret references, never secret values. See the
// secret package for the accepted forms.
type CredentialsConfig struct {
	Auth                 string `mapstructure:"auth" validate:"oneof=NONE PASSWORD PRIVATE_KEY"`
	Username             string `mapstructure:"username"`
	Password             string `mapstructure:"password"`
	PrivateKeyProvider   string `mapstructure:"private_key_provider" validate:"oneof=FILE PLAIN_TEXT"`
	PrivateKey           string `mapstructure:"private_key" validate:"required_if=Auth PRIVATE_KEY PrivateKeyProvider FILE"`
	PrivateKeyPlainText  string `mapstructure:"private_key_plain_text" validate:"required_if=Auth PRIVATE_KEY PrivateKeyProvider PLAIN_TEXT"`
	PrivateKeyPassphrase string `mapstructure:"private_key_passphrase"`
	StrictHostChecking   bool   `mapstructure:"strict_host_checking"`
	KnownHosts           string `mapstructure:"known_hosts"`
}

type FilesConfig struct {
	PatternMode           string `mapstructure:"pattern_mode" validate:"oneof=GLOB REGEX"`
	Pattern               string `mapstructure:"pattern"`
	InitialFile           string `mapstructure:"initial_file"`
	ProcessSubdirectories bool   `mapstructure:"process_subdirectories"`
	MaxDepth              int    `mapstructure:"max_depth" validate:"min=1,max=1024"`
}

type PostProcessingConfig struct {
	Action                  string `mapstructure:"action" validate:"oneof=NONE DELETE ARCHIVE"`
	ArchiveDir              string `mapstructure:"archive_dir" validate:"required_if=Action ARCHIVE"`
	ArchiveDirUserDirIsRoot bool   `mapstructure:"archive_dir_user_dir_is_root"`
}

type ErrorConfig struct {
	ArchiveOnError bool   `mapstructure:"archive_on_error"`
	ArchiveDir     string `mapstructure:"archive_dir" validate:"required_if=ArchiveOnError true"`
}

type PollConfig struct {
	Interval               time.Duration `mapstructure:"interval" validate:"gt=0"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures" validate:"min=0"`
	BackoffInitial         time.Duration `mapstructure:"backoff_initial" validate:"gt=0"`
	BackoffMax             time.Duration `mapstructure:"backoff_max" validate:"gtefield=BackoffInitial"`
}

type StateConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

type OutputConfig struct {
	Dir string `mapstructure:"dir" validate:"required"`
}

type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

type MetricsConfig struct {
	Addr string `mapstructure:"addr" validate:"omitempty,hostname_port"`
}

// LoadFromFile reads a YAML or TOML file, applies environment overrides and
// validates the result.
func LoadFromFile(filename string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(filename)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// every key gets a default so AutomaticEnv can override it
func setDefaults(v *viper.Viper) {
	v.SetDefault("remote.address", "")
	v.SetDefault("remote.user_dir_is_root", true)
	v.SetDefault("remote.connect_timeout", 30*time.Second)

	v.SetDefault("credentials.auth", "NONE")
	v.SetDefault("credentials.username", "")
	v.SetDefault("credentials.password", "")
	v.SetDefault("credentials.private_key_provider", "FILE")
	v.SetDefault("credentials.private_key", "")
	v.SetDefault("credentials.private_key_plain_text", "")
	v.SetDefault("credentials.private_key_passphrase", "")
	v.SetDefault("credentials.strict_host_checking", true)
	v.SetDefault("credentials.known_hosts", "")

	v.SetDefault("files.pattern_mode", "GLOB")
	v.SetDefault("files.pattern", "*")
	v.SetDefault("files.initial_file", "")
	v.SetDefault("files.process_subdirectories", false)
	v.SetDefault("files.max_depth", remote.DefaultMaxDepth)

	v.SetDefault("post_processing.action", "NONE")
	v.SetDefault("post_processing.archive_dir", "")
	v.SetDefault("post_processing.archive_dir_user_dir_is_root", true)

	v.SetDefault("error.archive_on_error", false)
	v.SetDefault("error.archive_dir", "")

	v.SetDefault("poll.interval", 30*time.Second)
	v.SetDefault("poll.max_consecutive_failures", 5)
	v.SetDefault("poll.backoff_initial", time.Second)
	v.SetDefault("poll.backoff_max", 2*time.Minute)

	v.SetDefault("state.dir", "./state")
	v.SetDefault("output.dir", "./output")
	v.SetDefault("log.level", "info")
	v.SetDefault("metrics.addr", "")
}

// Validate checks struct tags and the cross-field rules, reporting every
// violation at once.
func (c *Config) Validate() error {
	var result *multierror.Error

	validate := validator.New(validator.WithRequiredStructEnabled())
	if err := validate.Struct(c); err != nil {
		var fieldErrs validator.ValidationErrors
		if !errors.As(err, &fieldErrs) {
			return err
		}
		for _, fe := range fieldErrs {
			result = multierror.Append(result, fmt.Errorf("%s: failed %q validation", fe.Namespace(), fe.Tag()))
		}
	}

	u, err := url.Parse(c.Remote.Address)
	switch {
	case c.Remote.Address == "":
	case err != nil:
		result = multierror.Append(result, fmt.Errorf("remote.address: %w", err))
	case !remote.Supported(u):
		result = multierror.Append(result, fmt.Errorf("remote.address: unsupported scheme %q, expected sftp or ftp", u.Scheme))
	default:
		result = multierror.Append(result, c.validateCredentials(u)...)
	}

	if _, err := selector.Compile(selector.PatternMode(c.Files.PatternMode), c.Files.Pattern); err != nil {
		result = multierror.Append(result, fmt.Errorf("files.pattern: %w", err))
	}

	return result.ErrorOrNil()
}

func (c *Config) validateCredentials(u *url.URL) []error {
	var errs []error
	creds := c.Credentials

	if creds.Auth == string(remote.AuthPrivateKey) && u.Scheme != "sftp" {
		errs = append(errs, fmt.Errorf("credentials.auth: PRIVATE_KEY requires an sftp address"))
	}
	if creds.Auth == string(remote.AuthPassword) || creds.Auth == string(remote.AuthPrivateKey) {
		if creds.Username == "" && (u.User == nil || u.User.Username() == "") {
			errs = append(errs, fmt.Errorf("credentials.username: required for %s auth when the address has no user", creds.Auth))
		}
	}
	if creds.Auth == string(remote.AuthPassword) && creds.Password == "" {
		if _, ok := u.User.Password(); !ok {
			errs = append(errs, fmt.Errorf("credentials.password: required for PASSWORD auth when the address has no password"))
		}
	}
	if u.Scheme == "sftp" && creds.StrictHostChecking && creds.KnownHosts == "" {
		errs = append(errs, fmt.Errorf("credentials.known_hosts: required when strict_host_checking is enabled"))
	}
	return errs
}

// Warnings lists settings that are accepted but have no effect.
func (c *Config) Warnings() []string {
	var warnings []string
	u, err := url.Parse(c.Remote.Address)
	if err != nil {
		return nil
	}
	if u.Scheme == "ftp" && c.Credentials.StrictHostChecking {
		warnings = append(warnings, "credentials.strict_host_checking has no effect on ftp")
	}
	if u.Scheme == "ftp" && c.Credentials.KnownHosts != "" {
		warnings = append(warnings, "credentials.known_hosts has no effect on ftp")
	}
	if c.PostProcessing.Action != "ARCHIVE" && c.PostProcessing.ArchiveDir != "" {
		warnings = append(warnings, "post_processing.archive_dir is ignored unless action is ARCHIVE")
	}
	return warnings
}

func (c *Config) Target() (remote.Target, error) {
	u, err := url.Parse(c.Remote.Address)
	if err != nil {
		return remote.Target{}, fmt.Errorf("invalid remote address: %w", err)
	}
	return remote.Target{URL: u, Timeout: c.Remote.ConnectTimeout}, nil
}

func (c *Config) RemoteCredentials() remote.Credentials {
	creds := remote.Credentials{
		Method:        remote.AuthMethod(c.Credentials.Auth),
		Username:      c.Credentials.Username,
		PasswordRef:   c.Credentials.Password,
		PassphraseRef: c.Credentials.PrivateKeyPassphrase,
	}
	if creds.Method == remote.AuthPrivateKey {
		creds.Key = remote.KeySource{
			Provider: remote.KeyProvider(c.Credentials.PrivateKeyProvider),
			Path:     c.Credentials.PrivateKey,
			Ref:      c.Credentials.PrivateKeyPlainText,
		}
	}
	return creds
}

func (c *Config) Trust() remote.TrustPolicy {
	return remote.TrustPolicy{
		StrictHostChecking: c.Credentials.StrictHostChecking,
		KnownHostsPath:     c.Credentials.KnownHosts,
	}
}

func (c *Config) Selection() selector.Policy {
	return selector.Policy{
		Mode:      selector.PatternMode(c.Files.PatternMode),
		Pattern:   c.Files.Pattern,
		FirstFile: c.Files.InitialFile,
		Recurse:   c.Files.ProcessSubdirectories,
		MaxDepth:  c.Files.MaxDepth,
	}
}

func (c *Config) Disposition() disposition.Policy {
	policy := disposition.Policy{
		OnSuccess:           disposition.SuccessAction(c.PostProcessing.Action),
		ArchiveDir:          c.PostProcessing.ArchiveDir,
		ArchiveRootRelative: c.PostProcessing.ArchiveDirUserDirIsRoot,
		OnError:             disposition.ErrorNone,
	}
	if c.Error.ArchiveOnError {
		policy.OnError = disposition.ErrorArchive
		policy.ErrorArchiveDir = c.Error.ArchiveDir
	}
	return policy
}

func (c *Config) Backoff() retry.Config {
	cfg := retry.DefaultConfig()
	cfg.MaxAttempts = c.Poll.MaxConsecutiveFailures
	cfg.InitialWait = c.Poll.BackoffInitial
	cfg.MaxWait = c.Poll.BackoffMax
	return cfg
}

// OriginOptions assembles the poll loop settings. The remote root is the
// address path.
func (c *Config) OriginOptions() (origin.Options, error) {
	target, err := c.Target()
	if err != nil {
		return origin.Options{}, err
	}
	return origin.Options{
		Root:          target.URL.Path,
		UserDirIsRoot: c.Remote.UserDirIsRoot,
		Selection:     c.Selection(),
		Disposition:   c.Disposition(),
		PollInterval:  c.Poll.Interval,
		Backoff:       c.Backoff(),
	}, nil
}
