package config

import (
	"errors"
	"flag"
	"os"
	"path/filepath"
	"reflect"
	"time"

	"github.com/adrg/xdg"
	"gopkg.in/yaml.v3"
)

var ErrInvalidConfig = errors.New("invalid config")

const configFileName = "pantransfer"

// Built-in defaults, overridable by the config file and then by flags.
const (
	defaultMaxConcurrentTransfers = 3
	defaultSaveInterval           = 30 * time.Second
	defaultRequestTimeout         = 30 * time.Second
	defaultSliceTimeout           = 5 * time.Minute
	defaultTier                   = "free"
)

// flagConfig stores the parsed values from the cli flags.
type flagConfig struct {
	maxConcurrentTransfers *int
	downloadDir            *string
	dataDir                *string
	remoteDir              *string
	tier                   *string
	accessToken            *string
	autoStart              *bool
	debug                  *bool
	fetch                  *string
	fetchSize              *int64
}

// Config holds the configuration options for the application.
type Config struct {
	MaxConcurrentTransfers int             `yaml:"maxConcurrentTransfers,omitempty"`
	AutoStart              bool            `yaml:"autoStart,omitempty"`
	Debug                  bool            `yaml:"debug,omitempty"`
	Transfer               *TransferConfig `yaml:"transfer,omitempty"`
	Provider               *ProviderConfig `yaml:"provider,omitempty"`

	// CLI-only inputs
	UploadPaths []string
	FetchPath   string
	FetchSize   int64
	RemoteDir   string
}

// TransferConfig holds options for the transfer engine and its storage.
type TransferConfig struct {
	DownloadDir  string        `yaml:"downloadDir,omitempty"`
	DataDir      string        `yaml:"dataDir,omitempty"`
	Tier         string        `yaml:"tier,omitempty"`
	SaveInterval time.Duration `yaml:"saveInterval,omitempty"`
}

// ProviderConfig holds options for the remote API client.
type ProviderConfig struct {
	APIBase        string        `yaml:"apiBase,omitempty"`
	UploadBase     string        `yaml:"uploadBase,omitempty"`
	AccessToken    string        `yaml:"accessToken,omitempty"`
	RequestTimeout time.Duration `yaml:"requestTimeout,omitempty"`
	SliceTimeout   time.Duration `yaml:"sliceTimeout,omitempty"`
}

// GetConfig reads the configuration file and returns a Config struct.
// If the configuration file does not exist, it uses default configuration
// but STILL applies CLI flags.
func GetConfig() (*Config, error) {
	configFilePath := filepath.Join(xdg.ConfigHome, configFileName)
	defaults := DefaultConfig()

	var cfg Config

	b, err := os.ReadFile(configFilePath)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if len(b) > 0 {
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return nil, err
		}
	}

	transferCfg := zeroOr(cfg.Transfer, defaults.Transfer)
	providerCfg := zeroOr(cfg.Provider, defaults.Provider)

	conf := Config{
		MaxConcurrentTransfers: zeroOr(cfg.MaxConcurrentTransfers, defaults.MaxConcurrentTransfers),
		AutoStart:              cfg.AutoStart,
		Debug:                  cfg.Debug,
		Transfer: &TransferConfig{
			DownloadDir:  zeroOr(transferCfg.DownloadDir, defaults.Transfer.DownloadDir),
			DataDir:      zeroOr(transferCfg.DataDir, defaults.Transfer.DataDir),
			Tier:         zeroOr(transferCfg.Tier, defaults.Transfer.Tier),
			SaveInterval: zeroOr(transferCfg.SaveInterval, defaults.Transfer.SaveInterval),
		},
		Provider: &ProviderConfig{
			APIBase:        zeroOr(providerCfg.APIBase, defaults.Provider.APIBase),
			UploadBase:     zeroOr(providerCfg.UploadBase, defaults.Provider.UploadBase),
			AccessToken:    zeroOr(providerCfg.AccessToken, defaults.Provider.AccessToken),
			RequestTimeout: zeroOr(providerCfg.RequestTimeout, defaults.Provider.RequestTimeout),
			SliceTimeout:   zeroOr(providerCfg.SliceTimeout, defaults.Provider.SliceTimeout),
		},
	}

	conf.applyFlagsToConfig()

	if err := conf.validate(); err != nil {
		return nil, err
	}

	return &conf, nil
}

// DefaultConfig returns the built-in configuration.
func DefaultConfig() Config {
	return Config{
		MaxConcurrentTransfers: defaultMaxConcurrentTransfers,
		Transfer: &TransferConfig{
			DownloadDir:  filepath.Join(xdg.UserDirs.Download, "pantransfer"),
			DataDir:      filepath.Join(xdg.DataHome, "pantransfer"),
			Tier:         defaultTier,
			SaveInterval: defaultSaveInterval,
		},
		Provider: &ProviderConfig{
			APIBase:        "https://pan.baidu.com",
			UploadBase:     "https://d.pcs.baidu.com",
			AccessToken:    os.Getenv("PAN_ACCESS_TOKEN"),
			RequestTimeout: defaultRequestTimeout,
			SliceTimeout:   defaultSliceTimeout,
		},
	}
}

// zeroOr returns def if v is the zero value for its type.
func zeroOr[T any](v, def T) T {
	if reflect.ValueOf(v).IsZero() {
		return def
	}

	return v
}

// applyFlagsToConfig takes the value of the cli flags applied at the start
// and plugs them into the config.
func (c *Config) applyFlagsToConfig() {
	fc := flagConfig{
		maxConcurrentTransfers: flag.Int("mct", c.MaxConcurrentTransfers, "max number of transfers that run together"),
		downloadDir:            flag.String("dd", c.Transfer.DownloadDir, "path to the directory that will store downloads"),
		dataDir:                flag.String("data", c.Transfer.DataDir, "path to the directory holding transfer state"),
		remoteDir:              flag.String("rd", "/apps/pantransfer", "remote directory uploads are placed under"),
		tier:                   flag.String("tier", c.Transfer.Tier, "account tier: free, plus or premium"),
		accessToken:            flag.String("token", c.Provider.AccessToken, "access token for the remote account"),
		autoStart:              flag.Bool("auto", c.AutoStart, "start transfers as soon as they are added"),
		debug:                  flag.Bool("debug", c.Debug, "enable debug logging"),
		fetch:                  flag.String("fetch", "", "remote file to download instead of uploading"),
		fetchSize:              flag.Int64("size", 0, "size in bytes of the remote file named by -fetch"),
	}

	flag.Parse()

	c.MaxConcurrentTransfers = *fc.maxConcurrentTransfers
	c.Transfer.DownloadDir = *fc.downloadDir
	c.Transfer.DataDir = *fc.dataDir
	c.Transfer.Tier = *fc.tier
	c.Provider.AccessToken = *fc.accessToken
	c.AutoStart = *fc.autoStart
	c.Debug = *fc.debug
	c.RemoteDir = *fc.remoteDir
	c.FetchPath = *fc.fetch
	c.FetchSize = *fc.fetchSize
	c.UploadPaths = flag.Args()
}

func (c *Config) validate() error {
	if c.MaxConcurrentTransfers <= 0 {
		return ErrInvalidConfig
	}

	if err := c.Transfer.validate(); err != nil {
		return err
	}

	return c.Provider.validate()
}

func (t *TransferConfig) validate() error {
	if t.DownloadDir == "" || t.DataDir == "" || t.Tier == "" {
		return ErrInvalidConfig
	}

	switch t.Tier {
	case "free", "plus", "premium":
	default:
		return ErrInvalidConfig
	}

	return nil
}

func (p *ProviderConfig) validate() error {
	if p.APIBase == "" || p.UploadBase == "" {
		return ErrInvalidConfig
	}

	return nil
}
