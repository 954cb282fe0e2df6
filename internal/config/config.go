package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/mpataki/phasegate/internal/decision"
)

const envPrefix = "PHASEGATE"

type Config struct {
	DataDir        string
	DBPath         string
	UserFlowDir    string
	ProjectFlowDir string

	LogLevel  string
	LogFormat string

	MaxSteps   int
	BatchLimit int

	Tuning decision.Tuning
}

// New loads configuration from the global viper instance, which the CLI
// binds its flags to.
func New() (*Config, error) {
	return Load(viper.GetViper())
}

// Load reads configuration from v. Precedence is flags bound to v, then
// PHASEGATE_* environment variables, then the config file, then defaults.
func Load(v *viper.Viper) (*Config, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.SetDefault("data_dir", filepath.Join(homeDir, ".phasegate"))
	v.SetDefault("project_flow_dir", ".phasegate/flows")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("max_steps", 50)
	v.SetDefault("batch_limit", 8)

	dataDir := v.GetString("data_dir")
	if err := readConfigFile(v, dataDir); err != nil {
		return nil, err
	}
	// The config file may move the data directory.
	dataDir = v.GetString("data_dir")

	c := &Config{
		DataDir:        dataDir,
		DBPath:         v.GetString("db_path"),
		UserFlowDir:    filepath.Join(dataDir, "flows"),
		ProjectFlowDir: v.GetString("project_flow_dir"),
		LogLevel:       v.GetString("log.level"),
		LogFormat:      v.GetString("log.format"),
		MaxSteps:       v.GetInt("max_steps"),
		BatchLimit:     v.GetInt("batch_limit"),
		Tuning:         decision.DefaultTuning(),
	}
	if c.DBPath == "" {
		c.DBPath = filepath.Join(dataDir, "phasegate.db")
	}

	if err := v.UnmarshalKey("tuning", &c.Tuning); err != nil {
		return nil, fmt.Errorf("invalid tuning section: %w", err)
	}

	return c, nil
}

// readConfigFile loads the file named by the config key, or phasegate.yaml
// from ./.phasegate or the data directory when present.
func readConfigFile(v *viper.Viper, dataDir string) error {
	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("phasegate")
		v.SetConfigType("yaml")
		v.AddConfigPath(".phasegate")
		v.AddConfigPath(dataDir)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("failed to read config file: %w", err)
	}
	return nil
}

func (c *Config) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	if err := os.MkdirAll(c.UserFlowDir, 0755); err != nil {
		return err
	}
	return nil
}

func (c *Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// FlowDirs lists the directories searched for flow graphs and scripts,
// highest precedence last.
func (c *Config) FlowDirs() []string {
	return []string{c.UserFlowDir, c.ProjectFlowDir}
}
