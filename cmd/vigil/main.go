package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"

	"github.com/vigil-xy/vigil/internal/log"
	"github.com/vigil-xy/vigil/internal/model"
	"github.com/vigil-xy/vigil/internal/policy"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

const configFile = "vigil.yaml"

var (
	userConfigPath string // /default/config/path/vigil on given OS
	configPath     string // actual config file used (if loaded)
	config         model.Config

	flagConfigFilePath string // value of --config flag
	flagVerbose        bool   // value of --verbose flag
)

func init() {
	d, err := os.UserConfigDir()
	if err != nil {
		panic(err)
	}
	userConfigPath = filepath.Join(d, "vigil")
}

func main() {
	// root flags
	rootCmd.PersistentFlags().StringVar(&flagConfigFilePath, "config", "", "Config file to load - default is "+configFile+" in "+userConfigPath+" or in current directory")
	rootCmd.PersistentFlags().BoolVar(&flagVerbose, "verbose", false, "verbose logging")

	// never print messages
	rootCmd.SilenceErrors = true

	// parse or create a config, setup logging
	rootCmd.PersistentPreRunE = initVigil

	rootCmd.AddCommand(scanCmd())
	rootCmd.AddCommand(verifyCmd())
	rootCmd.AddCommand(keysCmd())
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(historyCmd())
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		var exit exitError
		if errors.As(err, &exit) {
			os.Exit(exit.code)
		}
		slog.Error("vigil failed", "err", err)
		os.Exit(1)
	}
}

// exitError ends the process with a specific code and no error log, the
// command already reported the outcome.
type exitError struct {
	code int
}

func (e exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}

var rootCmd = &cobra.Command{
	Use:          "vigil",
	Short:        "Host security audit producing signed reports",
	SilenceUsage: true,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "version provide version of vigil",
	Run: func(cmd *cobra.Command, args []string) {
		if configPath != "" {
			fmt.Printf("config: %s\n", configPath)
		}
		fmt.Printf("vigil:  %s\n", version())
		fmt.Printf("policy: %s\n", policy.Version)
		info, ok := debug.ReadBuildInfo()
		if !ok {
			return
		}
		fmt.Printf("go:     %s\n", info.GoVersion)
		for _, s := range info.Settings {
			switch s.Key {
			case "vcs.revision":
				fmt.Printf("commit: %s\n", s.Value)
			case "vcs.time":
				fmt.Printf("date:   %s\n", s.Value)
			case "vcs.modified":
				fmt.Printf("dirty:  %s\n", s.Value)
			}
		}
	},
}

func version() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "unknown"
	}
	return info.Main.Version
}

func initVigil(cmd *cobra.Command, _ []string) error {
	envConfig, _ := os.LookupEnv("VIGILCONFIG")
	var err error
	configPath, config, err = loadConfig(envConfig, flagConfigFilePath, []string{userConfigPath, "."})
	if err != nil {
		return err
	}

	// --verbose has a precedence over config file
	if flagVerbose {
		config.Service.Verbose = true
	}
	slog.SetDefault(log.New(config.Service.Verbose))

	slog.Debug("vigil run", "configPath", configPath)
	slog.Debug("vigil run", "config", config)
	return nil
}

// loadConfig finds the configuration: explicit path from the environment,
// then the --config flag, then vigil.yaml in dirs. When nothing is found
// the default configuration is stored in the first of dirs.
func loadConfig(envPath, flagPath string, dirs []string) (string, model.Config, error) {
	var path string
	switch {
	case envPath != "":
		path = envPath
	case flagPath != "":
		path = flagPath
	default:
		for _, d := range dirs {
			p := filepath.Join(d, configFile)
			if exists(p) {
				path = p
				break
			}
		}
	}

	if path == "" {
		if len(dirs) == 0 {
			return "", model.DefaultConfig(), nil
		}
		path = filepath.Join(dirs[0], configFile)
		cfg := model.DefaultConfig()
		if err := storeConfig(path, cfg); err != nil {
			return "", model.Config{}, err
		}
		return path, cfg, nil
	}

	f, err := os.Open(path)
	if err != nil {
		return "", model.Config{}, fmt.Errorf("opening config file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()
	cfg, err := model.LoadConfig(f)
	if err != nil {
		for _, d := range model.CueErrDetails(err) {
			slog.Error("invalid configuration", d.Attr("detail"))
		}
		return "", model.Config{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return path, cfg, nil
}

func storeConfig(path string, cfg model.Config) error {
	err := os.MkdirAll(filepath.Dir(path), 0o755)
	if err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(path), err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("creating file %s: %w", path, err)
	}
	defer func() {
		_ = f.Close()
	}()
	enc := yaml.NewEncoder(f)
	if err := enc.Encode(cfg); err != nil {
		return fmt.Errorf("storing configuration: %w", err)
	}
	return enc.Close()
}

func exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
