package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/sigreer/stubos/internal/config"
	"github.com/sigreer/stubos/internal/version"
)

var (
	cfgFile  string
	logLevel string
	verbose  bool
)

var rootCmd = &cobra.Command{
	Use:   "stubos",
	Short: "APFS OS enumeration and stub OS installer",
	Long: `stubos lists the operating systems installed on an APFS-partitioned
system disk, classifies them (full installs, stubs, recoveryOS), and installs
the placeholder macOS "stub" that an alternate OS boots from.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
			color.NoColor = true
		}
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the stubos version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("stubos %s\n", version.Version)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is /etc/stubos/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "log at debug level")

	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(showCmd)
	rootCmd.AddCommand(bootpolicyCmd)
	rootCmd.AddCommand(installCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig loads the configuration and applies the log level, exiting on
// failure
func loadConfig() *config.Config {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		fatalf("Error loading config: %v", err)
	}

	level := cfg.LogLevel
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		fatalf("Error: invalid log level %q", level)
	}
	if verbose {
		lvl = logrus.DebugLevel
	}
	logrus.SetLevel(lvl)
	logrus.SetOutput(os.Stderr)

	return cfg
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, color.RedString(format, args...))
	os.Exit(1)
}

func warnf(format string, args ...interface{}) {
	fmt.Fprintln(os.Stderr, color.YellowString(format, args...))
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
