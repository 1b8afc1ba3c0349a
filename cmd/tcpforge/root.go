package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"tcpforge/internal/config"
	"tcpforge/internal/pkg/logger"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "tcpforge",
	Short: "A userspace TCP client engine driven by forged raw sockets",
	Long: `tcpforge establishes and multiplexes many TCP connections from a single
process without using the kernel's TCP stack: it opens a raw IP socket,
forges TCP/IP segments (including arbitrary source addresses), and drives
each connection's state machine purely from the segments it receives.

Examples:
  tcpforge connect --dst 127.0.0.1:5223 --src 127.0.0.2:13579 --message "hello world!"
  tcpforge version
`,
	PersistentPreRun: func(cmd *cobra.Command, _ []string) {
		initLogging(cmd)
	},
}

func Execute() {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "\n[FATAL] tcpforge crashed: %v\n", r)
			os.Exit(1)
		}
	}()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file path (default: ./configs/config.yaml)")
	rootCmd.PersistentFlags().String("log-level", "", "log level (debug, info, warn, error)")
	viper.BindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))

	rootCmd.AddCommand(newConnectCmd())
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() *config.Config {
	loader := config.NewLoader(cfgFileDir())
	cfg, err := loader.Load()
	if err != nil {
		cfg = config.Default()
	}
	return cfg
}

func cfgFileDir() string {
	if cfgFile == "" {
		return ""
	}
	return filepath.Dir(cfgFile)
}

func initLogging(cmd *cobra.Command) {
	cfg := loadConfig()

	if flag := cmd.Flags().Lookup("log-level"); flag != nil && flag.Changed {
		cfg.Log.Level = flag.Value.String()
	}

	if _, err := logger.InitLogger(cfg.Log); err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
	}
}
