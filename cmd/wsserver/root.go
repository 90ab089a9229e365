package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "wsserver",
	Short: "Whisper companion gateway",
	Long: `wsserver serves the companion WebSocket protocol: sign-in with session
tokens, paged chat lists with live updates, messaging, typing relay and
message history. Settings come from flags, WHISPER_* environment variables
or a YAML config file.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&cfgFile, "config", "", "config file (default: ./whisper.yaml)")
	pf.String("redis-addr", "localhost:6379", "Redis address")
	pf.String("log-level", "info", "log level (debug, info, warn, error)")
	pf.String("log-format", "json", "log format (json, text)")

	_ = viper.BindPFlag("redis.addr", pf.Lookup("redis-addr"))
	_ = viper.BindPFlag("logging.level", pf.Lookup("log-level"))
	_ = viper.BindPFlag("logging.format", pf.Lookup("log-format"))

	rootCmd.AddCommand(serveCmd, tokenCmd, chatCmd, userCmd)
}

// initConfig reads the config file and WHISPER_ environment variables.
// WHISPER_SERVER_LISTEN overrides server.listen.
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.AddConfigPath(".")
		viper.AddConfigPath("/etc/whisper/")
		viper.SetConfigName("whisper")
		viper.SetConfigType("yaml")
	}
	viper.SetEnvPrefix("WHISPER")
	viper.SetEnvKeyReplacer(newKeyReplacer())
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			fmt.Fprintf(os.Stderr, "error reading config file %s: %v\n", viper.ConfigFileUsed(), err)
			os.Exit(1)
		}
	}
}

// newKeyReplacer maps nested keys to environment names.
func newKeyReplacer() *strings.Replacer {
	return strings.NewReplacer(".", "_")
}
