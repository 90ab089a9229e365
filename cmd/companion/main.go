// Command companion is a terminal client for the whisper gateway. It runs
// the same app core a browser front end would: chat list, conversation
// screen with typing indicators, and the sign-in gate.
package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var rootCmd = &cobra.Command{
	Use:          "companion",
	Short:        "Terminal chat companion",
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	f := rootCmd.Flags()
	f.String("url", "ws://localhost:8080/ws", "gateway WebSocket URL")
	f.String("token", "", "sign-in token presented at start")
	f.String("log-level", "warn", "log level (debug, info, warn, error)")

	_ = viper.BindPFlag("url", f.Lookup("url"))
	_ = viper.BindPFlag("token", f.Lookup("token"))
	_ = viper.BindPFlag("log_level", f.Lookup("log-level"))

	viper.SetEnvPrefix("WHISPER")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// newLogger writes console logs to stderr so they do not interleave with
// the chat transcript on stdout.
func newLogger(level string) (*zap.Logger, error) {
	lvl := zap.WarnLevel
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	zc := zap.NewDevelopmentConfig()
	zc.Level = zap.NewAtomicLevelAt(lvl)
	zc.OutputPaths = []string{"stderr"}
	return zc.Build()
}
