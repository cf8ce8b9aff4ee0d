// Package cli 定义 interviewd 的 cobra 命令。
package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	version    = "dev" // 构建时通过 ldflags 注入
)

var rootCmd = &cobra.Command{
	Use:   "interviewd",
	Short: "Structured interview service",
	Long: `interviewd runs guided interviews over a fixed topic catalog.
It serves an HTTP/WebSocket API, and can also run an interview in the
terminal, export or import session reports, and print statistics.`,
	Version:       version,
	SilenceErrors: true,
	SilenceUsage:  true,
}

// Execute 运行根命令，由 main 调用。
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file (defaults are used when empty)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(topicsCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(importCmd)
	rootCmd.AddCommand(statsCmd)
	rootCmd.AddCommand(chatCmd)
}
