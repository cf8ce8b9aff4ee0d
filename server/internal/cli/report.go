package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"interview-engine/server/internal/report"

	"github.com/spf13/cobra"
)

var exportOutput string

var exportCmd = &cobra.Command{
	Use:   "export <session-id>",
	Short: "Export a session report as JSON",
	Args:  cobra.ExactArgs(1),
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a session report exported by this tool",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var (
	statsFrom string
	statsTo   string
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print aggregate statistics for a time range",
	Long: `Print session and log statistics. --from and --to accept RFC3339 or
YYYY-MM-DD; a bare --to date includes that whole day.`,
	RunE: runStats,
}

func init() {
	exportCmd.Flags().StringVarP(&exportOutput, "output", "o", "", "write to file instead of stdout")
	statsCmd.Flags().StringVar(&statsFrom, "from", "", "start of range (inclusive)")
	statsCmd.Flags().StringVar(&statsTo, "to", "", "end of range (exclusive)")
}

func runExport(cmd *cobra.Command, args []string) error {
	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	warnMemoryStore(cmd.ErrOrStderr(), a)

	summary, err := a.manager.Export(cmd.Context(), args[0])
	if err != nil {
		return fmt.Errorf("export %s: %w", args[0], err)
	}

	if exportOutput == "" {
		return report.WriteJSON(cmd.OutOrStdout(), summary)
	}
	f, err := os.Create(exportOutput)
	if err != nil {
		return fmt.Errorf("create %s: %w", exportOutput, err)
	}
	if err := report.WriteJSON(f, summary); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "exported %s to %s\n", summary, exportOutput)
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	warnMemoryStore(cmd.ErrOrStderr(), a)

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()

	summary, err := report.ReadJSON(f)
	if err != nil {
		return fmt.Errorf("read %s: %w", args[0], err)
	}
	sess, err := a.manager.Import(cmd.Context(), summary)
	if err != nil {
		return fmt.Errorf("import %s: %w", args[0], err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "imported session %s (%s, %d entries)\n",
		sess.ID, sess.Status, len(summary.ConversationLog))
	return nil
}

func runStats(cmd *cobra.Command, args []string) error {
	from, err := report.ParseBound(statsFrom, false)
	if err != nil {
		return fmt.Errorf("--from: %w", err)
	}
	to, err := report.ParseBound(statsTo, true)
	if err != nil {
		return fmt.Errorf("--to: %w", err)
	}

	a, err := loadApp(configPath)
	if err != nil {
		return err
	}
	defer a.close()
	warnMemoryStore(cmd.ErrOrStderr(), a)

	overview, err := a.manager.Aggregate(cmd.Context(), from, to)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(overview)
}

// warnMemoryStore 提示离线命令面对的是一个空的内存存储。
func warnMemoryStore(w io.Writer, a *app) {
	if !a.durable() {
		fmt.Fprintln(w, "warning: storage.driver is memory; nothing persists between runs")
	}
}
