package cli

import (
	"fmt"
	"io"
	"text/tabwriter"

	"interview-engine/server/internal/domain"

	"github.com/spf13/cobra"
)

var topicsCmd = &cobra.Command{
	Use:   "topics",
	Short: "List the topic catalog",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := loadApp(configPath)
		if err != nil {
			return err
		}
		defer a.close()
		return printTopics(cmd.OutOrStdout(), a.catalog)
	},
}

func printTopics(out io.Writer, catalog *domain.Catalog) error {
	w := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSCENE\tEDU\tQUESTIONS\tFOLLOWUPS\tCORE QUESTION")
	for _, t := range catalog.All() {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%s\n",
			t.ID, t.Scene, t.EduType, len(t.Questions), len(t.Followups), t.CoreQuestion())
	}
	if err := w.Flush(); err != nil {
		return err
	}
	fmt.Fprintf(out, "\n%d topics, %d scenes x %d education types\n",
		catalog.Len(), len(catalog.Scenes()), len(catalog.EduTypes()))
	return nil
}
