package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newDraftsCommand() *cobra.Command {
	var (
		limit  int
		offset int
	)

	cmd := &cobra.Command{
		Use:   "drafts",
		Short: "List stored draft checkpoints",
		Long: `List the draft checkpoints recorded by editing sessions, most
recently updated first.`,
		Example: `  # Latest checkpoints
  draftsync drafts

  # Page through older ones
  draftsync drafts --limit 20 --offset 20`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			store, err := openStore(cmd.Context(), cfg.Store)
			if err != nil {
				return err
			}
			defer store.Close()

			drafts, err := store.ListCheckpoints(cmd.Context(), limit, offset)
			if err != nil {
				return fmt.Errorf("failed to list drafts: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, drafts)
			}
			if len(drafts) == 0 {
				fmt.Fprintln(out, "no drafts")
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "SESSION\tCHALLENGE\tNAME\tSTATUS\tLAST SAVED")
			for _, d := range drafts {
				saved := "-"
				if d.LastSaved != nil {
					saved = d.LastSaved.Format(time.RFC3339)
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", d.SessionID, d.ChallengeID, d.Name, d.Status, saved)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "maximum number of drafts to list")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of drafts to skip")

	return cmd
}
