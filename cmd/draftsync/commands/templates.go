package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/draftsync/pkg/engine"
)

type templateSchedule struct {
	ID     string          `json:"id"`
	Name   string          `json:"name"`
	Phases []phaseSchedule `json:"phases"`
}

type phaseSchedule struct {
	PhaseID  string `json:"phaseId"`
	Name     string `json:"name"`
	Duration int    `json:"duration"`
}

func newTemplatesCommand() *cobra.Command {
	var typeID string

	cmd := &cobra.Command{
		Use:   "templates",
		Short: "List timeline templates and their phase schedules",
		Long: `List the timeline templates of the reference catalog.

With --type only the templates available to that challenge type are
listed, in catalog order. The first one is the type's default.`,
		Example: `  # All templates
  draftsync templates

  # Templates available to a challenge type
  draftsync templates --type 927abff4-7af9-4145-8ba1-577c16e64e2e`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}
			ref := cat.Reference()

			templates := ref.Templates
			if typeID != "" {
				templates = engine.AvailableTemplates(ref, typeID)
				if len(templates) == 0 {
					return fmt.Errorf("no templates available for type %s", typeID)
				}
			}

			names := make(map[string]string, len(ref.Phases))
			for _, p := range ref.Phases {
				names[p.ID] = p.Name
			}

			schedules := make([]templateSchedule, 0, len(templates))
			for _, t := range templates {
				s := templateSchedule{ID: t.ID, Name: t.Name}
				for _, p := range engine.PhasesFor(t, ref.Phases) {
					s.Phases = append(s.Phases, phaseSchedule{PhaseID: p.PhaseID, Name: names[p.PhaseID], Duration: p.Duration})
				}
				schedules = append(schedules, s)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				return printJSON(out, schedules)
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			for _, s := range schedules {
				fmt.Fprintf(tw, "%s\t%s\n", s.Name, s.ID)
				total := 0
				for _, p := range s.Phases {
					fmt.Fprintf(tw, "  %s\t%dh\n", p.Name, p.Duration)
					total += p.Duration
				}
				fmt.Fprintf(tw, "  total\t%dh\n", total)
			}
			return tw.Flush()
		},
	}

	cmd.Flags().StringVarP(&typeID, "type", "t", "", "challenge type id")

	return cmd
}
