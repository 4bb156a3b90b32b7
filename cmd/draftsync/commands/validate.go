package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/draftsync/pkg/engine"
)

// errNotReady makes the command exit non-zero without repeating the verdict.
var errNotReady = errors.New("draft is not ready")

type verdicts struct {
	Save   engine.Verdict `json:"save"`
	Launch engine.Verdict `json:"launch"`
}

func newValidateCommand() *cobra.Command {
	var isNew bool

	cmd := &cobra.Command{
		Use:   "validate <draft.json>",
		Short: "Check a draft against the save and launch rules",
		Long: `Check a draft file against the readiness rules.

The draft is read as JSON (use - for stdin) and checked against the
reference catalog. Both verdicts are printed with the reasons a rule
failed. The command exits non-zero when the draft cannot be saved.`,
		Example: `  # Check a stored draft
  draftsync validate draft.json

  # Check a draft that has never been persisted
  draftsync validate --new draft.json

  # Machine readable verdicts
  cat draft.json | draftsync validate --json -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, err := readDraft(cmd.InOrStdin(), args[0])
			if err != nil {
				return err
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cmd.Context(), cfg, log.Logger)
			if err != nil {
				return err
			}
			ref := cat.Reference()

			v := verdicts{
				Save:   engine.IsSaveReady(draft, ref, isNew),
				Launch: engine.IsLaunchReady(draft, ref),
			}
			log.Debug().
				Str("file", args[0]).
				Bool("new", isNew).
				Bool("save_ready", v.Save.Ready).
				Bool("launch_ready", v.Launch.Ready).
				Msg("Draft validated")

			out := cmd.OutOrStdout()
			if jsonOutput {
				if err := printJSON(out, v); err != nil {
					return err
				}
			} else {
				printVerdict(out, "save", v.Save)
				printVerdict(out, "launch", v.Launch)
			}

			if !v.Save.Ready {
				return errNotReady
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&isNew, "new", false, "apply the rules for a draft that has not been created yet")

	return cmd
}

func readDraft(stdin io.Reader, path string) (engine.Draft, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return engine.Draft{}, fmt.Errorf("failed to read draft: %w", err)
	}

	var d engine.Draft
	if err := json.Unmarshal(data, &d); err != nil {
		return engine.Draft{}, fmt.Errorf("failed to parse draft %s: %w", path, err)
	}
	return d, nil
}

func printVerdict(w io.Writer, check string, v engine.Verdict) {
	if v.Ready {
		fmt.Fprintf(w, "%s: ready\n", check)
		return
	}
	fmt.Fprintf(w, "%s: not ready\n", check)
	for _, r := range v.Reasons {
		fmt.Fprintf(w, "  - %s (%s): %s\n", r.Field, r.Rule, r.Message)
	}
}
