package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/sicko7947/talkflow"
	"github.com/spf13/cobra"
)

// RunOptions holds flags for the run command
type RunOptions struct {
	*RootOptions
	Transcript string
	Title      string
	Vars       []string
	Async      bool
}

// NewRunCommand creates the run command
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <workflow>",
		Short: "Run a workflow on a transcript",
		Long: `Run a workflow from the workflows directory.

Example:
  talkflow run daily-summary --transcript "call the dentist tomorrow"
  talkflow run notify-me --title Standup --var CHANNEL=team`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWorkflow(cmd, opts, args[0])
		},
	}

	cmd.Flags().StringVarP(&opts.Transcript, "transcript", "t", "", "transcript text")
	cmd.Flags().StringVar(&opts.Title, "title", "", "run title")
	cmd.Flags().StringArrayVar(&opts.Vars, "var", nil, "extra variable as KEY=VALUE (repeatable)")
	cmd.Flags().BoolVar(&opts.Async, "async", false, "print the run id and return without waiting")
	return cmd
}

func parseVars(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	vars := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --var %q: expected KEY=VALUE", pair)
		}
		vars[key] = value
	}
	return vars, nil
}

func runWorkflow(cmd *cobra.Command, opts *RunOptions, slug string) error {
	ctx := cmd.Context()
	vars, err := parseVars(opts.Vars)
	if err != nil {
		return err
	}

	a, err := openApp(ctx, opts.config, opts.logger)
	if err != nil {
		return err
	}
	defer a.Close()

	def, err := a.catalog.Get(slug)
	if err != nil {
		return err
	}

	input := talkflow.RunInput{
		Transcript: opts.Transcript,
		Title:      opts.Title,
		Date:       time.Now(),
		Variables:  vars,
	}
	runID, runErr := a.engine.Start(ctx, def, input,
		talkflow.WithTriggerSource(talkflow.TriggerManual),
		talkflow.WithSynchronous(!opts.Async),
	)
	if runID == "" {
		return runErr
	}

	out := cmd.OutOrStdout()
	if opts.Async {
		fmt.Fprintln(out, runID)
		return nil
	}

	run, err := a.engine.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	steps, err := a.engine.ListSteps(ctx, runID)
	if err != nil {
		return err
	}

	if opts.Format == "json" {
		if err := writeJSON(out, map[string]any{"run": run, "steps": steps}); err != nil {
			return err
		}
	} else {
		writeRun(out, run, steps)
	}
	return runErr
}
