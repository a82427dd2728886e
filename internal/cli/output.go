package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/sicko7947/talkflow"
	"github.com/sicko7947/talkflow/capture"
)

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeRun(w io.Writer, run *talkflow.WorkflowRun, steps []*talkflow.WorkflowStep) {
	fmt.Fprintf(w, "Run %s (%s)\n", run.ID, run.WorkflowID)
	fmt.Fprintf(w, "  status:   %s\n", run.Status)
	fmt.Fprintf(w, "  trigger:  %s\n", run.TriggerSource)
	if run.RerunOf != "" {
		fmt.Fprintf(w, "  rerun of: %s\n", run.RerunOf)
	}
	if run.DurationMs > 0 {
		fmt.Fprintf(w, "  duration: %dms\n", run.DurationMs)
	}
	if run.ErrorMessage != "" {
		fmt.Fprintf(w, "  error:    %s\n", run.ErrorMessage)
	}

	if len(steps) > 0 {
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "\n  #\tSTEP\tTYPE\tSTATUS\tMS\tERROR")
		for _, s := range steps {
			fmt.Fprintf(tw, "  %d\t%s\t%s\t%s\t%d\t%s\n", s.StepNumber, s.StepKey, s.StepType, s.Status, s.DurationMs, s.ErrorCode)
		}
		tw.Flush()
	}

	for key, value := range run.Output {
		fmt.Fprintf(w, "\n[%s]\n%s\n", key, strings.TrimSpace(value))
	}
}

func writeDictations(w io.Writer, records []*capture.Dictation) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tCREATED\tTRANSCRIPTION\tPROMOTION\tWORDS\tTEXT")
	for _, d := range records {
		text := d.Text
		if len(text) > 50 {
			text = text[:47] + "..."
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n",
			d.ID, d.CreatedAt.Format("2006-01-02 15:04"), d.TranscriptionStatus, d.PromotionStatus, d.WordCount, text)
	}
	tw.Flush()
}
