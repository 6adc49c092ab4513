package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rhuss/sandout/pkg/api"
)

// printExecution writes the captured output, or the whole record with
// --json, and returns the error that sets the process exit status.
func printExecution(w io.Writer, exec *api.Execution) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(exec); err != nil {
			return err
		}
	} else {
		fmt.Fprint(w, exec.Output)
		if exec.Output != "" && exec.Output[len(exec.Output)-1] != '\n' {
			fmt.Fprintln(w)
		}
	}
	return exitStatus(exec)
}

// exitStatus maps an execution to the CLI's exit code: the program's own
// code when known, 1 for a failed capture, 0 otherwise.
func exitStatus(exec *api.Execution) error {
	switch {
	case exec.ExitCode != nil && *exec.ExitCode != 0:
		return &exitError{code: *exec.ExitCode}
	case exec.Failed:
		if exec.Error != nil {
			fmt.Fprintln(os.Stderr, "error:", exec.Error.Message)
		}
		return &exitError{code: 1}
	}
	return nil
}

func printList(w io.Writer, list *api.ExecutionList) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)
	}

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tOUTCOME\tCREATED\tCOMMAND")
	for _, e := range list.Data {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%v\n",
			e.ID, e.Status, e.Outcome,
			time.Unix(e.CreatedAt, 0).Format(time.DateTime),
			e.Command,
		)
	}
	return tw.Flush()
}
