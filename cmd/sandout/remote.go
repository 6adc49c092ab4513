package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rhuss/sandout/pkg/api"
	"github.com/rhuss/sandout/pkg/client"
	"github.com/rhuss/sandout/pkg/transport"
)

var execFlags requestFlags

var execCmd = &cobra.Command{
	Use:   "exec [flags] -- COMMAND [ARGS...]",
	Short: "Run a command through a sandout server",
	Long: `Submit a command to a sandout server and wait for its captured output.

Interrupting the CLI closes the request, which cancels the execution.

Examples:
  sandout exec -- python3 -c 'print(2**10)'
  sandout exec --stdin-file script.py -- python3 -
  sandout --server https://sandout.example.com exec --json -- date`,
	Args: cobra.MinimumNArgs(1),
	RunE: runExec,
}

var getCmd = &cobra.Command{
	Use:   "get EXECUTION_ID",
	Short: "Show a stored execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		exec, err := newClient().Get(cmd.Context(), args[0])
		if err != nil {
			return describe(err)
		}
		return printExecution(cmd.OutOrStdout(), exec)
	},
}

var cancelCmd = &cobra.Command{
	Use:   "cancel EXECUTION_ID",
	Short: "Stop a running execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := newClient().Cancel(cmd.Context(), args[0])
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "cancellation requested for %s\n", conf.ID)
		return nil
	},
}

var deleteCmd = &cobra.Command{
	Use:   "delete EXECUTION_ID",
	Short: "Delete a stored execution",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		conf, err := newClient().Delete(cmd.Context(), args[0])
		if err != nil {
			return describe(err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", conf.ID)
		return nil
	},
}

var listOpts struct {
	status string
	limit  int
	after  string
	order  string
}

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored executions",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		list, err := newClient().List(cmd.Context(), transport.ListOptions{
			After:  listOpts.after,
			Limit:  listOpts.limit,
			Status: api.ExecutionStatus(listOpts.status),
			Order:  listOpts.order,
		})
		if err != nil {
			return describe(err)
		}
		return printList(cmd.OutOrStdout(), list)
	},
}

func init() {
	execFlags.register(execCmd)

	listCmd.Flags().StringVar(&listOpts.status, "status", "", "filter by status")
	listCmd.Flags().IntVar(&listOpts.limit, "limit", 20, "page size (max 100)")
	listCmd.Flags().StringVar(&listOpts.after, "after", "", "return executions after this ID")
	listCmd.Flags().StringVar(&listOpts.order, "order", "desc", "sort order: asc or desc")

	rootCmd.AddCommand(execCmd, getCmd, cancelCmd, deleteCmd, listCmd)
}

func newClient() *client.Client {
	return client.New(serverURL, apiKey, 0)
}

func runExec(cmd *cobra.Command, args []string) error {
	req, err := execFlags.request(args)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	exec, err := newClient().Create(ctx, req)
	if err != nil {
		return describe(err)
	}
	return printExecution(cmd.OutOrStdout(), exec)
}
