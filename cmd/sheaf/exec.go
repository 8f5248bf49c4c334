package main

import (
	"fmt"
	"io"
	"net/http"
	"os"

	"github.com/aretw0/sheaf/internal/cli"
	"github.com/aretw0/sheaf/pkg/domain"
	"github.com/spf13/cobra"
)

var execCmd = &cobra.Command{
	Use:   "exec",
	Short: "Execute a batch file against the database",
	Long: `Reads a batch (a JSON array) from --file, or stdin when the file is "-",
executes it like a PUT on --path and prints the results.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		file, _ := cmd.Flags().GetString("file")
		path, _ := cmd.Flags().GetString("path")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		body, err := readBatch(cmd.InOrStdin(), file)
		if err != nil {
			return err
		}

		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		app, err := cli.Open(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer app.Close()

		res, err := app.Service.Batch(cmd.Context(), &domain.Request{
			Path:   path,
			Href:   path,
			Verb:   http.MethodPut,
			Body:   body,
			DryRun: dryRun,
		})
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		if err := cli.PrintResponse(out, res, cli.IsTerminal(out)); err != nil {
			return err
		}
		if res.Status >= http.StatusMultipleChoices {
			return fmt.Errorf("batch failed with status %d", res.Status)
		}
		return nil
	},
}

func readBatch(stdin io.Reader, file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(stdin)
	}
	body, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("failed to read batch: %w", err)
	}
	return body, nil
}

func init() {
	rootCmd.AddCommand(execCmd)
	execCmd.Flags().StringP("file", "f", "-", "Batch file, or - for stdin")
	execCmd.Flags().String("path", "/batch", "Batch endpoint the batch is posted to")
	execCmd.Flags().Bool("dry-run", false, "Execute, report and roll back")
}
