package cmd

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/webpilot-ai/webpilot/api/schemas"
	"github.com/webpilot-ai/webpilot/internal/browser"
	"github.com/webpilot-ai/webpilot/internal/observability"
	"github.com/webpilot-ai/webpilot/internal/service"
)

// newRunCmd creates and configures the `run` command.
func newRunCmd() *cobra.Command {
	var (
		appURL   string
		appName  string
		taskName string
	)

	runCmd := &cobra.Command{
		Use:   "run [task...]",
		Short: "Executes one natural-language task against a web application",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// Use the context passed from main (signal-aware).
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := configFromContext(cmd)
			if err != nil {
				return err
			}

			taskQuery := strings.Join(args, " ")
			if taskName == "" {
				taskName = browser.SanitizeFilename(taskQuery)
			}

			logger.Info("Starting workflow run.",
				zap.String("app_url", appURL),
				zap.String("app_name", appName),
				zap.String("task_name", taskName),
			)

			components, err := service.NewComponentFactory().Create(ctx, cfg, logger)
			if err != nil {
				return fmt.Errorf("failed to initialize service components: %w", err)
			}
			defer components.Shutdown()

			result := components.Run(ctx, schemas.TaskRequest{
				TaskQuery: taskQuery,
				AppURL:    appURL,
				AppName:   appName,
				TaskName:  taskName,
			})

			printResult(cmd, result)

			if !result.Success {
				if errors.Is(ctx.Err(), context.Canceled) {
					logger.Warn("Workflow aborted gracefully.", zap.String("task_name", taskName))
					return fmt.Errorf("workflow aborted by user signal")
				}
				return fmt.Errorf("workflow failed: %s", result.Error)
			}

			logger.Info("Workflow run completed successfully.", zap.String("task_name", taskName))
			return nil
		},
	}

	runCmd.Flags().StringVar(&appURL, "app-url", "", "URL of the web application to drive")
	runCmd.Flags().StringVar(&appName, "app-name", "", "Short name of the application, used to group runs and screenshots")
	runCmd.Flags().StringVar(&taskName, "task-name", "", "Name for this task. Defaults to a sanitized form of the task query")
	runCmd.Flags().Int("max-steps", 0, "Maximum workflow steps before the run is stopped. (Overrides config/env)")
	runCmd.Flags().Bool("headful", false, "Run the browser with a visible window")
	_ = runCmd.MarkFlagRequired("app-url")
	_ = runCmd.MarkFlagRequired("app-name")

	return runCmd
}

// printResult writes a human-readable run summary to the command output.
func printResult(cmd *cobra.Command, result schemas.WorkflowResult) {
	if result.Success {
		cmd.Printf("\nWorkflow complete. Steps completed: %d\n", result.StepsCompleted)
	} else {
		cmd.Printf("\nWorkflow failed after %d completed steps.\n", result.StepsCompleted)
		if result.Error != "" {
			cmd.Printf("Error: %s\n", result.Error)
		}
	}
	if result.FinalURL != "" {
		cmd.Printf("Final URL: %s\n", result.FinalURL)
	}
	if len(result.Screenshots) > 0 {
		cmd.Println("Screenshots:")
		for _, p := range result.Screenshots {
			cmd.Printf("  %s\n", p)
		}
	}
}
