package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

const defaultCloudURL = "https://codex-gateway.run.app"

var (
	flagURL       string
	flagAPIKey    string
	flagModel     string
	flagSessionID string
	flagTimeoutMs int64
	flagVerbose   bool
)

var rootCmd = &cobra.Command{
	Use:   "codex-cloud",
	Short: "Run prompts against a deployed codex gateway",
}

var execCmd = &cobra.Command{
	Use:   "exec [prompt]",
	Short: "Execute a prompt and stream the agent output",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newCloudClient(flagURL, flagAPIKey)
		if err != nil {
			return err
		}

		req := execRequest{
			Prompt:    strings.Join(args, " "),
			Model:     flagModel,
			SessionID: flagSessionID,
			TimeoutMs: flagTimeoutMs,
		}

		var runErr error
		err = client.execStream(cmd.Context(), req, func(ev sseEvent) bool {
			switch ev.Event {
			case "agent_output", "agent_message":
				if msg := ev.dataField("message"); msg != "" {
					fmt.Println(msg)
				}
			case "task_completed", "task_complete":
				if msg := ev.dataField("last_agent_message"); msg != "" && flagVerbose {
					fmt.Fprintln(os.Stderr, "---")
					fmt.Fprintln(os.Stderr, msg)
				}
				return false
			case "error":
				runErr = fmt.Errorf("agent error: %s", ev.dataField("message"))
				return false
			default:
				if flagVerbose {
					fmt.Fprintf(os.Stderr, "[%s] %s\n", ev.Event, ev.Data)
				}
			}
			return true
		})
		if err != nil {
			return err
		}
		return runErr
	},
}

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Verify gcloud authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := gcloudIdentityToken(); err != nil {
			return err
		}
		fmt.Println("Authenticated")
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagURL, "url", envOr("CODEX_CLOUD_URL", defaultCloudURL), "gateway base URL")
	rootCmd.PersistentFlags().StringVar(&flagAPIKey, "api-key", os.Getenv("GATEWAY_API_KEY"), "gateway API key")

	execCmd.Flags().StringVar(&flagModel, "model", "", "model override")
	execCmd.Flags().StringVar(&flagSessionID, "session", "", "session id for conversation continuity")
	execCmd.Flags().Int64Var(&flagTimeoutMs, "timeout-ms", 0, "turn timeout in milliseconds (0 uses the server default)")
	execCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "print every stream event to stderr")

	rootCmd.AddCommand(execCmd)
	rootCmd.AddCommand(authCmd)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
