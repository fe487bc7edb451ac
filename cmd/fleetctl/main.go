package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/seralvarez/capturefleet/internal/api"
	"github.com/seralvarez/capturefleet/internal/config"
	"github.com/seralvarez/capturefleet/internal/job"
	"github.com/seralvarez/capturefleet/internal/wire"
)

var (
	cfg    config.Config
	hubURL string
)

func main() {
	cfg, _ = config.Load()

	root := &cobra.Command{
		Use:   "fleetctl",
		Short: "Control the capture fleet: trigger jobs, watch runs, answer prompts",
	}
	root.PersistentFlags().StringVar(&hubURL, "hub",
		fmt.Sprintf("http://127.0.0.1:%d", cfg.Hub.Port), "hub base URL")

	root.AddCommand(
		triggerCmd(),
		watchCmd(),
		respondCmd(),
		statusCmd(),
		jobCmd(),
	)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func triggerCmd() *cobra.Command {
	var req wire.TriggerJobPayload
	var watch bool

	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Submit a capture job",
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := dialHub(hubURL)
			if err != nil {
				return err
			}
			defer ws.Close()

			if err := sendEnvelope(ws, wire.TypeTriggerJob, req); err != nil {
				return err
			}

			env, err := readEnvelope(ws, 10*time.Second)
			if err != nil {
				return err
			}
			switch env.Type {
			case wire.TypeError:
				return fmt.Errorf("%s", decodeError(env))
			case wire.TypeJobUpdate:
				upd := decodeUpdate(env)
				fmt.Printf("Job %s queued\n", upd.JobID)
				if watch {
					return streamJob(ws, upd.JobID)
				}
				return nil
			default:
				return fmt.Errorf("unexpected reply %s", env.Type)
			}
		},
	}

	cmd.Flags().StringVar(&req.Project, "project", "", "project name")
	cmd.Flags().StringVar(&req.Collection, "collection", "", "capture collection")
	cmd.Flags().StringVar(&req.BundleID, "bundle-id", "", "app bundle identifier")
	cmd.Flags().StringVar(&req.DeviceType, "device-type", "", "device type override")
	cmd.Flags().StringVar(&req.Platform, "platform", "ios", "target platform")
	cmd.Flags().BoolVar(&req.AutoBuild, "auto-build", false, "build the app before capturing")
	cmd.Flags().BoolVar(&req.UseProtoV2, "proto-v2", false, "use the v2 capture protocol")
	cmd.Flags().StringVar(&req.APIKey, "api-key", "", "provider API key")
	cmd.Flags().BoolVar(&watch, "watch", false, "stream events until the job completes")
	cmd.MarkFlagRequired("project")
	cmd.MarkFlagRequired("bundle-id")
	return cmd
}

func watchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch [jobId]",
		Short: "Stream job events from the hub",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := dialHub(hubURL)
			if err != nil {
				return err
			}
			defer ws.Close()

			jobID := ""
			if len(args) == 1 {
				jobID = args[0]
			}
			return streamJob(ws, jobID)
		},
	}
}

func respondCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "respond <jobId> <promptId> <input>",
		Short: "Answer a pending prompt on a running job",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			ws, err := dialHub(hubURL)
			if err != nil {
				return err
			}
			defer ws.Close()

			return sendEnvelope(ws, wire.TypePromptResponse, wire.PromptResponsePayload{
				JobID:    args[0],
				PromptID: args[1],
				Input:    args[2],
			})
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue counts and connected runners",
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(hubURL)

			stats, err := client.Stats()
			if err != nil {
				return err
			}
			fmt.Printf("Queue: %d queued, %d assigned, %d running, %d completed, %d failed\n",
				stats.Queued, stats.Assigned, stats.Running, stats.Completed, stats.Failed)

			runners, err := client.Runners()
			if err != nil {
				return err
			}
			if len(runners) == 0 {
				fmt.Println("No runners registered")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "RUNNER\tCONNECTED\tADDR\tLAST SEEN")
			for _, r := range runners {
				connected := "no"
				if r.Connected {
					connected = "yes"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					r.RunnerID, connected, r.RemoteAddr, r.LastSeen.Format(time.RFC3339))
			}
			return w.Flush()
		},
	}
}

func jobCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "job <jobId>",
		Short: "Show a job's current state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client := api.NewClient(hubURL)
			state, err := client.JobState(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s: %s\n", state.JobID, state.State)
			if state.State == job.StateFailed {
				os.Exit(1)
			}
			return nil
		},
	}
}
