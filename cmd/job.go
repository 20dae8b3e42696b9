package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/taskgrid/internal/job"
)

var serverURL string

func jobCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "job",
		Short: "Manage jobs over the admin API",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080",
		"scheduler admin API base URL")
	cmd.AddCommand(jobSubmitCmd())
	cmd.AddCommand(jobListCmd())
	cmd.AddCommand(jobGetCmd())
	cmd.AddCommand(jobCancelCmd())
	cmd.AddCommand(jobExecutionsCmd())
	return cmd
}

// --- job submit ---

func jobSubmitCmd() *cobra.Command {
	var info job.Info
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a new job template",
		Run: func(cmd *cobra.Command, args []string) {
			var created job.Info
			if err := apiCall("POST", "/api/jobs", info, &created); err != nil {
				fatal(err)
			}
			fmt.Println(created.JobID)
		},
	}
	cmd.Flags().StringVar(&info.Name, "name", "", "job name (required)")
	cmd.Flags().StringVar(&info.Command, "command", "", "shell command to run (required)")
	cmd.Flags().StringVar((*string)(&info.Type), "type", "ONCE", "ONCE or PERIODIC")
	cmd.Flags().StringVar(&info.CronExpression, "cron", "", "cron expression (PERIODIC only)")
	cmd.Flags().IntVar(&info.Priority, "priority", 0, "dispatch priority, higher first")
	cmd.Flags().IntVar(&info.Timeout, "timeout", 0, "timeout in seconds (default 60)")
	cmd.Flags().IntVar(&info.RetryCount, "retry-count", 0, "retries after failure")
	cmd.Flags().IntVar(&info.RetryInterval, "retry-interval", 0, "seconds between retries")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("command")
	return cmd
}

// --- job list ---

func jobListCmd() *cobra.Command {
	var (
		jobType    string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List job templates",
		Run: func(cmd *cobra.Command, args []string) {
			path := "/api/jobs"
			if jobType != "" {
				path += "?type=" + jobType
			}
			var out struct {
				Jobs  []job.Info `json:"jobs"`
				Total int        `json:"total"`
			}
			if err := apiCall("GET", path, nil, &out); err != nil {
				fatal(err)
			}
			if jsonOutput {
				printJSON(out.Jobs)
				return
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "JOB ID\tNAME\tTYPE\tPRIORITY\tCRON")
			for _, j := range out.Jobs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					j.JobID, j.Name, j.Type, j.Priority, j.CronExpression)
			}
			w.Flush()
			fmt.Printf("%d of %d\n", len(out.Jobs), out.Total)
		},
	}
	cmd.Flags().StringVar(&jobType, "type", "", "filter by type (ONCE or PERIODIC)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// --- job get / cancel / executions ---

func jobGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Fetch one job template",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var info job.Info
			if err := apiCall("GET", "/api/jobs/"+args[0], nil, &info); err != nil {
				fatal(err)
			}
			printJSON(info)
		},
	}
}

func jobCancelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job's queued and running executions",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			if err := apiCall("POST", "/api/jobs/"+args[0]+"/cancel", nil, nil); err != nil {
				fatal(err)
			}
			fmt.Println("cancelled")
		},
	}
}

func jobExecutionsCmd() *cobra.Command {
	var jsonOutput bool
	cmd := &cobra.Command{
		Use:   "executions <job-id>",
		Short: "Show a job's execution history",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			var out struct {
				Executions []job.Execution `json:"executions"`
			}
			if err := apiCall("GET", "/api/jobs/"+args[0]+"/executions", nil, &out); err != nil {
				fatal(err)
			}
			if jsonOutput {
				printJSON(out.Executions)
				return
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "EXECUTION\tSTATUS\tEXECUTOR\tTRIGGERED\tERROR")
			for _, e := range out.Executions {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\n",
					e.ExecutionID, e.Status, e.ExecutorID,
					e.TriggerTime.Format(time.RFC3339), e.Error)
			}
			w.Flush()
		},
	}
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "output as JSON")
	return cmd
}

// apiCall performs one admin API round-trip. Non-2xx responses surface
// the server's error message.
func apiCall(method, path string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequest(method, serverURL+path, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("reach scheduler at %s: %w", serverURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s (HTTP %d)", apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d from %s", resp.StatusCode, path)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func printJSON(v any) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		fatal(err)
	}
	fmt.Println(string(data))
}
