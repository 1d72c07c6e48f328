package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

func invokeCmd() *cobra.Command {
	var (
		payload   string
		file      string
		qualifier string
	)

	cmd := &cobra.Command{
		Use:   "invoke <name>",
		Short: "Invoke a function synchronously",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := []byte(payload)
			if file != "" {
				data, err := os.ReadFile(file)
				if err != nil {
					return err
				}
				body = data
			}
			if len(body) == 0 {
				body = []byte("{}")
			}

			url := serverAddr + "/2015-03-31/functions/" + args[0] + "/invocations"
			if qualifier != "" {
				url += "?Qualifier=" + qualifier
			}
			resp, err := httpClient.Post(url, "application/json", bytes.NewReader(body))
			if err != nil {
				return fmt.Errorf("is the daemon running? %w", err)
			}
			defer resp.Body.Close()

			out, err := io.ReadAll(resp.Body)
			if err != nil {
				return err
			}
			if fnErr := resp.Header.Get("X-Amz-Function-Error"); fnErr != "" {
				fmt.Fprintf(os.Stderr, "Function error (%s):\n", fnErr)
				printJSON(out)
				os.Exit(1)
			}
			if resp.StatusCode >= 400 {
				return fmt.Errorf("invoke failed: %s: %s", resp.Status, out)
			}
			return printJSON(out)
		},
	}

	cmd.Flags().StringVarP(&payload, "payload", "p", "", "JSON payload")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Read payload from file")
	cmd.Flags().StringVar(&qualifier, "qualifier", "", "Version alias to invoke")
	return cmd
}

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron schedules",
	}

	var (
		cronExpr string
		input    string
	)
	create := &cobra.Command{
		Use:   "create <function>",
		Short: "Schedule a function on a cron expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{
				"function_name": args[0],
				"cron_expr":     cronExpr,
			}
			if input != "" {
				body["input"] = json.RawMessage(input)
			}
			var out map[string]any
			if err := apiCall("POST", "/api/schedules", body, &out); err != nil {
				return err
			}
			fmt.Printf("Schedule %v created for %s (%s)\n", out["id"], args[0], cronExpr)
			return nil
		},
	}
	create.Flags().StringVar(&cronExpr, "cron", "", "Cron expression (e.g. \"*/5 * * * *\")")
	create.Flags().StringVar(&input, "input", "", "JSON input for each firing")
	create.MarkFlagRequired("cron")

	list := &cobra.Command{
		Use:   "list",
		Short: "List schedules",
		RunE: func(cmd *cobra.Command, args []string) error {
			var out json.RawMessage
			if err := apiCall("GET", "/api/schedules", nil, &out); err != nil {
				return err
			}
			return printJSON(out)
		},
	}

	del := &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a schedule",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return apiCall("DELETE", "/api/schedules/"+args[0], nil, nil)
		},
	}

	cmd.AddCommand(create, list, del)
	return cmd
}
