// Command pldmfwctl is a companion CLI for pldm-fwupd: it polls the HTTP
// activation surface and renders package/activation status as a table.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gosuri/uitable"
	"github.com/spf13/cobra"
)

var baseURL string

func main() {
	root := &cobra.Command{
		Use:   "pldmfwctl",
		Short: "Inspect and drive a pldm-fwupd agent's activation surface",
	}
	root.PersistentFlags().StringVar(&baseURL, "addr", "http://127.0.0.1:8443", "Base URL of the pldm-fwupd HTTP activation surface")

	root.AddCommand(statusCmd(), activateCmd(), watchCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type activationResponse struct {
	Activation string `json:"activation"`
	Progress   int    `json:"progress"`
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the current activation state and progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := fetchStatus()
			if err != nil {
				return err
			}
			printStatus(resp)
			return nil
		},
	}
}

func activateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "activate",
		Short: "Request activation of the currently staged package",
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := json.Marshal(map[string]string{"requestedActivation": "Active"})
			if err != nil {
				return err
			}
			req, err := http.NewRequest(http.MethodPut, baseURL+"/v1/activation/requested", bytes.NewReader(body))
			if err != nil {
				return err
			}
			resp, err := http.DefaultClient.Do(req)
			if err != nil {
				return err
			}
			defer resp.Body.Close()
			if resp.StatusCode >= 300 {
				return fmt.Errorf("activate: unexpected status %s", resp.Status)
			}
			fmt.Println("activation requested")
			return nil
		},
	}
}

func watchCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Poll status on an interval until the activation reaches a terminal state",
		RunE: func(cmd *cobra.Command, args []string) error {
			for {
				resp, err := fetchStatus()
				if err != nil {
					return err
				}
				printStatus(resp)
				if resp.Activation == "Active" || resp.Activation == "Failed" || resp.Activation == "Invalid" {
					return nil
				}
				time.Sleep(interval)
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 2*time.Second, "Polling interval")
	return cmd
}

func fetchStatus() (*activationResponse, error) {
	resp, err := http.Get(baseURL + "/v1/activation")
	if err != nil {
		return nil, fmt.Errorf("fetching activation status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching activation status: unexpected status %s", resp.Status)
	}
	var out activationResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding activation status: %w", err)
	}
	return &out, nil
}

func printStatus(resp *activationResponse) {
	table := uitable.New()
	table.MaxColWidth = 50
	table.AddRow("ACTIVATION", "PROGRESS")
	table.AddRow(resp.Activation, fmt.Sprintf("%d%%", resp.Progress))
	fmt.Println(table)
}
