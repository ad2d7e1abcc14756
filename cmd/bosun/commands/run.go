package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/bosun-dev/bosun/internal/common/config"
)

var stopCmd = &cobra.Command{
	Use:   "stop <runId>",
	Short: "Cancel a running workflow",
	Long: `Stop cancels the run on the bosun server: pending approvals settle with a
cancellation, in-flight commands receive terminate then kill, and partial
work stays on disk for a later resume.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := callAPI(http.MethodDelete, "/api/tasks/"+args[0], nil)
		if err != nil {
			return err
		}
		fmt.Printf("run %s cancelled\n", args[0])
		_ = body
		return nil
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume <runId>",
	Short: "Resume a stopped workflow from its persisted phase",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		body, err := callAPI(http.MethodPost, "/api/tasks/"+args[0]+"/resume", nil)
		if err != nil {
			return err
		}
		var resp struct {
			Data struct {
				RunID string `json:"runId"`
			} `json:"data"`
		}
		if err := json.Unmarshal(body, &resp); err == nil && resp.Data.RunID != "" {
			fmt.Printf("resumed as run %s\n", resp.Data.RunID)
		}
		return nil
	},
}

// callAPI hits the control API of a running bosun server. Live runs exist
// only inside the server process, so stop/resume go over HTTP.
func callAPI(method, path string, payload any) ([]byte, error) {
	cfg, err := config.LoadWithPath(configPath)
	if err != nil {
		return nil, loadError(err)
	}

	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, executionError(err)
		}
		body = bytes.NewReader(data)
	}

	url := fmt.Sprintf("http://%s:%d%s", cfg.Server.Host, cfg.Server.Port, path)
	req, err := http.NewRequest(method, url, body)
	if err != nil {
		return nil, executionError(err)
	}
	req.Header.Set("Content-Type", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return nil, executionError(fmt.Errorf("is the bosun server running? %w", err))
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, executionError(err)
	}
	if resp.StatusCode >= 400 {
		var envelope struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(data, &envelope) == nil && envelope.Error != "" {
			return nil, executionError(fmt.Errorf("%s", envelope.Error))
		}
		return nil, executionError(fmt.Errorf("server returned %d", resp.StatusCode))
	}
	return data, nil
}

func init() {
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(resumeCmd)
}
