package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/zeketx/limitguard/internal/config"
)

// Admin commands talk to a running server over its HTTP API, so operators
// act on the same shared state every instance sees.

func newUsageCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:   "usage <identifier>",
		Short: "Show an identifier's windows, block and violation state",
		Args:  cobra.ExactArgs(1),
		Example: `  limitguard usage user-123
  limitguard usage 203.0.113.7 --server http://limitguard.internal:8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminGet(serverURL + "/api/usage/" + url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			return printIndented(body)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the limitguard server")
	return cmd
}

func newUnblockCmd() *cobra.Command {
	var serverURL string

	cmd := &cobra.Command{
		Use:     "unblock <identifier>",
		Short:   "Lift a quarantine for an identifier",
		Args:    cobra.ExactArgs(1),
		Example: `  limitguard unblock user-123`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminPost(serverURL + "/api/unblock/" + url.PathEscape(args[0]))
			if err != nil {
				return err
			}
			return printIndented(body)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the limitguard server")
	return cmd
}

func newResetCmd() *cobra.Command {
	var (
		serverURL string
		endpoint  string
	)

	cmd := &cobra.Command{
		Use:     "reset <identifier>",
		Short:   "Clear an identifier's counter window for one endpoint",
		Args:    cobra.ExactArgs(1),
		Example: `  limitguard reset user-123 --endpoint api.search`,
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := adminPost(serverURL + "/api/reset/" + url.PathEscape(args[0]) + "?endpoint=" + url.QueryEscape(endpoint))
			if err != nil {
				return err
			}
			return printIndented(body)
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "http://localhost:8080", "base URL of the limitguard server")
	cmd.Flags().StringVar(&endpoint, "endpoint", "", "endpoint whose window to clear")
	cmd.MarkFlagRequired("endpoint")
	return cmd
}

func newInitConfigCmd() *cobra.Command {
	var output string

	cmd := &cobra.Command{
		Use:     "init-config",
		Short:   "Write an example YAML config file",
		Example: `  limitguard init-config --output limitguard.yaml`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := config.WriteExample(output); err != nil {
				return err
			}
			fmt.Printf("Wrote example config to %s\n", output)
			return nil
		},
	}

	cmd.Flags().StringVar(&output, "output", "limitguard.yaml", "output file path")
	return cmd
}

var adminClient = &http.Client{Timeout: 10 * time.Second}

func adminGet(u string) ([]byte, error) {
	resp, err := adminClient.Get(u)
	if err != nil {
		return nil, err
	}
	return readAdminResponse(resp)
}

func adminPost(u string) ([]byte, error) {
	resp, err := adminClient.Post(u, "application/json", nil)
	if err != nil {
		return nil, err
	}
	return readAdminResponse(resp)
}

func readAdminResponse(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("server returned %s: %s", resp.Status, body)
	}
	return body, nil
}

func printIndented(body []byte) error {
	var v any
	if err := json.Unmarshal(body, &v); err != nil {
		// Not JSON, print as-is.
		fmt.Println(string(body))
		return nil
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
