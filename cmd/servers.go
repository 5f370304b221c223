package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/toolgate/toolgate/client"
)

const GatewayURLEnvVar = "TOOLGATE_URL"

var serversCmdGatewayURL string

var serversCmd = &cobra.Command{
	Use:   "servers",
	Short: "List the backend MCP servers registered in a running gateway",
	RunE:  runListServers,
}

func init() {
	serversCmd.Flags().StringVar(
		&serversCmdGatewayURL,
		"gateway",
		"",
		fmt.Sprintf("gateway base URL (overrides env var %s, default http://localhost:8001)", GatewayURLEnvVar),
	)
	rootCmd.AddCommand(serversCmd)
}

func gatewayURL() string {
	if serversCmdGatewayURL != "" {
		return serversCmdGatewayURL
	}
	if fromEnv := os.Getenv(GatewayURLEnvVar); fromEnv != "" {
		return fromEnv
	}
	return "http://localhost:8001"
}

func runListServers(cmd *cobra.Command, args []string) error {
	apiClient := client.NewClient(gatewayURL(), nil)

	statuses, err := apiClient.ListServers()
	if err != nil {
		return fmt.Errorf("failed to list servers: %w", err)
	}
	if len(statuses) == 0 {
		cmd.Println("No backend servers are registered.")
		return nil
	}

	for _, st := range statuses {
		state := "disconnected"
		if st.Connected {
			state = "connected"
		}
		cmd.Printf("%s  %s  health=%s  tools=%d\n", st.Name, state, st.HealthStatus, st.ToolCount)
		if st.ErrorMessage != "" {
			cmd.Printf("  last error: %s\n", st.ErrorMessage)
		}
	}
	return nil
}
