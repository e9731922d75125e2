package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	stormmcp "github.com/stormguard/stormguard/internal/mcp"
)

var (
	mcpPolicy string
	mcpDB     string
	mcpDemo   bool
	mcpRegion string
	mcpModel  string
)

func init() {
	rootCmd.AddCommand(mcpCmd)
	mcpCmd.Flags().StringVar(&mcpPolicy, "policy", "", "Path to policy YAML")
	mcpCmd.Flags().StringVar(&mcpDB, "db", "", "Path to run database")
	mcpCmd.Flags().BoolVar(&mcpDemo, "demo", false, "Use the deterministic rule reasoner instead of Bedrock")
	mcpCmd.Flags().StringVar(&mcpRegion, "region", "us-east-1", "AWS region for Bedrock")
	mcpCmd.Flags().StringVar(&mcpModel, "model", "", "Bedrock model ID override")
}

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Start MCP tool server for agent integration",
	Long:  "Runs stormguard as an MCP (Model Context Protocol) server over stdio.\nExposes tools: trigger, status, pending, approve, reject.",
	RunE:  runMCPServer,
}

func runMCPServer(cmd *cobra.Command, args []string) error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	srv, err := stormmcp.New(ctx, stormmcp.Config{
		PolicyPath: mcpPolicy,
		RunDBPath:  mcpDB,
		Demo:       mcpDemo,
		Region:     mcpRegion,
		ModelID:    mcpModel,
	}, logger)
	if err != nil {
		return fmt.Errorf("failed to create MCP server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigCh
		fmt.Fprintln(os.Stderr, "\nShutting down MCP server...")
		cancel()
	}()

	fmt.Fprintln(os.Stderr, "stormguard MCP server running on stdio")
	if mcpDemo {
		fmt.Fprintln(os.Stderr, "Reasoner: deterministic rules (demo mode)")
	}
	fmt.Fprintln(os.Stderr)

	return srv.Run(ctx)
}
