// Package mcp exposes the pipeline as MCP tools over stdio, so an agent
// host can trigger runs and work the approval queue without the HTTP API.
package mcp

import (
	"context"
	"fmt"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"go.uber.org/zap"

	"github.com/stormguard/stormguard/internal/approval"
	"github.com/stormguard/stormguard/internal/audit"
	"github.com/stormguard/stormguard/internal/pipeline"
	"github.com/stormguard/stormguard/internal/policy"
	"github.com/stormguard/stormguard/internal/reason"
	"github.com/stormguard/stormguard/internal/store"
)

// Config holds MCP server configuration.
type Config struct {
	PolicyPath   string
	RunDBPath    string
	ApprovalsDir string
	AuditDir     string
	// Demo substitutes the deterministic rule reasoner for the hosted model.
	Demo    bool
	Region  string
	ModelID string
}

// Server wraps the MCP SDK server around an in-process orchestrator.
type Server struct {
	mcpServer *mcpsdk.Server
	orch      *pipeline.Orchestrator
	approvals *approval.Store
	runs      *store.Store
}

// New creates an MCP server with its own orchestrator and stores.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Server, error) {
	policyCfg, policyHash, err := policy.LoadConfigWithHash(cfg.PolicyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load policy config: %w", err)
	}

	if cfg.RunDBPath == "" {
		cfg.RunDBPath = store.DefaultPath()
	}
	runs, err := store.Open(cfg.RunDBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open run store: %w", err)
	}

	if cfg.ApprovalsDir == "" {
		cfg.ApprovalsDir = approval.DefaultDir()
	}
	approvals, err := approval.NewStore(cfg.ApprovalsDir)
	if err != nil {
		runs.Close()
		return nil, fmt.Errorf("failed to create approval store: %w", err)
	}

	if cfg.AuditDir == "" {
		cfg.AuditDir = audit.DefaultDir()
	}
	auditLog, err := audit.Open(cfg.AuditDir)
	if err != nil {
		runs.Close()
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}

	var reasoner reason.Reasoner
	if cfg.Demo {
		reasoner = reason.NewRules()
	} else {
		reasoner, err = reason.NewBedrock(ctx, cfg.Region, cfg.ModelID)
		if err != nil {
			runs.Close()
			return nil, fmt.Errorf("failed to create reasoner: %w", err)
		}
	}

	orch := pipeline.New(pipeline.Options{
		Runs:       runs,
		Approvals:  approvals,
		Audit:      auditLog,
		Reasoner:   reasoner,
		Logger:     logger,
		Config:     policyCfg,
		PolicyHash: policyHash,
	})
	if _, err := orch.Recover(ctx); err != nil {
		runs.Close()
		return nil, fmt.Errorf("failed to recover interrupted runs: %w", err)
	}

	s := &Server{
		orch:      orch,
		approvals: approvals,
		runs:      runs,
	}

	s.mcpServer = mcpsdk.NewServer(
		&mcpsdk.Implementation{
			Name:    "stormguard",
			Version: "0.1.0",
		},
		nil,
	)

	s.registerTools()
	return s, nil
}

// Run starts the MCP server on stdio transport. Blocks until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	defer s.runs.Close()
	return s.mcpServer.Run(ctx, &mcpsdk.StdioTransport{})
}

// registerTools adds all stormguard tools to the MCP server.
func (s *Server) registerTools() {
	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "stormguard_trigger",
		Description: "Trigger a supply-chain response pipeline for a disruption event. Returns the run ID.",
	}, s.handleTrigger)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "stormguard_status",
		Description: "Get the current status of a pipeline run, including stage results and the executive summary.",
	}, s.handleStatus)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "stormguard_pending",
		Description: "List approval requests awaiting a human decision.",
	}, s.handlePending)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "stormguard_approve",
		Description: "Approve a suspended run's pending action. The pipeline resumes from the next stage.",
	}, s.handleApprove)

	mcpsdk.AddTool(s.mcpServer, &mcpsdk.Tool{
		Name:        "stormguard_reject",
		Description: "Reject a suspended run's pending action. The run fails and recorded actions are voided.",
	}, s.handleReject)
}
