package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/vinodismyname/sheetforge/config"
	"github.com/vinodismyname/sheetforge/internal/appstate"
	"github.com/vinodismyname/sheetforge/internal/telemetry"
	"github.com/vinodismyname/sheetforge/pkg/version"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var configPath string
	flag.StringVar(&configPath, "config", "", "Path to a YAML/JSON config file (overridden by MCPXCEL_* env vars)")
	flag.Parse()

	logger := zlog.With().Str("service", "sheetforge").Logger()
	ctx := logger.WithContext(context.Background())

	cfg, err := config.Load(configPath)
	if err != nil {
		logger.Error().Err(err).Msg("config: failed to load")
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		logger.Error().Err(err).Msg("config: invalid configuration")
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	app, err := appstate.New(cfg)
	if err != nil {
		logger.Error().Err(err).Msg("appstate: failed to initialize")
		fmt.Fprintf(os.Stderr, "appstate: %v\n", err)
		os.Exit(1)
	}
	defer app.Shutdown()

	combinedMW := func(next server.ToolHandlerFunc) server.ToolHandlerFunc {
		return app.EnvelopeMW.ToolMiddleware(app.RuntimeMW.ToolMiddleware(next))
	}

	srv := server.NewMCPServer(
		"sheetforge",
		version.Version(),
		server.WithToolCapabilities(true),
		server.WithRecovery(),
		server.WithHooks(buildHooks(logger)),
		server.WithToolHandlerMiddleware(combinedMW),
		server.WithToolFilter(func(ctx context.Context, tools []mcp.Tool) []mcp.Tool {
			return app.ToolFilter.FilterTools(ctx, tools)
		}),
	)

	app.RegisterTools(srv)

	toolContextSize := app.Tools.ModelContextSize("gpt-4o")

	logger.Info().
		Ctx(ctx).
		Str("version", version.Version()).
		Str("workspace_root", cfg.WorkspaceRoot).
		Str("transport", string(cfg.Transport)).
		Int("max_concurrent_requests", app.Limits.MaxConcurrentRequests).
		Int("max_open_workbooks", app.Limits.MaxOpenWorkbooks).
		Int("max_forks", app.Limits.MaxForks).
		Int("model_context_size", toolContextSize).
		Bool("recalc_enabled", cfg.RecalcEnabled).
		Msg("server bootstrap configured")

	switch cfg.Transport {
	case config.TransportHTTP:
		httpSrv := server.NewStreamableHTTPServer(srv)
		logger.Info().Str("bind", cfg.HTTPBind).Msg("serving over streamable http")
		if err := httpSrv.Start(cfg.HTTPBind); err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	default:
		if err := server.ServeStdio(srv); err != nil {
			fmt.Fprintf(os.Stderr, "server error: %v\n", err)
			os.Exit(1)
		}
	}
}

// buildHooks constructs mcp-go server hooks, delegating the actual logging
// to telemetry.Hooks so session/tool-call observability lives in one place.
func buildHooks(logger zerolog.Logger) *server.Hooks {
	th := telemetry.NewHooks(logger)
	hooks := &server.Hooks{}

	hooks.AddOnRegisterSession(func(ctx context.Context, session server.ClientSession) {
		th.OnSessionStart(session.SessionID())
	})

	hooks.AddOnUnregisterSession(func(ctx context.Context, session server.ClientSession) {
		th.OnSessionEnd(session.SessionID())
	})

	hooks.AddAfterListTools(func(ctx context.Context, id any, req *mcp.ListToolsRequest, res *mcp.ListToolsResult) {
		logger.Info().Int("tools", len(res.Tools)).Msg("list_tools served")
	})

	hooks.AddAfterCallTool(func(ctx context.Context, id any, req *mcp.CallToolRequest, res *mcp.CallToolResult) {
		th.OnToolCall("", req.Params.Name, 0, nil)
	})

	hooks.AddOnError(func(ctx context.Context, id any, method mcp.MCPMethod, message any, err error) {
		logger.Error().Str("method", string(method)).Err(err).Msg("request error")
	})

	return hooks
}
