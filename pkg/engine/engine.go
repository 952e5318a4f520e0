// Package engine adapts an MCP tool server to the transport's
// per-session protocol engine. Each session gets its own server
// instance carrying the session-scoped tool closures.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/txn2/mcp-markdownify/pkg/convert"
	"github.com/txn2/mcp-markdownify/pkg/progress"
	"github.com/txn2/mcp-markdownify/pkg/tasks"
	"github.com/txn2/mcp-markdownify/pkg/transcribe"
	"github.com/txn2/mcp-markdownify/pkg/transport"
)

// Server identity constants.
const (
	ServerName    = "mcp-markdownify"
	ServerVersion = "1.0.0"
)

// MCP tool parameter key constants — shared between schema definitions and
// argument extraction so a typo in one place is caught by the other.
const (
	argURI      = "uri"
	argFilePath = "file_path"
	argLanguage = "language"
	argTaskID   = "task_id"
)

// Deps holds the shared components the per-session engines close over.
type Deps struct {
	Converter   *convert.Converter
	Transcriber *transcribe.Engine
	Tasks       *tasks.Manager
	Streams     *progress.Manager
	Logger      *slog.Logger
}

// NewFactory returns a factory building one engine per session.
func NewFactory(deps Deps) transport.EngineFactory {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return func(sessionID string) transport.Engine {
		s := server.NewMCPServer(ServerName, ServerVersion)
		registerTools(s, sessionID, deps)
		return &mcpEngine{srv: s, logger: deps.Logger}
	}
}

type mcpEngine struct {
	srv    *server.MCPServer
	logger *slog.Logger
}

// Handle dispatches one JSON-RPC message. Notifications return nil.
func (e *mcpEngine) Handle(ctx context.Context, msg json.RawMessage) json.RawMessage {
	resp := e.srv.HandleMessage(ctx, msg)
	if resp == nil {
		return nil
	}
	out, err := json.Marshal(resp)
	if err != nil {
		e.logger.Error("engine: marshal response", "error", err)
		return nil
	}
	return out
}

// registerTools binds the tool definitions to their session-scoped handlers.
func registerTools(s *server.MCPServer, sessionID string, deps Deps) {
	// convert_to_markdown — convert a file path or URL to Markdown
	s.AddTool(
		mcp.NewTool("convert_to_markdown",
			mcp.WithDescription("Convert a file or URL to Markdown. "+
				"Pass an absolute file path (e.g. /path/to/doc.pdf) or an http:// / https:// URL. "+
				"Supported formats: HTML, HTM, CSV, JSON, XML, TXT, MD, XLSX, XLS, PDF."),
			mcp.WithString(argURI,
				mcp.Required(),
				mcp.Description("Absolute file path or http/https URL to convert"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			input, ok := req.Params.Arguments[argURI].(string)
			if !ok || input == "" {
				return mcp.NewToolResultError(argURI + " is required"), nil
			}
			var result string
			var err error
			if strings.HasPrefix(input, "http://") || strings.HasPrefix(input, "https://") || strings.HasPrefix(input, "file://") {
				result, err = deps.Converter.ConvertURI(ctx, input)
			} else {
				result, err = deps.Converter.ConvertFile(ctx, input)
			}
			if err != nil {
				return mcp.NewToolResultError(err.Error()), nil
			}
			return mcp.NewToolResultText(result), nil
		},
	)

	// get_conversion_info — list formats and limits
	s.AddTool(
		mcp.NewTool("get_conversion_info",
			mcp.WithDescription("Return supported file formats and conversion limits."),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			return mcp.NewToolResultText(deps.Converter.Info()), nil
		},
	)

	// transcribe_audio — long-running, returns a task id immediately
	s.AddTool(
		mcp.NewTool("transcribe_audio",
			mcp.WithDescription("Transcribe an audio file to Markdown. Returns a task id immediately; "+
				"progress streams over the session's event stream and the task's audio progress endpoint."),
			mcp.WithString(argFilePath,
				mcp.Required(),
				mcp.Description("Absolute path to the audio file"),
			),
			mcp.WithString(argLanguage,
				mcp.Description("Language hint, e.g. \"en\""),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			filePath, ok := req.Params.Arguments[argFilePath].(string)
			if !ok || filePath == "" {
				return mcp.NewToolResultError(argFilePath + " is required"), nil
			}
			if deps.Transcriber == nil || !deps.Transcriber.Enabled() {
				return mcp.NewToolResultError("audio transcription is not configured on this server"), nil
			}
			language, _ := req.Params.Arguments[argLanguage].(string)

			// The stream must subscribe before work starts, or the first
			// progress reports never reach the event log.
			task := deps.Tasks.Register()
			deps.Streams.StreamTask(context.Background(), sessionID, deps.Tasks, task.ID)
			deps.Tasks.Start(task.ID, func(ctx context.Context, report func(float64, string)) (string, error) {
				return deps.Transcriber.Transcribe(ctx, filePath, language, report)
			})

			return taskResult(task)
		},
	)

	// get_task_status — poll a long-running task
	s.AddTool(
		mcp.NewTool("get_task_status",
			mcp.WithDescription("Return the current status, progress, and result of a transcription task."),
			mcp.WithString(argTaskID,
				mcp.Required(),
				mcp.Description("Task id returned by transcribe_audio"),
			),
		),
		func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
			taskID, ok := req.Params.Arguments[argTaskID].(string)
			if !ok || taskID == "" {
				return mcp.NewToolResultError(argTaskID + " is required"), nil
			}
			task, found := deps.Tasks.Get(taskID)
			if !found {
				return mcp.NewToolResultError(fmt.Sprintf("unknown task: %s", taskID)), nil
			}
			return taskResult(task)
		},
	)
}

// taskResult serializes a task snapshot as the tool result payload.
func taskResult(task tasks.Task) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(task)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(string(payload)), nil
}
