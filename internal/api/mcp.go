package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/marginalia/internal/annotation"
	"github.com/kalambet/marginalia/internal/lifecycle"
)

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Sessions *lifecycle.Registry
	Version  string
}

// NewMCPServer creates an MCP server exposing the annotation lifecycle as
// assistant tools.
func NewMCPServer(deps MCPDeps) *server.MCPServer {
	version := deps.Version
	if version == "" {
		version = "dev"
	}
	s := server.NewMCPServer(
		"marginalia",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("marginalia: propose highlights and notes on library PDFs, then apply, delete or re-add them."),
		server.WithRecovery(),
	)

	threadArg := mcp.WithString("thread_id", mcp.Description("Conversation thread id"), mcp.Required())
	toolCallArg := mcp.WithString("toolcall_id", mcp.Description("Tool call that proposed the annotations"), mcp.Required())

	s.AddTool(
		mcp.NewTool("propose_annotation",
			mcp.WithDescription("Stream one proposed annotation into a tool call. It is stored as pending until applied."),
			threadArg, toolCallArg,
			mcp.WithString("annotation", mcp.Description("Annotation JSON: id, annotation_type, library_id, attachment_key, location, and optional title, comment, color"), mcp.Required()),
		),
		mcpProposeAnnotation(deps),
	)

	s.AddTool(
		mcp.NewTool("complete_tool_call",
			mcp.WithDescription("Mark a tool call finished so its proposals can be applied."),
			threadArg, toolCallArg,
		),
		mcpCompleteToolCall(deps),
	)

	s.AddTool(
		mcp.NewTool("list_annotations",
			mcp.WithDescription("List the annotations of a tool call with their status."),
			threadArg, toolCallArg,
		),
		mcpListAnnotations(deps),
	)

	s.AddTool(
		mcp.NewTool("apply_annotations",
			mcp.WithDescription("Create the tool call's annotations in the library. Pass annotation_id to apply just one."),
			threadArg, toolCallArg,
			mcp.WithString("annotation_id", mcp.Description("Optional single annotation to apply")),
		),
		mcpApplyAnnotations(deps),
	)

	s.AddTool(
		mcp.NewTool("delete_annotation",
			mcp.WithDescription("Delete an annotation, removing it from the library if it was applied."),
			threadArg, toolCallArg,
			mcp.WithString("annotation_id", mcp.Description("Annotation to delete"), mcp.Required()),
		),
		mcpDeleteAnnotation(deps),
	)

	s.AddTool(
		mcp.NewTool("readd_annotation",
			mcp.WithDescription("Apply a deleted or failed annotation again."),
			threadArg, toolCallArg,
			mcp.WithString("annotation_id", mcp.Description("Annotation to re-add"), mcp.Required()),
		),
		mcpReAddAnnotation(deps),
	)

	s.AddTool(
		mcp.NewTool("reconcile_annotations",
			mcp.WithDescription("Check applied annotations against the library and mark the ones removed there as deleted."),
			threadArg, toolCallArg,
		),
		mcpReconcile(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"marginalia://threads",
			"Open Threads",
			mcp.WithResourceDescription("Threads with an open annotation session"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceThreads(deps),
	)

	return s
}

// mcpSession resolves the thread_id and toolcall_id arguments.
func mcpSession(deps MCPDeps, req mcp.CallToolRequest) (*lifecycle.Session, string, *mcp.CallToolResult) {
	thread, err := req.RequireString("thread_id")
	if err != nil {
		return nil, "", mcpError("thread_id is required")
	}
	tc, err := req.RequireString("toolcall_id")
	if err != nil {
		return nil, "", mcpError("toolcall_id is required")
	}
	s, err := deps.Sessions.Open(thread)
	if err != nil {
		return nil, "", mcpError(fmt.Sprintf("failed to open thread: %v", err))
	}
	return s, tc, nil
}

func mcpProposeAnnotation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, tc, res := mcpSession(deps, req)
		if res != nil {
			return res, nil
		}
		raw, err := req.RequireString("annotation")
		if err != nil {
			return mcpError("annotation is required"), nil
		}

		var a annotation.ToolAnnotation
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return mcpError(fmt.Sprintf("invalid annotation JSON: %v", err)), nil
		}
		if err := s.HandleStreamEvent(ctx, annotation.StreamEvent{ToolCallID: tc, Annotation: a}); err != nil {
			return mcpError(fmt.Sprintf("proposal rejected: %v", err)), nil
		}
		return mcpText(fmt.Sprintf("Proposed %s (pending)", a.ID)), nil
	}
}

func mcpCompleteToolCall(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, tc, res := mcpSession(deps, req)
		if res != nil {
			return res, nil
		}
		if err := s.CompleteToolCall(ctx, tc); err != nil {
			return mcpError(fmt.Sprintf("complete failed: %v", err)), nil
		}
		return mcpJSON(annotationsOf(s, tc))
	}
}

func mcpListAnnotations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, tc, res := mcpSession(deps, req)
		if res != nil {
			return res, nil
		}
		recs, err := s.GetAnnotations(tc)
		if errors.Is(err, annotation.ErrNotFound) {
			return mcpText("[]"), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("list failed: %v", err)), nil
		}
		return mcpJSON(recs)
	}
}

func mcpApplyAnnotations(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, tc, res := mcpSession(deps, req)
		if res != nil {
			return res, nil
		}
		result, err := s.ApplyOne(ctx, tc, req.GetString("annotation_id", ""))
		if err != nil {
			return mcpError(fmt.Sprintf("apply failed: %v", err)), nil
		}
		return mcpJSON(ApplyResponse{Result: result, Annotations: annotationsOf(s, tc)})
	}
}

func mcpDeleteAnnotation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, tc, res := mcpSession(deps, req)
		if res != nil {
			return res, nil
		}
		id, err := req.RequireString("annotation_id")
		if err != nil {
			return mcpError("annotation_id is required"), nil
		}
		rec, err := s.DeleteOne(ctx, tc, id)
		if err != nil {
			return mcpError(fmt.Sprintf("delete failed: %v", err)), nil
		}
		return mcpJSON(rec)
	}
}

func mcpReAddAnnotation(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, tc, res := mcpSession(deps, req)
		if res != nil {
			return res, nil
		}
		id, err := req.RequireString("annotation_id")
		if err != nil {
			return mcpError("annotation_id is required"), nil
		}
		result, err := s.ReAddOne(ctx, tc, id)
		if err != nil {
			return mcpError(fmt.Sprintf("re-add failed: %v", err)), nil
		}
		return mcpJSON(ApplyResponse{Result: result, Annotations: annotationsOf(s, tc)})
	}
}

func mcpReconcile(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		s, tc, res := mcpSession(deps, req)
		if res != nil {
			return res, nil
		}
		result, err := s.ReconcileNow(ctx, tc)
		if err != nil {
			return mcpError(fmt.Sprintf("reconcile failed: %v", err)), nil
		}
		return mcpJSON(result)
	}
}

func mcpResourceThreads(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		b, err := json.Marshal(deps.Sessions.Threads())
		if err != nil {
			return nil, fmt.Errorf("failed to marshal threads: %w", err)
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
