// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes galaxy macros, assets and scenes as tools over stdio.
package mcpserver

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/starford/galaxy/internal/dispatch"
	"github.com/starford/galaxy/internal/models"
)

const (
	contractURI    = "galaxy://macro-contract"
	defaultTimeout = 2 * time.Minute
)

// RunFunc executes a task and waits for its envelope.
type RunFunc func(ctx context.Context, task models.ExecutionTask) (models.Envelope, error)

// MacroCatalog lists registered macros.
type MacroCatalog interface {
	Definitions() []models.MacroDefinition
}

// FileTable is the in-memory table behind file serving.
type FileTable interface {
	Get(p string) ([]byte, error)
	Put(key string, data []byte)
	Store(text, ext string) string
	Keys() []string
}

// SceneLister lists saved scenes.
type SceneLister interface {
	List(ctx context.Context) ([]models.Scene, error)
}

// Deps are the services exposed as tools. Nil members disable their tools.
type Deps struct {
	Macros  MacroCatalog
	Run     RunFunc
	Files   FileTable
	Scenes  SceneLister
	Timeout time.Duration
	HTTP    *http.Client
}

// Server wraps the MCP server with galaxy tools.
type Server struct {
	mcp  *server.MCPServer
	d    Deps
	http *http.Client
}

// New creates a new MCP server with all galaxy tools registered.
func New(d Deps) *Server {
	if d.Timeout <= 0 {
		d.Timeout = defaultTimeout
	}
	s := &Server{d: d, http: d.HTTP}
	if s.http == nil {
		s.http = newUploadClient()
	}

	s.mcp = server.NewMCPServer(
		"Galaxy",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(false, false),
	)

	s.mcp.AddTool(mcp.NewTool("list_macros",
		mcp.WithDescription("List the registered macros with their kind and origin."),
	), s.listMacros)

	s.mcp.AddTool(mcp.NewTool("run_macro",
		mcp.WithDescription("Run a macro by label, or inline macro code, and return its "+
			`result envelope {"success":true,"data":...} or {"success":false,"error":"..."}. `+
			"Inline code must follow the macro contract (get_macro_contract tool or "+
			contractURI+" resource)."),
		mcp.WithString("label", mcp.Description("Registered macro label, e.g. aga.ts or aga")),
		mcp.WithString("code", mcp.Description("Inline macro source with exactly one top-level function")),
		mcp.WithString("input", mcp.Description("JSON input passed to the macro as `input`")),
	), s.runMacro)

	s.mcp.AddTool(mcp.NewTool("get_macro_contract",
		mcp.WithDescription("Returns the macro contract. Call this before writing inline macro code."),
	), s.getMacroContract)

	s.mcp.AddTool(mcp.NewTool("store_content",
		mcp.WithDescription("Store text in the file table under its content address and return the key."),
		mcp.WithString("text", mcp.Required(), mcp.Description("Content to store")),
		mcp.WithString("ext", mcp.Required(), mcp.Description("File extension, e.g. md or json")),
	), s.storeContent)

	s.mcp.AddTool(mcp.NewTool("read_asset",
		mcp.WithDescription("Read a served file by path. Text is returned as is, images as image content."),
		mcp.WithString("path", mcp.Required(), mcp.Description("Request path or file name, e.g. /public/logo.png")),
	), s.readAsset)

	s.mcp.AddTool(mcp.NewTool("list_assets",
		mcp.WithDescription("List the keys of all served files."),
	), s.listAssets)

	s.mcp.AddTool(mcp.NewTool("upload_asset",
		mcp.WithDescription("Add an image to the file table from an http(s) URL or a base64 data URI. "+
			"Content is checked against the file extension."),
		mcp.WithString("url", mcp.Required(), mcp.Description("http(s) URL or data:<mime>;base64,<data> URI")),
		mcp.WithString("filename", mcp.Description("Optional file name; derived from the URL when empty")),
	), s.uploadAsset)

	s.mcp.AddTool(mcp.NewTool("list_scenes",
		mcp.WithDescription("List saved scenes, most recent first."),
	), s.listScenes)

	s.mcp.AddResource(
		mcp.NewResource(contractURI, "Macro Contract",
			mcp.WithResourceDescription("How macros are written and which capabilities they receive."),
			mcp.WithMIMEType("text/markdown"),
		),
		s.readContractResource,
	)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) listMacros(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.d.Macros == nil {
		return mcp.NewToolResultError("macros unavailable"), nil
	}
	defs := s.d.Macros.Definitions()
	if len(defs) == 0 {
		return mcp.NewToolResultText("no macros registered"), nil
	}
	out, _ := json.MarshalIndent(defs, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) runMacro(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.d.Run == nil {
		return mcp.NewToolResultError("macro execution unavailable"), nil
	}
	task := models.ExecutionTask{
		Label: req.GetString("label", ""),
		Code:  req.GetString("code", ""),
	}
	if task.Label == "" && task.Code == "" {
		return mcp.NewToolResultError("label or code is required"), nil
	}
	if raw := strings.TrimSpace(req.GetString("input", "")); raw != "" {
		if !json.Valid([]byte(raw)) {
			return mcp.NewToolResultError("input must be valid JSON"), nil
		}
		task.Input = json.RawMessage(raw)
	}

	ctx, cancel := context.WithTimeout(ctx, s.d.Timeout)
	defer cancel()
	env, err := s.d.Run(ctx, task)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	payload, err := dispatch.EncodeEnvelope(env)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if !env.Success {
		return mcp.NewToolResultError(payload), nil
	}
	return mcp.NewToolResultText(payload), nil
}

func (s *Server) getMacroContract(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return mcp.NewToolResultText(MacroContract), nil
}

func (s *Server) readContractResource(_ context.Context, _ mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      contractURI,
			MIMEType: "text/markdown",
			Text:     MacroContract,
		},
	}, nil
}

func (s *Server) storeContent(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.d.Files == nil {
		return mcp.NewToolResultError("file table unavailable"), nil
	}
	text, err := req.RequireString("text")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	ext, err := req.RequireString("ext")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(s.d.Files.Store(text, ext)), nil
}

func (s *Server) readAsset(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.d.Files == nil {
		return mcp.NewToolResultError("file table unavailable"), nil
	}
	p, err := req.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, err := s.d.Files.Get(p)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("not found: %s", p)), nil
	}

	ctype := mime.TypeByExtension(path.Ext(p))
	if ctype == "" {
		ctype = http.DetectContentType(data)
	}
	if strings.HasPrefix(ctype, "image/") && !strings.HasPrefix(ctype, "image/svg") {
		return mcp.NewToolResultImage(p, base64.StdEncoding.EncodeToString(data), strings.Split(ctype, ";")[0]), nil
	}
	if !utf8.Valid(data) {
		return mcp.NewToolResultError(fmt.Sprintf("%s is binary (%s, %d bytes)", p, ctype, len(data))), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}

func (s *Server) listAssets(_ context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.d.Files == nil {
		return mcp.NewToolResultError("file table unavailable"), nil
	}
	return mcp.NewToolResultText(strings.Join(s.d.Files.Keys(), "\n")), nil
}

func (s *Server) listScenes(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.d.Scenes == nil {
		return mcp.NewToolResultError("scenes unavailable"), nil
	}
	scenes, err := s.d.Scenes.List(ctx)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(scenes) == 0 {
		return mcp.NewToolResultText("no scenes saved"), nil
	}
	out, _ := json.MarshalIndent(scenes, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}
