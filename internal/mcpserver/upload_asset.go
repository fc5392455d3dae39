package mcpserver

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/starford/galaxy/internal/checksum"
)

const maxAssetSize = 10 << 20 // 10 MB

// imageType pairs a served extension with the MIME type its content must sniff as.
type imageType struct {
	ext  string
	mime string
}

var (
	imageTypes = []imageType{
		{".png", "image/png"},
		{".jpg", "image/jpeg"},
		{".jpeg", "image/jpeg"},
		{".gif", "image/gif"},
		{".webp", "image/webp"},
		{".svg", "image/svg+xml"},
	}

	unsafeChars = regexp.MustCompile(`[^a-zA-Z0-9._-]`)
)

func mimeForExt(ext string) (string, bool) {
	for _, t := range imageTypes {
		if t.ext == ext {
			return t.mime, true
		}
	}
	return "", false
}

// extForMIME returns the first extension registered for mime, or "".
func extForMIME(mime string) string {
	for _, t := range imageTypes {
		if t.mime == mime {
			return t.ext
		}
	}
	return ""
}

type uploadResult struct {
	Key  string `json:"key"`
	URL  string `json:"url"`
	Size int    `json:"size"`
}

// uploadAsset adds an image to the file table. Without a file name the key is
// the content address, so uploading the same image twice yields one entry.
func (s *Server) uploadAsset(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	if s.d.Files == nil {
		return mcp.NewToolResultError("file table unavailable"), nil
	}
	source, err := req.RequireString("url")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var data []byte
	var sniffedExt string
	if strings.HasPrefix(source, "data:") {
		data, sniffedExt, err = decodeDataURI(source)
	} else {
		data, sniffedExt, err = s.download(ctx, source)
	}
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	if len(data) > maxAssetSize {
		return mcp.NewToolResultError(fmt.Sprintf("file too large: %d bytes (max %d)", len(data), maxAssetSize)), nil
	}

	key := assetKey(req.GetString("filename", ""), source, data, sniffedExt)
	ext := strings.ToLower(filepath.Ext(key))
	if _, ok := mimeForExt(ext); !ok {
		return mcp.NewToolResultError(fmt.Sprintf("unsupported file extension: %q (allowed: png, jpg, jpeg, gif, webp, svg)", ext)), nil
	}
	if err := validateMagicBytes(data, ext); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if existing, getErr := s.d.Files.Get(key); getErr == nil && !bytes.Equal(existing, data) {
		return mcp.NewToolResultError(fmt.Sprintf("%s already holds different content", key)), nil
	}
	s.d.Files.Put(key, data)

	out, _ := json.Marshal(uploadResult{Key: key, URL: "/" + key, Size: len(data)})
	return mcp.NewToolResultText(string(out)), nil
}

// assetKey picks the table key: the sanitized file name when given, else the
// last URL path segment, else the content address.
func assetKey(name, source string, data []byte, sniffedExt string) string {
	if name == "" && !strings.HasPrefix(source, "data:") {
		if u, err := url.Parse(source); err == nil {
			if base := path.Base(u.Path); strings.Contains(base, ".") {
				name = base
			}
		}
	}
	if name == "" {
		return checksum.Address(data, sniffedExt)
	}
	name = unsafeChars.ReplaceAllString(filepath.Base(name), "_")
	if strings.Trim(name, ".") == "" {
		return checksum.Address(data, sniffedExt)
	}
	return name
}

// decodeDataURI parses a data:<mediatype>;base64,<data> URI.
func decodeDataURI(uri string) ([]byte, string, error) {
	header, encoded, ok := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !ok {
		return nil, "", errors.New("invalid data URI: missing comma separator")
	}
	mediaType, isBase64 := strings.CutSuffix(header, ";base64")
	if !isBase64 {
		return nil, "", errors.New("only base64 data URIs are supported")
	}

	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		if data, err = base64.RawStdEncoding.DecodeString(encoded); err != nil {
			return nil, "", fmt.Errorf("invalid base64 data: %w", err)
		}
	}

	mediaType, _, _ = strings.Cut(mediaType, ";")
	ext := extForMIME(mediaType)
	if ext == "" {
		return nil, "", fmt.Errorf("unsupported MIME type in data URI: %s", mediaType)
	}
	return data, ext, nil
}

func newUploadClient() *http.Client {
	return &http.Client{
		Timeout: 30 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return errors.New("too many redirects (max 5)")
			}
			return checkBlockedHost(req.URL.Hostname())
		},
	}
}

// download fetches an http(s) URL. The returned extension comes from the
// response Content-Type and may be empty.
func (s *Server) download(ctx context.Context, rawURL string) ([]byte, string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, "", fmt.Errorf("unsupported scheme: %s (only http/https)", u.Scheme)
	}
	if err := checkBlockedHost(u.Hostname()); err != nil {
		return nil, "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, "", fmt.Errorf("invalid URL: %w", err)
	}
	resp, err := s.http.Do(req)
	if err != nil {
		return nil, "", fmt.Errorf("download failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, "", fmt.Errorf("download failed: HTTP %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxAssetSize+1))
	if err != nil {
		return nil, "", fmt.Errorf("read body failed: %w", err)
	}
	if len(data) > maxAssetSize {
		return nil, "", fmt.Errorf("file too large: exceeds %d bytes", maxAssetSize)
	}

	mediaType, _, _ := strings.Cut(resp.Header.Get("Content-Type"), ";")
	return data, extForMIME(strings.TrimSpace(mediaType)), nil
}

// checkBlockedHost refuses hosts that resolve to this machine or to the
// link-local range used by cloud metadata services.
func checkBlockedHost(host string) error {
	if host == "metadata.google.internal" {
		return fmt.Errorf("blocked host: %s", host)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		ips, lookupErr := net.LookupIP(host)
		if lookupErr != nil || len(ips) == 0 {
			return nil //nolint:nilerr // DNS failures surface from the client
		}
		var ok bool
		if addr, ok = netip.AddrFromSlice(ips[0]); !ok {
			return nil
		}
	}
	addr = addr.Unmap()
	switch {
	case addr.IsLoopback(), addr.IsUnspecified():
		return fmt.Errorf("blocked host: loopback address %s", host)
	case addr.IsLinkLocalUnicast():
		return fmt.Errorf("blocked host: link-local address %s", host)
	}
	return nil
}

// validateMagicBytes checks that content sniffs as the type its extension claims.
func validateMagicBytes(data []byte, ext string) error {
	want, _ := mimeForExt(ext)
	if ext == ".svg" {
		head := data[:min(len(data), 1024)]
		if !bytes.Contains(head, []byte("<svg")) {
			return errors.New("content does not appear to be a valid SVG (missing <svg tag)")
		}
		return nil
	}
	got, _, _ := strings.Cut(http.DetectContentType(data), ";")
	if got != want {
		return fmt.Errorf("content does not match extension %s (detected: %s)", ext, got)
	}
	return nil
}
