package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/samber/lo"

	"github.com/bamsammich/relayfs/internal/event"
	"github.com/bamsammich/relayfs/internal/stats"
	"github.com/bamsammich/relayfs/internal/storage"
	"github.com/bamsammich/relayfs/internal/transfer"
)

// HeaderTimeout bounds the wait for a complete request head.
const HeaderTimeout = 5 * time.Second

// corsHeaders go on every response.
var corsHeaders = [][2]string{ //nolint:gochecknoglobals // fixed table
	{"Access-Control-Allow-Origin", "*"},
	{"Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS"},
	{"Access-Control-Allow-Headers", "Content-Type, X-Mode, X-Offset"},
	{"Access-Control-Allow-Private-Network", "true"},
	{"Cache-Control", "no-store"},
	{"Connection", "close"},
}

// StatusResponse is the body of GET /api/status.
type StatusResponse struct {
	Status    string         `json:"status"`
	SSID      string         `json:"ssid"`
	IP        string         `json:"ip"`
	Port      int            `json:"port"`
	APActive  bool           `json:"ap_active"`
	Listening bool           `json:"listening"`
	Time      string         `json:"time"`
	Stats     stats.Snapshot `json:"stats"`
}

// FileEntry is one element of GET /api/list.
type FileEntry struct {
	Name     string `json:"name"`
	Location string `json:"location"`
	Size     int64  `json:"size"`
}

// ListResponse is the body of GET /api/list.
type ListResponse struct {
	Status        string      `json:"status"`
	Files         []FileEntry `json:"files"`
	InternalCount int         `json:"internal_count"`
	SDCount       int         `json:"sd_count"`
	TotalCount    int         `json:"total_count"`
	SDMounted     bool        `json:"sd_mounted"`
}

// UploadResponse is the body of a successful POST /api/upload.
type UploadResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Bytes   uint64 `json:"bytes"`
	CRC32   string `json:"crc32"`
}

// UploadFailure is the body of an aborted POST /api/upload.
type UploadFailure struct {
	Status   string  `json:"status"`
	Message  string  `json:"message"`
	Received uint64  `json:"received"`
	Expected *uint64 `json:"expected,omitempty"`
}

// ErrorResponse is the body of every other failure.
type ErrorResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

// DeleteResponse is the body of a successful DELETE /api/delete.
type DeleteResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	File    string `json:"file"`
}

// serveHTTP answers exactly one request; the caller closes the connection.
func (srv *Server) serveHTTP(ctx context.Context, s *Session) error {
	if err := s.SetReadDeadline(time.Now().Add(HeaderTimeout)); err != nil {
		return err
	}
	req, err := srv.parser.ParseRequest(s.r)
	s.SetReadDeadline(time.Time{}) //nolint:errcheck // best-effort reset
	if err != nil {
		slog.Warn("unparseable http request", "session", s.ID, "error", err)
		return srv.writeJSONError(s, http.StatusBadRequest, "bad request")
	}
	slog.Info("http request", "session", s.ID, "method", req.Method, "path", req.Path)

	switch {
	case req.Method == http.MethodOptions:
		return srv.writeResponse(s, http.StatusNoContent, nil, nil)
	case req.Method == http.MethodGet && req.Path == "/api/status":
		return srv.handleStatus(s)
	case req.Method == http.MethodGet && req.Path == "/api/list":
		return srv.handleList(s)
	case req.Method == http.MethodGet && req.Path == "/api/get":
		return srv.handleGet(ctx, s, req)
	case req.Method == http.MethodPost && req.Path == "/api/upload":
		return srv.handleUpload(ctx, s, req)
	case req.Method == http.MethodDelete && req.Path == "/api/delete":
		return srv.handleDelete(s, req)
	default:
		return srv.writeResponse(s, http.StatusNotFound, nil, nil)
	}
}

func (srv *Server) handleStatus(s *Session) error {
	return srv.writeJSON(s, http.StatusOK, StatusResponse{
		Status:    "ok",
		SSID:      srv.cfg.SSID,
		Port:      srv.Port(),
		APActive:  srv.ap.Active(),
		IP:        srv.ap.IP(),
		Listening: srv.Listening(),
		Time:      srv.clock.Now().Format(time.DateTime),
		Stats:     srv.stats.Snapshot(),
	})
}

func (srv *Server) handleList(s *Session) error {
	resp := ListResponse{Status: "ok", Files: []FileEntry{}}
	for _, loc := range storage.Locations {
		records, err := srv.store.List(loc)
		if err != nil {
			if !errors.Is(err, storage.ErrNotMounted) {
				slog.Warn("list failed", "root", loc, "error", err)
			}
			continue
		}
		if loc == storage.Removable {
			resp.SDMounted = true
			resp.SDCount = len(records)
		} else {
			resp.InternalCount = len(records)
		}
		resp.Files = append(resp.Files, lo.Map(records, func(r storage.FileRecord, _ int) FileEntry {
			return FileEntry{
				Name:     loc.DisplayName(r.Name),
				Size:     r.Size,
				Location: loc.String(),
			}
		})...)
	}
	resp.TotalCount = len(resp.Files)
	return srv.writeJSON(s, http.StatusOK, resp)
}

func (srv *Server) handleGet(ctx context.Context, s *Session, req *Request) error {
	name := req.Query["name"]
	if name == "" {
		return srv.writeJSONError(s, http.StatusBadRequest, "missing name")
	}
	p, err := srv.store.ResolveRead(name)
	if err != nil {
		return srv.writeJSONError(s, http.StatusNotFound, err.Error())
	}
	size, err := srv.store.Size(p)
	if err != nil {
		return srv.writeJSONError(s, http.StatusNotFound, err.Error())
	}

	contentType := "application/octet-stream"
	if mt, err := mimetype.DetectFile(p.Abs); err == nil {
		contentType = mt.String()
	}
	headers := [][2]string{
		{"Content-Type", contentType},
		{"Content-Length", strconv.FormatInt(size, 10)},
		{"Content-Disposition", fmt.Sprintf("attachment; filename=%q", p.Name)},
		{"X-File-Location", p.Location.String()},
		{"X-File-Path", p.Abs},
	}
	if err := srv.writeHead(s, http.StatusOK, headers); err != nil {
		return err
	}
	if _, err := srv.engine.Send(ctx, s, p, false, s.ID); err != nil && !errors.Is(err, transfer.ErrCanceled) {
		return err
	}
	return nil
}

func (srv *Server) handleUpload(ctx context.Context, s *Session, req *Request) error {
	name := req.Query["name"]
	if name == "" {
		return srv.writeJSONError(s, http.StatusBadRequest, "missing name")
	}
	p, err := srv.store.ResolveWrite(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotMounted) {
			return srv.writeJSONError(s, http.StatusServiceUnavailable, err.Error())
		}
		return srv.writeJSONError(s, http.StatusBadRequest, err.Error())
	}

	expected := uint64(req.ContentLength) //nolint:gosec // G115: parsers reject negative lengths
	if err := srv.engine.Preflight(p, expected); err != nil {
		return srv.writeJSONError(s, http.StatusInternalServerError, err.Error())
	}

	d, err := srv.engine.Receive(ctx, s, transfer.ReceiveSpec{
		Path:      p,
		Session:   s.ID,
		Direction: transfer.Upload,
		Declared:  expected,
		Append:    req.Query["mode"] == "append",
	})
	switch {
	case err == nil:
		return srv.writeJSON(s, http.StatusOK, UploadResponse{
			Status: "ok", Message: "uploaded", Bytes: d.BytesMoved, CRC32: d.CRCHex(),
		})
	case errors.Is(err, transfer.ErrCanceled):
		return srv.writeJSON(s, http.StatusInternalServerError, UploadFailure{
			Status: "error", Message: "upload canceled", Received: d.BytesMoved,
		})
	case errors.Is(err, transfer.ErrIncomplete):
		return srv.writeJSON(s, http.StatusInternalServerError, UploadFailure{
			Status: "error", Message: "upload incomplete", Received: d.BytesMoved, Expected: &expected,
		})
	default:
		return srv.writeJSONError(s, http.StatusInternalServerError, err.Error())
	}
}

func (srv *Server) handleDelete(s *Session, req *Request) error {
	name := req.Query["name"]
	if name == "" {
		return srv.writeJSONError(s, http.StatusBadRequest, "missing name")
	}
	p, err := srv.store.Remove(name)
	if err != nil {
		if errors.Is(err, storage.ErrNotMounted) {
			return srv.writeJSONError(s, http.StatusServiceUnavailable, err.Error())
		}
		return srv.writeJSONError(s, http.StatusNotFound, err.Error())
	}

	srv.stats.AddFilesDeleted(1)
	event.Emit(srv.events, event.Event{Type: event.FileDeleted, Session: s.ID, Path: p.Display()})
	slog.Info("file deleted", "session", s.ID, "name", p.Display())
	return srv.writeJSON(s, http.StatusOK, DeleteResponse{
		Status: "ok", Message: "deleted", File: p.Display(),
	})
}

func (srv *Server) writeJSONError(s *Session, status int, msg string) error {
	return srv.writeJSON(s, status, ErrorResponse{Status: "error", Message: msg})
}

func (srv *Server) writeJSON(s *Session, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	return srv.writeResponse(s, status, [][2]string{{"Content-Type", "application/json"}}, body)
}

func (srv *Server) writeResponse(s *Session, status int, headers [][2]string, body []byte) error {
	if status != http.StatusNoContent {
		headers = append(headers, [2]string{"Content-Length", strconv.Itoa(len(body))})
	}
	if err := srv.writeHead(s, status, headers); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	if err := s.SetWriteDeadline(time.Now().Add(replyTimeout)); err != nil {
		return err
	}
	defer s.SetWriteDeadline(time.Time{}) //nolint:errcheck // best-effort reset
	_, err := s.Write(body)
	return err
}

func (*Server) writeHead(s *Session, status int, headers [][2]string) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	for _, h := range headers {
		fmt.Fprintf(&buf, "%s: %s\r\n", h[0], h[1])
	}
	for _, h := range corsHeaders {
		fmt.Fprintf(&buf, "%s: %s\r\n", h[0], h[1])
	}
	buf.WriteString("\r\n")
	return s.reply(buf.String())
}
