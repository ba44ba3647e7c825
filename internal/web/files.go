package web

import (
	"bytes"
	"io"
	"mime"
	"net/http"
	"path"

	"github.com/thelolagemann/cartbox/internal/vfs"
	"github.com/thelolagemann/cartbox/pkg/emulator"
)

func sendFile(w http.ResponseWriter, name, contentType string, data []byte) {
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": name}))
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

func (s *Server) handleExportSave(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	data, err := s.current().ExportBatterySave(r.Context(), id)
	if err != nil {
		s.sendError(w, "export save", err)
		return
	}
	sendFile(w, id+".sav", "application/octet-stream", data)
}

func (s *Server) handleImportSave(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		s.sendError(w, "import save", emulator.NewError(emulator.KindValidation, "import save", err))
		return
	}
	err = s.current().ImportBatterySave(r.Context(), r.PathValue("id"), data)
	s.sendResult(w, "import save", nil, err)
}

func (s *Server) handleWalk(w http.ResponseWriter, r *http.Request) {
	paths, err := s.fs.Walk(r.Context())
	s.sendResult(w, "walk", paths, err)
}

func (s *Server) handleReadFile(w http.ResponseWriter, r *http.Request) {
	p := "/" + r.PathValue("path")
	data, err := s.fs.Read(r.Context(), p)
	if err != nil {
		s.sendError(w, "read", err)
		return
	}

	ct := mime.TypeByExtension(path.Ext(p))
	if ct == "" {
		ct = "application/octet-stream"
	}
	sendFile(w, vfs.Base(p), ct, data)
}

// handleExport buffers the archive so that a failure part way
// through can still be answered with an error.
func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	var buf bytes.Buffer
	if err := s.fs.Export(r.Context(), &buf); err != nil {
		s.sendError(w, "export", err)
		return
	}
	sendFile(w, "cartbox.zip", "application/zip", buf.Bytes())
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxImport))
	if err != nil {
		s.sendError(w, "import", emulator.NewError(emulator.KindValidation, "import", err))
		return
	}
	res, err := s.current().ImportArchive(r.Context(), bytes.NewReader(data), int64(len(data)))
	s.sendResult(w, "import", res, err)
}
