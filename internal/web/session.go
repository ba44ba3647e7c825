package web

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/thelolagemann/cartbox/internal/cartridge"
	"github.com/thelolagemann/cartbox/internal/core"
	"github.com/thelolagemann/cartbox/internal/session"
	"github.com/thelolagemann/cartbox/pkg/emulator"
)

type stateResponse struct {
	State       emulator.State    `json:"state"`
	Cartridge   *cartridgeSummary `json:"cartridge,omitempty"`
	Version     string            `json:"version,omitempty"`
	QuickReload bool              `json:"quickReload"`
	Surfaces    []string          `json:"surfaces,omitempty"`
}

type cartridgeSummary struct {
	ID     string           `json:"id"`
	Name   string           `json:"name"`
	Size   int              `json:"size"`
	Header cartridge.Header `json:"header"`
}

func summarize(img *cartridge.Image) *cartridgeSummary {
	if img == nil {
		return nil
	}
	return &cartridgeSummary{
		ID:     img.ID,
		Name:   img.Name,
		Size:   len(img.Data),
		Header: img.Header,
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	sess := s.current()
	resp := stateResponse{
		State:       sess.State(),
		Cartridge:   summarize(sess.Cartridge()),
		Version:     sess.Version(),
		QuickReload: sess.IsQuickReloadAvailable(r.Context()),
	}
	if s.surfaces != nil {
		resp.Surfaces = s.surfaces.Surfaces()
	}
	s.sendData(w, resp)
}

func (s *Server) handleBootstrap(w http.ResponseWriter, r *http.Request) {
	surface := r.URL.Query().Get("surface")
	if surface == "" {
		surface = DefaultSurface
	}
	// a client giving up must not leave the session Errored; the
	// bootstrapper bounds the attempt with its own timeout
	ctx := context.WithoutCancel(r.Context())
	err := s.renew().Bootstrap(ctx, core.SurfaceID(surface))
	s.sendResult(w, "bootstrap", nil, err)
}

// handleLoad accepts a cartridge either as the "rom" field of a
// multipart form or as the raw body named by ?name=.
func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, cartridge.MaxSize+1<<20)

	var (
		name string
		data []byte
		err  error
	)
	if f, hdr, ferr := r.FormFile("rom"); ferr == nil {
		defer f.Close()
		name = hdr.Filename
		data, err = io.ReadAll(f)
	} else if errors.Is(ferr, http.ErrNotMultipart) {
		name = r.URL.Query().Get("name")
		data, err = io.ReadAll(r.Body)
	} else {
		err = ferr
	}
	if err != nil {
		s.sendError(w, "load", emulator.NewError(emulator.KindLoad, "load", err))
		return
	}
	if name == "" {
		s.sendError(w, "load", emulator.Errorf(emulator.KindValidation, "load", "cartridge name required"))
		return
	}

	img, err := cartridge.Decode(name, data)
	if err != nil {
		s.sendError(w, "load", emulator.NewError(emulator.KindLoad, "load", err))
		return
	}
	if err := s.current().LoadCartridge(r.Context(), img); err != nil {
		s.sendError(w, "load", err)
		return
	}
	s.sendData(w, summarize(img))
}

func (s *Server) handleLoadStored(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.current().LoadStoredCartridge(r.Context(), id); err != nil {
		s.sendError(w, "load", err)
		return
	}
	s.sendData(w, summarize(s.current().Cartridge()))
}

// handleCommand answers a command that takes no arguments with
// the state the session is left in.
func (s *Server) handleCommand(fn func(sess *session.Session, ctx context.Context) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess := s.current()
		err := fn(sess, r.Context())
		s.sendResult(w, r.URL.Path, map[string]emulator.State{"state": sess.State()}, err)
	}
}

func (s *Server) handleScreenshot(w http.ResponseWriter, r *http.Request) {
	p, err := s.current().Screenshot(r.Context())
	if err != nil {
		s.sendError(w, "screenshot", err)
		return
	}
	s.sendData(w, map[string]string{"path": p})
}

func (s *Server) handleListRoms(w http.ResponseWriter, r *http.Request) {
	ids, err := s.current().ListRoms(r.Context())
	s.sendResult(w, "list roms", ids, err)
}

func (s *Server) handleListScreenshots(w http.ResponseWriter, r *http.Request) {
	shots, err := s.current().ListScreenshots(r.Context(), r.PathValue("id"))
	s.sendResult(w, "list screenshots", shots, err)
}

func (s *Server) handleListSlots(w http.ResponseWriter, r *http.Request) {
	slots, err := s.current().ListSlots(r.Context(), r.PathValue("id"))
	s.sendResult(w, "list slots", slots, err)
}

func (s *Server) handleSaveState(w http.ResponseWriter, r *http.Request) {
	slot, err := s.current().SaveState(r.Context(), r.PathValue("id"), r.PathValue("slot"))
	if err != nil {
		s.sendError(w, "save state", err)
		return
	}
	s.sendData(w, slot)
}

func (s *Server) handleLoadState(w http.ResponseWriter, r *http.Request) {
	err := s.current().LoadState(r.Context(), r.PathValue("id"), r.PathValue("slot"))
	s.sendResult(w, "load state", nil, err)
}

func (s *Server) handleDeleteState(w http.ResponseWriter, r *http.Request) {
	err := s.current().DeleteState(r.Context(), r.PathValue("id"), r.PathValue("slot"))
	s.sendResult(w, "delete state", nil, err)
}

func (s *Server) handleListCheats(w http.ResponseWriter, r *http.Request) {
	entries, err := s.current().ListCheats(r.Context(), r.PathValue("id"))
	s.sendResult(w, "list cheats", entries, err)
}

type cheatRequest struct {
	Label string `json:"label"`
	Code  string `json:"code"`
}

func (s *Server) handleAddCheat(w http.ResponseWriter, r *http.Request) {
	var req cheatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBody)).Decode(&req); err != nil {
		s.sendError(w, "add cheat", emulator.Errorf(emulator.KindValidation, "add cheat", "invalid request body: %v", err))
		return
	}
	e, err := s.current().AddCheat(r.Context(), r.PathValue("id"), req.Label, req.Code)
	s.sendResult(w, "add cheat", e, err)
}

func (s *Server) handleSetCheat(w http.ResponseWriter, r *http.Request) {
	enabled, err := strconv.ParseBool(r.URL.Query().Get("enabled"))
	if err != nil {
		s.sendError(w, "set cheat", emulator.Errorf(emulator.KindValidation, "set cheat", "enabled must be true or false"))
		return
	}
	e, err := s.current().SetCheatEnabled(r.Context(), r.PathValue("id"), r.PathValue("entry"), enabled)
	s.sendResult(w, "set cheat", e, err)
}

func (s *Server) handleRemoveCheat(w http.ResponseWriter, r *http.Request) {
	err := s.current().RemoveCheat(r.Context(), r.PathValue("id"), r.PathValue("entry"))
	s.sendResult(w, "remove cheat", nil, err)
}
