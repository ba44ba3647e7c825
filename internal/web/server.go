// Package web serves the HTTP API UI collaborators drive a
// session through, along with the core's runtime assets and the
// bridge its pages connect to.
package web

import (
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/thelolagemann/cartbox/internal/metrics"
	"github.com/thelolagemann/cartbox/internal/session"
	"github.com/thelolagemann/cartbox/internal/vfs"
	"github.com/thelolagemann/cartbox/pkg/emulator"
	"github.com/thelolagemann/cartbox/pkg/log"
)

// DefaultSurface is bootstrapped when a request names none.
const DefaultSurface = "canvas"

// maxBody bounds uploads other than cartridge images and
// archive imports.
const maxBody = 4 << 20

// Surfacer lists the surfaces pages currently render to.
type Surfacer interface {
	Surfaces() []string
}

// Server is the HTTP front of a session.
type Server struct {
	fs  *vfs.FS
	log log.Logger

	// guarded by mu
	mu   sync.RWMutex
	sess *session.Session

	newSession func() *session.Session

	bridge    http.Handler
	surfaces  Surfacer
	assetDir  string
	assetBase string
	maxImport int64
}

// Opt configures a Server.
type Opt func(*Server)

// WithLogger sets the logger requests are logged to.
func WithLogger(l log.Logger) Opt {
	return func(s *Server) {
		s.log = l
	}
}

// WithBridge mounts the handler core pages connect to on /core.
// When it also lists surfaces, they are reported by /api/state.
func WithBridge(h http.Handler) Opt {
	return func(s *Server) {
		s.bridge = h
		if sf, ok := h.(Surfacer); ok {
			s.surfaces = sf
		}
	}
}

// WithAssets serves the core runtime assets in dir under base.
func WithAssets(dir, base string) Opt {
	return func(s *Server) {
		s.assetDir = dir
		s.assetBase = base
	}
}

// WithSessionFactory lets a bootstrap request replace an
// Errored session with one returned by fn, as after the page
// hosting its core was reloaded.
func WithSessionFactory(fn func() *session.Session) Opt {
	return func(s *Server) {
		s.newSession = fn
	}
}

// WithMaxImport bounds the size of an imported archive.
func WithMaxImport(n int64) Opt {
	return func(s *Server) {
		s.maxImport = n
	}
}

// NewServer returns a server driving sess, with fs the store
// sess persists to.
func NewServer(sess *session.Session, fs *vfs.FS, opts ...Opt) *Server {
	s := &Server{
		sess:      sess,
		fs:        fs,
		log:       log.NewNullLogger(),
		maxImport: 256 << 20,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Session returns the session requests are currently served by.
func (s *Server) Session() *session.Session {
	return s.current()
}

func (s *Server) current() *session.Session {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sess
}

// renew returns the session to bootstrap, first swapping an
// Errored one for a fresh session when a factory is set.
func (s *Server) renew() *session.Session {
	s.mu.Lock()
	old := s.sess
	if s.newSession == nil || old.State() != emulator.Errored {
		s.mu.Unlock()
		return old
	}
	s.sess = s.newSession()
	sess := s.sess
	s.mu.Unlock()

	s.log.Infof("web: replacing errored session")
	if err := old.Close(); err != nil {
		s.log.Errorf("web: closing errored session: %v", err)
	}
	return sess
}

// Close closes the current session.
func (s *Server) Close() error {
	return s.current().Close()
}

// Handler returns the routed handler of the server.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /api/state", s.handleState)
	mux.HandleFunc("POST /api/bootstrap", s.handleBootstrap)
	mux.HandleFunc("POST /api/cartridge", s.handleLoad)
	mux.HandleFunc("POST /api/cartridge/{id}", s.handleLoadStored)
	mux.HandleFunc("POST /api/pause", s.handleCommand((*session.Session).Pause))
	mux.HandleFunc("POST /api/resume", s.handleCommand((*session.Session).Resume))
	mux.HandleFunc("POST /api/stop", s.handleCommand((*session.Session).Stop))
	mux.HandleFunc("POST /api/reload", s.handleCommand((*session.Session).Reload))
	mux.HandleFunc("POST /api/screenshot", s.handleScreenshot)
	mux.HandleFunc("GET /api/roms", s.handleListRoms)
	mux.HandleFunc("GET /api/screenshots/{id}", s.handleListScreenshots)

	mux.HandleFunc("GET /api/states/{id}", s.handleListSlots)
	mux.HandleFunc("PUT /api/states/{id}/{slot}", s.handleSaveState)
	mux.HandleFunc("POST /api/states/{id}/{slot}", s.handleLoadState)
	mux.HandleFunc("DELETE /api/states/{id}/{slot}", s.handleDeleteState)

	mux.HandleFunc("GET /api/cheats/{id}", s.handleListCheats)
	mux.HandleFunc("POST /api/cheats/{id}", s.handleAddCheat)
	mux.HandleFunc("PUT /api/cheats/{id}/{entry}", s.handleSetCheat)
	mux.HandleFunc("DELETE /api/cheats/{id}/{entry}", s.handleRemoveCheat)

	mux.HandleFunc("GET /api/saves/{id}", s.handleExportSave)
	mux.HandleFunc("PUT /api/saves/{id}", s.handleImportSave)

	mux.HandleFunc("GET /api/fs", s.handleWalk)
	mux.HandleFunc("GET /api/fs/export", s.handleExport)
	mux.HandleFunc("POST /api/fs/import", s.handleImport)
	mux.HandleFunc("GET /api/fs/file/{path...}", s.handleReadFile)

	mux.Handle("GET /metrics", metrics.Handler())

	if s.assetDir != "" {
		base := "/" + strings.Trim(s.assetBase, "/") + "/"
		mux.Handle("GET "+base, http.StripPrefix(base, http.FileServer(http.Dir(s.assetDir))))
	}
	if s.bridge != nil {
		mux.Handle("GET /core", s.bridge)
	}

	return metrics.Middleware(s.logRequests(isolate(mux)))
}

// isolate sets the headers that allow the core's threads to
// share memory.
func isolate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")
		w.Header().Set("Cross-Origin-Embedder-Policy", "require-corp")
		next.ServeHTTP(w, r)
	})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.log.Debugf("web: %s %s (%s)", r.Method, r.URL.Path, time.Since(start))
	})
}

// result is the single JSON body every API call answers with.
type result struct {
	OK    bool          `json:"ok"`
	Kind  emulator.Kind `json:"kind,omitempty"`
	Error string        `json:"error,omitempty"`
	Data  any           `json:"data,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) sendData(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, result{OK: true, Data: data})
}

// sendResult answers with data, or with err when it is a
// failure. A deferred effect is a success that carries its kind.
func (s *Server) sendResult(w http.ResponseWriter, op string, data any, err error) {
	if !emulator.IsFailure(err) {
		res := result{OK: true, Data: data}
		if err != nil {
			res.Kind = emulator.KindOf(err)
			res.Error = err.Error()
		}
		writeJSON(w, http.StatusOK, res)
		return
	}

	kind := emulator.KindOf(err)
	status := statusOf(kind)
	if status >= http.StatusInternalServerError {
		s.log.Errorf("web: %s: %v", op, err)
	}
	writeJSON(w, status, result{Kind: kind, Error: err.Error()})
}

func (s *Server) sendError(w http.ResponseWriter, op string, err error) {
	s.sendResult(w, op, nil, err)
}

func statusOf(k emulator.Kind) int {
	switch k {
	case emulator.KindInvalidTransition:
		return http.StatusConflict
	case emulator.KindBusy:
		return http.StatusTooManyRequests
	case emulator.KindNotFound:
		return http.StatusNotFound
	case emulator.KindValidation, emulator.KindInvalidPath:
		return http.StatusBadRequest
	case emulator.KindLoad, emulator.KindRestore:
		return http.StatusUnprocessableEntity
	case emulator.KindBootstrap:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
