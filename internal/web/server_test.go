package web

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/thelolagemann/cartbox/internal/bootstrap"
	"github.com/thelolagemann/cartbox/internal/core"
	"github.com/thelolagemann/cartbox/internal/core/coretest"
	"github.com/thelolagemann/cartbox/internal/session"
	"github.com/thelolagemann/cartbox/internal/vfs"
	"github.com/thelolagemann/cartbox/pkg/emulator"
)

type apiResult struct {
	OK    bool            `json:"ok"`
	Kind  string          `json:"kind"`
	Error string          `json:"error"`
	Data  json.RawMessage `json:"data"`
}

type fixture struct {
	srv  *httptest.Server
	fs   *vfs.FS
	fake *coretest.Module
	sess *session.Session
}

func newFixture(t *testing.T, opts ...Opt) *fixture {
	t.Helper()

	fs := vfs.New(vfs.NewMemory())
	fake := coretest.New("mGBA test")
	sess := session.New(bootstrap.New(&coretest.Instantiator{Module: fake}), fs)
	srv := httptest.NewServer(NewServer(sess, fs, opts...).Handler())
	t.Cleanup(func() {
		srv.Close()
		sess.Close()
	})
	return &fixture{srv: srv, fs: fs, fake: fake, sess: sess}
}

func (f *fixture) do(t *testing.T, method, path, contentType string, body io.Reader) (*http.Response, []byte) {
	t.Helper()

	req, err := http.NewRequest(method, f.srv.URL+path, body)
	if err != nil {
		t.Fatal(err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

// call performs an API request and expects the given status.
func (f *fixture) call(t *testing.T, method, path string, body io.Reader, status int) apiResult {
	t.Helper()

	resp, data := f.do(t, method, path, "application/octet-stream", body)
	if resp.StatusCode != status {
		t.Fatalf("%s %s: expected status %d, got %d: %s", method, path, status, resp.StatusCode, data)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("%s %s: expected a JSON result, got %q", method, path, ct)
	}

	var res apiResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	return res
}

func (f *fixture) boot(t *testing.T) {
	t.Helper()
	if res := f.call(t, http.MethodPost, "/api/bootstrap", nil, http.StatusOK); !res.OK {
		t.Fatalf("bootstrap: %+v", res)
	}
}

func (f *fixture) load(t *testing.T, name string) {
	t.Helper()
	res := f.call(t, http.MethodPost, "/api/cartridge?name="+name, strings.NewReader("ROM:"+name), http.StatusOK)
	if !res.OK {
		t.Fatalf("load %s: %+v", name, res)
	}
}

func decode[T any](t *testing.T, res apiResult) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(res.Data, &v); err != nil {
		t.Fatalf("decoding %s: %v", res.Data, err)
	}
	return v
}

func TestServer_Lifecycle(t *testing.T) {
	f := newFixture(t)

	state := decode[stateResponse](t, f.call(t, http.MethodGet, "/api/state", nil, http.StatusOK))
	if state.State != emulator.Uninitialized {
		t.Fatalf("expected Uninitialized, got %s", state.State)
	}

	res := f.call(t, http.MethodPost, "/api/pause", nil, http.StatusConflict)
	if res.OK || res.Kind != "InvalidTransition" || res.Error == "" {
		t.Fatalf("expected an InvalidTransition failure, got %+v", res)
	}

	f.boot(t)
	f.load(t, "zelda.gba")

	state = decode[stateResponse](t, f.call(t, http.MethodGet, "/api/state", nil, http.StatusOK))
	if state.State != emulator.Running {
		t.Fatalf("expected Running, got %s", state.State)
	}
	if state.Cartridge == nil || state.Cartridge.ID != "zelda" {
		t.Fatalf("expected cartridge zelda, got %+v", state.Cartridge)
	}
	if state.Version != "mGBA test" {
		t.Fatalf("expected core version, got %q", state.Version)
	}

	res = f.call(t, http.MethodPost, "/api/pause", nil, http.StatusOK)
	if got := decode[map[string]string](t, res)["state"]; got != "Paused" {
		t.Fatalf("expected Paused, got %q", got)
	}
	f.call(t, http.MethodPost, "/api/resume", nil, http.StatusOK)

	shot := decode[map[string]string](t, f.call(t, http.MethodPost, "/api/screenshot", nil, http.StatusOK))
	if !strings.HasPrefix(shot["path"], "/screenshots/zelda/") {
		t.Fatalf("unexpected screenshot path %q", shot["path"])
	}
	shots := decode[[]map[string]any](t, f.call(t, http.MethodGet, "/api/screenshots/zelda", nil, http.StatusOK))
	if len(shots) != 1 || shots[0]["path"] != shot["path"] {
		t.Fatalf("expected the screenshot to be listed, got %v", shots)
	}

	slot := decode[map[string]any](t, f.call(t, http.MethodPut, "/api/states/zelda/1", nil, http.StatusOK))
	if slot["slot"] != "1" {
		t.Fatalf("expected slot 1, got %v", slot)
	}
	f.call(t, http.MethodPost, "/api/states/zelda/1", nil, http.StatusOK)
	f.call(t, http.MethodPost, "/api/states/zelda/9", nil, http.StatusNotFound)

	slots := decode[[]map[string]any](t, f.call(t, http.MethodGet, "/api/states/zelda", nil, http.StatusOK))
	if len(slots) != 1 {
		t.Fatalf("expected 1 slot, got %v", slots)
	}

	f.call(t, http.MethodPost, "/api/stop", nil, http.StatusOK)
	if f.sess.State() != emulator.Ready {
		t.Fatalf("expected Ready after stop, got %s", f.sess.State())
	}

	roms := decode[[]string](t, f.call(t, http.MethodGet, "/api/roms", nil, http.StatusOK))
	if len(roms) != 1 || roms[0] != "zelda" {
		t.Fatalf("expected [zelda], got %v", roms)
	}

	f.call(t, http.MethodPost, "/api/cartridge/zelda", nil, http.StatusOK)
	if f.sess.State() != emulator.Running || f.sess.Cartridge().ID != "zelda" {
		t.Fatalf("expected the stored cartridge to be running, got %s", f.sess.State())
	}
	f.call(t, http.MethodPost, "/api/cartridge/not%20an%20id", nil, http.StatusBadRequest)
}

func TestServer_LoadMultipart(t *testing.T) {
	f := newFixture(t)
	f.boot(t)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("rom", "Metroid Fusion.gba")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write([]byte("ROM:metroid"))
	mw.Close()

	resp, data := f.do(t, http.MethodPost, "/api/cartridge", mw.FormDataContentType(), &body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", resp.StatusCode, data)
	}

	var res apiResult
	if err := json.Unmarshal(data, &res); err != nil {
		t.Fatal(err)
	}
	if got := decode[cartridgeSummary](t, res); got.ID != "metroid_fusion" || got.Size != len("ROM:metroid") {
		t.Fatalf("unexpected cartridge %+v", got)
	}
}

func TestServer_LoadFailures(t *testing.T) {
	f := newFixture(t)

	// not bootstrapped
	f.call(t, http.MethodPost, "/api/cartridge?name=zelda.gba", strings.NewReader("ROM"), http.StatusConflict)

	f.boot(t)
	res := f.call(t, http.MethodPost, "/api/cartridge", strings.NewReader("ROM"), http.StatusBadRequest)
	if res.Kind != "ValidationError" {
		t.Fatalf("expected ValidationError, got %+v", res)
	}
	res = f.call(t, http.MethodPost, "/api/cartridge?name=empty.gba", nil, http.StatusUnprocessableEntity)
	if res.Kind != "LoadError" {
		t.Fatalf("expected LoadError, got %+v", res)
	}
}

func TestServer_Cheats(t *testing.T) {
	f := newFixture(t)
	f.boot(t)

	res := f.call(t, http.MethodPost, "/api/cheats/zelda", strings.NewReader(`{"label":"bad","code":"XYZ"}`), http.StatusBadRequest)
	if res.Kind != "ValidationError" {
		t.Fatalf("expected ValidationError, got %+v", res)
	}
	f.call(t, http.MethodPost, "/api/cheats/zelda", strings.NewReader(`{`), http.StatusBadRequest)

	res = f.call(t, http.MethodPost, "/api/cheats/zelda", strings.NewReader(`{"label":"Infinite hearts","code":"01FF40C1"}`), http.StatusOK)
	entry := decode[map[string]any](t, res)
	id, _ := entry["id"].(string)
	if id == "" || entry["enabled"] != true {
		t.Fatalf("unexpected entry %v", entry)
	}

	f.call(t, http.MethodPut, "/api/cheats/zelda/"+id+"?enabled=maybe", nil, http.StatusBadRequest)
	entry = decode[map[string]any](t, f.call(t, http.MethodPut, "/api/cheats/zelda/"+id+"?enabled=false", nil, http.StatusOK))
	if entry["enabled"] != false {
		t.Fatalf("expected the entry to be disabled, got %v", entry)
	}

	entries := decode[[]map[string]any](t, f.call(t, http.MethodGet, "/api/cheats/zelda", nil, http.StatusOK))
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %v", entries)
	}

	f.call(t, http.MethodDelete, "/api/cheats/zelda/"+id, nil, http.StatusOK)
	// removing a missing entry succeeds
	f.call(t, http.MethodDelete, "/api/cheats/zelda/"+id, nil, http.StatusOK)

	if empty := decode[[]map[string]any](t, f.call(t, http.MethodGet, "/api/cheats/zelda", nil, http.StatusOK)); len(empty) != 0 {
		t.Fatalf("expected no entries, got %v", empty)
	}
}

func TestServer_DeferredEffect(t *testing.T) {
	f := newFixture(t)
	f.boot(t)
	f.load(t, "zelda.gba")
	f.fake.SetFail("revert", core.ErrUnsupported)

	entry := decode[map[string]any](t, f.call(t, http.MethodPost, "/api/cheats/zelda", strings.NewReader(`{"label":"Moon jump","code":"01A-23F-E6E"}`), http.StatusOK))
	id, _ := entry["id"].(string)

	res := f.call(t, http.MethodPut, "/api/cheats/zelda/"+id+"?enabled=false", nil, http.StatusOK)
	if !res.OK || res.Kind != "DeferredEffect" {
		t.Fatalf("expected a deferred success, got %+v", res)
	}
}

func TestServer_BatterySaves(t *testing.T) {
	f := newFixture(t)
	f.boot(t)

	f.call(t, http.MethodGet, "/api/saves/zelda", nil, http.StatusNotFound)
	f.call(t, http.MethodPut, "/api/saves/zelda", nil, http.StatusBadRequest)
	f.call(t, http.MethodPut, "/api/saves/zelda", strings.NewReader("SRAM"), http.StatusOK)

	resp, data := f.do(t, http.MethodGet, "/api/saves/zelda", "", nil)
	if resp.StatusCode != http.StatusOK || string(data) != "SRAM" {
		t.Fatalf("expected the imported save, got %d %q", resp.StatusCode, data)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, "zelda.sav") {
		t.Fatalf("unexpected Content-Disposition %q", cd)
	}

	resp, data = f.do(t, http.MethodGet, "/api/fs/file/saves/zelda.sav", "", nil)
	if resp.StatusCode != http.StatusOK || string(data) != "SRAM" {
		t.Fatalf("expected the save file, got %d %q", resp.StatusCode, data)
	}
	f.call(t, http.MethodGet, "/api/fs/file/elsewhere/x", nil, http.StatusBadRequest)
}

func TestServer_ExportImport(t *testing.T) {
	src := newFixture(t)
	ctx := context.Background()
	for p, data := range map[string]string{
		"/roms/zelda":      "ROM",
		"/saves/zelda.sav": "SRAM",
	} {
		if err := src.fs.Write(ctx, p, []byte(data)); err != nil {
			t.Fatal(err)
		}
	}

	paths := decode[[]string](t, src.call(t, http.MethodGet, "/api/fs", nil, http.StatusOK))
	if len(paths) != 2 {
		t.Fatalf("expected 2 files, got %v", paths)
	}

	resp, archive := src.do(t, http.MethodGet, "/api/fs/export", "", nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "application/zip" {
		t.Fatalf("unexpected export response %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}

	dst := newFixture(t)
	res := dst.call(t, http.MethodPost, "/api/fs/import", bytes.NewReader(archive), http.StatusOK)
	imported := decode[vfs.ImportResult](t, res)
	if len(imported.Written) != 2 || len(imported.Skipped) != 0 {
		t.Fatalf("unexpected import result %+v", imported)
	}
	data, err := dst.fs.Read(ctx, "/saves/zelda.sav")
	if err != nil || string(data) != "SRAM" {
		t.Fatalf("expected the imported save, got %q %v", data, err)
	}

	dst.call(t, http.MethodPost, "/api/fs/import", strings.NewReader("not an archive"), http.StatusBadRequest)
}

func TestServer_Assets(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "mgba.js"), []byte("// core"), 0644); err != nil {
		t.Fatal(err)
	}
	f := newFixture(t, WithAssets(dir, "/wasm/"))

	resp, data := f.do(t, http.MethodGet, "/wasm/mgba.js", "", nil)
	if resp.StatusCode != http.StatusOK || string(data) != "// core" {
		t.Fatalf("expected the asset, got %d %q", resp.StatusCode, data)
	}
	if got := resp.Header.Get("Cross-Origin-Embedder-Policy"); got != "require-corp" {
		t.Fatalf("expected require-corp, got %q", got)
	}
	if got := resp.Header.Get("Cross-Origin-Opener-Policy"); got != "same-origin" {
		t.Fatalf("expected same-origin, got %q", got)
	}

	resp, _ = f.do(t, http.MethodGet, "/metrics", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected metrics, got %d", resp.StatusCode)
	}
}

func TestStatusOf(t *testing.T) {
	tests := []struct {
		kind   emulator.Kind
		status int
	}{
		{emulator.KindInvalidTransition, http.StatusConflict},
		{emulator.KindBusy, http.StatusTooManyRequests},
		{emulator.KindNotFound, http.StatusNotFound},
		{emulator.KindValidation, http.StatusBadRequest},
		{emulator.KindInvalidPath, http.StatusBadRequest},
		{emulator.KindRestore, http.StatusUnprocessableEntity},
		{emulator.KindBootstrap, http.StatusBadGateway},
		{emulator.KindStorage, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			if got := statusOf(tt.kind); got != tt.status {
				t.Fatalf("expected %d, got %d", tt.status, got)
			}
		})
	}
}

func TestServer_ReplacesErroredSession(t *testing.T) {
	fs := vfs.New(vfs.NewMemory())
	inst := &coretest.Instantiator{Module: coretest.New("mGBA test")}
	boot := bootstrap.New(inst)
	newSession := func() *session.Session { return session.New(boot, fs) }

	first := newSession()
	s := NewServer(first, fs, WithSessionFactory(newSession))
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		s.Close()
	})
	f := &fixture{srv: srv, fs: fs, fake: inst.Module, sess: first}

	f.boot(t)
	f.load(t, "zelda.gba")

	// the page hosting the core went away
	f.fake.SetFail("pause", fmt.Errorf("bridge: %w", core.ErrFatal))
	f.call(t, http.MethodPost, "/api/pause", nil, http.StatusInternalServerError)
	state := decode[stateResponse](t, f.call(t, http.MethodGet, "/api/state", nil, http.StatusOK))
	if state.State != emulator.Errored {
		t.Fatalf("expected Errored, got %s", state.State)
	}

	inst.Module = coretest.New("mGBA test")
	f.boot(t)
	if s.Session() == first {
		t.Fatal("expected the errored session to be replaced")
	}
	if first.State() != emulator.Errored {
		t.Errorf("expected the old session to stay Errored, got %s", first.State())
	}
	f.load(t, "zelda.gba")
	state = decode[stateResponse](t, f.call(t, http.MethodGet, "/api/state", nil, http.StatusOK))
	if state.State != emulator.Running || state.Cartridge == nil || state.Cartridge.ID != "zelda" {
		t.Fatalf("expected zelda running on the new session, got %+v", state)
	}

	// a healthy session is kept
	current := s.Session()
	f.call(t, http.MethodPost, "/api/bootstrap", nil, http.StatusConflict)
	if s.Session() != current {
		t.Fatal("expected the running session to be kept")
	}
}

func TestServer_BootstrapOutlivesClient(t *testing.T) {
	fs := vfs.New(vfs.NewMemory())
	entered := make(chan struct{})
	release := make(chan struct{})
	inst := &coretest.Instantiator{
		Module: coretest.New("mGBA test"),
		Hook: func(ctx context.Context) error {
			close(entered)
			<-release
			return ctx.Err()
		},
	}
	sess := session.New(bootstrap.New(inst), fs)
	srv := httptest.NewServer(NewServer(sess, fs).Handler())
	t.Cleanup(func() {
		srv.Close()
		sess.Close()
	})

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL+"/api/bootstrap", nil)
	if err != nil {
		t.Fatal(err)
	}
	done := make(chan error, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			resp.Body.Close()
		}
		done <- err
	}()

	<-entered
	cancel()
	if err := <-done; err == nil {
		t.Fatal("expected the client to give up")
	}
	time.Sleep(50 * time.Millisecond)
	close(release)

	for sess.State() == emulator.Bootstrapping {
		time.Sleep(time.Millisecond)
	}
	if sess.State() != emulator.Ready {
		t.Fatalf("expected the bootstrap to complete, got %s", sess.State())
	}
}
