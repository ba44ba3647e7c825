package session

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"sort"
	"time"

	"golang.org/x/image/draw"

	"github.com/thelolagemann/cartbox/internal/core"
	"github.com/thelolagemann/cartbox/internal/vfs"
	"github.com/thelolagemann/cartbox/pkg/emulator"
)

// Screenshot captures the screen of the active cartridge and
// stores it under /screenshots. It returns the stored path. A
// core that cannot capture yields NotFound.
func (s *Session) Screenshot(ctx context.Context) (string, error) {
	const op = "screenshot"

	data, err := s.submit(ctx, emulator.CommandScreenshot, func(ctx context.Context) ([]byte, error) {
		if err := s.require(op, emulator.Running, emulator.Paused); err != nil {
			return nil, err
		}
		_, m, img := s.snapshot()

		shot, err := m.Screenshot(ctx)
		if err != nil {
			if core.IsFatal(err) {
				return nil, s.fault(op, emulator.KindInternal, err)
			}
			s.log.Errorf("session: screenshot of %s: %v", img.ID, err)
			return nil, emulator.Errorf(emulator.KindNotFound, op, "screenshot unavailable")
		}
		if len(shot) == 0 {
			return nil, emulator.Errorf(emulator.KindNotFound, op, "screenshot unavailable")
		}

		if s.screenshotScale > 1 {
			if shot, err = scale(shot, s.screenshotScale); err != nil {
				return nil, emulator.NewError(emulator.KindInternal, op, err)
			}
		}

		p := vfs.ScreenshotPath(img.ID, s.now())
		if err := s.fs.Write(ctx, p, shot); err != nil {
			return nil, err
		}
		s.log.Debugf("session: screenshot of %s stored at %s", img.ID, p)
		return []byte(p), nil
	})
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Shot is a stored screenshot.
type Shot struct {
	Path  string    `json:"path"`
	Taken time.Time `json:"taken"`
}

// ListScreenshots returns the stored screenshots of cartridge
// id, newest first.
func (s *Session) ListScreenshots(ctx context.Context, id string) ([]Shot, error) {
	if !vfs.ValidName(id) {
		return nil, emulator.Errorf(emulator.KindInvalidPath, "list screenshots", "invalid cartridge id %q", id)
	}
	paths, err := s.fs.List(ctx, vfs.ScreenshotDir(id))
	if err != nil {
		return nil, err
	}

	shots := make([]Shot, 0, len(paths))
	for _, p := range paths {
		shots = append(shots, Shot{Path: p, Taken: vfs.ScreenshotTime(p)})
	}
	sort.SliceStable(shots, func(i, j int) bool {
		return shots[i].Taken.After(shots[j].Taken)
	})
	return shots, nil
}

// scale upscales a PNG by an integer factor without smoothing,
// keeping the pixel edges of the emulated screen.
func scale(data []byte, factor int) ([]byte, error) {
	src, err := png.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decoding screenshot: %w", err)
	}

	b := src.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx()*factor, b.Dy()*factor))
	draw.NearestNeighbor.Scale(dst, dst.Bounds(), src, b, draw.Src, nil)

	var buf bytes.Buffer
	if err := png.Encode(&buf, dst); err != nil {
		return nil, fmt.Errorf("encoding screenshot: %w", err)
	}
	return buf.Bytes(), nil
}
