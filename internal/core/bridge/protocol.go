package bridge

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/andybalholm/brotli"
)

// Op identifies a request sent to the page. A response carries
// the op of its request with FlagResponse set.
type Op = uint8

const (
	OpHello Op = iota
	OpInstantiate
	OpFSInit
	OpMount
	OpStart
	OpPause
	OpResume
	OpStop
	OpSnapshot
	OpRestore
	OpPatch
	OpRevert
	OpScreenshot
	OpListFiles
	OpBatterySave
	OpLoadBatterySave
	OpClose
)

// Status is the outcome of a request.
type Status = uint8

const (
	StatusOK Status = iota
	StatusError
	StatusUnsupported
	StatusFatal
	StatusRejected
)

const (
	// FlagResponse marks a response frame in the op byte.
	FlagResponse = 1 << 7
	// FlagCompressed marks a brotli compressed payload, in the op
	// byte of a request and the status byte of a response.
	FlagCompressed = 1 << 6

	opMask     = FlagCompressed - 1
	statusMask = FlagCompressed - 1

	requestHeader  = 5 // op, id
	responseHeader = 6 // op, id, status

	// payloads above this size are compressed
	compressThreshold = 1024
	compressionLevel  = 5

	// MaxPayload bounds a decompressed payload.
	MaxPayload = 64 << 20
)

var errShortFrame = errors.New("bridge: short frame")

// frame is a decoded message.
type frame struct {
	op       Op
	id       uint32
	response bool
	status   Status
	payload  []byte
}

func compress(payload []byte) ([]byte, bool) {
	if len(payload) <= compressThreshold {
		return payload, false
	}

	var buf bytes.Buffer
	w := brotli.NewWriterLevel(&buf, compressionLevel)
	if _, err := w.Write(payload); err != nil {
		return payload, false
	}
	if err := w.Close(); err != nil {
		return payload, false
	}
	if buf.Len() >= len(payload) {
		return payload, false
	}
	return buf.Bytes(), true
}

func decompress(payload []byte) ([]byte, error) {
	r := io.LimitReader(brotli.NewReader(bytes.NewReader(payload)), MaxPayload+1)
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("bridge: decompressing payload: %w", err)
	}
	if len(out) > MaxPayload {
		return nil, fmt.Errorf("bridge: payload exceeds %d bytes", MaxPayload)
	}
	return out, nil
}

// encodeRequest builds [op][id u32 LE][payload].
func encodeRequest(op Op, id uint32, payload []byte) []byte {
	payload, compressed := compress(payload)
	if compressed {
		op |= FlagCompressed
	}

	b := make([]byte, requestHeader, requestHeader+len(payload))
	b[0] = op
	binary.LittleEndian.PutUint32(b[1:5], id)
	return append(b, payload...)
}

// encodeResponse builds [op|0x80][id u32 LE][status][payload].
func encodeResponse(op Op, id uint32, status Status, payload []byte) []byte {
	payload, compressed := compress(payload)
	if compressed {
		status |= FlagCompressed
	}

	b := make([]byte, responseHeader, responseHeader+len(payload))
	b[0] = op | FlagResponse
	binary.LittleEndian.PutUint32(b[1:5], id)
	b[5] = status
	return append(b, payload...)
}

func decode(b []byte) (frame, error) {
	if len(b) < requestHeader {
		return frame{}, errShortFrame
	}

	f := frame{
		op:       b[0] & opMask,
		id:       binary.LittleEndian.Uint32(b[1:5]),
		response: b[0]&FlagResponse != 0,
	}

	compressed := b[0]&FlagCompressed != 0
	payload := b[requestHeader:]
	if f.response {
		if len(b) < responseHeader {
			return frame{}, errShortFrame
		}
		f.status = b[5] & statusMask
		compressed = b[5]&FlagCompressed != 0
		payload = b[responseHeader:]
	}

	if compressed {
		var err error
		if payload, err = decompress(payload); err != nil {
			return frame{}, err
		}
	}
	f.payload = payload

	return f, nil
}

// hello is the first frame of a page: its surface and the
// version of its core, separated by a NUL.
type hello struct {
	surface string
	version string
}

func (h hello) encode() []byte {
	return encodeRequest(OpHello, 0, []byte(h.surface+"\x00"+h.version))
}

func parseHello(f frame) (hello, error) {
	if f.op != OpHello || f.response {
		return hello{}, fmt.Errorf("bridge: expected hello, got op %d", f.op)
	}
	surface, version, ok := bytes.Cut(f.payload, []byte{0})
	if !ok || len(surface) == 0 {
		return hello{}, errors.New("bridge: malformed hello")
	}
	return hello{surface: string(surface), version: string(version)}, nil
}

// joinPayload joins a name and data with a NUL, as sent for
// OpMount.
func joinPayload(name string, data []byte) []byte {
	b := make([]byte, 0, len(name)+1+len(data))
	b = append(b, name...)
	b = append(b, 0)
	return append(b, data...)
}

// splitPayload reverses joinPayload.
func splitPayload(b []byte) (string, []byte, error) {
	name, data, ok := bytes.Cut(b, []byte{0})
	if !ok {
		return "", nil, errors.New("bridge: malformed payload")
	}
	return string(name), data, nil
}
