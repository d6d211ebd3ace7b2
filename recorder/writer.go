// Package recorder writes fused frames to session files and reads them back.
//
// A session file is the magic string followed by length-prefixed CBOR
// records. Each record header is the wall clock in unix nanoseconds and the
// payload length, both little endian. The first record is a SessionHeader and
// every later one a frame.
package recorder

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/brokenrobotz/viam-sensorbox/fusion"
)

const (
	magic           = "SBXREC01"
	recordHeaderLen = 12
	// records larger than this are treated as corruption when reading
	maxRecordLen = 256 << 20
	// sessions started within the same second get a _N suffix
	maxSameSecond = 100
)

// ErrClosed is returned by Write after Close.
var ErrClosed = errors.New("recorder is closed")

// wall clock fields keep nanoseconds on disk
var encMode = func() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}()

// Writer appends frames to one session file.
type Writer struct {
	mu     sync.Mutex
	path   string
	header SessionHeader
	f      *os.File
	w      *bufio.Writer
	frames int
}

// Create starts a new session in dir, named after the header's config and
// start time. ID and Started are filled in when empty. Existing sessions are
// never overwritten.
func Create(dir string, header SessionHeader) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating recording directory")
	}
	if header.ID == "" {
		header.ID = uuid.New().String()
	}
	if header.Started.IsZero() {
		header.Started = time.Now()
	}
	if header.Description == "" {
		header.Description = header.Config.Description()
	}
	path, f, err := createUnique(dir, header)
	if err != nil {
		return nil, err
	}
	w := &Writer{path: path, header: header, f: f, w: bufio.NewWriterSize(f, 1<<20)}
	if _, err := w.w.WriteString(magic); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.writeRecord(header, header.Started); err != nil {
		_ = f.Close()
		return nil, err
	}
	if err := w.w.Flush(); err != nil {
		_ = f.Close()
		return nil, err
	}
	return w, nil
}

func createUnique(dir string, header SessionHeader) (string, *os.File, error) {
	stem := strings.TrimSuffix(Filename(header.Config, header.Started, Extension), Extension)
	for i := 0; i < maxSameSecond; i++ {
		name := stem + Extension
		if i > 0 {
			name = fmt.Sprintf("%s_%d%s", stem, i, Extension)
		}
		path := filepath.Join(dir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			return path, f, nil
		}
		if !os.IsExist(err) {
			return "", nil, errors.Wrap(err, "creating session file")
		}
	}
	return "", nil, errors.Errorf("more than %d sessions named %s in %s", maxSameSecond, stem, dir)
}

// Path of the session file.
func (w *Writer) Path() string { return w.path }

// Header as written.
func (w *Writer) Header() SessionHeader { return w.header }

// Frames written so far.
func (w *Writer) Frames() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.frames
}

// Write appends one frame.
func (w *Writer) Write(sf *fusion.SyncedFrame) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return ErrClosed
	}
	if err := w.writeRecord(toFrameRecord(sf), sf.WallTime); err != nil {
		return err
	}
	w.frames++
	return nil
}

func (w *Writer) writeRecord(v interface{}, at time.Time) error {
	payload, err := encMode.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding record")
	}
	var header [recordHeaderLen]byte
	binary.LittleEndian.PutUint64(header[:8], uint64(at.UnixNano()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(len(payload)))
	if _, err := w.w.Write(header[:]); err != nil {
		return err
	}
	_, err = w.w.Write(payload)
	return err
}

// Flush pushes buffered frames to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return ErrClosed
	}
	return w.w.Flush()
}

// Close flushes and closes the file. Closing twice is a no-op.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.w == nil {
		return nil
	}
	if err := w.w.Flush(); err != nil {
		_ = w.f.Close()
		w.w = nil
		return err
	}
	err := w.f.Close()
	w.w = nil
	return err
}
