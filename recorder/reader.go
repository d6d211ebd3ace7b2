package recorder

import (
	"bufio"
	"encoding/binary"
	"io"
	"iter"
	"os"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/brokenrobotz/viam-sensorbox/fusion"
)

// Reader plays back a session file.
type Reader struct {
	f      *os.File
	r      *bufio.Reader
	header SessionHeader
}

// Open reads the magic and session header of path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	r := &Reader{f: f, r: bufio.NewReaderSize(f, 1<<20)}
	m := make([]byte, len(magic))
	if _, err := io.ReadFull(r.r, m); err != nil || string(m) != magic {
		_ = f.Close()
		return nil, errors.Errorf("%s is not a session file", path)
	}
	payload, _, err := r.next()
	if err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "reading session header")
	}
	if err := cbor.Unmarshal(payload, &r.header); err != nil {
		_ = f.Close()
		return nil, errors.Wrap(err, "decoding session header")
	}
	return r, nil
}

// Header of the session.
func (r *Reader) Header() SessionHeader { return r.header }

func (r *Reader) next() ([]byte, time.Time, error) {
	var header [recordHeaderLen]byte
	if _, err := io.ReadFull(r.r, header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, time.Time{}, errors.Wrap(err, "truncated record header")
		}
		return nil, time.Time{}, err
	}
	at := time.Unix(0, int64(binary.LittleEndian.Uint64(header[:8])))
	n := binary.LittleEndian.Uint32(header[8:12])
	if n > maxRecordLen {
		return nil, time.Time{}, errors.Errorf("record of %d bytes exceeds limit", n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r.r, payload); err != nil {
		return nil, time.Time{}, errors.Wrap(err, "truncated record")
	}
	return payload, at, nil
}

// Next returns the next frame, or io.EOF after the last one.
func (r *Reader) Next() (*fusion.SyncedFrame, error) {
	payload, _, err := r.next()
	if err != nil {
		return nil, err
	}
	var rec frameRecord
	if err := cbor.Unmarshal(payload, &rec); err != nil {
		return nil, errors.Wrap(err, "decoding frame")
	}
	return rec.syncedFrame(), nil
}

// Frames iterates the remaining frames. A decode error is yielded once and
// ends the sequence.
func (r *Reader) Frames() iter.Seq2[*fusion.SyncedFrame, error] {
	return func(yield func(*fusion.SyncedFrame, error) bool) {
		for {
			sf, err := r.Next()
			if errors.Is(err, io.EOF) {
				return
			}
			if !yield(sf, err) || err != nil {
				return
			}
		}
	}
}

func (r *Reader) Close() error {
	return r.f.Close()
}
