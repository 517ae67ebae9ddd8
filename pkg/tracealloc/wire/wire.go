// Copyright 2024 Matrix Origin
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package wire

import (
	"context"
	"encoding/binary"
	"io"

	"github.com/matrixorigin/tracealloc/pkg/common/malloc"
	"github.com/matrixorigin/tracealloc/pkg/common/moerr"
	"github.com/matrixorigin/tracealloc/pkg/tracealloc"
)

// Record layout, little endian:
//
//	kind u8 | reserved [7]byte | size u64 | align u64 | address u64 |
//	old_address u64 | old_size u64 | site u64
const RecordSize = 56

const (
	offKind       = 0
	offSize       = 8
	offAlign      = 16
	offAddress    = 24
	offOldAddress = 32
	offOldSize    = 40
	offSite       = 48
)

// Trace stream header: magic "TRAL" | version u8 | reserved [3]byte
const (
	HeaderSize = 8
	Version    = 1
)

var magic = [4]byte{'T', 'R', 'A', 'L'}

// PutEvent encodes e into buf, which must hold RecordSize bytes.
func PutEvent(buf []byte, e tracealloc.Event) {
	_ = buf[RecordSize-1]
	buf[offKind] = uint8(e.Kind)
	clear(buf[offKind+1 : offSize])
	binary.LittleEndian.PutUint64(buf[offSize:], e.Size)
	binary.LittleEndian.PutUint64(buf[offAlign:], e.Align)
	binary.LittleEndian.PutUint64(buf[offAddress:], uint64(e.Address))
	binary.LittleEndian.PutUint64(buf[offOldAddress:], uint64(e.OldAddress))
	binary.LittleEndian.PutUint64(buf[offOldSize:], e.OldSize)
	binary.LittleEndian.PutUint64(buf[offSite:], e.Site)
}

func AppendEvent(dst []byte, e tracealloc.Event) []byte {
	var buf [RecordSize]byte
	PutEvent(buf[:], e)
	return append(dst, buf[:]...)
}

func DecodeEvent(buf []byte) (tracealloc.Event, error) {
	if len(buf) < RecordSize {
		return tracealloc.Event{}, moerr.NewShortTraceRecordNoCtx(len(buf), RecordSize)
	}
	kind := tracealloc.Kind(buf[offKind])
	if !kind.Valid() {
		return tracealloc.Event{}, moerr.NewUnknownEventKindNoCtx(uint8(kind))
	}
	return tracealloc.Event{
		Kind:       kind,
		Size:       binary.LittleEndian.Uint64(buf[offSize:]),
		Align:      binary.LittleEndian.Uint64(buf[offAlign:]),
		Address:    malloc.Address(binary.LittleEndian.Uint64(buf[offAddress:])),
		OldAddress: malloc.Address(binary.LittleEndian.Uint64(buf[offOldAddress:])),
		OldSize:    binary.LittleEndian.Uint64(buf[offOldSize:]),
		Site:       binary.LittleEndian.Uint64(buf[offSite:]),
	}, nil
}

func AppendHeader(dst []byte) []byte {
	dst = append(dst, magic[:]...)
	return append(dst, Version, 0, 0, 0)
}

func DecodeHeader(buf []byte) error {
	if len(buf) < HeaderSize {
		return moerr.NewBadTraceHeader(context.TODO(), "got %d bytes", len(buf))
	}
	if [4]byte(buf[:4]) != magic {
		return moerr.NewBadTraceHeader(context.TODO(), "bad magic %q", buf[:4])
	}
	if buf[4] != Version {
		return moerr.NewUnsupportedFormat(context.TODO(), buf[4])
	}
	return nil
}

// Writer writes a header followed by one record per event. It does not
// buffer; wrap w if needed.
type Writer struct {
	w   io.Writer
	buf [RecordSize]byte
}

func NewWriter(w io.Writer) (*Writer, error) {
	if _, err := w.Write(AppendHeader(nil)); err != nil {
		return nil, err
	}
	return &Writer{w: w}, nil
}

func (w *Writer) Write(e tracealloc.Event) error {
	PutEvent(w.buf[:], e)
	_, err := w.w.Write(w.buf[:])
	return err
}

type Reader struct {
	r   io.Reader
	buf [RecordSize]byte
	n   int
}

// NewReader reads and checks the stream header.
func NewReader(r io.Reader) (*Reader, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, moerr.NewBadTraceHeader(context.TODO(), "stream too short")
		}
		return nil, err
	}
	if err := DecodeHeader(header[:]); err != nil {
		return nil, err
	}
	return &Reader{r: r}, nil
}

// Next returns the next event, or io.EOF at the end of a well-formed
// stream. A truncated trailing record is an error.
func (r *Reader) Next() (tracealloc.Event, error) {
	n, err := io.ReadFull(r.r, r.buf[:])
	switch {
	case err == io.EOF:
		return tracealloc.Event{}, io.EOF
	case err == io.ErrUnexpectedEOF:
		return tracealloc.Event{}, moerr.NewShortTraceRecordNoCtx(n, RecordSize)
	case err != nil:
		return tracealloc.Event{}, err
	}
	e, err := DecodeEvent(r.buf[:])
	if err != nil {
		return e, err
	}
	r.n++
	return e, nil
}

// Count returns the number of records read so far.
func (r *Reader) Count() int {
	return r.n
}
