// Package codec implements the transport compression chain shared by
// destinations (egress, spec C2 step 3) and the dispatcher (ingress
// decompression, spec §6): gzip, lz4 frame, and snappy block.
package codec

import (
	"bufio"
	"compress/gzip"
	"fmt"
	"io"

	"github.com/golang/snappy"
	"github.com/pierrec/lz4/v4"
)

// Kind identifies a transport compression scheme.
type Kind string

const (
	None   Kind = "plain"
	Gzip   Kind = "gzip"
	LZ4    Kind = "lz4"
	Snappy Kind = "snappy"
)

// NewWriter wraps w with the compressor for kind. Callers must Close (or
// Flush, for kinds that support it) the returned writer before closing w, so
// buffered frames are flushed onto the wire.
func NewWriter(kind Kind, w io.Writer) (io.WriteCloser, error) {
	switch kind {
	case None, "":
		return nopWriteCloser{w}, nil
	case Gzip:
		// 15+16 window per spec §6: gzip's default NewWriter already uses
		// this encoding (raw deflate + gzip header/trailer).
		return gzip.NewWriter(w), nil
	case LZ4:
		zw := lz4.NewWriter(w)
		return zw, nil
	case Snappy:
		return snappy.NewBufferedWriter(w), nil
	default:
		return nil, fmt.Errorf("codec: unknown compression kind %q", kind)
	}
}

// NewReader wraps r with the decompressor for kind. Decompression buffers
// live on the ingress side per spec §4.2 step 3.
func NewReader(kind Kind, r io.Reader) (io.Reader, error) {
	switch kind {
	case None, "":
		return bufio.NewReader(r), nil
	case Gzip:
		return gzip.NewReader(r)
	case LZ4:
		return lz4.NewReader(r), nil
	case Snappy:
		return snappy.NewReader(r), nil
	default:
		return nil, fmt.Errorf("codec: unknown compression kind %q", kind)
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }
