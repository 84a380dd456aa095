package transport

import (
	"errors"
	"io"

	"github.com/klauspost/compress/flate"

	"p4rpc/rpcerr"
)

// flushWriter is the write side of the stream stack.
type flushWriter interface {
	io.Writer
	Flush() error
}

// deflateWriter compresses into dst. Output reaches dst only when the
// compressor's internal buffer fills or Flush is called, so Flush must be
// called at every packet boundary.
//
// Flush is a full flush: a sync flush followed by a compressor reset. After
// it, no later block refers back to earlier data, and a peer can start
// inflating from that point.
type deflateWriter struct {
	zw  *flate.Writer
	dst flushWriter
}

func newDeflateWriter(dst flushWriter) (*deflateWriter, error) {
	zw, err := flate.NewWriter(dst, flate.DefaultCompression)
	if err != nil {
		return nil, flateError("new deflater", err)
	}
	return &deflateWriter{zw: zw, dst: dst}, nil
}

func (w *deflateWriter) Write(p []byte) (int, error) {
	n, err := w.zw.Write(p)
	if err != nil {
		return n, flateError("deflate", err)
	}
	return n, nil
}

func (w *deflateWriter) Flush() error {
	if err := w.zw.Flush(); err != nil {
		return flateError("deflate flush", err)
	}
	w.zw.Reset(w.dst)
	return w.dst.Flush()
}

// inflateReader decompresses src. src should implement io.ByteReader so
// the inflater never reads past the data it needs.
type inflateReader struct {
	zr io.ReadCloser
}

func newInflateReader(src io.Reader) *inflateReader {
	return &inflateReader{zr: flate.NewReader(src)}
}

func (r *inflateReader) Read(p []byte) (int, error) {
	n, err := r.zr.Read(p)
	if err != nil && err != io.EOF {
		return n, flateError("inflate", err)
	}
	return n, err
}

func (r *inflateReader) Close() error {
	return r.zr.Close()
}

// flateError maps codec failures onto the error taxonomy. A corrupt input
// means the two ends disagree on the stream and is a protocol failure;
// anything else is reported with its reason as a connection failure.
func flateError(op string, err error) error {
	var re *rpcerr.Error
	if errors.As(err, &re) {
		return err
	}
	var corrupt flate.CorruptInputError
	if errors.As(err, &corrupt) {
		return rpcerr.Wrap(rpcerr.Protocol, op, err, "data error")
	}
	var internal flate.InternalError
	if errors.As(err, &internal) {
		return rpcerr.Wrap(rpcerr.Connection, op, err, "stream error")
	}
	if errors.Is(err, io.ErrUnexpectedEOF) {
		return rpcerr.Wrap(rpcerr.Connection, op, err, "buffer error")
	}
	return rpcerr.Wrap(rpcerr.Connection, op, err, "compression I/O error")
}
