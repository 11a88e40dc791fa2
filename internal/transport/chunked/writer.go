package chunked

import (
	"io"
	"net/http"
	"slices"
	"strconv"
)

// NewWriter is taken from golang src/net/http/internal/chunked.go
func NewWriter(w io.Writer) *Writer {
	return &Writer{w}
}

type Writer struct {
	Wire io.Writer
}

func (cw *Writer) Write(data []byte) (n int, err error) {
	// Don't send 0-length data. It looks like EOF for chunked encoding.
	if len(data) == 0 {
		return 0, nil
	}

	if _, err = io.WriteString(cw.Wire, strconv.FormatInt(int64(len(data)), 16)+"\r\n"); err != nil {
		return 0, err
	}
	if n, err = cw.Wire.Write(data); err != nil {
		return
	}
	if n != len(data) {
		err = io.ErrShortWrite
		return
	}
	if _, err = io.WriteString(cw.Wire, "\r\n"); err != nil {
		return
	}
	if f, ok := cw.Wire.(interface{ Flush() error }); ok {
		err = f.Flush()
	}
	return
}

func (cw *Writer) Close() error {
	return cw.CloseWithTrailer(nil)
}

// CloseWithTrailer writes the last chunk followed by the trailer section.
// Trailer keys are written as given, in sorted order.
func (cw *Writer) CloseWithTrailer(trailer http.Header) error {
	if _, err := io.WriteString(cw.Wire, "0\r\n"); err != nil {
		return err
	}
	keys := make([]string, 0, len(trailer))
	for k := range trailer {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	for _, k := range keys {
		for _, v := range trailer[k] {
			if _, err := io.WriteString(cw.Wire, k+": "+v+"\r\n"); err != nil {
				return err
			}
		}
	}
	if _, err := io.WriteString(cw.Wire, "\r\n"); err != nil {
		return err
	}
	if f, ok := cw.Wire.(interface{ Flush() error }); ok {
		return f.Flush()
	}
	return nil
}
