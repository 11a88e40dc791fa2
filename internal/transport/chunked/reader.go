package chunked

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
)

// ErrMalformed is wrapped by every syntax error of the coding.
var ErrMalformed = errors.New("malformed chunked encoding")

var (
	errChunkTooLong = fmt.Errorf("%w: http chunk length too large", ErrMalformed)
	errLineTooLong  = fmt.Errorf("%w: header line too long", ErrMalformed)
	errInvalidByte  = fmt.Errorf("%w: invalid byte in chunk length", ErrMalformed)
)

const maxLineLength = 4096

// NewReader decodes the chunked transfer coding from r. After Read returned
// io.EOF, Trailer holds the trailer section.
func NewReader(r io.Reader) *Reader {
	var br *bufio.Reader
	if v, ok := r.(*bufio.Reader); ok {
		br = v
	} else {
		br = bufio.NewReader(r)
	}
	return &Reader{br: br}
}

type Reader struct {
	br        *bufio.Reader
	remaining int64 // bytes left in the current chunk
	inChunk   bool
	done      bool
	trailer   http.Header
}

func (c *Reader) readLine() ([]byte, error) {
	line, err := c.br.ReadSlice('\n')
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		} else if err == bufio.ErrBufferFull {
			err = errLineTooLong
		}
		return nil, err
	}
	if len(line) >= maxLineLength {
		return nil, errLineTooLong
	}
	return bytes.TrimRight(line, "\r\n"), nil
}

func (c *Reader) readChunkHeader() (n int64, err error) {
	line, err := c.readLine()
	if err != nil {
		return 0, err
	}
	// chunk extensions are ignored
	if i := bytes.IndexByte(line, ';'); i >= 0 {
		line = line[:i]
	}
	line = bytes.TrimRight(line, " \t")
	if len(line) == 0 {
		return 0, ErrMalformed
	}
	if len(line) >= 16 {
		return 0, errChunkTooLong
	}
	for _, b := range line {
		switch {
		case '0' <= b && b <= '9':
			b = b - '0'
		case 'a' <= b && b <= 'f':
			b = b - 'a' + 10
		case 'A' <= b && b <= 'F':
			b = b - 'A' + 10
		default:
			return 0, errInvalidByte
		}
		n <<= 4
		n |= int64(b)
	}
	return n, nil
}

func (c *Reader) readTrailer() error {
	h, err := textproto.NewReader(c.br).ReadMIMEHeader()
	if err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		var perr textproto.ProtocolError
		if errors.As(err, &perr) {
			err = fmt.Errorf("%w: %s", ErrMalformed, perr)
		}
		return err
	}
	c.trailer = http.Header(h)
	return nil
}

func (c *Reader) Read(p []byte) (n int, err error) {
	if c.done {
		return 0, io.EOF
	}
	if !c.inChunk {
		l, err := c.readChunkHeader()
		if err != nil {
			return 0, err
		}
		if l == 0 {
			if err := c.readTrailer(); err != nil {
				return 0, err
			}
			c.done = true
			return 0, io.EOF
		}
		c.inChunk, c.remaining = true, l
	}
	if int64(len(p)) > c.remaining {
		p = p[:c.remaining]
	}
	n, err = c.br.Read(p)
	c.remaining -= int64(n)
	if err == io.EOF {
		return n, io.ErrUnexpectedEOF
	}
	if c.remaining == 0 && err == nil {
		dr, _ := c.br.ReadByte()
		dn, err := c.br.ReadByte()
		if err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return n, err
		}
		if dr != '\r' || dn != '\n' {
			return n, ErrMalformed
		}
		c.inChunk = false
	}
	return n, err
}

// Trailer returns the trailer section, nil before the body was fully read.
// A body without trailers has an empty, non-nil trailer.
func (c *Reader) Trailer() http.Header {
	return c.trailer
}
