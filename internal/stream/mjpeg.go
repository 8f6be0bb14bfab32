package stream

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"io"
	"net/http"
	"strconv"

	"github.com/disintegration/imaging"
)

// Boundary separates the parts of the multipart stream.
const Boundary = "frame"

// ContentType is the response type of an MJPEG stream.
const ContentType = "multipart/x-mixed-replace; boundary=" + Boundary

// DefaultQuality is used when no JPEG quality is configured.
const DefaultQuality = 80

// ErrEncode marks a frame that could not be encoded. The stream survives it.
var ErrEncode = errors.New("stream: jpeg encode failed")

// EncodeJPEG writes img as a JPEG. Failures wrap ErrEncode.
func EncodeJPEG(w io.Writer, img image.Image, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	if err := imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(quality)); err != nil {
		return fmt.Errorf("%w: %w", ErrEncode, err)
	}
	return nil
}

// MJPEGWriter writes frames as parts of a multipart/x-mixed-replace body.
type MJPEGWriter struct {
	w       io.Writer
	quality int
	buf     bytes.Buffer
}

// NewMJPEGWriter wraps w. When w is an http.ResponseWriter the caller sets
// ContentType before the first frame.
func NewMJPEGWriter(w io.Writer, quality int) *MJPEGWriter {
	return &MJPEGWriter{w: w, quality: quality}
}

// WriteFrame encodes one frame and flushes it to the client. An encode error
// wraps ErrEncode and writes nothing; any other error means the client is gone.
func (m *MJPEGWriter) WriteFrame(f Frame) error {
	m.buf.Reset()
	if err := EncodeJPEG(&m.buf, f.Image, m.quality); err != nil {
		return err
	}

	header := "--" + Boundary + "\r\n" +
		"Content-Type: image/jpeg\r\n" +
		"Content-Length: " + strconv.Itoa(m.buf.Len()) + "\r\n\r\n"
	if _, err := io.WriteString(m.w, header); err != nil {
		return err
	}
	if _, err := m.w.Write(m.buf.Bytes()); err != nil {
		return err
	}
	if _, err := io.WriteString(m.w, "\r\n"); err != nil {
		return err
	}
	if fl, ok := m.w.(http.Flusher); ok {
		fl.Flush()
	}
	return nil
}
