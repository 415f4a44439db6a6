package capture

import (
	"bytes"
	"errors"
	"io"
	"strings"
)

// maxFrameScanBytes bounds how much of an MJPEG stream is read while hunting
// for one complete frame.
const maxFrameScanBytes = 5 * 1024 * 1024

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}

	errNoFrame = errors.New("no complete JPEG frame in stream")
)

func isMJPEGURL(raw string) bool {
	lower := strings.ToLower(raw)
	return strings.Contains(lower, "mjpg") || strings.Contains(lower, "mjpeg")
}

// extractJPEGFrame reads an MJPEG multipart stream until it has one complete
// SOI..EOI JPEG and synthesizes a still frame from it. The multipart boundary
// lines are ignored; the JPEG markers are enough to delimit a frame.
func extractJPEGFrame(r io.Reader) ([]byte, error) {
	var buf []byte
	chunk := make([]byte, 1024)
	read := 0
	foundStart := false

	for read <= maxFrameScanBytes {
		n, err := r.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			read += n

			if !foundStart {
				if idx := bytes.Index(buf, jpegSOI); idx != -1 {
					buf = buf[idx:]
					foundStart = true
				} else if len(buf) > 1 {
					// Keep one byte in case the marker straddles chunks.
					buf = buf[len(buf)-1:]
				}
			}
			if foundStart {
				if idx := bytes.Index(buf[2:], jpegEOI); idx != -1 {
					return buf[:idx+2+len(jpegEOI)], nil
				}
			}
		}
		if err != nil {
			if err == io.EOF {
				break
			}
			return nil, err
		}
	}
	return nil, errNoFrame
}
