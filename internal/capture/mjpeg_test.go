package capture

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mjpegFrame(payload []byte) []byte {
	frame := append([]byte{0xff, 0xd8}, payload...)
	return append(frame, 0xff, 0xd9)
}

func TestExtractJPEGFrame(t *testing.T) {
	frame := mjpegFrame([]byte("frame-payload"))
	stream := append([]byte("--boundary\r\nContent-Type: image/jpeg\r\n\r\n"), frame...)
	stream = append(stream, []byte("\r\n--boundary\r\n")...)

	got, err := extractJPEGFrame(bytes.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestExtractJPEGFrame_MarkerStraddlesChunks(t *testing.T) {
	// Place the SOI across the 1024-byte read boundary.
	prefix := bytes.Repeat([]byte{0x00}, 1023)
	frame := mjpegFrame(bytes.Repeat([]byte{0xab}, 2048))
	stream := append(prefix, frame...)

	got, err := extractJPEGFrame(bytes.NewReader(stream))
	require.NoError(t, err)
	assert.Equal(t, frame, got)
}

func TestExtractJPEGFrame_NoFrame(t *testing.T) {
	_, err := extractJPEGFrame(bytes.NewReader(bytes.Repeat([]byte{0x11}, 4096)))
	assert.ErrorIs(t, err, errNoFrame)
}

func TestExtractJPEGFrame_StartWithoutEnd(t *testing.T) {
	stream := append([]byte{0xff, 0xd8}, bytes.Repeat([]byte{0x22}, 1024)...)
	_, err := extractJPEGFrame(bytes.NewReader(stream))
	assert.ErrorIs(t, err, errNoFrame)
}

func TestIsMJPEGURL(t *testing.T) {
	assert.True(t, isMJPEGURL("http://cam.example.com/axis-cgi/mjpg/video.cgi"))
	assert.True(t, isMJPEGURL("http://cam.example.com/stream.MJPEG"))
	assert.False(t, isMJPEGURL("http://cam.example.com/latest.jpg"))
}
