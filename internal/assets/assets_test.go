package assets

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x += 10 {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: 200, A: 255})
		}
	}
	buf := &bytes.Buffer{}
	require.NoError(t, png.Encode(buf, img))
	return buf.Bytes()
}

func TestNormalizeImageDownscalesLargeImage(t *testing.T) {
	data := encodePNG(t, 2048, 1024)

	out, contentType, err := NormalizeImage(data)
	require.NoError(t, err)
	assert.Equal(t, "image/png", contentType)

	img, format, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, "png", format)
	assert.Equal(t, 1024, img.Bounds().Dx(), "longest edge fits 1024")
	assert.Equal(t, 512, img.Bounds().Dy(), "aspect ratio preserved")
}

func TestNormalizeImageKeepsSmallImageDimensions(t *testing.T) {
	data := encodePNG(t, 300, 200)

	out, _, err := NormalizeImage(data)
	require.NoError(t, err)

	img, _, err := image.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, 300, img.Bounds().Dx())
	assert.Equal(t, 200, img.Bounds().Dy())
}

func TestNormalizeImageRejectsGarbage(t *testing.T) {
	_, _, err := NormalizeImage([]byte("not an image"))
	assert.Error(t, err)
}

func TestLocalPutWritesUnderBaseDir(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir)

	ref, err := l.Put(context.Background(), "uploads/alice/a.png", []byte("data"), "image/png")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "uploads", "alice", "a.png"), ref)

	data, err := os.ReadFile(ref)
	require.NoError(t, err)
	assert.Equal(t, []byte("data"), data)
}

func TestLocalPutSanitizesKey(t *testing.T) {
	dir := t.TempDir()
	l := NewLocal(dir)

	ref, err := l.Put(context.Background(), "../../etc/passwd", []byte("x"), "text/plain")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(ref, dir+string(filepath.Separator)), "traversal must stay under the base dir: %s", ref)
}
