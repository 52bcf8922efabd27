package sprite

import (
	"fmt"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"spritebot/core"
)

func writePNG(t *testing.T, path string, width, height int, fill color.NRGBA) {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.SetNRGBA(x, y, fill)
		}
	}
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	require.NoError(t, png.Encode(f, img))
}

func writeFrameSet(t *testing.T, dir string, width, height int) {
	t.Helper()
	for i := 1; i <= FrameCount; i++ {
		// Vary the red channel per frame so frames are distinguishable.
		writePNG(t, filepath.Join(dir, fmt.Sprintf("robot%02d.png", i)), width, height, color.NRGBA{R: uint8(i), G: 100, B: 200, A: 255})
	}
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	writeFrameSet(t, dir, 4, 3)

	frames, err := LoadDirectory(dir)
	require.NoError(t, err)
	require.Len(t, frames, FrameCount)

	for i, frame := range frames {
		assert.Equal(t, 4, frame.Width)
		assert.Equal(t, 3, frame.Height)
		assert.Equal(t, core.ImageFormatRGB24, frame.Format)
		require.Len(t, *frame.Data, 4*3*3)
		// First pixel carries the per-frame red value.
		assert.Equal(t, byte(i+1), (*frame.Data)[0])
		assert.Equal(t, byte(100), (*frame.Data)[1])
		assert.Equal(t, byte(200), (*frame.Data)[2])
	}
}

func TestLoadDirectoryMissingFrame(t *testing.T) {
	dir := t.TempDir()
	writeFrameSet(t, dir, 2, 2)
	require.NoError(t, os.Remove(filepath.Join(dir, "robot13.png")))

	_, err := LoadDirectory(dir)
	assert.Error(t, err)
}

func TestLoadDirectoryRejectsMixedSizes(t *testing.T) {
	dir := t.TempDir()
	writeFrameSet(t, dir, 2, 2)
	writePNG(t, filepath.Join(dir, "robot07.png"), 3, 2, color.NRGBA{A: 255})

	_, err := LoadDirectory(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "robot07.png")
}

func TestLoadDirectoryRejectsUndecodableFile(t *testing.T) {
	dir := t.TempDir()
	writeFrameSet(t, dir, 2, 2)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "robot01.png"), []byte("not a png"), 0o644))

	_, err := LoadDirectory(dir)
	assert.Error(t, err)
}

func TestPingPong(t *testing.T) {
	frames := make([]core.ImageChunk, 3)
	for i := range frames {
		data := []byte{byte(i)}
		frames[i] = core.ImageChunk{Data: &data, Width: 1, Height: 1, Format: core.ImageFormatRGB24}
	}

	loop := PingPong(frames)
	require.Len(t, loop, 6)

	order := make([]byte, 0, len(loop))
	for _, frame := range loop {
		order = append(order, (*frame.Data)[0])
	}
	// Forward then reversed, so playback swings back and forth seamlessly.
	assert.Equal(t, []byte{0, 1, 2, 2, 1, 0}, order)
}

func TestToRGB24DropsAlpha(t *testing.T) {
	img := image.NewNRGBA(image.Rect(0, 0, 2, 1))
	img.SetNRGBA(0, 0, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
	img.SetNRGBA(1, 0, color.NRGBA{R: 40, G: 50, B: 60, A: 128})

	chunk := ToRGB24(img)
	assert.Equal(t, 2, chunk.Width)
	assert.Equal(t, 1, chunk.Height)
	assert.Equal(t, core.ImageFormatRGB24, chunk.Format)
	assert.Equal(t, []byte{10, 20, 30, 40, 50, 60}, *chunk.Data)
	assert.Equal(t, chunk.Size(), len(*chunk.Data))
}

func TestToRGB24GenericImage(t *testing.T) {
	// Gray images take the generic conversion path.
	img := image.NewGray(image.Rect(0, 0, 1, 1))
	img.SetGray(0, 0, color.Gray{Y: 200})

	chunk := ToRGB24(img)
	assert.Equal(t, []byte{200, 200, 200}, *chunk.Data)
}
