// Package sprite loads the avatar frames rendered on the bot's video track.
package sprite

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"

	"spritebot/core"
)

// FrameCount is the number of PNG assets that make up the avatar animation.
const FrameCount = 25

// LoadDirectory reads robot01.png through robot25.png from dir and converts
// each to a packed RGB24 frame. All frames must share one size; a missing or
// undecodable file aborts loading.
func LoadDirectory(dir string) ([]core.ImageChunk, error) {
	frames := make([]core.ImageChunk, 0, FrameCount)
	for i := 1; i <= FrameCount; i++ {
		path := filepath.Join(dir, fmt.Sprintf("robot%02d.png", i))
		frame, err := loadFrame(path)
		if err != nil {
			return nil, err
		}
		if len(frames) > 0 && (frame.Width != frames[0].Width || frame.Height != frames[0].Height) {
			return nil, fmt.Errorf("sprite: frame %s is %dx%d, want %dx%d like the first frame",
				filepath.Base(path), frame.Width, frame.Height, frames[0].Width, frames[0].Height)
		}
		frames = append(frames, frame)
	}
	return frames, nil
}

// PingPong returns the frames followed by the frames reversed, producing a
// loop that swings back and forth without a seam.
func PingPong(frames []core.ImageChunk) []core.ImageChunk {
	out := make([]core.ImageChunk, 0, len(frames)*2)
	out = append(out, frames...)
	for i := len(frames) - 1; i >= 0; i-- {
		out = append(out, frames[i])
	}
	return out
}

func loadFrame(path string) (core.ImageChunk, error) {
	f, err := os.Open(path)
	if err != nil {
		return core.ImageChunk{}, fmt.Errorf("sprite: %w", err)
	}
	defer f.Close()

	img, err := png.Decode(f)
	if err != nil {
		return core.ImageChunk{}, fmt.Errorf("sprite: decode %s: %w", filepath.Base(path), err)
	}
	return ToRGB24(img), nil
}

// ToRGB24 flattens a decoded image into packed 24-bit RGB, dropping alpha.
func ToRGB24(img image.Image) core.ImageChunk {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	data := make([]byte, 0, w*h*3)

	switch src := img.(type) {
	case *image.NRGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			for x := 0; x < len(row); x += 4 {
				data = append(data, row[x], row[x+1], row[x+2])
			}
		}
	case *image.RGBA:
		for y := 0; y < h; y++ {
			row := src.Pix[y*src.Stride : y*src.Stride+w*4]
			for x := 0; x < len(row); x += 4 {
				data = append(data, row[x], row[x+1], row[x+2])
			}
		}
	default:
		for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
			for x := bounds.Min.X; x < bounds.Max.X; x++ {
				r, g, b, _ := img.At(x, y).RGBA()
				data = append(data, byte(r>>8), byte(g>>8), byte(b>>8))
			}
		}
	}

	return core.ImageChunk{
		Data:   &data,
		Width:  w,
		Height: h,
		Format: core.ImageFormatRGB24,
	}
}
