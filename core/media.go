package core

import "time"

// AudioEncodingFormat identifies the byte layout of AudioChunk data.
type AudioEncodingFormat int

const (
	// PCM is 16-bit little-endian linear PCM.
	PCM AudioEncodingFormat = iota
	// ULAW is G.711 mu-law, as used by telephony transports.
	ULAW
	// ALAW is G.711 A-law.
	ALAW
	// OPUS is an Opus-encoded packet.
	OPUS
)

// AudioChunk is one span of audio moving through the pipeline. Data is a
// pointer so chunks can be passed between handlers without copying.
type AudioChunk struct {
	Data       *[]byte
	SampleRate int
	Channels   int
	Format     AudioEncodingFormat
	Timestamp  time.Time
}

// GetDurationInSeconds derives playback duration from the chunk's byte
// length. Only meaningful for PCM data, which is 2 bytes per sample.
func (ac *AudioChunk) GetDurationInSeconds() float64 {
	if ac.SampleRate == 0 || ac.Channels == 0 {
		return 0.0
	}
	totalSamples := len(*ac.Data) / (2 * ac.Channels)
	return float64(totalSamples) / float64(ac.SampleRate)
}

type VideoFormat string

const (
	VideoFormatMP4 VideoFormat = "mp4"
	VideoFormatAVI VideoFormat = "avi"
	VideoFormatMKV VideoFormat = "mkv"
)

// VideoChunk is one span of encoded video. Resolution is "WxH", e.g.
// "1920x1080".
type VideoChunk struct {
	Data       *[]byte
	FrameRate  int
	Resolution string
	Format     VideoFormat
	Timestamp  time.Time
}

type ImageFormat string

const (
	ImageFormatRGB24 ImageFormat = "rgb24" // Packed 24-bit RGB, no padding.
	ImageFormatPNG   ImageFormat = "png"
	ImageFormatJPEG  ImageFormat = "jpeg"
)

// ImageChunk is a single still frame. Animation handlers emit sequences of
// these and transports render them on their video track.
type ImageChunk struct {
	Data   *[]byte     // Raw pixel or encoded image data.
	Width  int         // Frame width in pixels.
	Height int         // Frame height in pixels.
	Format ImageFormat // Pixel layout or encoding of Data.
}

// Size returns the expected byte length for raw formats, or 0 for encoded ones.
func (ic *ImageChunk) Size() int {
	if ic.Format == ImageFormatRGB24 {
		return ic.Width * ic.Height * 3
	}
	return 0
}

type TextChunk struct {
	Text string
}

// MediaChunk bundles whatever a transport received in one read. Unused
// members stay zero.
type MediaChunk struct {
	Audio AudioChunk
	Video VideoChunk
	Text  TextChunk
}
