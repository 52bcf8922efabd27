package audio

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync"

	"spritebot/core"

	"github.com/zaf/g711"
)

const (
	opusMaxPacketSize = 4000 // bytes
	opusFrameSizeMs   = 60
)

const wavHeaderSize = 44

// codecPools caches Opus encoder and decoder handles keyed by their config
// string. CGO handles are expensive to create, so they are recycled for the
// process lifetime instead of allocated per audio chunk.
var codecPools sync.Map // map[string]*sync.Pool

func codecPool(key string, newFn func() interface{}) *sync.Pool {
	if v, ok := codecPools.Load(key); ok {
		return v.(*sync.Pool)
	}
	actual, _ := codecPools.LoadOrStore(key, &sync.Pool{New: newFn})
	return actual.(*sync.Pool)
}

// PCMToULaw converts one 16-bit PCM sample to 8-bit µ-law (ITU-T G.711).
func PCMToULaw(sample int16) byte {
	return g711.EncodeUlawFrame(sample)
}

// ULawToPCM converts one 8-bit µ-law byte to 16-bit PCM.
func ULawToPCM(u byte) int16 {
	return g711.DecodeUlawFrame(u)
}

// PCMBytesToULaw converts little-endian 16-bit PCM bytes to µ-law.
func PCMBytesToULaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	return g711.EncodeUlaw(pcm), nil
}

// ULawBytesToPCM converts µ-law bytes to little-endian 16-bit PCM.
func ULawBytesToPCM(uBytes []byte) []byte {
	return g711.DecodeUlaw(uBytes)
}

// PCMToALaw converts one 16-bit PCM sample to 8-bit A-law (ITU-T G.711).
func PCMToALaw(sample int16) byte {
	return g711.EncodeAlawFrame(sample)
}

// ALawToPCM converts one 8-bit A-law byte to 16-bit PCM.
func ALawToPCM(a byte) int16 {
	return g711.DecodeAlawFrame(a)
}

// PCMBytesToALaw converts little-endian 16-bit PCM bytes to A-law.
func PCMBytesToALaw(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, errors.New("PCM byte slice length must be even (16-bit samples)")
	}
	return g711.EncodeAlaw(pcm), nil
}

// ALawBytesToPCM converts A-law bytes to little-endian 16-bit PCM.
func ALawBytesToPCM(aBytes []byte) []byte {
	return g711.DecodeAlaw(aBytes)
}

// PCMBytesToOpus encodes PCM to Opus using a pooled CGO encoder.
func PCMBytesToOpus(pcm []byte, sampleRate, channels int) ([]byte, error) {
	if err := ValidatePCMData(pcm, channels); err != nil {
		return nil, err
	}

	pool := codecPool(fmt.Sprintf("enc-%d-%d", sampleRate, channels), func() interface{} {
		enc, err := NewCgoOpusEncoder(sampleRate, channels, OpusAppAudio)
		if err != nil {
			return nil
		}
		// The pool owns the handle, not the GC.
		runtime.SetFinalizer(enc, nil)
		return enc
	})
	v := pool.Get()
	if v == nil {
		return nil, fmt.Errorf("failed to create pooled Opus encoder")
	}
	encoder := v.(*CgoOpusEncoder)
	defer pool.Put(encoder)

	return encoder.EncodeBytes(pcm)
}

// OpusBytesToPCM decodes Opus to PCM using a pooled CGO decoder.
func OpusBytesToPCM(opusData []byte, sampleRate, channels int) ([]byte, error) {
	if len(opusData) == 0 {
		return nil, fmt.Errorf("empty Opus data")
	}

	pool := codecPool(fmt.Sprintf("dec-%d-%d", sampleRate, channels), func() interface{} {
		dec, err := NewCgoOpusDecoder(sampleRate, channels)
		if err != nil {
			return nil
		}
		runtime.SetFinalizer(dec, nil)
		return dec
	})
	v := pool.Get()
	if v == nil {
		return nil, fmt.Errorf("failed to create pooled Opus decoder")
	}
	decoder := v.(*CgoOpusDecoder)
	defer pool.Put(decoder)

	return decoder.DecodeToBytes(opusData)
}

// PCMBytesToWavBytes wraps 16-bit little-endian PCM in a canonical WAV
// container. Mono and stereo only.
func PCMBytesToWavBytes(pcm []byte, numChannels, sampleRate int) ([]byte, error) {
	if len(pcm) == 0 {
		return nil, errors.New("PCM data is empty")
	}
	if numChannels <= 0 || numChannels > 2 {
		return nil, errors.New("only mono (1) or stereo (2) channels supported")
	}
	if sampleRate <= 0 {
		return nil, errors.New("sample rate must be positive")
	}
	if len(pcm)%(2*numChannels) != 0 {
		return nil, errors.New("PCM data length doesn't match channel count")
	}

	const bitsPerSample = 16
	blockAlign := numChannels * bitsPerSample / 8
	byteRate := sampleRate * blockAlign

	out := make([]byte, wavHeaderSize+len(pcm))
	le := binary.LittleEndian

	copy(out[0:4], "RIFF")
	le.PutUint32(out[4:8], uint32(36+len(pcm)))
	copy(out[8:12], "WAVE")

	copy(out[12:16], "fmt ")
	le.PutUint32(out[16:20], 16) // fmt chunk size
	le.PutUint16(out[20:22], 1)  // PCM
	le.PutUint16(out[22:24], uint16(numChannels))
	le.PutUint32(out[24:28], uint32(sampleRate))
	le.PutUint32(out[28:32], uint32(byteRate))
	le.PutUint16(out[32:34], uint16(blockAlign))
	le.PutUint16(out[34:36], bitsPerSample)

	copy(out[36:40], "data")
	le.PutUint32(out[40:44], uint32(len(pcm)))
	copy(out[wavHeaderSize:], pcm)

	return out, nil
}

// ValidatePCMData checks basic integrity of a 16-bit PCM byte slice.
func ValidatePCMData(pcm []byte, numChannels int) error {
	if len(pcm)%2 != 0 {
		return errors.New("PCM data must have even length (16-bit samples)")
	}
	if len(pcm) == 0 {
		return errors.New("PCM data is empty")
	}
	if numChannels <= 0 {
		return errors.New("invalid number of channels")
	}
	if len(pcm)%(2*numChannels) != 0 {
		return errors.New("PCM data length doesn't match channel count")
	}
	return nil
}

// GetPCMSampleCount returns the number of 16-bit samples in the slice.
func GetPCMSampleCount(pcm []byte) int {
	if len(pcm)%2 != 0 {
		return 0
	}
	return len(pcm) / 2
}

// GetPCMDurationSeconds returns the playback duration of the PCM data.
func GetPCMDurationSeconds(pcm []byte, numChannels, sampleRate int) (float64, error) {
	if err := ValidatePCMData(pcm, numChannels); err != nil {
		return 0, err
	}
	if sampleRate <= 0 {
		return 0, errors.New("invalid sample rate")
	}
	frames := GetPCMSampleCount(pcm) / numChannels
	return float64(frames) / float64(sampleRate), nil
}

// StripWAVHeaderIfPresent returns the raw PCM payload when the input starts
// with a RIFF/WAVE header, and the input unchanged otherwise. Subchunks
// other than "data" are skipped.
func StripWAVHeaderIfPresent(chunk []byte) ([]byte, error) {
	if len(chunk) < 12 {
		return chunk, nil
	}
	if !bytes.HasPrefix(chunk, []byte("RIFF")) || !bytes.Equal(chunk[8:12], []byte("WAVE")) {
		return chunk, nil
	}

	i := 12
	for i+8 <= len(chunk) {
		id := string(chunk[i : i+4])
		size := int(binary.LittleEndian.Uint32(chunk[i+4 : i+8]))
		next := i + 8 + size

		if id == "data" {
			if next > len(chunk) {
				return nil, errors.New("invalid WAV: data chunk exceeds buffer length")
			}
			return chunk[i+8 : next], nil
		}

		// Chunks are padded to an even boundary.
		if size%2 != 0 {
			next++
		}
		if next > len(chunk) {
			break
		}
		i = next
	}

	return nil, errors.New("invalid WAV: data chunk not found")
}

// ConvertAudioChunk converts audio between encodings, channel layouts and
// sample rates, going through 16-bit PCM as the intermediate form. The input
// chunk is returned unchanged when it already matches the target.
func ConvertAudioChunk(
	input core.AudioChunk,
	targetFormat core.AudioEncodingFormat,
	targetChannels int,
	targetSampleRate int,
) (core.AudioChunk, error) {
	if input.Format == targetFormat && input.SampleRate == targetSampleRate && input.Channels == targetChannels {
		return input, nil
	}

	if input.Format != core.PCM {
		pcm, err := decodeToPCM(input)
		if err != nil {
			return core.AudioChunk{}, err
		}
		input.Data = &pcm
		input.Format = core.PCM
	}

	if input.Channels != targetChannels {
		pcm, err := convertChannels(*input.Data, input.Channels, targetChannels)
		if err != nil {
			return core.AudioChunk{}, err
		}
		input.Data = &pcm
		input.Channels = targetChannels
	}

	if input.SampleRate != targetSampleRate {
		pcm, err := ResamplePCMBytes(*input.Data, input.Channels, input.SampleRate, targetSampleRate, QualityLinear)
		if err != nil {
			return core.AudioChunk{}, err
		}
		input.Data = &pcm
		input.SampleRate = targetSampleRate
	}

	if targetFormat != core.PCM {
		encoded, err := encodeFromPCM(*input.Data, input.Channels, input.SampleRate, targetFormat)
		if err != nil {
			return core.AudioChunk{}, err
		}
		input.Data = &encoded
		input.Format = targetFormat
	}

	return input, nil
}

func decodeToPCM(input core.AudioChunk) ([]byte, error) {
	switch input.Format {
	case core.ULAW:
		return ULawBytesToPCM(*input.Data), nil
	case core.ALAW:
		return ALawBytesToPCM(*input.Data), nil
	case core.OPUS:
		return OpusBytesToPCM(*input.Data, input.SampleRate, input.Channels)
	default:
		return nil, errors.New("unsupported format for PCM conversion")
	}
}

func encodeFromPCM(pcm []byte, channels, sampleRate int, targetFormat core.AudioEncodingFormat) ([]byte, error) {
	switch targetFormat {
	case core.ULAW:
		return PCMBytesToULaw(pcm)
	case core.ALAW:
		return PCMBytesToALaw(pcm)
	case core.OPUS:
		return PCMBytesToOpus(pcm, sampleRate, channels)
	default:
		return nil, errors.New("unsupported target format")
	}
}

func convertChannels(pcm []byte, fromChannels, toChannels int) ([]byte, error) {
	switch {
	case fromChannels == toChannels:
		return pcm, nil
	case fromChannels == 1 && toChannels == 2:
		return monoToStereo(pcm), nil
	case fromChannels == 2 && toChannels == 1:
		return stereoToMono(pcm), nil
	default:
		return nil, fmt.Errorf("unsupported channel conversion: %d to %d", fromChannels, toChannels)
	}
}

// monoToStereo duplicates each sample into both channels.
func monoToStereo(monoPCM []byte) []byte {
	samples := len(monoPCM) / 2
	out := make([]byte, samples*4)
	for i := 0; i < samples; i++ {
		out[i*4] = monoPCM[i*2]
		out[i*4+1] = monoPCM[i*2+1]
		out[i*4+2] = monoPCM[i*2]
		out[i*4+3] = monoPCM[i*2+1]
	}
	return out
}

// stereoToMono averages the left and right channels.
func stereoToMono(stereoPCM []byte) []byte {
	samples := len(stereoPCM) / 4
	out := make([]byte, samples*2)
	for i := 0; i < samples; i++ {
		left := int16(binary.LittleEndian.Uint16(stereoPCM[i*4 : i*4+2]))
		right := int16(binary.LittleEndian.Uint16(stereoPCM[i*4+2 : i*4+4]))
		mono := (int(left) + int(right)) / 2
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], uint16(mono))
	}
	return out
}
