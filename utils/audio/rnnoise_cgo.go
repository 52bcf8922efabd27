package audio

/*
#cgo CFLAGS: -I/usr/local/include -I/usr/include
#cgo LDFLAGS: -lrnnoise -lm
#include "rnnoise_bridge.h"
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"spritebot/core"
)

const (
	// RNNoise only works at 48 kHz.
	rnnoiseTargetSampleRate = 48000
	// One RNNoise frame: 480 mono samples, 10 ms at 48 kHz.
	rnnoiseFrameSize = 480
)

// RNNoiseDenoiser suppresses background noise in streaming PCM with the
// RNNoise library. The model wants fixed 480-sample mono frames at 48 kHz;
// the denoiser hides that behind arbitrary chunk sizes by converting stereo
// to mono, resampling with libsamplerate, and buffering samples across
// calls. It is stateful, so use one instance per audio stream.
type RNNoiseDenoiser struct {
	state   *C.DenoiseState
	inputSR int
	inputCh int

	// Both resamplers are nil when the input is already 48 kHz.
	upsampler   *Resampler
	downsampler *Resampler

	pending []float32 // mono 48 kHz samples short of a full frame
	frame   []float32 // scratch for one denoised frame
	mu      sync.Mutex
}

// NewRNNoiseDenoiser creates a denoiser for audio at sampleRate Hz with the
// given channel count (1 or 2).
func NewRNNoiseDenoiser(sampleRate, channels int) (*RNNoiseDenoiser, error) {
	if channels != 1 && channels != 2 {
		return nil, fmt.Errorf("rnnoise: unsupported channel count %d (must be 1 or 2)", channels)
	}
	if sampleRate <= 0 {
		return nil, fmt.Errorf("rnnoise: invalid sample rate %d", sampleRate)
	}

	state := C.rnnoise_bridge_create()
	if state == nil {
		return nil, fmt.Errorf("rnnoise: failed to allocate DenoiseState")
	}

	d := &RNNoiseDenoiser{
		state:   state,
		inputSR: sampleRate,
		inputCh: channels,
		pending: make([]float32, 0, rnnoiseFrameSize*4),
		frame:   make([]float32, rnnoiseFrameSize),
	}

	if sampleRate != rnnoiseTargetSampleRate {
		up, err := NewResampler(1, QualityFast, sampleRate, rnnoiseTargetSampleRate)
		if err != nil {
			C.rnnoise_bridge_destroy(state)
			return nil, fmt.Errorf("rnnoise: failed to create upsampler: %w", err)
		}
		down, err := NewResampler(1, QualityFast, rnnoiseTargetSampleRate, sampleRate)
		if err != nil {
			_ = up.Close()
			C.rnnoise_bridge_destroy(state)
			return nil, fmt.Errorf("rnnoise: failed to create downsampler: %w", err)
		}
		d.upsampler = up
		d.downsampler = down
	}

	runtime.SetFinalizer(d, (*RNNoiseDenoiser).Close)
	return d, nil
}

// Denoise suppresses noise in 16-bit little-endian PCM, which must match the
// rate and channel count the denoiser was created with. Output carries the
// same format. Because processing happens in whole 10 ms frames, a call can
// return fewer bytes than it received; the remainder is held until the next
// call, or until Flush.
func (d *RNNoiseDenoiser) Denoise(pcm []byte) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(pcm) == 0 {
		return []byte{}, nil
	}
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("rnnoise: PCM data must have even byte length")
	}

	mono48k, err := d.intake(pcm)
	if err != nil {
		return nil, err
	}
	d.bufferSamples(mono48k)

	denoised := d.processPending()
	if len(denoised) == 0 {
		return []byte{}, nil
	}
	return d.emit(denoised)
}

// intake converts input PCM to mono 48 kHz.
func (d *RNNoiseDenoiser) intake(pcm []byte) ([]byte, error) {
	if d.inputCh == 2 {
		pcm = stereoToMono(pcm)
	}
	if d.inputSR == rnnoiseTargetSampleRate {
		return pcm, nil
	}
	out, err := d.upsampler.Resample(pcm)
	if err != nil {
		return nil, fmt.Errorf("rnnoise: upsampling failed: %w", err)
	}
	return out, nil
}

// bufferSamples appends PCM as float samples at raw int16 scale, which is
// what the model expects.
func (d *RNNoiseDenoiser) bufferSamples(pcm []byte) {
	numSamples := len(pcm) / 2
	if numSamples == 0 {
		return
	}
	converted := make([]float32, numSamples)
	C.rnnoise_bridge_pcm16_to_float(
		(*C.int16_t)(unsafe.Pointer(&pcm[0])),
		(*C.float)(unsafe.Pointer(&converted[0])),
		C.int(numSamples),
	)
	d.pending = append(d.pending, converted...)
}

// processPending runs the model over every complete frame in the buffer.
func (d *RNNoiseDenoiser) processPending() []float32 {
	out := make([]float32, 0, len(d.pending))
	for len(d.pending) >= rnnoiseFrameSize {
		in := d.pending[:rnnoiseFrameSize]
		C.rnnoise_bridge_process_frame(
			d.state,
			(*C.float)(unsafe.Pointer(&d.frame[0])),
			(*C.float)(unsafe.Pointer(&in[0])),
		)
		out = append(out, d.frame...)
		d.pending = d.pending[rnnoiseFrameSize:]
	}
	return out
}

// emit converts denoised float samples back to PCM at the caller's rate and
// channel layout.
func (d *RNNoiseDenoiser) emit(samples []float32) ([]byte, error) {
	pcm48k := make([]byte, len(samples)*2)
	C.rnnoise_bridge_float_to_pcm16(
		(*C.float)(unsafe.Pointer(&samples[0])),
		(*C.int16_t)(unsafe.Pointer(&pcm48k[0])),
		C.int(len(samples)),
	)

	mono := pcm48k
	if d.inputSR != rnnoiseTargetSampleRate {
		out, err := d.downsampler.Resample(pcm48k)
		if err != nil {
			return nil, fmt.Errorf("rnnoise: downsampling failed: %w", err)
		}
		mono = out
	}
	if d.inputCh == 2 {
		return monoToStereo(mono), nil
	}
	return mono, nil
}

// DenoiseChunk applies noise suppression to a PCM core.AudioChunk. The
// returned chunk keeps the original SampleRate, Channels, and Timestamp.
func (d *RNNoiseDenoiser) DenoiseChunk(chunk core.AudioChunk) (core.AudioChunk, error) {
	if chunk.Format != core.PCM {
		return core.AudioChunk{}, fmt.Errorf("rnnoise: chunk must be PCM format")
	}
	if chunk.Data == nil || len(*chunk.Data) == 0 {
		return chunk, nil
	}
	if chunk.SampleRate != d.inputSR || chunk.Channels != d.inputCh {
		return core.AudioChunk{}, fmt.Errorf(
			"rnnoise: chunk has rate=%d ch=%d but denoiser was created for rate=%d ch=%d",
			chunk.SampleRate, chunk.Channels, d.inputSR, d.inputCh,
		)
	}

	denoised, err := d.Denoise(*chunk.Data)
	if err != nil {
		return core.AudioChunk{}, err
	}
	return core.AudioChunk{
		Data:       &denoised,
		SampleRate: chunk.SampleRate,
		Channels:   chunk.Channels,
		Format:     core.PCM,
		Timestamp:  chunk.Timestamp,
	}, nil
}

// Flush zero-pads the buffered partial frame and processes it. Call after
// the last chunk to drain the denoiser.
func (d *RNNoiseDenoiser) Flush() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(d.pending) == 0 {
		return []byte{}, nil
	}

	padded := make([]float32, rnnoiseFrameSize)
	copy(padded, d.pending)
	d.pending = d.pending[:0]

	C.rnnoise_bridge_process_frame(
		d.state,
		(*C.float)(unsafe.Pointer(&d.frame[0])),
		(*C.float)(unsafe.Pointer(&padded[0])),
	)

	out := make([]float32, rnnoiseFrameSize)
	copy(out, d.frame)
	return d.emit(out)
}

// Reset clears the frame buffer and resampler states. The RNNoise model
// state survives; recreate the denoiser to start that from scratch.
func (d *RNNoiseDenoiser) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.pending = d.pending[:0]
	if d.upsampler != nil {
		d.upsampler.Reset()
	}
	if d.downsampler != nil {
		d.downsampler.Reset()
	}
}

// Close releases the model state and resamplers.
func (d *RNNoiseDenoiser) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.state != nil {
		C.rnnoise_bridge_destroy(d.state)
		d.state = nil
	}
	if d.upsampler != nil {
		_ = d.upsampler.Close()
		d.upsampler = nil
	}
	if d.downsampler != nil {
		_ = d.downsampler.Close()
		d.downsampler = nil
	}
	return nil
}

// DenoiseAudioChunk is a one-off convenience wrapper. For streaming audio,
// keep a persistent RNNoiseDenoiser so temporal model state carries across
// chunks.
func DenoiseAudioChunk(chunk core.AudioChunk) (core.AudioChunk, error) {
	if chunk.Format != core.PCM {
		return core.AudioChunk{}, fmt.Errorf("rnnoise: chunk must be PCM format")
	}
	d, err := NewRNNoiseDenoiser(chunk.SampleRate, chunk.Channels)
	if err != nil {
		return core.AudioChunk{}, err
	}
	defer d.Close()
	return d.DenoiseChunk(chunk)
}
