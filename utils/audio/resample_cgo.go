package audio

/*
#cgo CFLAGS: -O2
#cgo LDFLAGS: -lsamplerate -lm
#include "resample_bridge.h"
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"runtime"
	"unsafe"
)

// ResamplerQuality trades conversion quality against CPU cost. The values
// must stay aligned with resampler_map_quality in resample_bridge.h.
type ResamplerQuality int

const (
	QualityBest   ResamplerQuality = iota // Sinc best quality (slowest)
	QualityMedium                         // Sinc medium quality
	QualityFast                           // Sinc fastest
	QualityLinear                         // Linear interpolation
	QualityHold                           // Zero-order hold (fastest)
)

// Resampler converts 16-bit PCM between sample rates via libsamplerate. It
// carries filter state across calls, so consecutive chunks from one stream
// resample without boundary artifacts. Not safe for concurrent use.
type Resampler struct {
	state    C.ResamplerState
	channels int
	ratio    float64

	// Scratch space reused across Resample calls.
	inFloat  []float32
	outFloat []float32
}

func NewResampler(channels int, quality ResamplerQuality, inputRate, outputRate int) (*Resampler, error) {
	if channels <= 0 || channels > 8 {
		return nil, fmt.Errorf("invalid channel count: %d", channels)
	}
	if inputRate <= 0 || outputRate <= 0 {
		return nil, fmt.Errorf("invalid sample rates: in=%d, out=%d", inputRate, outputRate)
	}

	ratio := float64(outputRate) / float64(inputRate)
	state := C.resampler_new(C.int(channels), C.int(quality), C.double(ratio))
	if state == nil {
		return nil, fmt.Errorf("failed to create resampler")
	}

	r := &Resampler{
		state:    state,
		channels: channels,
		ratio:    ratio,
	}

	// Free the C state even if the caller forgets Close.
	runtime.SetFinalizer(r, (*Resampler).Close)
	return r, nil
}

func (r *Resampler) scratch(inSamples, outSamples int) ([]float32, []float32) {
	if cap(r.inFloat) < inSamples {
		r.inFloat = make([]float32, inSamples)
	}
	if cap(r.outFloat) < outSamples {
		r.outFloat = make([]float32, outSamples)
	}
	return r.inFloat[:inSamples], r.outFloat[:outSamples]
}

// Resample converts one chunk of interleaved little-endian PCM16.
func (r *Resampler) Resample(inputPCM []byte) ([]byte, error) {
	if len(inputPCM) == 0 {
		return nil, nil
	}
	if len(inputPCM)%(2*r.channels) != 0 {
		return nil, fmt.Errorf("input PCM length %d invalid for %d channels", len(inputPCM), r.channels)
	}

	inputSamples := len(inputPCM) / 2
	inputFrames := inputSamples / r.channels

	outputFrames := int(C.resampler_get_output_len(r.state, C.long(inputFrames)))
	if outputFrames <= 0 {
		return nil, fmt.Errorf("invalid output frame calculation")
	}

	inFloat, outFloat := r.scratch(inputSamples, outputFrames*r.channels)

	C.resampler_pcm16_to_float(
		(*C.int16_t)(unsafe.Pointer(&inputPCM[0])),
		(*C.float)(&inFloat[0]),
		C.int(inputSamples),
	)

	produced := int(C.resampler_process(
		r.state,
		(*C.float)(&inFloat[0]),
		C.long(inputFrames),
		(*C.float)(&outFloat[0]),
		C.long(outputFrames),
	))
	if produced < 0 {
		return nil, fmt.Errorf("resampling failed")
	}

	outputSamples := produced * r.channels
	outputPCM := make([]byte, outputSamples*2)
	if outputSamples > 0 {
		C.resampler_float_to_pcm16(
			(*C.float)(&outFloat[0]),
			(*C.int16_t)(unsafe.Pointer(&outputPCM[0])),
			C.int(outputSamples),
		)
	}
	return outputPCM, nil
}

// Reset clears the accumulated filter state between unrelated streams.
func (r *Resampler) Reset() {
	if r.state != nil {
		C.resampler_reset(r.state)
	}
}

// Close frees the underlying libsamplerate state.
func (r *Resampler) Close() error {
	if r.state != nil {
		C.resampler_free(r.state)
		r.state = nil
	}
	return nil
}

// ResamplePCMBytes resamples one chunk through a pooled Resampler. The
// resampler is reset before returning to the pool, so each call starts from
// clean filter state; streaming callers that need continuity across chunks
// should hold their own Resampler instead.
func ResamplePCMBytes(pcm []byte, channels, inputRate, outputRate int, quality ResamplerQuality) ([]byte, error) {
	key := fmt.Sprintf("rs-%d-%d-%d-%d", channels, inputRate, outputRate, quality)
	pool := codecPool(key, func() interface{} {
		r, err := NewResampler(channels, quality, inputRate, outputRate)
		if err != nil {
			return nil // pool will call New again on next Get
		}
		// The pool manages the lifetime, not the GC.
		runtime.SetFinalizer(r, nil)
		return r
	})

	v := pool.Get()
	if v == nil {
		return nil, fmt.Errorf("failed to create pooled resampler")
	}
	resampler := v.(*Resampler)

	result, err := resampler.Resample(pcm)
	resampler.Reset()
	pool.Put(resampler)
	return result, err
}
