package audio

/*
#cgo CFLAGS: -I/usr/local/include
#cgo LDFLAGS: -lopus -lm
#include "opus_bridge.h"
#include <stdlib.h>
*/
import "C"

import (
	"fmt"
	"runtime"
	"sync"
	"unsafe"
)

// OpusApplication selects the encoder tuning profile.
type OpusApplication int

const (
	OpusAppAudio              OpusApplication = C.OPUS_APPLICATION_AUDIO
	OpusAppVoIP               OpusApplication = C.OPUS_APPLICATION_VOIP
	OpusAppRestrictedLowDelay OpusApplication = C.OPUS_APPLICATION_RESTRICTED_LOWDELAY
)

// OpusError wraps a libopus status code.
type OpusError int

func (e OpusError) Error() string {
	return C.GoString(C.opus_strerror(C.int(e)))
}

// CgoOpusEncoder encodes 16-bit PCM into Opus packets. Instances are pooled
// by PCMBytesToOpus; hold one per stream when encoding continuously.
type CgoOpusEncoder struct {
	handle        *C.OpusEncoderHandle
	sampleRate    int
	channels      int
	frameSize     int
	maxPacketSize int
	mu            sync.Mutex
}

func NewCgoOpusEncoder(sampleRate, channels int, app OpusApplication) (*CgoOpusEncoder, error) {
	var cErr C.int
	handle := C.opus_bridge_encoder_create(C.int(sampleRate), C.int(channels), C.int(app), &cErr)
	if cErr != 0 {
		return nil, fmt.Errorf("failed to create Opus encoder: %w", OpusError(cErr))
	}

	enc := &CgoOpusEncoder{
		handle:        handle,
		sampleRate:    sampleRate,
		channels:      channels,
		frameSize:     sampleRate * opusFrameSizeMs / 1000,
		maxPacketSize: opusMaxPacketSize,
	}

	// Free the C handle even if the caller forgets Close.
	runtime.SetFinalizer(enc, (*CgoOpusEncoder).Close)
	return enc, nil
}

// Encode compresses one frame of interleaved samples into a single packet.
func (e *CgoOpusEncoder) Encode(pcm []int16) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle == nil {
		return nil, fmt.Errorf("encoder already closed")
	}
	if len(pcm) == 0 {
		return nil, fmt.Errorf("empty PCM data")
	}

	out := make([]byte, e.maxPacketSize)
	n := C.opus_bridge_encode(
		e.handle,
		(*C.opus_int16)(unsafe.Pointer(&pcm[0])),
		C.int(len(pcm)/e.channels),
		(*C.uchar)(unsafe.Pointer(&out[0])),
		C.int(e.maxPacketSize),
	)
	if n < 0 {
		return nil, fmt.Errorf("opus encode failed: %w", OpusError(n))
	}
	return out[:n], nil
}

// EncodeBytes encodes little-endian PCM16 bytes without an intermediate copy.
func (e *CgoOpusEncoder) EncodeBytes(pcm []byte) ([]byte, error) {
	if len(pcm)%2 != 0 {
		return nil, fmt.Errorf("PCM bytes must have even length")
	}
	samples := unsafe.Slice((*int16)(unsafe.Pointer(&pcm[0])), len(pcm)/2)
	return e.Encode(samples)
}

func (e *CgoOpusEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.handle != nil {
		C.opus_bridge_encoder_destroy(e.handle)
		e.handle = nil
	}
	return nil
}

// CgoOpusDecoder decodes Opus packets back to 16-bit PCM.
type CgoOpusDecoder struct {
	handle     *C.OpusDecoderHandle
	sampleRate int
	channels   int
	frameSize  int // max samples per decode, all channels
	mu         sync.Mutex
}

func NewCgoOpusDecoder(sampleRate, channels int) (*CgoOpusDecoder, error) {
	var cErr C.int
	handle := C.opus_bridge_decoder_create(C.int(sampleRate), C.int(channels), &cErr)
	if cErr != 0 {
		return nil, fmt.Errorf("failed to create Opus decoder: %w", OpusError(cErr))
	}

	dec := &CgoOpusDecoder{
		handle:     handle,
		sampleRate: sampleRate,
		channels:   channels,
		frameSize:  sampleRate * opusFrameSizeMs / 1000 * channels,
	}

	runtime.SetFinalizer(dec, (*CgoOpusDecoder).Close)
	return dec, nil
}

// Decode expands one packet into interleaved samples. Passing an empty
// packet yields concealment audio for a lost frame.
func (d *CgoOpusDecoder) Decode(opusData []byte) ([]int16, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle == nil {
		return nil, fmt.Errorf("decoder already closed")
	}

	pcm := make([]int16, d.frameSize)

	// A nil packet pointer tells libopus to run loss concealment.
	var pkt *C.uchar
	if len(opusData) > 0 {
		pkt = (*C.uchar)(unsafe.Pointer(&opusData[0]))
	}
	n := C.opus_bridge_decode(d.handle, pkt, C.int(len(opusData)),
		(*C.opus_int16)(unsafe.Pointer(&pcm[0])),
		C.int(d.frameSize/d.channels), 0)
	if n < 0 {
		return nil, fmt.Errorf("opus decode failed: %w", OpusError(n))
	}
	if n == 0 {
		return []int16{}, nil
	}
	return pcm[:int(n)*d.channels], nil
}

// DecodeToBytes decodes a packet and returns little-endian PCM16 bytes.
func (d *CgoOpusDecoder) DecodeToBytes(opusData []byte) ([]byte, error) {
	samples, err := d.Decode(opusData)
	if err != nil {
		return nil, err
	}
	if len(samples) == 0 {
		return []byte{}, nil
	}

	view := unsafe.Slice((*byte)(unsafe.Pointer(&samples[0])), len(samples)*2)
	result := make([]byte, len(view))
	copy(result, view)
	return result, nil
}

func (d *CgoOpusDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.handle != nil {
		C.opus_bridge_decoder_destroy(d.handle)
		d.handle = nil
	}
	return nil
}
