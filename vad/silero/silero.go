package silero

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	ort "github.com/yalue/onnxruntime_go"
)

// The ONNX runtime environment is initialized once per process and never
// destroyed. Tearing it down and re-creating it leaks internal runtime state.
var onnxEnvOnce sync.Once

// stateResetInterval is how often the recurrent model state is zeroed so
// confidence does not drift over long sessions.
const stateResetInterval = 2 * time.Second

const stateSize = 2 * 1 * 128 // model hidden state shape [2, 1, 128]

// SileroVADConfig holds configuration for the Silero VAD.
type SileroVADConfig struct {
	OnnxPath    string  // path to the Silero ONNX model
	OnnxLibPath string  // path to the ONNX runtime shared library
	Threshold   float32 // voice threshold in [0, 1]
}

// DefaultSileroVADConfig returns a default configuration.
func DefaultSileroVADConfig() SileroVADConfig {
	return SileroVADConfig{
		OnnxPath:    "./models/silero_vad.onnx",
		OnnxLibPath: "./onnx/libonnxruntime.so",
		Threshold:   0.3,
	}
}

// inference bundles the ONNX session with the tensors bound to it. One
// instance serves a single sample rate; all tensor memory is allocated once
// and reused for every call.
type inference struct {
	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	srTensor     *ort.Tensor[int64]
	stateTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
	stateNTensor *ort.Tensor[float32]
}

func (inf *inference) destroy() {
	if inf == nil {
		return
	}
	if inf.session != nil {
		inf.session.Destroy()
	}
	if inf.inputTensor != nil {
		inf.inputTensor.Destroy()
	}
	if inf.srTensor != nil {
		inf.srTensor.Destroy()
	}
	if inf.stateTensor != nil {
		inf.stateTensor.Destroy()
	}
	if inf.outputTensor != nil {
		inf.outputTensor.Destroy()
	}
	if inf.stateNTensor != nil {
		inf.stateNTensor.Destroy()
	}
}

// SileroVAD scores voice activity with the Silero ONNX model. Audio is
// buffered into fixed-size windows; each window runs one inference that also
// threads the recurrent state and a short context tail forward.
type SileroVAD struct {
	mu     sync.Mutex
	config SileroVADConfig

	inf        *inference
	sampleRate int64 // sample rate the current inference was built for

	state       []float32 // recurrent hidden state, reused across calls
	context     []float32 // tail of the previous window
	audioBuffer []float32 // samples waiting for a full window
	lastReset   time.Time

	fullInput     []float32 // scratch: context + window
	conversionBuf []float32 // scratch: byte to float32 conversion

	initialized bool
}

// NewSileroVAD creates a new Silero VAD instance.
func NewSileroVAD(config SileroVADConfig) (*SileroVAD, error) {
	return &SileroVAD{
		config:    config,
		state:     make([]float32, stateSize),
		lastReset: time.Now(),
	}, nil
}

// windowSize returns the per-inference sample count for a sample rate.
func windowSize(sampleRate int64) (int64, error) {
	switch sampleRate {
	case 8000:
		return 256, nil
	case 16000:
		return 512, nil
	default:
		return 0, fmt.Errorf("unsupported sample rate: %d (must be 8000 or 16000)", sampleRate)
	}
}

func contextSize(sampleRate int64) int64 {
	if sampleRate == 16000 {
		return 64
	}
	return 32
}

// Initialize loads the ONNX runtime. Tensors are created lazily on the first
// VoiceConfidence call, once the sample rate is known.
func (v *SileroVAD) Initialize() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if v.initialized {
		return nil
	}

	var envErr error
	onnxEnvOnce.Do(func() {
		ort.SetSharedLibraryPath(v.config.OnnxLibPath)
		envErr = ort.InitializeEnvironment()
	})
	if envErr != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", envErr)
	}

	v.initialized = true
	return nil
}

// Close releases the session and tensors. The process-wide ONNX environment
// stays up for later sessions.
func (v *SileroVAD) Close() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.initialized {
		return nil
	}
	v.inf.destroy()
	v.inf = nil
	v.initialized = false
	return nil
}

// VoiceConfidence returns the speech probability of the given 16-bit PCM
// audio. Partial windows are buffered; when the input completes several
// windows the confidence of the last one is returned.
func (v *SileroVAD) VoiceConfidence(audioBytes []byte, sampleRate int64) (float32, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	if !v.initialized {
		return 0, fmt.Errorf("VAD not initialized")
	}

	if time.Since(v.lastReset) >= stateResetInterval {
		v.resetModelState()
		v.lastReset = time.Now()
	}

	window, err := windowSize(sampleRate)
	if err != nil {
		return 0, err
	}

	if v.inf == nil || v.sampleRate != sampleRate {
		v.inf.destroy()
		inf, err := v.buildInference(sampleRate, window)
		if err != nil {
			v.inf = nil
			return 0, err
		}
		v.inf = inf
		v.sampleRate = sampleRate
	}

	v.audioBuffer = append(v.audioBuffer, v.bytesToFloat32(audioBytes)...)
	if int64(len(v.audioBuffer)) < window {
		return 0.0, nil
	}

	ctxLen := contextSize(sampleRate)
	total := int(ctxLen + window)
	if cap(v.fullInput) < total {
		v.fullInput = make([]float32, total)
	} else {
		v.fullInput = v.fullInput[:total]
	}
	if len(v.context) == 0 {
		v.context = make([]float32, ctxLen)
	}

	var confidence float32
	for int64(len(v.audioBuffer)) >= window {
		samples := v.audioBuffer[:window]
		v.audioBuffer = v.audioBuffer[window:]

		copy(v.fullInput[:ctxLen], v.context)
		copy(v.fullInput[ctxLen:], samples)

		// Tensor memory is bound to the session; refill it in place.
		copy(v.inf.inputTensor.GetData(), v.fullInput)
		copy(v.inf.stateTensor.GetData(), v.state)

		if err := v.inf.session.Run(); err != nil {
			return 0, fmt.Errorf("inference failed: %w", err)
		}

		confidence = v.inf.outputTensor.GetData()[0]
		copy(v.state, v.inf.stateNTensor.GetData())
		copy(v.context, v.fullInput[total-int(ctxLen):])
	}

	return confidence, nil
}

func (v *SileroVAD) resetModelState() {
	clear(v.state)
	clear(v.context)
	v.audioBuffer = v.audioBuffer[:0]
}

// buildInference allocates the tensors for one sample rate and binds them to
// a new session. Input names follow the Silero model: input, sr, state in;
// output, stateN out.
func (v *SileroVAD) buildInference(sampleRate, window int64) (*inference, error) {
	total := contextSize(sampleRate) + window
	inf := &inference{}

	inputTensor, err := ort.NewTensor(ort.NewShape(1, total), make([]float32, total))
	if err != nil {
		return nil, fmt.Errorf("failed to create input tensor: %w", err)
	}
	inf.inputTensor = inputTensor

	srTensor, err := ort.NewTensor(ort.NewShape(1), []int64{sampleRate})
	if err != nil {
		inf.destroy()
		return nil, fmt.Errorf("failed to create sr tensor: %w", err)
	}
	inf.srTensor = srTensor

	// v.state backs the tensor, so the recurrent state survives rebuilds.
	stateTensor, err := ort.NewTensor(ort.NewShape(2, 1, 128), v.state)
	if err != nil {
		inf.destroy()
		return nil, fmt.Errorf("failed to create state tensor: %w", err)
	}
	inf.stateTensor = stateTensor

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(1, 1))
	if err != nil {
		inf.destroy()
		return nil, fmt.Errorf("failed to create output tensor: %w", err)
	}
	inf.outputTensor = outputTensor

	stateNTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(2, 1, 128))
	if err != nil {
		inf.destroy()
		return nil, fmt.Errorf("failed to create stateN tensor: %w", err)
	}
	inf.stateNTensor = stateNTensor

	session, err := ort.NewAdvancedSession(
		v.config.OnnxPath,
		[]string{"input", "sr", "state"},
		[]string{"output", "stateN"},
		[]ort.Value{inf.inputTensor, inf.srTensor, inf.stateTensor},
		[]ort.Value{inf.outputTensor, inf.stateNTensor},
		nil,
	)
	if err != nil {
		inf.destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	inf.session = session

	return inf, nil
}

// bytesToFloat32 converts little-endian 16-bit PCM to normalized float32,
// reusing the scratch buffer.
func (v *SileroVAD) bytesToFloat32(audioBytes []byte) []float32 {
	numSamples := len(audioBytes) / 2
	if cap(v.conversionBuf) < numSamples {
		v.conversionBuf = make([]float32, numSamples, numSamples+64)
	} else {
		v.conversionBuf = v.conversionBuf[:numSamples]
	}
	for i := 0; i < numSamples; i++ {
		sample := int16(binary.LittleEndian.Uint16(audioBytes[i*2:]))
		v.conversionBuf[i] = float32(sample) / 32768.0
	}
	return v.conversionBuf
}
