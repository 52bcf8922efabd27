package factories

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"spritebot/core"
	"spritebot/handlers/transport"
)

// PipelineConfig configures a Pipeline's lifecycle behaviour.
type PipelineConfig struct {
	Timeout time.Duration
}

// HandlerBuilder creates the ordered handler slice for a single job.
// It receives the transport service and the job context.
type HandlerBuilder func(svc transport.ITransportService, ctx context.Context) ([]core.IHandler, error)

// Pipeline builds and runs handler pipelines for incoming transport jobs.
type Pipeline struct {
	config   PipelineConfig
	builder  HandlerBuilder
	logger   *core.Logger
	external *core.ExternalEventHandler
}

// NewPipeline creates a Pipeline that uses builder to construct handlers per-job.
func NewPipeline(builder HandlerBuilder, config PipelineConfig, logger *core.Logger) *Pipeline {
	if logger == nil {
		logger = core.GetLogger()
	}
	return &Pipeline{
		builder: builder,
		config:  config,
		logger:  logger,
	}
}

// WithExternalEvents attaches a process-wide external event bridge. Every
// runner the pipeline starts mirrors its external output events to the
// bridge and accepts injected input events from it.
func (p *Pipeline) WithExternalEvents(ext *core.ExternalEventHandler) *Pipeline {
	p.external = ext
	return p
}

// Run builds a handler pipeline for a single job and blocks until completion.
func (p *Pipeline) Run(svc transport.ITransportService, ctx context.Context) error {
	base := core.SessionLoggerFromContext(ctx)
	if base == nil {
		base = p.logger
	}
	logger := base.With(map[string]any{"component": "pipeline"})

	if ctx.Err() != nil {
		logger.Info("context already cancelled, skipping job")
		return nil
	}
	if svc == nil {
		logger.Warn("nil transport service, skipping job")
		return nil
	}

	handlers, err := p.builder(svc, ctx)
	if err != nil {
		logger.With(map[string]any{"error": err}).Error("failed to build handlers")
		return err
	}

	runner := core.NewRunner(handlers, base)
	if p.external != nil {
		runner.SetExternalEventHandler(p.external)
	}
	if err := runner.Start(); err != nil {
		logger.With(map[string]any{"error": err}).Error("runner failed to start")
		return err
	}

	logger.Info("runner started, waiting for completion")
	result := p.awaitSession(ctx, runner, logger)

	// Stop even after a natural finish: handler goroutines select on the
	// runner context and keep running until it is cancelled.
	if err := runner.Stop(); err != nil {
		logger.With(map[string]any{"error": err}).Error("runner cleanup failed")
	}

	p.reclaimMemory(logger)
	return result
}

// awaitSession blocks until the session ends, the job context is cancelled,
// or the configured timeout elapses.
func (p *Pipeline) awaitSession(ctx context.Context, runner *core.Runner, logger *core.Logger) error {
	var timerC <-chan time.Time
	if p.config.Timeout > 0 {
		timer := time.NewTimer(p.config.Timeout)
		defer timer.Stop()
		timerC = timer.C
	}

	select {
	case <-ctx.Done():
		logger.Info("context cancelled, stopping runner")
	case <-timerC:
		logger.Warn("timeout reached, stopping runner")
		return context.DeadlineExceeded
	case <-runner.Finished:
		logger.Info("runner finished")
	}
	return nil
}

// reclaimMemory forces a GC and returns freed pages to the OS. Per-session C
// allocations (ONNX tensors, Opus codecs, RNNoise, libsamplerate) are
// invisible to Go's GC, so without this RSS climbs ~10MB per session.
func (p *Pipeline) reclaimMemory(logger *core.Logger) {
	runtime.GC()
	debug.FreeOSMemory()
	logger.Info("post-session GC completed")
}

// Serve registers a job handler with the provider, starts it,
// and blocks until ctx is cancelled. It then stops the provider.
func (p *Pipeline) Serve(provider transport.ITransportProvider, ctx context.Context) error {
	logger := p.logger.With(map[string]any{"component": "pipeline"})

	if err := provider.RegisterJobHandler(func(svc transport.ITransportService, jobCtx context.Context) error {
		return p.Run(svc, jobCtx)
	}); err != nil {
		logger.With(map[string]any{"error": err}).Error("failed to register job handler")
		return err
	}

	go func() {
		if err := provider.Start(); err != nil {
			logger.With(map[string]any{"error": err}).Error("provider failed to start")
		}
	}()

	logger.Info("provider started, waiting for jobs")
	<-ctx.Done()

	logger.Info("stopping provider")
	if err := provider.Stop(); err != nil {
		logger.With(map[string]any{"error": err}).Error("error stopping provider")
	}

	return nil
}
