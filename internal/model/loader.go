package model

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Brownie44l1/fer-api/internal/logging"
)

// LoaderState is the readiness of a Loader.
type LoaderState string

const (
	StateUninitialized LoaderState = "uninitialized"
	StateLoading       LoaderState = "loading"
	StateReady         LoaderState = "ready"
	StateFailed        LoaderState = "failed"
)

var errDisposedDuringLoad = errors.New("loader was disposed while loading")

// LoaderConfig wires a Loader to its artifacts and runtime.
type LoaderConfig struct {
	ModelURI    string
	ManifestURI string
	Fetcher     Fetcher
	Runtime     Runtime
	// Timeout bounds a whole load. Zero means no limit.
	Timeout time.Duration
	Logger  *slog.Logger
}

// Loader fetches, opens and validates the model once and keeps it for the
// life of the process. Concurrent Load calls share a single in-flight load.
type Loader struct {
	cfg    LoaderConfig
	logger *slog.Logger
	group  singleflight.Group

	mu         sync.RWMutex
	state      LoaderState
	handle     *Handle
	lastErr    error
	generation uint64
	closed     bool
}

func NewLoader(cfg LoaderConfig) *Loader {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.L()
	}
	return &Loader{
		cfg:    cfg,
		logger: logger.With("component", "model_loader"),
		state:  StateUninitialized,
	}
}

// Load makes the model ready. It returns immediately once a load has
// succeeded. If ctx ends first Load returns ctx.Err(), but the load keeps
// running and its outcome is kept for the next caller.
func (l *Loader) Load(ctx context.Context) error {
	l.mu.RLock()
	ready, closed := l.state == StateReady, l.closed
	gen := l.generation
	l.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if ready {
		return nil
	}

	ch := l.group.DoChan(strconv.FormatUint(gen, 10), func() (any, error) {
		return nil, l.load(context.WithoutCancel(ctx), gen)
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Loader) load(ctx context.Context, gen uint64) error {
	l.mu.Lock()
	switch {
	case l.closed:
		l.mu.Unlock()
		return loadErr(ReasonDisposed, ErrClosed)
	case gen != l.generation:
		l.mu.Unlock()
		return loadErr(ReasonDisposed, errDisposedDuringLoad)
	case l.state == StateReady:
		// Another flight finished between the caller's check and this one.
		l.mu.Unlock()
		return nil
	}
	l.state = StateLoading
	l.mu.Unlock()

	if l.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	l.logger.Info("loading model", "model", l.cfg.ModelURI, "manifest", l.cfg.ManifestURI)
	handle, err := l.open(ctx)

	l.mu.Lock()
	defer l.mu.Unlock()

	if gen != l.generation {
		if handle != nil {
			if derr := handle.destroy(); derr != nil {
				l.logger.Warn("failed to destroy stale session", "error", derr)
			}
		}
		if l.closed {
			return loadErr(ReasonDisposed, ErrClosed)
		}
		return loadErr(ReasonDisposed, errDisposedDuringLoad)
	}

	if err != nil {
		l.state = StateFailed
		l.lastErr = err
		l.logger.Error("model load failed", "error", err, "duration", time.Since(start))
		return err
	}

	l.handle = handle
	l.state = StateReady
	l.lastErr = nil
	l.logger.Info("model ready",
		"labels", handle.manifest.Labels,
		"input_shape", handle.manifest.InputShape,
		"duration", time.Since(start))
	return nil
}

// open runs the load steps in order: manifest, model, dummy forward pass.
func (l *Loader) open(ctx context.Context) (*Handle, error) {
	manifestData, err := l.cfg.Fetcher.Fetch(ctx, l.cfg.ManifestURI)
	if err != nil {
		return nil, loadErr(ReasonManifestFetch, err)
	}

	manifest, err := ParseManifest(manifestData)
	if err != nil {
		return nil, loadErr(ReasonManifestMalformed, err)
	}
	if n := manifest.declaredOutputLen(); n >= 0 && n != len(manifest.Labels) {
		return nil, loadErr(ReasonShapeMismatch,
			fmt.Errorf("manifest output shape %v holds %d scores but lists %d labels", manifest.OutputShape, n, len(manifest.Labels)))
	}

	modelData, err := l.cfg.Fetcher.Fetch(ctx, l.cfg.ModelURI)
	if err != nil {
		return nil, loadErr(ReasonModelFetch, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, loadErr(ReasonModelFetch, err)
	}

	session, err := l.cfg.Runtime.NewSession(modelData, SessionSpec{
		InputName:  manifest.InputName,
		OutputName: manifest.OutputName,
		InputShape: manifest.InputShape,
	})
	if err != nil {
		return nil, loadErr(ReasonModelInit, err)
	}

	handle := &Handle{session: session, manifest: manifest}
	if err := validate(handle); err != nil {
		if derr := handle.destroy(); derr != nil {
			l.logger.Warn("failed to destroy rejected session", "error", derr)
		}
		return nil, err
	}
	return handle, nil
}

// validate runs a forward pass on a blank frame and checks the output lines
// up with the labels.
func validate(h *Handle) error {
	scores, err := h.Run(make([]float32, InputLen))
	if err != nil {
		return loadErr(ReasonForwardPass, err)
	}
	if len(scores) != len(h.manifest.Labels) {
		return loadErr(ReasonShapeMismatch,
			fmt.Errorf("model produced %d scores for %d labels", len(scores), len(h.manifest.Labels)))
	}
	return nil
}

// IsReady reports whether the model and manifest are loaded and validated.
func (l *Loader) IsReady() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state == StateReady
}

func (l *Loader) State() LoaderState {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.state
}

// LastError returns the error of the most recent failed load, if any.
func (l *Loader) LastError() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastErr
}

// Manifest returns the loaded manifest.
func (l *Loader) Manifest() (Manifest, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.handle == nil {
		return Manifest{}, false
	}
	m := l.handle.manifest
	m.Labels = slices.Clone(m.Labels)
	return m, true
}

// Labels returns a copy of the loaded labels, or ErrNotReady.
func (l *Loader) Labels() ([]string, error) {
	m, ok := l.Manifest()
	if !ok {
		return nil, ErrNotReady
	}
	return m.Labels, nil
}

// WithModel calls fn with the loaded handle. Dispose blocks until fn returns.
func (l *Loader) WithModel(fn func(*Handle) error) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.state != StateReady || l.handle == nil {
		return ErrNotReady
	}
	return fn(l.handle)
}

// Dispose releases the session and resets the loader. A load still in
// flight discards its result. A later Load starts over.
func (l *Loader) Dispose() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dispose()
}

// Close disposes the model for good: every later Load returns ErrClosed, so
// requests still draining during shutdown cannot open a new session.
func (l *Loader) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return l.dispose()
}

func (l *Loader) dispose() error {
	l.generation++
	l.state = StateUninitialized
	l.lastErr = nil

	if l.handle == nil {
		return nil
	}
	err := l.handle.destroy()
	l.handle = nil
	if err != nil {
		return fmt.Errorf("failed to destroy model session: %w", err)
	}
	l.logger.Info("model disposed")
	return nil
}
