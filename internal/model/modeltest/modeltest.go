// Package modeltest provides in-memory fakes for the model package so the
// loader and pipeline can be tested without the ONNX Runtime shared library.
package modeltest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Brownie44l1/fer-api/internal/logging"
	"github.com/Brownie44l1/fer-api/internal/model"
)

const (
	ManifestURI = "mem://model_info.json"
	ModelURI    = "mem://model.onnx"
)

// ManifestJSON renders a minimal manifest for the given labels.
func ManifestJSON(labels ...string) []byte {
	data, err := json.Marshal(map[string]any{"labels": labels})
	if err != nil {
		panic(err)
	}
	return data
}

// Fetcher serves artifacts from memory and counts fetches per URI.
type Fetcher struct {
	mu      sync.Mutex
	files   map[string][]byte
	errs    map[string]error
	gates   map[string]chan struct{}
	entered map[string]chan struct{}
	calls   map[string]int
}

// NewFetcher returns a fetcher holding a manifest for labels and a dummy model.
func NewFetcher(labels ...string) *Fetcher {
	return &Fetcher{
		files: map[string][]byte{
			ManifestURI: ManifestJSON(labels...),
			ModelURI:    []byte("onnx"),
		},
		errs:    map[string]error{},
		gates:   map[string]chan struct{}{},
		entered: map[string]chan struct{}{},
		calls:   map[string]int{},
	}
}

// SetFile replaces the content served for uri.
func (f *Fetcher) SetFile(uri string, data []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[uri] = data
}

// SetError makes fetches of uri fail with err until cleared with nil.
func (f *Fetcher) SetError(uri string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err == nil {
		delete(f.errs, uri)
		return
	}
	f.errs[uri] = err
}

// Block makes the next fetches of uri wait until release is called. The
// returned entered channel is closed when the first blocked fetch begins.
func (f *Fetcher) Block(uri string) (entered <-chan struct{}, release func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gate := make(chan struct{})
	in := make(chan struct{})
	f.gates[uri] = gate
	f.entered[uri] = in
	var once sync.Once
	return in, func() { once.Do(func() { close(gate) }) }
}

// Calls returns how many times uri was fetched.
func (f *Fetcher) Calls(uri string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[uri]
}

func (f *Fetcher) Fetch(ctx context.Context, uri string) ([]byte, error) {
	f.mu.Lock()
	f.calls[uri]++
	gate := f.gates[uri]
	if in, ok := f.entered[uri]; ok {
		close(in)
		delete(f.entered, uri)
	}
	f.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.errs[uri]; ok {
		return nil, err
	}
	data, ok := f.files[uri]
	if !ok {
		return nil, fmt.Errorf("%s: not found", uri)
	}
	return data, nil
}

// Runtime creates fake sessions whose forward pass is scripted.
type Runtime struct {
	mu       sync.Mutex
	scores   []float32
	runErr   error
	newErr   error
	runFunc  func(input []float32) ([]float32, error)
	sessions []*Session
	lastSpec model.SessionSpec
}

// NewRuntime returns a runtime whose sessions answer every pass with scores.
func NewRuntime(scores ...float32) *Runtime {
	return &Runtime{scores: scores}
}

// SetScores changes the output of every subsequent forward pass.
func (r *Runtime) SetScores(scores ...float32) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scores = scores
	r.runFunc = nil
}

// SetRunError makes subsequent forward passes fail.
func (r *Runtime) SetRunError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runErr = err
}

// SetRunFunc replaces the forward pass entirely.
func (r *Runtime) SetRunFunc(fn func(input []float32) ([]float32, error)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.runFunc = fn
}

// SetNewSessionError makes session creation fail.
func (r *Runtime) SetNewSessionError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.newErr = err
}

// Sessions returns every session created so far.
func (r *Runtime) Sessions() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*Session(nil), r.sessions...)
}

// LastSpec returns the spec passed to the most recent NewSession call.
func (r *Runtime) LastSpec() model.SessionSpec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastSpec
}

func (r *Runtime) NewSession(modelData []byte, spec model.SessionSpec) (model.Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastSpec = spec
	if r.newErr != nil {
		return nil, r.newErr
	}
	s := &Session{runtime: r}
	r.sessions = append(r.sessions, s)
	return s, nil
}

func (r *Runtime) run(input []float32) ([]float32, error) {
	r.mu.Lock()
	fn, err, scores := r.runFunc, r.runErr, r.scores
	r.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if fn != nil {
		return fn(input)
	}
	return append([]float32(nil), scores...), nil
}

// Session is a fake model.Session.
type Session struct {
	runtime   *Runtime
	runs      atomic.Int64
	destroyed atomic.Bool
}

func (s *Session) Run(input []float32) ([]float32, error) {
	if s.destroyed.Load() {
		return nil, errors.New("session destroyed")
	}
	s.runs.Add(1)
	return s.runtime.run(input)
}

func (s *Session) Destroy() error {
	if s.destroyed.Swap(true) {
		return errors.New("session already destroyed")
	}
	return nil
}

// Runs returns how many forward passes the session performed.
func (s *Session) Runs() int64 { return s.runs.Load() }

// Destroyed reports whether Destroy was called.
func (s *Session) Destroyed() bool { return s.destroyed.Load() }

// NewLoader wires a model.Loader to the fakes.
func NewLoader(f *Fetcher, r *Runtime) *model.Loader {
	return model.NewLoader(model.LoaderConfig{
		ModelURI:    ModelURI,
		ManifestURI: ManifestURI,
		Fetcher:     f,
		Runtime:     r,
		Logger:      logging.Discard(),
	})
}
