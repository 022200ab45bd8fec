package model_test

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/Brownie44l1/fer-api/internal/logging"
	"github.com/Brownie44l1/fer-api/internal/model"
	"github.com/Brownie44l1/fer-api/internal/model/modeltest"
)

var testLabels = []string{"angry", "happy", "sad"}

func newFakes() (*modeltest.Fetcher, *modeltest.Runtime) {
	return modeltest.NewFetcher(testLabels...), modeltest.NewRuntime(0.1, 0.7, 0.2)
}

// assertLoadReason checks err is a *model.LoadError with the given reason.
func assertLoadReason(t *testing.T, err error, want model.LoadReason) {
	t.Helper()
	var loadErr *model.LoadError
	if !errors.As(err, &loadErr) {
		t.Fatalf("expected *model.LoadError, got %T: %v", err, err)
	}
	if loadErr.Reason != want {
		t.Errorf("expected reason %s, got %s (%v)", want, loadErr.Reason, loadErr.Err)
	}
}

func TestLoader_Load(t *testing.T) {
	f, r := newFakes()
	l := modeltest.NewLoader(f, r)

	if l.IsReady() {
		t.Fatal("expected loader to start not ready")
	}
	if l.State() != model.StateUninitialized {
		t.Errorf("expected uninitialized, got %s", l.State())
	}

	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !l.IsReady() || l.State() != model.StateReady {
		t.Errorf("expected ready after Load, got %s", l.State())
	}

	labels, err := l.Labels()
	if err != nil {
		t.Fatalf("Labels failed: %v", err)
	}
	if !slices.Equal(labels, testLabels) {
		t.Errorf("expected labels %v, got %v", testLabels, labels)
	}

	sessions := r.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected 1 session, got %d", len(sessions))
	}
	if sessions[0].Runs() != 1 {
		t.Errorf("expected one validation pass, got %d", sessions[0].Runs())
	}

	spec := r.LastSpec()
	if spec.InputName != "input" || spec.OutputName != "output" {
		t.Errorf("unexpected tensor names %q/%q", spec.InputName, spec.OutputName)
	}
	if !slices.Equal(spec.InputShape, []int64{1, 48, 48, 1}) {
		t.Errorf("unexpected input shape %v", spec.InputShape)
	}
}

func TestLoader_LoadIsIdempotent(t *testing.T) {
	f, r := newFakes()
	l := modeltest.NewLoader(f, r)

	for range 3 {
		if err := l.Load(context.Background()); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
	}

	if got := f.Calls(modeltest.ModelURI); got != 1 {
		t.Errorf("expected 1 model fetch, got %d", got)
	}
	if got := f.Calls(modeltest.ManifestURI); got != 1 {
		t.Errorf("expected 1 manifest fetch, got %d", got)
	}
	if got := len(r.Sessions()); got != 1 {
		t.Errorf("expected 1 session, got %d", got)
	}
}

func TestLoader_ConcurrentLoadsShareOneFetch(t *testing.T) {
	f, r := newFakes()
	l := modeltest.NewLoader(f, r)
	entered, release := f.Block(modeltest.ModelURI)

	const callers = 8
	errs := make(chan error, callers)
	go func() { errs <- l.Load(context.Background()) }()

	<-entered
	if l.State() != model.StateLoading {
		t.Errorf("expected loading while fetch is blocked, got %s", l.State())
	}

	var wg sync.WaitGroup
	for range callers - 1 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- l.Load(context.Background())
		}()
	}

	release()
	wg.Wait()
	for range callers {
		if err := <-errs; err != nil {
			t.Errorf("Load failed: %v", err)
		}
	}

	// Callers either join the flight or arrive after it finished.
	if got := f.Calls(modeltest.ModelURI); got != 1 {
		t.Errorf("expected exactly 1 model fetch, got %d", got)
	}
	if got := len(r.Sessions()); got != 1 {
		t.Errorf("expected exactly 1 session, got %d", got)
	}
}

func TestLoader_FailureThenRetry(t *testing.T) {
	f, r := newFakes()
	l := modeltest.NewLoader(f, r)
	fetchErr := errors.New("connection refused")
	f.SetError(modeltest.ManifestURI, fetchErr)

	err := l.Load(context.Background())
	assertLoadReason(t, err, model.ReasonManifestFetch)
	if !errors.Is(err, fetchErr) {
		t.Errorf("expected LoadError to wrap the fetch error, got %v", err)
	}
	if l.IsReady() {
		t.Error("expected not ready after failed load")
	}
	if l.State() != model.StateFailed {
		t.Errorf("expected failed state, got %s", l.State())
	}
	if l.LastError() == nil {
		t.Error("expected LastError to hold the failure")
	}

	f.SetError(modeltest.ManifestURI, nil)
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("retry failed: %v", err)
	}

	if got := f.Calls(modeltest.ManifestURI); got != 2 {
		t.Errorf("expected the retry to fetch again, got %d fetches", got)
	}
	if !l.IsReady() {
		t.Error("expected ready after retry")
	}
	if l.LastError() != nil {
		t.Errorf("expected LastError cleared, got %v", l.LastError())
	}
}

func TestLoader_FailureReasons(t *testing.T) {
	tests := []struct {
		name     string
		setup    func(f *modeltest.Fetcher, r *modeltest.Runtime)
		reason   model.LoadReason
		sessions int
	}{
		{
			name: "malformed manifest",
			setup: func(f *modeltest.Fetcher, r *modeltest.Runtime) {
				f.SetFile(modeltest.ManifestURI, []byte(`{"labels": "angry"`))
			},
			reason: model.ReasonManifestMalformed,
		},
		{
			name: "declared output shape disagrees with labels",
			setup: func(f *modeltest.Fetcher, r *modeltest.Runtime) {
				f.SetFile(modeltest.ManifestURI, []byte(`{"labels": ["angry", "happy", "sad"], "output_shape": [1, 7]}`))
			},
			reason: model.ReasonShapeMismatch,
		},
		{
			name: "model fetch",
			setup: func(f *modeltest.Fetcher, r *modeltest.Runtime) {
				f.SetError(modeltest.ModelURI, errors.New("404"))
			},
			reason: model.ReasonModelFetch,
		},
		{
			name: "session init",
			setup: func(f *modeltest.Fetcher, r *modeltest.Runtime) {
				r.SetNewSessionError(errors.New("invalid protobuf"))
			},
			reason: model.ReasonModelInit,
		},
		{
			name: "dummy forward pass",
			setup: func(f *modeltest.Fetcher, r *modeltest.Runtime) {
				r.SetRunError(errors.New("kernel error"))
			},
			reason:   model.ReasonForwardPass,
			sessions: 1,
		},
		{
			name: "output length mismatch",
			setup: func(f *modeltest.Fetcher, r *modeltest.Runtime) {
				r.SetScores(0.5, 0.5)
			},
			reason:   model.ReasonShapeMismatch,
			sessions: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f, r := newFakes()
			tc.setup(f, r)
			l := modeltest.NewLoader(f, r)

			assertLoadReason(t, l.Load(context.Background()), tc.reason)

			if l.IsReady() {
				t.Error("expected not ready")
			}
			sessions := r.Sessions()
			if len(sessions) != tc.sessions {
				t.Fatalf("expected %d sessions, got %d", tc.sessions, len(sessions))
			}
			for _, s := range sessions {
				if !s.Destroyed() {
					t.Error("expected rejected session to be destroyed")
				}
			}
		})
	}
}

func TestLoader_CallerCancelDoesNotAbortLoad(t *testing.T) {
	f, r := newFakes()
	l := modeltest.NewLoader(f, r)
	entered, release := f.Block(modeltest.ModelURI)

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() { errs <- l.Load(ctx) }()

	<-entered
	cancel()
	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}

	release()
	deadline := time.Now().Add(2 * time.Second)
	for !l.IsReady() {
		if time.Now().After(deadline) {
			t.Fatalf("load never completed, state %s", l.State())
		}
		time.Sleep(time.Millisecond)
	}

	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load after background completion failed: %v", err)
	}
	if got := f.Calls(modeltest.ModelURI); got != 1 {
		t.Errorf("expected the abandoned load to be reused, got %d fetches", got)
	}
}

func TestLoader_Timeout(t *testing.T) {
	f, r := newFakes()
	_, release := f.Block(modeltest.ModelURI)
	defer release()

	l := model.NewLoader(model.LoaderConfig{
		ModelURI:    modeltest.ModelURI,
		ManifestURI: modeltest.ManifestURI,
		Fetcher:     f,
		Runtime:     r,
		Timeout:     20 * time.Millisecond,
		Logger:      logging.Discard(),
	})

	err := l.Load(context.Background())
	assertLoadReason(t, err, model.ReasonModelFetch)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("expected deadline exceeded, got %v", err)
	}
}

func TestLoader_WithModelRequiresReady(t *testing.T) {
	f, r := newFakes()
	l := modeltest.NewLoader(f, r)

	called := false
	err := l.WithModel(func(*model.Handle) error {
		called = true
		return nil
	})
	if !errors.Is(err, model.ErrNotReady) {
		t.Errorf("expected ErrNotReady, got %v", err)
	}
	if called {
		t.Error("expected fn not to be called before load")
	}

	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	var scores []float32
	err = l.WithModel(func(h *model.Handle) error {
		var err error
		scores, err = h.Run(make([]float32, model.InputLen))
		return err
	})
	if err != nil {
		t.Fatalf("WithModel failed: %v", err)
	}
	if len(scores) != len(testLabels) {
		t.Errorf("expected %d scores, got %d", len(testLabels), len(scores))
	}
}

func TestLoader_Dispose(t *testing.T) {
	f, r := newFakes()
	l := modeltest.NewLoader(f, r)

	if err := l.Dispose(); err != nil {
		t.Errorf("Dispose before load should be a no-op, got %v", err)
	}
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if err := l.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}

	if l.IsReady() || l.State() != model.StateUninitialized {
		t.Errorf("expected uninitialized after Dispose, got %s", l.State())
	}
	if !r.Sessions()[0].Destroyed() {
		t.Error("expected session to be destroyed")
	}
	if _, err := l.Labels(); !errors.Is(err, model.ErrNotReady) {
		t.Errorf("expected ErrNotReady from Labels, got %v", err)
	}

	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if got := len(r.Sessions()); got != 2 {
		t.Errorf("expected a fresh session after reload, got %d sessions", got)
	}
}

func TestLoader_DisposeDuringLoad(t *testing.T) {
	f, r := newFakes()
	l := modeltest.NewLoader(f, r)
	entered, release := f.Block(modeltest.ModelURI)

	errs := make(chan error, 1)
	go func() { errs <- l.Load(context.Background()) }()

	<-entered
	if err := l.Dispose(); err != nil {
		t.Fatalf("Dispose failed: %v", err)
	}
	release()

	assertLoadReason(t, <-errs, model.ReasonDisposed)
	if l.IsReady() {
		t.Error("expected stale load not to make the loader ready")
	}
	for _, s := range r.Sessions() {
		if !s.Destroyed() {
			t.Error("expected stale session to be destroyed")
		}
	}
}

func TestLoader_CloseIsFinal(t *testing.T) {
	f, r := newFakes()
	l := modeltest.NewLoader(f, r)
	if err := l.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if err := l.Load(context.Background()); !errors.Is(err, model.ErrClosed) {
		t.Fatalf("expected ErrClosed after Close, got %v", err)
	}
	if err := l.WithModel(func(*model.Handle) error { return nil }); !errors.Is(err, model.ErrNotReady) {
		t.Errorf("expected ErrNotReady after Close, got %v", err)
	}

	sessions := r.Sessions()
	if len(sessions) != 1 {
		t.Fatalf("expected only the original session, got %d", len(sessions))
	}
	if !sessions[0].Destroyed() {
		t.Error("expected the session to be destroyed by Close")
	}
	if got := f.Calls(modeltest.ModelURI); got != 1 {
		t.Errorf("expected no fetch after Close, got %d fetches", got)
	}
}

func TestLoader_CloseDuringLoad(t *testing.T) {
	f, r := newFakes()
	l := modeltest.NewLoader(f, r)
	entered, release := f.Block(modeltest.ModelURI)

	errs := make(chan error, 1)
	go func() { errs <- l.Load(context.Background()) }()

	<-entered
	if err := l.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	release()

	err := <-errs
	assertLoadReason(t, err, model.ReasonDisposed)
	if !errors.Is(err, model.ErrClosed) {
		t.Errorf("expected ErrClosed in chain, got %v", err)
	}
	for _, s := range r.Sessions() {
		if !s.Destroyed() {
			t.Error("expected the session opened during Close to be destroyed")
		}
	}
}
