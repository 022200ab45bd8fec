package model

// SessionSpec describes the tensors a session binds. The output shape is
// whatever the graph produces.
type SessionSpec struct {
	InputName  string
	OutputName string
	InputShape []int64
}

// Runtime opens inference sessions from serialized model bytes.
type Runtime interface {
	NewSession(modelData []byte, spec SessionSpec) (Session, error)
}

// Session runs forward passes on one loaded network. Run must release every
// native buffer it allocates before returning and must be safe for
// concurrent use.
type Session interface {
	Run(input []float32) ([]float32, error)
	Destroy() error
}

// Handle is the loaded network plus its manifest. It is owned by the Loader
// and only reachable through Loader.WithModel.
type Handle struct {
	session  Session
	manifest Manifest
}

// Run performs one forward pass.
func (h *Handle) Run(input []float32) ([]float32, error) {
	return h.session.Run(input)
}

// Labels returns the manifest labels. The slice must not be modified.
func (h *Handle) Labels() []string {
	return h.manifest.Labels
}

func (h *Handle) destroy() error {
	return h.session.Destroy()
}
