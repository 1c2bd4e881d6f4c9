package registry

// QRRenderer turns a connection URI into an image artifact at the given
// path. Rendering itself is an external collaborator; the engine only
// decides when an artifact is stale and where it lives.
type QRRenderer interface {
	Render(content, path string) error
}

// RendererFunc adapts a function to the QRRenderer interface.
type RendererFunc func(content, path string) error

// Render implements QRRenderer.
func (f RendererFunc) Render(content, path string) error {
	return f(content, path)
}
