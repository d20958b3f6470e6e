package ollama

import "context"

// ModelEmbedder binds a Client to one embedding model, giving callers
// the single-argument Embed shape the indexing side works with.
type ModelEmbedder struct {
	Client *Client
	Model  string
}

// Embed embeds text with the configured model.
func (e *ModelEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return e.Client.Embed(ctx, e.Model, text)
}
