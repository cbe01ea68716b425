package ollama

// GenerateRequest is the body of POST /api/generate.
type GenerateRequest struct {
	Model   string          `json:"model"`
	Prompt  string          `json:"prompt"`
	Stream  bool            `json:"stream"`
	Format  string          `json:"format,omitempty"`
	Options GenerateOptions `json:"options"`
}

type GenerateOptions struct {
	NumPredict  int     `json:"num_predict"`
	Temperature float64 `json:"temperature"`
}

// GenerateResponse is the non-streaming answer of /api/generate.
type GenerateResponse struct {
	Model     string `json:"model"`
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count"`
}

// Verdict is the JSON document the model is asked to produce for a reply.
type Verdict struct {
	Category   string   `json:"category"`
	Confidence *float64 `json:"confidence"`
	Rationale  string   `json:"rationale"`
	Reply      string   `json:"reply"`
}
