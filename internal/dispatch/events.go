// Package dispatch fans a single prompt out to several models at once and
// multiplexes their answers back, either as a collected result set or as an
// interleaved event stream.
package dispatch

// Event types emitted on a streaming dispatch, in per-model order
// start < chunk* < done, with exactly one terminal complete or error
// event for the whole dispatch.
const (
	EventStart    = "start"
	EventChunk    = "chunk"
	EventDone     = "done"
	EventComplete = "complete"
	EventError    = "error"
)

// Event is one frame of a streaming dispatch. Model is set on start,
// chunk and done events; Meta only on complete; Message only on error.
type Event struct {
	Type    string   `json:"type"`
	Model   string   `json:"model,omitempty"`
	Text    string   `json:"text,omitempty"`
	Failed  bool     `json:"failed,omitempty"`
	Meta    *Summary `json:"meta,omitempty"`
	Message string   `json:"message,omitempty"`
}

// Summary describes the outcome of a whole dispatch.
type Summary struct {
	Requested     int   `json:"requested"`
	Succeeded     int   `json:"succeeded"`
	Failed        int   `json:"failed"`
	ElapsedMillis int64 `json:"elapsed_ms"`
}

// ModelResult is one model's collected answer from a batch dispatch.
type ModelResult struct {
	Model   string `json:"model"`
	Content string `json:"content"`
	Failed  bool   `json:"failed"`
}
