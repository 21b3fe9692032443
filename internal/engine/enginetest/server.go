// Package enginetest provides an in-process fake of the rendering engine's HTTP
// protocol for tests.
package enginetest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
)

// Options shapes the fake engine's behaviour. Zero values give a healthy engine
// that finishes every job on the first poll.
type Options struct {
	// SubmitStatus is returned by POST /prompt; 0 means 200.
	SubmitStatus int
	// PendingPolls is how many history reads answer "{}" before the record
	// appears. Negative means the job never finishes.
	PendingPolls int
	// HistoryErrors makes the first N history reads fail with 500.
	HistoryErrors int
	// StatusStr is reported in the record's status block; "" means success.
	StatusStr string
	// NoImages drops the images field from every output node.
	NoImages bool
	// ViewStatus is returned by GET /view; 0 means 200.
	ViewStatus int
	// Image is served by /view; nil means a 2x2 PNG.
	Image []byte
	// Checkpoints is served by /object_info/CheckpointLoaderSimple.
	Checkpoints []string
}

// Server is a running fake engine.
type Server struct {
	*httptest.Server

	opts Options
	img  []byte

	submits      atomic.Int64
	historyCalls atomic.Int64
	views        atomic.Int64

	mu         sync.Mutex
	polls      map[string]int
	afterFinal map[string]int
	graphs     []json.RawMessage
}

// NewServer starts a fake engine; it is closed by the caller.
func NewServer(opts Options) *Server {
	s := &Server{
		opts:       opts,
		img:        opts.Image,
		polls:      map[string]int{},
		afterFinal: map[string]int{},
	}
	if s.img == nil {
		s.img = PNG(color.RGBA{R: 200, G: 80, B: 40, A: 255})
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/prompt", s.handlePrompt)
	mux.HandleFunc("/history/", s.handleHistory)
	mux.HandleFunc("/view", s.handleView)
	mux.HandleFunc("/system_stats", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"system": map[string]any{"os": "posix"}})
	})
	mux.HandleFunc("/object_info/CheckpointLoaderSimple", func(w http.ResponseWriter, _ *http.Request) {
		names := s.opts.Checkpoints
		if names == nil {
			names = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"CheckpointLoaderSimple": map[string]any{
				"input": map[string]any{"required": map[string]any{"ckpt_name": []any{names}}},
			},
		})
	})
	s.Server = httptest.NewServer(mux)
	return s
}

// PNG encodes a 2x2 image of one colour.
func PNG(c color.Color) []byte {
	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	for y := 0; y < 2; y++ {
		for x := 0; x < 2; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	_ = png.Encode(&buf, img)
	return buf.Bytes()
}

// Image returns the bytes /view serves.
func (s *Server) Image() []byte { return s.img }

// Submits counts POST /prompt calls.
func (s *Server) Submits() int { return int(s.submits.Load()) }

// HistoryCalls counts history reads across all jobs.
func (s *Server) HistoryCalls() int { return int(s.historyCalls.Load()) }

// Views counts image downloads.
func (s *Server) Views() int { return int(s.views.Load()) }

// PollsAfterFinal reports history reads for promptID made after its record
// was first returned.
func (s *Server) PollsAfterFinal(promptID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.afterFinal[promptID]
}

// Graphs returns the submitted job graphs in arrival order.
func (s *Server) Graphs() []json.RawMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]json.RawMessage(nil), s.graphs...)
}

func (s *Server) handlePrompt(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	n := s.submits.Add(1)
	var body struct {
		Prompt json.RawMessage `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": "invalid prompt"})
		return
	}
	s.mu.Lock()
	s.graphs = append(s.graphs, body.Prompt)
	s.mu.Unlock()

	if s.opts.SubmitStatus != 0 && s.opts.SubmitStatus != http.StatusOK {
		writeJSON(w, s.opts.SubmitStatus, map[string]any{"error": "prompt_outputs_failed_validation"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"prompt_id": fmt.Sprintf("prompt-%d", n), "number": n})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/history/")
	call := s.historyCalls.Add(1)
	if int(call) <= s.opts.HistoryErrors {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}

	s.mu.Lock()
	polls := s.polls[id]
	s.polls[id] = polls + 1
	finished := s.opts.PendingPolls >= 0 && polls >= s.opts.PendingPolls
	if finished && polls > s.opts.PendingPolls {
		s.afterFinal[id]++
	}
	s.mu.Unlock()

	if !finished {
		writeJSON(w, http.StatusOK, map[string]any{})
		return
	}

	node := map[string]any{}
	if !s.opts.NoImages {
		node["images"] = []map[string]string{{"filename": "gateway_00001_.png", "subfolder": "", "type": "output"}}
	}
	status := s.opts.StatusStr
	if status == "" {
		status = "success"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		id: map[string]any{
			"outputs": map[string]any{"9": node},
			"status":  map[string]any{"status_str": status, "completed": status == "success"},
		},
	})
}

func (s *Server) handleView(w http.ResponseWriter, r *http.Request) {
	s.views.Add(1)
	if s.opts.ViewStatus != 0 && s.opts.ViewStatus != http.StatusOK {
		w.WriteHeader(s.opts.ViewStatus)
		return
	}
	if r.URL.Query().Get("filename") == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	_, _ = w.Write(s.img)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
