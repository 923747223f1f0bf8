// Package stats keeps in-memory request accounting for the monitoring
// endpoints: aggregate counters since process start plus a bounded ring of
// recent request details.
package stats

import (
	"sort"
	"sync"
	"time"
)

// ringSize bounds how many finished requests keep their details in memory.
const ringSize = 500

// RequestDetail is the record kept for one finished or in-flight request.
type RequestDetail struct {
	ID               string    `json:"id"`
	Model            string    `json:"model"`
	Streaming        bool      `json:"streaming"`
	Status           string    `json:"status"`
	StartedAt        time.Time `json:"started_at"`
	FinishedAt       time.Time `json:"finished_at,omitempty"`
	DurationSeconds  float64   `json:"duration_seconds"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Error            string    `json:"error,omitempty"`
}

// Summary is the aggregate view served by the stats endpoint.
type Summary struct {
	StartedAt        time.Time      `json:"started_at"`
	UptimeSeconds    float64        `json:"uptime_seconds"`
	TotalRequests    int64          `json:"total_requests"`
	CompletedCount   int64          `json:"completed"`
	ErrorCount       int64          `json:"errors"`
	TimeoutCount     int64          `json:"timeouts"`
	ActiveCount      int            `json:"active"`
	RequestsByModel  map[string]int `json:"requests_by_model"`
	TotalTokens      int64          `json:"total_tokens"`
	AvgDurationSecs  float64        `json:"avg_duration_seconds"`
}

// Collector accumulates request statistics. Safe for concurrent use.
type Collector struct {
	mu sync.Mutex

	startedAt time.Time

	total     int64
	completed int64
	errored   int64
	timedOut  int64
	byModel   map[string]int
	tokens    int64

	durationSum float64
	durationN   int64

	active  map[string]*RequestDetail
	recent  []*RequestDetail
	recentI int
}

// NewCollector creates an empty collector anchored at now.
func NewCollector() *Collector {
	return &Collector{
		startedAt: time.Now(),
		byModel:   make(map[string]int),
		active:    make(map[string]*RequestDetail),
		recent:    make([]*RequestDetail, 0, ringSize),
	}
}

// EstimateTokens approximates a token count from text length. Four bytes per
// token tracks the OpenAI tokenizers closely enough for monitoring.
func EstimateTokens(text string) int {
	return len(text) / 4
}

// Begin records an admitted request.
func (s *Collector) Begin(id, model string, streaming bool, promptTokens int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	s.byModel[model]++
	s.tokens += int64(promptTokens)
	s.active[id] = &RequestDetail{
		ID:           id,
		Model:        model,
		Streaming:    streaming,
		Status:       "active",
		StartedAt:    time.Now(),
		PromptTokens: promptTokens,
	}
}

// Finish moves a request from active to the recent ring with its outcome.
// status is one of "completed", "error", "timeout".
func (s *Collector) Finish(id, status string, completionTokens int, errMsg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	detail, ok := s.active[id]
	if !ok {
		return
	}
	delete(s.active, id)

	detail.Status = status
	detail.FinishedAt = time.Now()
	detail.DurationSeconds = detail.FinishedAt.Sub(detail.StartedAt).Seconds()
	detail.CompletionTokens = completionTokens
	detail.Error = errMsg

	switch status {
	case "completed":
		s.completed++
	case "timeout":
		s.timedOut++
	default:
		s.errored++
	}
	s.tokens += int64(completionTokens)
	s.durationSum += detail.DurationSeconds
	s.durationN++

	if len(s.recent) < ringSize {
		s.recent = append(s.recent, detail)
	} else {
		s.recent[s.recentI] = detail
		s.recentI = (s.recentI + 1) % ringSize
	}
}

// Get returns the detail for id, searching active requests first and then
// the recent ring. Returns nil when unknown.
func (s *Collector) Get(id string) *RequestDetail {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.active[id]; ok {
		cp := *d
		return &cp
	}
	for _, d := range s.recent {
		if d != nil && d.ID == id {
			cp := *d
			return &cp
		}
	}
	return nil
}

// Recent returns up to n most recently finished requests, newest first.
func (s *Collector) Recent(n int) []RequestDetail {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]RequestDetail, 0, len(s.recent))
	for _, d := range s.recent {
		if d != nil {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].FinishedAt.After(out[j].FinishedAt)
	})
	if n > 0 && len(out) > n {
		out = out[:n]
	}
	return out
}

// Summarize builds the aggregate summary.
func (s *Collector) Summarize() Summary {
	s.mu.Lock()
	defer s.mu.Unlock()

	byModel := make(map[string]int, len(s.byModel))
	for k, v := range s.byModel {
		byModel[k] = v
	}

	var avg float64
	if s.durationN > 0 {
		avg = s.durationSum / float64(s.durationN)
	}

	return Summary{
		StartedAt:       s.startedAt,
		UptimeSeconds:   time.Since(s.startedAt).Seconds(),
		TotalRequests:   s.total,
		CompletedCount:  s.completed,
		ErrorCount:      s.errored,
		TimeoutCount:    s.timedOut,
		ActiveCount:     len(s.active),
		RequestsByModel: byModel,
		TotalTokens:     s.tokens,
		AvgDurationSecs: avg,
	}
}
