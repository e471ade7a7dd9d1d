package metrics

import (
	"fmt"
	"sort"

	dto "github.com/prometheus/client_model/go"
)

// ModelUsage aggregates LLM traffic for one model since the process started.
type ModelUsage struct {
	Model            string  `json:"model"`
	Requests         int64   `json:"requests"`
	Failures         int64   `json:"failures"`
	PromptTokens     int64   `json:"prompt_tokens"`
	CompletionTokens int64   `json:"completion_tokens"`
	TotalTokens      int64   `json:"total_tokens"`
	MeanLatency      float64 `json:"mean_latency_seconds"`
}

// Usage gathers the registry and breaks LLM usage down by model, sorted by
// model name.
func (r *Recorder) Usage() ([]ModelUsage, error) {
	families, err := r.registry.Gather()
	if err != nil {
		return nil, fmt.Errorf("failed to gather metrics: %w", err)
	}

	byModel := make(map[string]*ModelUsage)
	get := func(m *dto.Metric) *ModelUsage {
		name := label(m, "model")
		u, ok := byModel[name]
		if !ok {
			u = &ModelUsage{Model: name}
			byModel[name] = u
		}
		return u
	}

	for _, mf := range families {
		switch mf.GetName() {
		case "auteur_llm_requests_total":
			for _, m := range mf.GetMetric() {
				u := get(m)
				n := int64(m.GetCounter().GetValue())
				u.Requests += n
				if label(m, "status") == statusError {
					u.Failures += n
				}
			}
		case "auteur_llm_tokens_total":
			for _, m := range mf.GetMetric() {
				u := get(m)
				switch label(m, "type") {
				case "prompt":
					u.PromptTokens += int64(m.GetCounter().GetValue())
				case "completion":
					u.CompletionTokens += int64(m.GetCounter().GetValue())
				}
			}
		case "auteur_llm_request_duration_seconds":
			for _, m := range mf.GetMetric() {
				h := m.GetHistogram()
				if h.GetSampleCount() > 0 {
					get(m).MeanLatency = h.GetSampleSum() / float64(h.GetSampleCount())
				}
			}
		}
	}

	usage := make([]ModelUsage, 0, len(byModel))
	for _, u := range byModel {
		u.TotalTokens = u.PromptTokens + u.CompletionTokens
		usage = append(usage, *u)
	}
	sort.Slice(usage, func(i, j int) bool { return usage[i].Model < usage[j].Model })
	return usage, nil
}

func label(m *dto.Metric, name string) string {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == name {
			return lp.GetValue()
		}
	}
	return ""
}
