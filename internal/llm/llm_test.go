package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pavelanni/mocktest/internal/model"
)

func TestParseAdvice(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		wantErr   bool
		wantItems int
		firstTop  string
	}{
		{"plain", `{"summary":"ok","plan":[{"topic":"Graphs","priority":1,"actions":["redo"]}]}`, false, 1, "Graphs"},
		{"fenced", "```json\n{\"summary\":\"ok\",\"plan\":[]}\n```", false, 0, ""},
		{"sorted by priority", `{"summary":"s","plan":[{"topic":"B","priority":2},{"topic":"A","priority":1}]}`, false, 2, "A"},
		{"missing plan", `{"summary":"s"}`, false, 0, ""},
		{"not json", "Study harder.", true, 0, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a, err := parseAdvice(tt.raw)
			if tt.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("parseAdvice: %v", err)
			}
			if a.Plan == nil || len(a.Plan) != tt.wantItems {
				t.Fatalf("plan = %#v, want %d items", a.Plan, tt.wantItems)
			}
			if tt.wantItems > 0 {
				if a.Plan[0].Topic != tt.firstTop {
					t.Errorf("first topic = %q, want %q", a.Plan[0].Topic, tt.firstTop)
				}
				for _, it := range a.Plan {
					if it.Actions == nil {
						t.Errorf("item %q has nil actions", it.Topic)
					}
				}
			}
		})
	}
}

func TestNewRejectsUnknownStyle(t *testing.T) {
	if _, err := New("http://localhost:1/v1", "k", "m", "lenient"); err == nil {
		t.Fatal("expected error for unknown style")
	}
}

// fakeEndpoint serves the two OpenAI routes the client uses.
func fakeEndpoint(t *testing.T, content string, gotRequest *map[string]any) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"coach-model","object":"model","owned_by":"test"}]}`))
	})
	mux.HandleFunc("/v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(gotRequest); err != nil {
			t.Errorf("decode request: %v", err)
		}
		resp := map[string]any{
			"id":      "chatcmpl-1",
			"object":  "chat.completion",
			"created": 1,
			"model":   "coach-model",
			"choices": []map[string]any{{
				"index":         0,
				"message":       map[string]any{"role": "assistant", "content": content},
				"finish_reason": "stop",
			}},
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestAdvise(t *testing.T) {
	var req map[string]any
	srv := fakeEndpoint(t, `{"summary":"Focus on graphs.","plan":[{"topic":"Graphs","reason":"25% accuracy","actions":["Revise BFS","Solve 10 PYQs"],"priority":1}]}`, &req)

	c, err := New(srv.URL+"/v1", "test-key", "coach-model", "brief")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := c.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	report := &model.AnalysisReport{
		Mock:       model.MockSummary{Name: "GATE CS mock"},
		Overall:    model.OverallStats{Score: 1, MaxScore: 4, Attempted: 4, TotalQuestions: 4, Accuracy: 0.25},
		WeakTopics: []model.BucketStats{{Name: "Graphs", Attempted: 4, Correct: 1, TotalQuestions: 4, Accuracy: 0.25}},
	}
	a, err := c.Advise(context.Background(), report, "en")
	if err != nil {
		t.Fatalf("Advise: %v", err)
	}
	if a.Summary != "Focus on graphs." || len(a.Plan) != 1 || len(a.Plan[0].Actions) != 2 {
		t.Errorf("advice = %+v", a)
	}

	if req["model"] != "coach-model" {
		t.Errorf("model = %v", req["model"])
	}
	rf, _ := req["response_format"].(map[string]any)
	if rf["type"] != "json_object" {
		t.Errorf("response_format = %v, want json_object", req["response_format"])
	}
	msgs, _ := req["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system and user messages, got %d", len(msgs))
	}
	user, _ := msgs[1].(map[string]any)
	if content, _ := user["content"].(string); !strings.Contains(content, "- Graphs: 1/4 correct (25%)") {
		t.Errorf("user message does not carry the report:\n%s", content)
	}
}

func TestAdviseBadResponse(t *testing.T) {
	var req map[string]any
	srv := fakeEndpoint(t, "I think you should study more.", &req)
	c, err := New(srv.URL+"/v1", "test-key", "coach-model", "detailed")
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.Advise(context.Background(), &model.AnalysisReport{}, "en"); err == nil {
		t.Fatal("expected parse error")
	}
}
