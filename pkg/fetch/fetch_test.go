package fetch

import (
	"errors"
	"testing"
	"time"
)

func TestRetryDelay(t *testing.T) {
	t.Run("remote hint wins", func(t *testing.T) {
		err := &Error{Fetcher: "fx", Msg: "rate limited", RetryAfter: 42 * time.Second}
		if got := RetryDelay(err, 0); got != 42*time.Second {
			t.Errorf("delay = %v, want 42s", got)
		}
	})

	t.Run("wrapped hint still found", func(t *testing.T) {
		inner := &Error{Fetcher: "fx", Msg: "rate limited", RetryAfter: time.Minute}
		wrapped := errors.Join(errors.New("sync failed"), inner)
		if got := RetryDelay(wrapped, 3); got != time.Minute {
			t.Errorf("delay = %v, want 1m", got)
		}
	})

	t.Run("backoff grows with attempts", func(t *testing.T) {
		err := errors.New("transient")
		early := RetryDelay(err, 0)
		late := RetryDelay(err, 6)
		if early <= 0 || late <= 0 {
			t.Fatalf("non-positive delays: %v, %v", early, late)
		}
		if late < early {
			t.Errorf("delay shrank with attempts: %v -> %v", early, late)
		}
	})
}

func TestBudgetBounded(t *testing.T) {
	if (Budget{}).Bounded() {
		t.Error("zero budget reported bounded")
	}
	if !(Budget{MaxRequests: 1}).Bounded() {
		t.Error("request budget reported unbounded")
	}
	if !(Budget{MaxDuration: time.Second}).Bounded() {
		t.Error("duration budget reported unbounded")
	}
}

func TestResponseRowCount(t *testing.T) {
	resp := &Response{Graph: &GraphData{
		Nodes:   []TypedBatch{{Type: "A", Records: []map[string]any{{}, {}}}},
		Edges:   []TypedBatch{{Type: "E", Records: []map[string]any{{}}}},
		Vectors: []TypedBatch{{Type: "V", Records: []map[string]any{{}}}},
	}}
	if n := resp.RowCount(); n != 4 {
		t.Errorf("RowCount() = %d, want 4", n)
	}

	panel := &Response{Panel: &PanelData{Table: "t", Rows: []map[string]any{{}, {}, {}}}}
	if n := panel.RowCount(); n != 3 {
		t.Errorf("panel RowCount() = %d, want 3", n)
	}
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := &Error{Fetcher: "fx", Msg: "fetch", Err: cause}
	if !errors.Is(err, cause) {
		t.Error("cause not reachable through Unwrap")
	}
}
