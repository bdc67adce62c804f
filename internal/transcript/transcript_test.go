package transcript

import "testing"

func TestLogKeepsArrivalOrder(t *testing.T) {
	var l Log
	for _, text := range []string{"one", "two", "three"} {
		l.Append(Message{Text: text, Sender: SenderBot})
	}
	got := l.Messages()
	if len(got) != 3 {
		t.Fatalf("len(Messages()) = %d, want 3", len(got))
	}
	for i, want := range []string{"one", "two", "three"} {
		if got[i].Text != want {
			t.Fatalf("Messages()[%d].Text = %q, want %q", i, got[i].Text, want)
		}
	}
}

func TestLogReturnsCopies(t *testing.T) {
	var l Log
	l.Append(Message{Text: "hi", Sender: SenderBot, ToolCalls: []string{"lookup"}})

	got := l.Messages()
	got[0].Text = "mutated"
	got[0].ToolCalls[0] = "mutated"

	again := l.Messages()
	if again[0].Text != "hi" || again[0].ToolCalls[0] != "lookup" {
		t.Fatalf("log mutated through returned copy: %+v", again[0])
	}
}

func TestLogSinceAndReset(t *testing.T) {
	var l Log
	l.Append(Message{Text: "a"})
	l.Append(Message{Text: "b"})

	tail := l.Since(1)
	if len(tail) != 1 || tail[0].Text != "b" {
		t.Fatalf("Since(1) = %+v, want [b]", tail)
	}
	if got := l.Since(5); len(got) != 0 {
		t.Fatalf("Since(5) = %+v, want empty", got)
	}

	l.Reset()
	if l.Len() != 0 {
		t.Fatalf("Len() after Reset = %d, want 0", l.Len())
	}
}

func TestPerformanceStatsEmpty(t *testing.T) {
	var nilStats *PerformanceStats
	if !nilStats.Empty() {
		t.Fatalf("nil stats should be empty")
	}
	v := 12.5
	if (&PerformanceStats{LLMDurationMS: &v}).Empty() {
		t.Fatalf("stats with llm duration should not be empty")
	}
}
