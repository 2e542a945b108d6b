package service

import "testing"

func TestStripReasoning(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "no tags passes through",
			in:   "NVDA closed at $900.",
			want: "NVDA closed at $900.",
		},
		{
			name: "think block removed",
			in:   "<think>the user wants a quote</think>NVDA closed at $900.",
			want: "NVDA closed at $900.",
		},
		{
			name: "thinking variant with attributes",
			in:   "<thinking budget=\"high\">hmm</thinking>Buy side looks strong.",
			want: "Buy side looks strong.",
		},
		{
			name: "thought block mid answer",
			in:   "Part one. <thought>check the dates</thought>Part two.",
			want: "Part one. Part two.",
		},
		{
			name: "case insensitive",
			in:   "<THINK>loud thoughts</THINK>answer",
			want: "answer",
		},
		{
			name: "unclosed block truncates",
			in:   "The answer is<think>wait, let me reconsider",
			want: "The answer is",
		},
		{
			name: "stray closing tag dropped",
			in:   "answer</think> trailing",
			want: "answer trailing",
		},
		{
			name: "tags inside fenced code survive",
			in:   "Use this:\n```\n<think>not reasoning</think>\n```\ndone",
			want: "Use this:\n```\n<think>not reasoning</think>\n```\ndone",
		},
		{
			name: "tag outside fence still stripped",
			in:   "<think>remove</think>keep\n```\n<think>keep</think>\n```\n",
			want: "keep\n```\n<think>keep</think>\n```",
		},
		{
			name: "angle bracket without tag untouched",
			in:   "AAPL < MSFT in revenue",
			want: "AAPL < MSFT in revenue",
		},
		{
			name: "empty",
			in:   "",
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := StripReasoning(tt.in); got != tt.want {
				t.Errorf("StripReasoning(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestStripReasoningMultipleBlocks(t *testing.T) {
	in := "<think>a</think>one <think>b</think>two"
	if got := StripReasoning(in); got != "one two" {
		t.Errorf("StripReasoning = %q, want %q", got, "one two")
	}
}

func TestLoopGuardTripsOnRepetition(t *testing.T) {
	g := newLoopGuard(8, 3)
	args := map[string]interface{}{"symbol": "AAPL"}

	if g.record("get_stock_quote", args) {
		t.Fatal("tripped on first call")
	}
	if g.record("get_stock_quote", args) {
		t.Fatal("tripped on second call")
	}
	if !g.record("get_stock_quote", args) {
		t.Fatal("did not trip on third identical call")
	}
}

func TestLoopGuardDistinguishesArguments(t *testing.T) {
	g := newLoopGuard(8, 3)

	g.record("get_stock_quote", map[string]interface{}{"symbol": "AAPL"})
	g.record("get_stock_quote", map[string]interface{}{"symbol": "MSFT"})
	if g.record("get_stock_quote", map[string]interface{}{"symbol": "AAPL"}) {
		t.Fatal("tripped on interleaved distinct arguments")
	}
}

func TestLoopGuardArgumentOrderIrrelevant(t *testing.T) {
	g := newLoopGuard(8, 2)

	g.record("t", map[string]interface{}{"a": 1.0, "b": 2.0})
	if !g.record("t", map[string]interface{}{"b": 2.0, "a": 1.0}) {
		t.Fatal("same arguments in different order treated as distinct")
	}
}

func TestLoopGuardWindowSlides(t *testing.T) {
	g := newLoopGuard(3, 3)
	same := map[string]interface{}{"q": "x"}

	g.record("a", same)
	g.record("b", same)
	g.record("b", same)
	// Window is [a b b]; the next b slides it to [b b b].
	if g.record("b", same) != true {
		t.Fatal("window did not slide past the older distinct call")
	}
}
