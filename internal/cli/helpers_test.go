package cli

import "testing"

func TestTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"short", 10, "short"},
		{"exactly-10", 10, "exactly-10"},
		{"onboarding-hints", 10, "onboard..."},
		{"Übungen für Anfänger", 10, "Übungen..."},
		{"日本語のテスト名です", 5, "日本..."},
		{"hints", 3, "hin"},
		{"hints", 0, ""},
		{"hints", -1, ""},
	}
	for _, tc := range tests {
		if got := truncate(tc.in, tc.n); got != tc.want {
			t.Errorf("truncate(%q, %d) = %q, want %q", tc.in, tc.n, got, tc.want)
		}
	}
}
