package commands

import "testing"

func TestAbbrev(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"0123456789abcdef0123456789abcdef01234567", 12, "0123456789ab"},
		{"rev-1", 12, "rev-1"},
		{"", 12, ""},
		{"12345678", 8, "12345678"},
		{"123456789", 8, "12345678"},
	}
	for _, tt := range tests {
		if got := abbrev(tt.in, tt.n); got != tt.want {
			t.Errorf("abbrev(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}
