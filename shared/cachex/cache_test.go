package cachex

import "testing"

func TestKey(t *testing.T) {
	cases := []struct {
		parts []string
		want  string
	}{
		{[]string{"dlq", "scan"}, "bus:dlq:scan"},
		{[]string{"dlq", "last_scan"}, "bus:dlq:last_scan"},
		{[]string{"event", "abc-123"}, "bus:event:abc-123"},
		{nil, "bus"},
	}
	for _, tc := range cases {
		if got := Key(tc.parts...); got != tc.want {
			t.Fatalf("Key(%v) = %q, want %q", tc.parts, got, tc.want)
		}
	}
}
