package gate

import "testing"

func TestIPAllowed(t *testing.T) {
	tests := []struct {
		name      string
		ip        string
		allowlist []string
		want      bool
	}{
		{"empty list allows all", "203.0.113.9", nil, true},
		{"exact match", "203.0.113.9", []string{"203.0.113.9"}, true},
		{"exact mismatch", "203.0.113.10", []string{"203.0.113.9"}, false},
		{"cidr match", "10.1.2.3", []string{"10.0.0.0/8"}, true},
		{"cidr mismatch", "11.1.2.3", []string{"10.0.0.0/8"}, false},
		{"slash32 exact", "10.1.2.3", []string{"10.1.2.3/32"}, true},
		{"slash32 neighbor", "10.1.2.4", []string{"10.1.2.3/32"}, false},
		{"zero cidr matches everything", "198.51.100.7", []string{"0.0.0.0/0"}, true},
		{"malformed cidr never matches", "10.1.2.3", []string{"10.0.0.0/99"}, false},
		{"malformed entry skipped", "10.1.2.3", []string{"bogus", "10.0.0.0/8"}, true},
		{"ipv6 exact", "2001:db8::1", []string{"2001:db8::1"}, true},
		{"ipv6 cidr", "2001:db8::beef", []string{"2001:db8::/32"}, true},
		{"unparsable client ip", "not-an-ip", []string{"0.0.0.0/0"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ipAllowed(tt.ip, tt.allowlist); got != tt.want {
				t.Errorf("ipAllowed(%q, %v) = %v, want %v", tt.ip, tt.allowlist, got, tt.want)
			}
		})
	}
}
