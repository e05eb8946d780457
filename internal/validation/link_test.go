package validation

import "testing"

func TestIsValidLink(t *testing.T) {
	tests := []struct {
		link string
		want bool
	}{
		{"https://x.com/p/1", true},
		{"http://instagram.com/u/name", true},
		{"  https://x.com/p/1  ", true},
		{"ftp://x.com/p/1", false},
		{"x.com/p/1", false},
		{"https://", false},
		{"https://localhost/p", false},
		{"", false},
		{"not a url", false},
	}

	for _, tt := range tests {
		t.Run(tt.link, func(t *testing.T) {
			if got := IsValidLink(tt.link); got != tt.want {
				t.Fatalf("IsValidLink(%q) = %v, want %v", tt.link, got, tt.want)
			}
		})
	}
}

func TestNormalizeLink(t *testing.T) {
	if got := NormalizeLink("  https://X.com/P/1 "); got != "https://x.com/p/1" {
		t.Fatalf("NormalizeLink() = %q", got)
	}
}
