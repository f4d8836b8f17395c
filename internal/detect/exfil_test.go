package detect

import (
	"strings"
	"testing"
)

func TestIsExfiltrationSensitivePayload(t *testing.T) {
	trusted := []string{"api.example.com"}

	if !IsExfiltration("https://evil.io/collect", "api_key=sk-12345", trusted) {
		t.Error("credential payload to untrusted host not flagged")
	}
	if IsExfiltration("https://api.example.com/v1", "api_key=sk-12345", trusted) {
		t.Error("trusted host flagged despite sensitive body")
	}
	if IsExfiltration("https://evil.io/collect", "weather report attached", trusted) {
		t.Error("benign body to untrusted host flagged")
	}
}

func TestIsExfiltrationLargeUpload(t *testing.T) {
	big := strings.Repeat("x", largeUploadBytes+1)
	if !IsExfiltration("https://unknown.example.net/up", big, nil) {
		t.Error("large upload to untrusted host not flagged")
	}
	if IsExfiltration("https://drive.corp.com/up", big, []string{"corp.com"}) {
		t.Error("large upload to trusted suffix flagged")
	}
}

func TestIsExfiltrationUnparsableURL(t *testing.T) {
	if IsExfiltration("", "password=hunter2", nil) {
		t.Error("empty URL flagged")
	}
	if IsExfiltration("::not a url::", "password=hunter2", nil) {
		t.Error("unparsable URL flagged")
	}
	if IsExfiltration("/relative/path", "password=hunter2", nil) {
		t.Error("hostless URL flagged")
	}
}

func TestHostTrusted(t *testing.T) {
	trusted := []string{"Example.com", " api.corp.io ", ""}

	tests := []struct {
		host string
		want bool
	}{
		{"example.com", true},
		{"EXAMPLE.COM", true},
		{"sub.example.com", true},
		{"deep.sub.example.com", true},
		{"notexample.com", false},
		{"example.com.evil.io", false},
		{"api.corp.io", true},
		{"x.api.corp.io", true},
		{"corp.io", false},
	}
	for _, tc := range tests {
		if got := HostTrusted(tc.host, trusted); got != tc.want {
			t.Errorf("HostTrusted(%q) = %v, want %v", tc.host, got, tc.want)
		}
	}
}
