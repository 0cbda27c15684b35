package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"devicelink/internal/model"
)

func TestJSONField(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"field present", `{"deviceId":"dev_a","code":"123456"}`, "deviceId:dev_a"},
		{"field missing", `{"code":"123456"}`, "ip:203.0.113.7"},
		{"field empty", `{"deviceId":""}`, "ip:203.0.113.7"},
		{"not a string", `{"deviceId":42}`, "ip:203.0.113.7"},
		{"not json", `deviceId=dev_a`, "ip:203.0.113.7"},
		{"oversized", `{"deviceId":"dev_a","pad":"` + strings.Repeat("x", maxKeyBody) + `"}`, "ip:203.0.113.7"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/devices/exchange", strings.NewReader(tt.body))
			req.RemoteAddr = "203.0.113.7:5555"

			if got := JSONField("deviceId")(req); got != tt.want {
				t.Errorf("key = %q, want %q", got, tt.want)
			}
			rest, err := io.ReadAll(req.Body)
			if err != nil {
				t.Fatalf("read body: %v", err)
			}
			if string(rest) != tt.body {
				t.Error("body was not restored for the handler")
			}
		})
	}
}

func TestUserOrIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/devices/link", nil)
	req.RemoteAddr = "203.0.113.7:5555"
	if got := UserOrIP(req); got != "ip:203.0.113.7" {
		t.Errorf("anonymous key = %q", got)
	}

	req = req.WithContext(WithIdentity(req.Context(), model.ResolvedIdentity{UserID: 42, Source: model.SourceSession}))
	req.Header.Set("X-Forwarded-For", "198.51.100.1")
	if got := UserOrIP(req); got != "user:42" {
		t.Errorf("signed-in key = %q, want user:42", got)
	}
}
