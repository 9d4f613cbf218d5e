package tunnel

import "testing"

func TestNormalizeHost(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"  https://example.com/  ", "https://example.com"},
		{"https://example.com", "https://example.com"},
		{"example.com", "https://example.com"},
		{"example.com/", "https://example.com"},
	}
	for _, tt := range tests {
		if got := NormalizeHost(tt.input); got != tt.want {
			t.Errorf("NormalizeHost(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestDescriptorTunnelURL(t *testing.T) {
	d := &Descriptor{
		BaseHost:        "https://mytenant.cumulocity.com",
		DeviceID:        "dev123",
		ConfigurationID: "Passthrough",
	}
	got, err := d.TunnelURL()
	if err != nil {
		t.Fatalf("TunnelURL: %v", err)
	}
	want := "wss://mytenant.cumulocity.com/service/remoteaccess/client/dev123/configurations/Passthrough"
	if got != want {
		t.Errorf("TunnelURL() = %q, want %q", got, want)
	}
}

func TestDescriptorTunnelURLHTTPScheme(t *testing.T) {
	d := &Descriptor{BaseHost: "http://localhost:8080", DeviceID: "d", ConfigurationID: "c"}
	got, err := d.TunnelURL()
	if err != nil {
		t.Fatalf("TunnelURL: %v", err)
	}
	want := "ws://localhost:8080/service/remoteaccess/client/d/configurations/c"
	if got != want {
		t.Errorf("TunnelURL() = %q, want %q", got, want)
	}
}

func TestDescriptorLogValueRedactsToken(t *testing.T) {
	d := &Descriptor{Token: "super-secret"}
	v := d.LogValue().String()
	if v == "" {
		t.Fatal("expected non-empty LogValue")
	}
	// The rendered group must never contain the raw token.
	if containsSecret(v, "super-secret") {
		t.Errorf("LogValue leaked token: %s", v)
	}
}

func containsSecret(s, secret string) bool {
	for i := 0; i+len(secret) <= len(s); i++ {
		if s[i:i+len(secret)] == secret {
			return true
		}
	}
	return false
}

func TestModeString(t *testing.T) {
	if ModePersistent.String() != "persistent" {
		t.Errorf("ModePersistent.String() = %q", ModePersistent.String())
	}
	if ModeOneShot.String() != "one-shot" {
		t.Errorf("ModeOneShot.String() = %q", ModeOneShot.String())
	}
}
