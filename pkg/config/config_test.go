package config

import "testing"

func TestFromTextParsesIceServers(t *testing.T) {
	doc := []byte(`
turms_url: wss://turms.example.com
rtc:
  - urls: ["stun:stun.example.com:3478"]
  - urls: ["turn:turn.example.com:3478"]
    username: alice
    credential: secret
`)

	c, err := FromText(doc)
	if err != nil {
		t.Fatalf("FromText: %v", err)
	}
	if c.TurmsURL != "wss://turms.example.com" {
		t.Fatalf("got turms_url %q", c.TurmsURL)
	}
	if len(c.RTC) != 2 {
		t.Fatalf("got %d ice servers, want 2", len(c.RTC))
	}
	if c.RTC[1].Username != "alice" || c.RTC[1].Credential != "secret" {
		t.Fatalf("turn server credentials not parsed: %+v", c.RTC[1])
	}
}

func TestFromTextMissingURLSelectsOffline(t *testing.T) {
	c, err := FromText([]byte(`rtc: []`))
	if err != nil {
		t.Fatalf("FromText: %v", err)
	}
	if !c.Offline() {
		t.Fatal("expected a config with no turms_url to report Offline() == true")
	}
}
