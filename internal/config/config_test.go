package config

import "testing"

func TestDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.APIBase != "http://localhost:8080" {
		t.Fatalf("APIBase %q", cfg.APIBase)
	}
	if cfg.WSURL != "ws://localhost:8080/ws" {
		t.Fatalf("WSURL %q", cfg.WSURL)
	}
}

func TestWSDerivedFromHTTPS(t *testing.T) {
	t.Setenv("API_URL", "https://chat.example.com")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WSURL != "wss://chat.example.com/ws" {
		t.Fatalf("WSURL %q", cfg.WSURL)
	}
}

func TestExplicitWSURLWins(t *testing.T) {
	t.Setenv("WS_URL", "ws://elsewhere:9000/stream")
	cfg, err := Load()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.WSURL != "ws://elsewhere:9000/stream" {
		t.Fatalf("WSURL %q", cfg.WSURL)
	}
}

func TestInvalidAPIBase(t *testing.T) {
	t.Setenv("API_URL", "not a url")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error")
	}
}

func TestInvalidTimeout(t *testing.T) {
	t.Setenv("HTTP_TIMEOUT", "soon")
	if _, err := Load(); err == nil {
		t.Fatal("expected an error")
	}
}
