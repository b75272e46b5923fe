package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.Currency != "USD" || cfg.Payments.Method != "WIRE" {
		t.Fatalf("defaults = %s/%s", cfg.Currency, cfg.Payments.Method)
	}
	if got := cfg.ChangeOrders.DefaultEvidence; len(got) != 1 || got[0] != "INVOICE" {
		t.Fatalf("change order evidence = %v", got)
	}
	if names := cfg.TemplateNames(); len(names) != 1 || names[0] != "residential-remodel" {
		t.Fatalf("templates = %v", names)
	}
}

func TestValidateRejects(t *testing.T) {
	base := GenerateDefault()
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{"lowercase currency", strings.Replace(base, "currency: USD", "currency: usd", 1), "3-letter"},
		{"missing method", strings.Replace(base, "method: WIRE", "method: \"\"", 1), "payments.method"},
		{"unknown change order evidence", strings.Replace(base, "default_evidence: [INVOICE]", "default_evidence: [RECEIPT]", 1), "unknown evidence type RECEIPT"},
		{"percentages off", strings.Replace(base, "percentage: 10", "percentage: 15", 1), "sum to 105"},
		{"negative percentage", strings.Replace(base, "percentage: 10", "percentage: -10", 1), "must be positive"},
		{"bad percentage", strings.Replace(base, "percentage: 10", "percentage: ten", 1), "percentage \"ten\""},
		{"webhook without url", strings.Replace(base, "webhooks: []", "webhooks:\n    - events: [APPROVE]", 1), "url is required"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := FromYAML([]byte(tc.yaml))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("FromYAML err = %v, want %q", err, tc.want)
			}
		})
	}
}

func TestFractionalPercentages(t *testing.T) {
	cfg, err := FromYAML([]byte(`currency: EUR
payments:
  method: SEPA
templates:
  thirds:
    title: Thirds
    milestones:
      - title: One
        percentage: 33.33
      - title: Two
        percentage: 33.33
      - title: Three
        percentage: "33.34"
`))
	if err != nil {
		t.Fatalf("FromYAML: %v", err)
	}
	if got := cfg.Templates["thirds"].Milestones[2].Percentage.String(); got != "33.34" {
		t.Fatalf("percentage = %s", got)
	}
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	if err != nil {
		t.Fatalf("LoadOptional without file: %v", err)
	}
	if cfg.Currency != "USD" {
		t.Fatalf("fallback currency = %s", cfg.Currency)
	}
	if _, err := Load(dir); err == nil || !strings.Contains(err.Error(), "vd config init") {
		t.Fatalf("Load without file err = %v", err)
	}

	custom := strings.Replace(GenerateDefault(), "currency: USD", "currency: CAD", 1)
	if err := os.WriteFile(filepath.Join(dir, "veridraw.yml"), []byte(custom), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err = LoadOptional(dir)
	if err != nil {
		t.Fatalf("LoadOptional: %v", err)
	}
	if cfg.Currency != "CAD" {
		t.Fatalf("currency = %s", cfg.Currency)
	}
}

func TestParseEnv(t *testing.T) {
	t.Setenv("VERIDRAW_ADDR", ":9090")
	t.Setenv("VERIDRAW_JWT_SECRET", "s3cret")
	t.Setenv("VERIDRAW_ALLOW_HEADER_AUTH", "true")
	t.Setenv("VERIDRAW_DISPATCH_INTERVAL", "500ms")
	env, err := ParseEnv()
	if err != nil {
		t.Fatalf("ParseEnv: %v", err)
	}
	if env.AllowDevLogin {
		t.Fatalf("dev login must default off")
	}
	if env.Addr != ":9090" || env.JWTSecret != "s3cret" || !env.AllowHeaderAuth {
		t.Fatalf("env = %+v", env)
	}
	if env.DispatchInterval != 500*time.Millisecond || env.BasePath != "/v0" {
		t.Fatalf("env = %+v", env)
	}

	t.Setenv("VERIDRAW_DISPATCH_INTERVAL", "soon")
	if _, err := ParseEnv(); err == nil {
		t.Fatalf("expected invalid duration to fail")
	}
}
