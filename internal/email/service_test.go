package email

import (
	"strings"
	"testing"
)

func TestServiceIsConfigured(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		expected bool
	}{
		{
			name:     "empty config",
			config:   Config{},
			expected: false,
		},
		{
			name: "missing host",
			config: Config{
				Port: "587",
				From: "digest@example.com",
			},
			expected: false,
		},
		{
			name: "missing port",
			config: Config{
				Host: "smtp.example.com",
				From: "digest@example.com",
			},
			expected: false,
		},
		{
			name: "missing from",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
			},
			expected: false,
		},
		{
			name: "fully configured",
			config: Config{
				Host: "smtp.example.com",
				Port: "587",
				From: "digest@example.com",
			},
			expected: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := NewService(tt.config)
			if svc.IsConfigured() != tt.expected {
				t.Errorf("IsConfigured() = %v, want %v", svc.IsConfigured(), tt.expected)
			}
		})
	}
}

func TestRenderDigestTemplate(t *testing.T) {
	data := DigestData{
		AppName:    "Marginalia",
		ReaderName: "Imogen",
		Period:     "Aug 18 to Aug 25, 2026",
		Total:      3,
		Documents: []DigestDocument{
			{
				Title:  "Voyage Notes",
				Author: "A. Harbormaster",
				Highlights: []DigestHighlight{
					{Text: "We left the harbor at dawn.", Note: "departure"},
					{Text: "The sea was glass."},
				},
			},
			{
				Title: "Field Journal",
				Highlights: []DigestHighlight{
					{Text: "Rain all morning."},
				},
			},
		},
	}

	html, err := renderTemplate(digestEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}

	for _, want := range []string{
		"Marginalia",
		"Hi Imogen,",
		"Aug 18 to Aug 25, 2026",
		"3 new passages",
		"Voyage Notes",
		"A. Harbormaster",
		"We left the harbor at dawn.",
		"departure",
		"Field Journal",
		"Rain all morning.",
	} {
		if !strings.Contains(html, want) {
			t.Errorf("digest template missing %q", want)
		}
	}
}

func TestRenderDigestTemplateSingular(t *testing.T) {
	data := DigestData{
		AppName:    "Marginalia",
		ReaderName: "Imogen",
		Period:     "Aug 18 to Aug 25, 2026",
		Total:      1,
		Documents: []DigestDocument{
			{Title: "Voyage Notes", Highlights: []DigestHighlight{{Text: "One line."}}},
		},
	}

	html, err := renderTemplate(digestEmailTemplate, data)
	if err != nil {
		t.Fatalf("renderTemplate failed: %v", err)
	}
	if !strings.Contains(html, "1 new passage") || strings.Contains(html, "1 new passages") {
		t.Error("expected singular passage wording")
	}
}

func TestSendDigestEmailUnconfigured(t *testing.T) {
	svc := NewService(Config{})
	err := svc.SendDigestEmail("reader@example.com", DigestData{ReaderName: "Imogen", Total: 1})
	if err == nil || !strings.Contains(err.Error(), "not configured") {
		t.Fatalf("expected not-configured error, got %v", err)
	}
}
