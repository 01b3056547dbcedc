// Package email delivers highlight digest mail over SMTP.
package email

import (
	"bytes"
	"fmt"
	"html/template"
	"net/smtp"
	"strings"
)

// Config holds SMTP configuration
type Config struct {
	Host     string
	Port     string
	Username string
	Password string
	From     string
	FromName string
}

// Service provides email sending
type Service struct {
	config Config
	server string
	auth   smtp.Auth
}

// NewService creates a new email service
func NewService(config Config) *Service {
	auth := smtp.PlainAuth("", config.Username, config.Password, config.Host)

	return &Service{
		config: config,
		server: config.Host + ":" + config.Port,
		auth:   auth,
	}
}

// IsConfigured returns true if email is configured
func (s *Service) IsConfigured() bool {
	return s.config.Host != "" && s.config.Port != "" && s.config.From != ""
}

// SendEmail sends a plain text email
func (s *Service) SendEmail(to []string, subject, body string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	msg := []byte(fmt.Sprintf(
		"To: %s\r\n"+
			"From: %s\r\n"+
			"Subject: %s\r\n"+
			"Content-Type: text/plain; charset=UTF-8\r\n"+
			"\r\n"+
			"%s",
		strings.Join(to, ", "),
		from,
		subject,
		body,
	))

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg)
}

// SendHTMLEmail sends an HTML email
func (s *Service) SendHTMLEmail(to []string, subject, htmlBody string) error {
	if !s.IsConfigured() {
		return fmt.Errorf("email not configured")
	}

	from := s.config.From
	if s.config.FromName != "" {
		from = fmt.Sprintf("%s <%s>", s.config.FromName, s.config.From)
	}

	// Simple multipart message
	boundary := "boundary-marginalia"

	var msg bytes.Buffer
	fmt.Fprintf(&msg, "To: %s\r\n", strings.Join(to, ", "))
	fmt.Fprintf(&msg, "From: %s\r\n", from)
	fmt.Fprintf(&msg, "Subject: %s\r\n", subject)
	fmt.Fprintf(&msg, "MIME-Version: 1.0\r\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=\"%s\"\r\n", boundary)
	fmt.Fprintf(&msg, "\r\n")

	// Plain text part (fallback)
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/plain; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "Please view this email in an HTML-capable email client.\r\n")
	fmt.Fprintf(&msg, "\r\n")

	// HTML part
	fmt.Fprintf(&msg, "--%s\r\n", boundary)
	fmt.Fprintf(&msg, "Content-Type: text/html; charset=UTF-8\r\n")
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "%s\r\n", htmlBody)
	fmt.Fprintf(&msg, "\r\n")
	fmt.Fprintf(&msg, "--%s--\r\n", boundary)

	return smtp.SendMail(s.server, s.auth, s.config.From, to, msg.Bytes())
}

// DigestHighlight is one marked passage in a digest.
type DigestHighlight struct {
	Text string
	Note string
}

// DigestDocument groups a digest's highlights under their document.
type DigestDocument struct {
	Title      string
	Author     string
	Highlights []DigestHighlight
}

// DigestData holds data for the digest email template
type DigestData struct {
	AppName    string
	ReaderName string
	Period     string
	Total      int
	Documents  []DigestDocument
}

// SendDigestEmail sends a reader their recent-highlights digest
func (s *Service) SendDigestEmail(to string, data DigestData) error {
	if data.AppName == "" {
		data.AppName = "Marginalia"
	}

	subject := fmt.Sprintf("Your highlights this week (%d new)", data.Total)
	html, err := renderTemplate(digestEmailTemplate, data)
	if err != nil {
		return fmt.Errorf("render digest template: %w", err)
	}

	return s.SendHTMLEmail([]string{to}, subject, html)
}

func renderTemplate(tmpl string, data interface{}) (string, error) {
	t := template.Must(template.New("email").Parse(tmpl))
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

const digestEmailTemplate = `<!DOCTYPE html>
<html>
<head>
    <meta charset="UTF-8">
    <title>{{.AppName}} highlight digest</title>
    <style>
        body { font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif; line-height: 1.6; color: #333; max-width: 600px; margin: 0 auto; padding: 20px; }
        .header { border-bottom: 2px solid #b8860b; padding-bottom: 10px; margin-bottom: 20px; }
        .period { color: #666; font-size: 14px; margin: 4px 0 0; }
        .doc { margin: 24px 0; }
        .doc h3 { margin-bottom: 4px; }
        .author { color: #666; font-size: 13px; margin-top: 0; }
        blockquote { border-left: 3px solid #b8860b; margin: 12px 0; padding: 4px 16px; background: #faf6ec; }
        .note { color: #555; font-style: italic; margin: 4px 0 16px; }
        .footer { margin-top: 30px; padding-top: 20px; border-top: 1px solid #eee; font-size: 12px; color: #666; }
    </style>
</head>
<body>
    <div class="header">
        <h1>{{.AppName}}</h1>
        <p class="period">{{.Period}}</p>
    </div>

    <h2>Hi {{.ReaderName}},</h2>

    <p>You marked {{.Total}} new {{if eq .Total 1}}passage{{else}}passages{{end}} this week.</p>

    {{range .Documents}}
    <div class="doc">
        <h3>{{.Title}}</h3>
        {{if .Author}}<p class="author">{{.Author}}</p>{{end}}
        {{range .Highlights}}
        <blockquote>{{.Text}}</blockquote>
        {{if .Note}}<p class="note">{{.Note}}</p>{{end}}
        {{end}}
    </div>
    {{end}}

    <div class="footer">
        <p>You are receiving this because digest emails are turned on for your {{.AppName}} account.</p>
    </div>
</body>
</html>`
