// Package notify emails users when their proctoring review outcome changes
// their completion state. Best-effort: a failed send is logged and never rolls
// back the completion write.
package notify

import (
	"bytes"
	"context"
	"fmt"
	"net/smtp"
	"text/template"

	"go.uber.org/zap"

	"proctorsync/internal/domain"
)

type Config struct {
	Host     string
	Port     int
	From     string
	Username string
	Password string
}

// Mailer sends the status-change email over SMTP.
type Mailer struct {
	cfg  Config
	log  *zap.Logger
	send func(addr string, a smtp.Auth, from string, to []string, msg []byte) error
}

func New(cfg Config, log *zap.Logger) *Mailer {
	if log == nil {
		log = zap.NewNop()
	}
	return &Mailer{cfg: cfg, log: log, send: smtp.SendMail}
}

var bodyTemplate = template.Must(template.New("status").Parse(`Hello {{.Name}},

The integrity review for your proctored activity in course {{.CourseID}} has been updated.

Review status: {{.Status}}
{{- if .Resubmit}}

Your identity document could not be verified. Please resubmit it here:
{{.ResubmitURL}}
{{- end}}
{{- if .Flags}}

Review notes:
{{- range .Flags}}
  - {{.Name}}{{if .Comment}}: {{.Comment}}{{end}}
{{- end}}
{{- end}}

This message was sent automatically; replies are not monitored.
`))

// StatusChanged emails the user about their new review outcome. The context
// is accepted for interface symmetry; net/smtp has no cancellation hook.
func (m *Mailer) StatusChanged(ctx context.Context, user domain.User, rec domain.ParticipantRecord, courseID int64) error {
	if m.cfg.Host == "" {
		// Mail not configured; the completion write is the authoritative
		// effect, so this downgrades to a log line.
		m.log.Info("mail not configured, skipping notification",
			zap.Int64("user_id", user.ID), zap.String("status", rec.ReviewStatus))
		return nil
	}
	name := user.FirstName
	if name == "" {
		name = user.Username
	}
	var body bytes.Buffer
	err := bodyTemplate.Execute(&body, map[string]any{
		"Name":        name,
		"CourseID":    courseID,
		"Status":      rec.ReviewStatus,
		"Resubmit":    rec.ReviewStatus == domain.StatusInvalidID && rec.ResubmitURL != "",
		"ResubmitURL": rec.ResubmitURL,
		"Flags":       rec.Flags,
	})
	if err != nil {
		return fmt.Errorf("render notification: %w", err)
	}

	msg := fmt.Sprintf("From: %s\r\nTo: %s\r\nSubject: Proctoring review update\r\n\r\n%s",
		m.cfg.From, user.Email, body.String())

	var auth smtp.Auth
	if m.cfg.Username != "" {
		auth = smtp.PlainAuth("", m.cfg.Username, m.cfg.Password, m.cfg.Host)
	}
	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	if err := m.send(addr, auth, m.cfg.From, []string{user.Email}, []byte(msg)); err != nil {
		return fmt.Errorf("send notification to %s: %w", user.Email, err)
	}
	m.log.Debug("notification sent", zap.Int64("user_id", user.ID), zap.String("status", rec.ReviewStatus))
	return nil
}
