// Package notify emails a terminal-failure notification once a task has
// exhausted its retries. Adapted in shape from email_utils.py's
// EmailSender (connect, authenticate, send, quit). Every notification
// opens and closes its own SMTP session, so no connection is kept
// between calls. Translated to net/smtp since no third-party SMTP client
// appears anywhere in the example pack (only an SMTP server framework,
// which solves a different problem) - see DESIGN.md.
package notify

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/smtp"
	"strings"
	"time"

	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/config"
	"github.com/HengLine/ai-diffusion-aigc-sub001/internal/task"
)

// Mailer sends the terminal-failure notification described by C7.
type Mailer struct {
	cfg    config.SMTPConfig
	toName string
	to     string
}

// New constructs a Mailer. Returns ok=false when the SMTP host or the
// notification recipient is unconfigured, so callers can run without
// email notification wired up at all.
func New(smtpCfg config.SMTPConfig, notifyCfg config.NotifyConfig) (*Mailer, bool) {
	if smtpCfg.Host == "" || notifyCfg.ToEmail == "" {
		return nil, false
	}
	return &Mailer{cfg: smtpCfg, to: notifyCfg.ToEmail, toName: notifyCfg.ToName}, true
}

// NotifyTerminalFailure sends the operator a plain-text message describing
// the task that gave up retrying.
func (m *Mailer) NotifyTerminalFailure(ctx context.Context, t *task.Task) error {
	subject := fmt.Sprintf("task %s failed", t.TaskID)
	body := fmt.Sprintf(
		"task_id: %s\ntask_type: %s\nexecution_count: %d\nstatus_message: %s\n",
		t.TaskID, t.TaskType, t.ExecutionCount, t.StatusMessage,
	)
	return m.send(ctx, subject, body)
}

func (m *Mailer) send(ctx context.Context, subject, body string) error {
	deadline := time.Now().Add(15 * time.Second)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	addr := fmt.Sprintf("%s:%d", m.cfg.Host, m.cfg.Port)
	dialer := &net.Dialer{Deadline: deadline}
	conn, err := tls.DialWithDialer(dialer, "tcp", addr, &tls.Config{ServerName: m.cfg.Host})
	if err != nil {
		return fmt.Errorf("notify: dial smtp: %w", err)
	}
	defer conn.Close()

	client, err := smtp.NewClient(conn, m.cfg.Host)
	if err != nil {
		return fmt.Errorf("notify: smtp handshake: %w", err)
	}
	defer client.Quit()

	if m.cfg.User != "" {
		auth := smtp.PlainAuth("", m.cfg.User, m.cfg.Password, m.cfg.Host)
		if err := client.Auth(auth); err != nil {
			return fmt.Errorf("notify: smtp auth: %w", err)
		}
	}

	from := m.cfg.From
	if from == "" {
		from = m.cfg.User
	}
	if err := client.Mail(from); err != nil {
		return fmt.Errorf("notify: smtp mail from: %w", err)
	}
	if err := client.Rcpt(m.to); err != nil {
		return fmt.Errorf("notify: smtp rcpt to: %w", err)
	}

	w, err := client.Data()
	if err != nil {
		return fmt.Errorf("notify: smtp data: %w", err)
	}
	defer w.Close()

	msg := buildMessage(m.cfg.FromName, from, m.toName, m.to, subject, body)
	if _, err := w.Write([]byte(msg)); err != nil {
		return fmt.Errorf("notify: write message: %w", err)
	}
	return nil
}

func buildMessage(fromName, from, toName, to, subject, body string) string {
	var b strings.Builder
	if fromName != "" {
		fmt.Fprintf(&b, "From: %s <%s>\r\n", fromName, from)
	} else {
		fmt.Fprintf(&b, "From: %s\r\n", from)
	}
	if toName != "" {
		fmt.Fprintf(&b, "To: %s <%s>\r\n", toName, to)
	} else {
		fmt.Fprintf(&b, "To: %s\r\n", to)
	}
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	b.WriteString("Content-Type: text/plain; charset=utf-8\r\n\r\n")
	b.WriteString(body)
	return b.String()
}
