package notificator

import (
	"fmt"
	"net"
	"net/smtp"
	"strconv"
	"strings"

	"github.com/chainfund/settlement/pkg/logger"
)

type EmailNotificator struct {
	logger *logger.Logger

	SMTPHost   string
	SMTPPort   int
	SMTPSender string

	SMTPAuth smtp.Auth
}

func NewEmailNotificator(logger *logger.Logger, SMTPHost string, SMTPPort int, SMTPUser string, SMTPPassword string, SMTPSender string) *EmailNotificator {
	var auth smtp.Auth
	if SMTPUser != "" {
		auth = smtp.PlainAuth(
			"",
			SMTPUser,
			SMTPPassword,
			SMTPHost,
		)
	}

	return &EmailNotificator{
		logger:     logger,
		SMTPAuth:   auth,
		SMTPHost:   SMTPHost,
		SMTPPort:   SMTPPort,
		SMTPSender: SMTPSender,
	}
}

func (e *EmailNotificator) SendNotification(to, subject, message string) error {
	addr := net.JoinHostPort(e.SMTPHost, strconv.Itoa(e.SMTPPort))
	msg := buildMessage(e.SMTPSender, to, subject, message)
	if err := smtp.SendMail(addr, e.SMTPAuth, e.SMTPSender, []string{to}, msg); err != nil {
		return fmt.Errorf("failed to send email to %s: %w", to, err)
	}
	e.logger.Debugw("email sent", "to", to, "subject", subject)
	return nil
}

// buildMessage renders a plain text message. Header values are stripped of line breaks.
func buildMessage(from, to, subject, body string) []byte {
	clean := strings.NewReplacer("\r", "", "\n", " ")
	return []byte(fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/plain; charset=UTF-8\r\n\r\n%s\r\n",
		clean.Replace(from),
		clean.Replace(to),
		clean.Replace(subject),
		body,
	))
}
