// Package notifications renders and delivers account emails.
package notifications

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/service-shop/internal/notifications/email"
	"github.com/bissquit/service-shop/internal/pkg/ctxlog"
)

// Sender delivers a rendered email to one recipient.
type Sender interface {
	Send(ctx context.Context, to, subject, body string) error
}

// MailerConfig contains mailer settings.
type MailerConfig struct {
	ShopName string
	// LinkTTL is shown to the recipient as the link lifetime.
	LinkTTL time.Duration
}

// Mailer sends verification emails.
type Mailer struct {
	renderer *Renderer
	sender   Sender
	config   MailerConfig
}

// NewMailer creates a new mailer.
func NewMailer(renderer *Renderer, sender Sender, config MailerConfig) *Mailer {
	if config.ShopName == "" {
		config.ShopName = "Service Shop"
	}
	return &Mailer{renderer: renderer, sender: sender, config: config}
}

// SendVerificationEmail renders and sends the verification link. When delivery is
// disabled the email is skipped and no error is returned.
func (m *Mailer) SendVerificationEmail(ctx context.Context, to, name, verificationURL string) error {
	logger := ctxlog.FromContext(ctx)

	if strings.TrimSpace(to) == "" {
		return ErrNoRecipient
	}

	subject, body, err := m.renderer.RenderVerification(VerificationData{
		ShopName:        m.config.ShopName,
		Name:            name,
		VerificationURL: verificationURL,
		ExpiresIn:       m.config.LinkTTL,
	})
	if err != nil {
		recordNotificationSent(statusFailed)
		return fmt.Errorf("render verification email: %w", err)
	}

	start := time.Now()
	err = m.sender.Send(ctx, to, subject, body)
	recordNotificationDuration(time.Since(start))

	switch {
	case errors.Is(err, email.ErrDisabled):
		recordNotificationSent(statusSkipped)
		logger.Warn("email delivery disabled, verification email not sent")
		return nil
	case err != nil:
		recordNotificationSent(statusFailed)
		return err
	}

	recordNotificationSent(statusSent)
	logger.Info("verification email sent")
	return nil
}
