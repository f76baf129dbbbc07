package providers

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"mime/quotedprintable"
	"net/mail"
	"net/textproto"
	"strings"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// EmailProvider sends email envelopes through Amazon SES.
type EmailProvider struct {
	client   SESAPI
	settings common.SESSettings
}

// NewEmailProvider returns a provider that sends through the given SES client.
func NewEmailProvider(client SESAPI, settings common.SESSettings) *EmailProvider {
	return &EmailProvider{client: client, settings: settings}
}

func (p *EmailProvider) from(env *model.Envelope) string {
	address := p.settings.FromAddress
	name := p.settings.FromName
	if env.Email != nil && env.Email.From != "" {
		address = env.Email.From
		name = env.Email.FromName
	}
	if name == "" {
		return address
	}
	return (&mail.Address{Name: name, Address: address}).String()
}

// SendEmail sends a single email. Messages with attachments are sent as raw MIME.
func (p *EmailProvider) SendEmail(ctx context.Context, env *model.Envelope) bool {
	logger := log.WithFields(logrus.Fields{
		"notification_id": env.NotificationID,
		"recipient":       env.RecipientEmail,
	})
	if env.Email == nil {
		logger.Error("email envelope has no email payload")
		return false
	}

	var err error
	if len(env.Email.Attachments) > 0 {
		err = p.sendRaw(ctx, env)
	} else {
		err = p.sendSimple(ctx, env)
	}
	if err != nil {
		logger.WithError(err).Error("unable to send email")
		return false
	}

	logger.Info("email sent")
	return true
}

// SendBulkEmail sends each envelope in turn and reports how many succeeded.
func (p *EmailProvider) SendBulkEmail(ctx context.Context, envs []*model.Envelope) BulkResult {
	result := BulkResult{TotalCount: len(envs)}
	for _, env := range envs {
		if p.SendEmail(ctx, env) {
			result.SuccessCount++
		}
	}
	return result
}

func (p *EmailProvider) sendSimple(ctx context.Context, env *model.Envelope) error {
	content := &types.Content{Data: aws.String(env.Body), Charset: aws.String("UTF-8")}
	body := &types.Body{Text: content}
	if env.Email.IsHTML {
		body = &types.Body{Html: content}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(p.from(env)),
		Destination: &types.Destination{
			ToAddresses:  []string{env.RecipientEmail},
			CcAddresses:  env.Email.CC,
			BccAddresses: env.Email.BCC,
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(env.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	}
	if env.Email.ReplyTo != "" {
		input.ReplyToAddresses = []string{env.Email.ReplyTo}
	}

	_, err := p.client.SendEmail(ctx, input)
	return err
}

func (p *EmailProvider) sendRaw(ctx context.Context, env *model.Envelope) error {
	raw, err := BuildMIMEMessage(p.from(env), env)
	if err != nil {
		return err
	}

	destinations := append([]string{env.RecipientEmail}, env.Email.CC...)
	destinations = append(destinations, env.Email.BCC...)

	_, err = p.client.SendRawEmail(ctx, &ses.SendRawEmailInput{
		Source:       aws.String(p.from(env)),
		Destinations: destinations,
		RawMessage:   &types.RawMessage{Data: raw},
	})
	return err
}

// mailPriorities maps notification priorities to X-Priority header values.
var mailPriorities = map[model.Priority]string{
	model.PriorityLow:    "5 (Lowest)",
	model.PriorityMedium: "3 (Normal)",
	model.PriorityHigh:   "2 (High)",
	model.PriorityUrgent: "1 (Highest)",
}

// BuildMIMEMessage renders an email envelope with attachments as a multipart/mixed message.
func BuildMIMEMessage(from string, env *model.Envelope) ([]byte, error) {
	wrapMsg := "unable to build the MIME message"

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	// Top-level headers. Bcc recipients are passed as destinations only.
	headers := []string{
		"From: " + from,
		"To: " + env.RecipientEmail,
	}
	if len(env.Email.CC) > 0 {
		headers = append(headers, "Cc: "+strings.Join(env.Email.CC, ", "))
	}
	if env.Email.ReplyTo != "" {
		headers = append(headers, "Reply-To: "+env.Email.ReplyTo)
	}
	if priority, ok := mailPriorities[env.Priority]; ok {
		headers = append(headers, "X-Priority: "+priority)
	}
	headers = append(headers,
		"Subject: "+mime.QEncoding.Encode("utf-8", env.Subject),
		"MIME-Version: 1.0",
		fmt.Sprintf("Content-Type: multipart/mixed; boundary=%q", writer.Boundary()),
	)
	buf.WriteString(strings.Join(headers, "\r\n") + "\r\n\r\n")

	// The body.
	contentType := "text/plain; charset=utf-8"
	if env.Email.IsHTML {
		contentType = "text/html; charset=utf-8"
	}
	part, err := writer.CreatePart(textproto.MIMEHeader{
		"Content-Type":              {contentType},
		"Content-Transfer-Encoding": {"quoted-printable"},
	})
	if err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}
	if err = writeQuotedPrintable(part, env.Body); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	// The attachments.
	for _, attachment := range env.Email.Attachments {
		disposition := "attachment"
		if attachment.IsInline {
			disposition = "inline"
		}
		header := textproto.MIMEHeader{
			"Content-Type":              {attachment.ContentType},
			"Content-Transfer-Encoding": {"base64"},
			"Content-Disposition":       {mime.FormatMediaType(disposition, map[string]string{"filename": attachment.FileName})},
		}
		if attachment.ContentID != "" {
			header.Set("Content-ID", "<"+attachment.ContentID+">")
		}

		part, err = writer.CreatePart(header)
		if err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
		if err = writeBase64Lines(part, attachment.Content); err != nil {
			return nil, errors.Wrap(err, wrapMsg)
		}
	}

	if err = writer.Close(); err != nil {
		return nil, errors.Wrap(err, wrapMsg)
	}

	return buf.Bytes(), nil
}

func writeQuotedPrintable(w io.Writer, text string) error {
	qp := quotedprintable.NewWriter(w)
	if _, err := qp.Write([]byte(text)); err != nil {
		return err
	}
	return qp.Close()
}

func writeBase64Lines(w io.Writer, content []byte) error {
	const lineLength = 76

	encoded := base64.StdEncoding.EncodeToString(content)
	for len(encoded) > 0 {
		n := lineLength
		if len(encoded) < n {
			n = len(encoded)
		}
		if _, err := io.WriteString(w, encoded[:n]+"\r\n"); err != nil {
			return err
		}
		encoded = encoded[n:]
	}
	return nil
}
