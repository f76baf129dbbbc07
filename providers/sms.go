package providers

import (
	"context"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/sirupsen/logrus"
)

// SMSProvider sends SMS envelopes through Amazon SNS.
type SMSProvider struct {
	client   SNSAPI
	settings common.SNSSettings
}

// NewSMSProvider returns a provider that sends through the given SNS client.
func NewSMSProvider(client SNSAPI, settings common.SNSSettings) *SMSProvider {
	return &SMSProvider{client: client, settings: settings}
}

// SendSms sends a single text message.
func (p *SMSProvider) SendSms(ctx context.Context, env *model.Envelope) bool {
	logger := log.WithFields(logrus.Fields{"notification_id": env.NotificationID})
	if env.SMS == nil || env.SMS.ToNumber == "" {
		logger.Error("sms envelope has no recipient")
		return false
	}

	attributes := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {DataType: aws.String("String"), StringValue: aws.String("Transactional")},
	}
	senderID := p.settings.SenderID
	if env.SMS.FromNumber != "" {
		senderID = env.SMS.FromNumber
	}
	if senderID != "" {
		attributes["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(senderID),
		}
	}

	out, err := p.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(env.SMS.ToNumber),
		Message:           aws.String(env.Body),
		MessageAttributes: attributes,
	})
	if err != nil {
		logger.WithError(err).Error("unable to send sms")
		return false
	}

	logger.WithField("sns_message_id", aws.ToString(out.MessageId)).Info("sms sent")
	return true
}

// SendBulkSms sends each envelope in turn and reports how many succeeded.
func (p *SMSProvider) SendBulkSms(ctx context.Context, envs []*model.Envelope) BulkResult {
	result := BulkResult{TotalCount: len(envs)}
	for _, env := range envs {
		if p.SendSms(ctx, env) {
			result.SuccessCount++
		}
	}
	return result
}
