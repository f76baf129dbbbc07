package providers

import (
	"context"
	"encoding/json"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/actuallyroy/audit-notifier/model"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// PushProvider sends push envelopes to mobile devices through SNS platform endpoints.
type PushProvider struct {
	client   SNSAPI
	settings common.SNSSettings
}

// NewPushProvider returns a provider that sends through the given SNS client.
func NewPushProvider(client SNSAPI, settings common.SNSSettings) *PushProvider {
	return &PushProvider{client: client, settings: settings}
}

// SendPush registers the device token with the platform application and publishes the message
// to the resulting endpoint.
func (p *PushProvider) SendPush(ctx context.Context, env *model.Envelope) bool {
	logger := log.WithFields(logrus.Fields{"notification_id": env.NotificationID})
	if env.Push == nil || env.Push.DeviceToken == "" {
		logger.Error("push envelope has no device token")
		return false
	}
	if p.settings.PlatformApplicationARN == "" {
		logger.Error("no push platform application is configured")
		return false
	}

	// CreatePlatformEndpoint is idempotent for a token that is already registered.
	endpoint, err := p.client.CreatePlatformEndpoint(ctx, &sns.CreatePlatformEndpointInput{
		PlatformApplicationArn: aws.String(p.settings.PlatformApplicationARN),
		Token:                  aws.String(env.Push.DeviceToken),
	})
	if err != nil {
		logger.WithError(err).Error("unable to register the device endpoint")
		return false
	}

	message, err := BuildPushMessage(env)
	if err != nil {
		logger.WithError(err).Error("unable to build the push message")
		return false
	}

	_, err = p.client.Publish(ctx, &sns.PublishInput{
		TargetArn:        endpoint.EndpointArn,
		Message:          aws.String(message),
		MessageStructure: aws.String("json"),
	})
	if err != nil {
		logger.WithError(err).Error("unable to send push notification")
		return false
	}

	logger.Info("push notification sent")
	return true
}

// SendBulkPush sends each envelope in turn and reports how many succeeded.
func (p *PushProvider) SendBulkPush(ctx context.Context, envs []*model.Envelope) BulkResult {
	result := BulkResult{TotalCount: len(envs)}
	for _, env := range envs {
		if p.SendPush(ctx, env) {
			result.SuccessCount++
		}
	}
	return result
}

type apnsAlert struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

type apnsBody struct {
	Alert apnsAlert `json:"alert"`
	Sound string    `json:"sound,omitempty"`
	Badge *int      `json:"badge,omitempty"`
}

type fcmNotification struct {
	Title string `json:"title"`
	Body  string `json:"body"`
	Sound string `json:"sound,omitempty"`
}

// BuildPushMessage renders the per-platform SNS message for a push envelope.
func BuildPushMessage(env *model.Envelope) (string, error) {
	wrapMsg := "unable to encode the push message"

	apns, err := json.Marshal(map[string]any{
		"aps":  apnsBody{Alert: apnsAlert{Title: env.Subject, Body: env.Body}, Sound: env.Push.Sound, Badge: env.Push.Badge},
		"data": env.Push.Data,
	})
	if err != nil {
		return "", errors.Wrap(err, wrapMsg)
	}

	fcm, err := json.Marshal(map[string]any{
		"notification": fcmNotification{Title: env.Subject, Body: env.Body, Sound: env.Push.Sound},
		"data":         env.Push.Data,
		"priority":     fcmPriority(env.Priority),
	})
	if err != nil {
		return "", errors.Wrap(err, wrapMsg)
	}

	message, err := json.Marshal(map[string]string{
		"default":      env.Body,
		"APNS":         string(apns),
		"APNS_SANDBOX": string(apns),
		"GCM":          string(fcm),
	})
	if err != nil {
		return "", errors.Wrap(err, wrapMsg)
	}

	return string(message), nil
}

func fcmPriority(priority model.Priority) string {
	if priority == model.PriorityHigh || priority == model.PriorityUrgent {
		return "high"
	}
	return "normal"
}
