package providers

import (
	"context"

	"github.com/actuallyroy/audit-notifier/common"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

var log = common.Log.WithFields(logrus.Fields{"package": "providers"})

// SESAPI is the part of the SES client used to send email.
type SESAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
	SendRawEmail(ctx context.Context, params *ses.SendRawEmailInput, optFns ...func(*ses.Options)) (*ses.SendRawEmailOutput, error)
}

// SNSAPI is the part of the SNS client used to send SMS and push messages.
type SNSAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
	CreatePlatformEndpoint(
		ctx context.Context,
		params *sns.CreatePlatformEndpointInput,
		optFns ...func(*sns.Options),
	) (*sns.CreatePlatformEndpointOutput, error)
}

// Clients holds the AWS clients shared by the providers.
type Clients struct {
	SES *ses.Client
	SNS *sns.Client
}

// NewClients loads the default AWS configuration for the region and creates the SES and SNS
// clients.
func NewClients(ctx context.Context, region string) (*Clients, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, errors.Wrap(err, "unable to load the AWS configuration")
	}
	return &Clients{
		SES: ses.NewFromConfig(cfg),
		SNS: sns.NewFromConfig(cfg),
	}, nil
}

// BulkResult reports how many of a batch of sends succeeded.
type BulkResult struct {
	SuccessCount int `json:"successCount"`
	TotalCount   int `json:"totalCount"`
}
