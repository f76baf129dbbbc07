package common

import (
	"time"

	"github.com/mcnijman/go-emailaddress"
)

// Database drivers.
const (
	DriverPostgres = "postgres"
	DriverMemory   = "memory"
)

// DBSettings represents the settings used to connect to the notification database.
type DBSettings struct {
	Driver  string `mapstructure:"driver"`
	URI     string `mapstructure:"uri"`
	Migrate bool   `mapstructure:"migrate"`
}

// ExchangeSettings describes an AMQP exchange.
type ExchangeSettings struct {
	Name string `mapstructure:"name"`
	Type string `mapstructure:"type"`
}

// DeadLetterSettings describes the exchange and queue that receive messages whose retries are
// exhausted.
type DeadLetterSettings struct {
	Exchange string `mapstructure:"exchange"`
	Queue    string `mapstructure:"queue"`
}

// QueueSettings names the durable queue for each queued channel.
type QueueSettings struct {
	Email string `mapstructure:"email"`
	SMS   string `mapstructure:"sms"`
	Push  string `mapstructure:"push"`
}

// AMQPSettings represents the settings that we require in order to connect to the AMQP exchange.
type AMQPSettings struct {
	Enabled    bool               `mapstructure:"enabled"`
	URI        string             `mapstructure:"uri"`
	Exchange   ExchangeSettings   `mapstructure:"exchange"`
	DeadLetter DeadLetterSettings `mapstructure:"dead_letter"`
	Queues     QueueSettings      `mapstructure:"queues"`
	MaxRetries int                `mapstructure:"max_retries"`
	RetryDelay time.Duration      `mapstructure:"retry_delay"`
	Prefetch   int                `mapstructure:"prefetch"`
	Consumers  int                `mapstructure:"consumers"`
}

// RedisSettings configures the broadcast backplane shared by hub instances.
type RedisSettings struct {
	Enabled  bool   `mapstructure:"enabled"`
	Address  string `mapstructure:"address"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Channel  string `mapstructure:"channel"`
}

// SESSettings configures outbound email.
type SESSettings struct {
	FromAddress string `mapstructure:"from_address"`
	FromName    string `mapstructure:"from_name"`
}

// SNSSettings configures outbound SMS and push messages.
type SNSSettings struct {
	SenderID               string `mapstructure:"sender_id"`
	PlatformApplicationARN string `mapstructure:"platform_application_arn"`
}

// AWSSettings configures the AWS clients used by the channel providers.
type AWSSettings struct {
	Region string      `mapstructure:"region"`
	SES    SESSettings `mapstructure:"ses"`
	SNS    SNSSettings `mapstructure:"sns"`
}

// HubSettings configures the HTTP listener and the real-time hub.
type HubSettings struct {
	Listen            string        `mapstructure:"listen"`
	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
	SendBuffer        int           `mapstructure:"send_buffer"`
}

// JWTSettings configures validation of caller tokens.
type JWTSettings struct {
	Secret   string `mapstructure:"secret"`
	Issuer   string `mapstructure:"issuer"`
	Audience string `mapstructure:"audience"`
}

// PollerSettings configures the broadcast poller.
type PollerSettings struct {
	Interval   time.Duration `mapstructure:"interval"`
	BatchSize  int           `mapstructure:"batch_size"`
	ClaimLease time.Duration `mapstructure:"claim_lease"`
}

// MaintenanceSettings configures the periodic sweeps.
type MaintenanceSettings struct {
	PendingInterval time.Duration `mapstructure:"pending_interval"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval"`
}

// LogSettings configures logrus.
type LogSettings struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Config is the complete service configuration.
type Config struct {
	DB          DBSettings          `mapstructure:"db"`
	AMQP        AMQPSettings        `mapstructure:"amqp"`
	Redis       RedisSettings       `mapstructure:"redis"`
	AWS         AWSSettings         `mapstructure:"aws"`
	Hub         HubSettings         `mapstructure:"hub"`
	JWT         JWTSettings         `mapstructure:"jwt"`
	Poller      PollerSettings      `mapstructure:"poller"`
	Maintenance MaintenanceSettings `mapstructure:"maintenance"`
	Log         LogSettings         `mapstructure:"log"`
}

// ValidateEmailAddress returns an error if the format of an email address is invalid.
func ValidateEmailAddress(emailAddress string) error {
	_, err := emailaddress.Parse(emailAddress)
	return err
}
