package common

import (
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// ServiceName is the name the service logs under.
const ServiceName = "audit-notifier"

// Log is the base log entry that every package derives its logger from.
var Log = logrus.WithFields(logrus.Fields{
	"service": ServiceName,
	"art-id":  ServiceName,
})

// InitLogging applies the log settings to the standard logrus logger.
func InitLogging(settings LogSettings) error {
	level, err := logrus.ParseLevel(settings.Level)
	if err != nil {
		return errors.Wrap(err, "unable to parse the log level")
	}
	logrus.SetLevel(level)

	switch settings.Format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}

	return nil
}
