package config

import "github.com/sirupsen/logrus"

// NewLogger configures the process-wide logrus defaults and returns the
// standard logger so callers can attach hooks if they need to.
func NewLogger() *logrus.Logger {
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	logrus.SetLevel(logrus.InfoLevel)
	return logrus.StandardLogger()
}
