// Package test offers helpers shared across package tests.
package test

import (
	"os"
	"testing"

	"github.com/fairmail/fairmail/log"
)

// LogLevel returns the level to default the logger to, based on the
// FAIRMAIL_TEST_LOGS presence
func LogLevel(t *testing.T) int {
	logLevel := log.InfoLevel
	debugEnv, isDebug := os.LookupEnv("FAIRMAIL_TEST_LOGS")
	if isDebug && debugEnv == "DEBUG" {
		t.Log("Enabling Debug logs")
		logLevel = log.DebugLevel
	}

	return logLevel
}

// Logger returns a configured logger
func Logger(t *testing.T) log.Logger {
	return log.New(nil, LogLevel(t), false)
}
