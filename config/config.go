// Package config holds the engine's settings as one explicit record.
//
// The record is constructed at startup and passed down to every
// component that needs it; there is no package-level mutable state.
// Load reads overrides from the process environment, optionally
// seeded from a .env file.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
)

// Settings are the user-level policy flags the engine consults.
type Settings struct {
	// LocalUserID is the id of the local user; the self-conversation
	// shares this id.
	LocalUserID string

	// ReadReceipts enables sending read receipts on mark-read.
	ReadReceipts bool

	// TypingIndicators enables sending local typing signals.
	TypingIndicators bool
}

// Default returns the settings used when nothing is configured:
// receipts and typing on, no local user.
func Default() *Settings {
	return &Settings{
		ReadReceipts:     true,
		TypingIndicators: true,
	}
}

// Load builds Settings from the environment. If envFile is non-empty
// and exists it is loaded first; a missing file is not an error.
//
// Recognized variables: CHATCORE_LOCAL_USER_ID,
// CHATCORE_READ_RECEIPTS, CHATCORE_TYPING_INDICATORS.
func Load(envFile string) (*Settings, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, err
		}
	}

	s := Default()
	if v := os.Getenv("CHATCORE_LOCAL_USER_ID"); v != "" {
		s.LocalUserID = v
	}
	if v := os.Getenv("CHATCORE_READ_RECEIPTS"); v != "" {
		s.ReadReceipts = parseBool(v, s.ReadReceipts)
	}
	if v := os.Getenv("CHATCORE_TYPING_INDICATORS"); v != "" {
		s.TypingIndicators = parseBool(v, s.TypingIndicators)
	}

	logrus.WithFields(logrus.Fields{
		"function":          "Load",
		"read_receipts":     s.ReadReceipts,
		"typing_indicators": s.TypingIndicators,
	}).Debug("Loaded settings")
	return s, nil
}

func parseBool(v string, fallback bool) bool {
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
