package config

import (
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Apply configures the global zerolog logger from the log section.
func (l LogConfig) Apply() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if l.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	level, err := zerolog.ParseLevel(l.Level)
	if err != nil || l.Level == "" {
		log.Warn().Str("level", l.Level).Msg("Invalid log level, using info")
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}
