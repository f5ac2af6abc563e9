package gateway

import "github.com/rs/zerolog"

// LogNotifier writes notifications to the log. It stands in for desktop
// notifications on headless CRM hosts.
type LogNotifier struct {
	Enabled bool
	Logger  zerolog.Logger
}

func (n LogNotifier) Permitted() bool { return n.Enabled }

func (n LogNotifier) Notify(title, body string) error {
	n.Logger.Info().Str("title", title).Str("body", body).Msg("notification")
	return nil
}
