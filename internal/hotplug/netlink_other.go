//go:build !linux

package hotplug

import (
	"log/slog"

	"github.com/kstaniek/go-canreader/internal/logging"
)

// LinkWatcher is inert where netlink is unavailable.
type LinkWatcher struct {
	logger *slog.Logger
}

func NewLinkWatcher(l *slog.Logger) *LinkWatcher {
	if l == nil {
		l = logging.Component("hotplug")
	}
	return &LinkWatcher{logger: l}
}

func (w *LinkWatcher) Watch(id string, _ func(string)) func() {
	w.logger.Debug("hotplug_unsupported", "device", id)
	return func() {}
}
