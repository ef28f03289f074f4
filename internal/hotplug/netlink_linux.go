//go:build linux

package hotplug

import (
	"log/slog"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/kstaniek/go-canreader/internal/logging"
)

// subscribe is a hook for tests.
var subscribe = netlink.LinkSubscribe

// LinkWatcher reports removal of network interfaces (SocketCAN adapters).
type LinkWatcher struct {
	logger *slog.Logger
}

func NewLinkWatcher(l *slog.Logger) *LinkWatcher {
	if l == nil {
		l = logging.Component("hotplug")
	}
	return &LinkWatcher{logger: l}
}

// Watch implements link.Watcher; id is the interface name.
func (w *LinkWatcher) Watch(id string, detached func(string)) func() {
	wt := newWatch()
	updates := make(chan netlink.LinkUpdate, 16)
	if err := subscribe(updates, wt.done); err != nil {
		w.logger.Warn("netlink_subscribe_error", "error", err)
		wt.exit()
		return wt.stop
	}
	go func() {
		defer wt.exit()
		for {
			select {
			case <-wt.done:
				return
			case u, ok := <-updates:
				if !ok {
					return
				}
				if u.Header.Type != unix.RTM_DELLINK || u.Link == nil || u.Attrs().Name != id {
					continue
				}
				if wt.commit() {
					w.logger.Info("device_removed", "device", id)
					detached(id)
				}
				return
			}
		}
	}()
	return wt.stop
}
