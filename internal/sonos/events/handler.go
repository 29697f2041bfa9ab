package events

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/go-chi/chi/v5"
)

// MethodNotify is the GENA notification method.
const MethodNotify = "NOTIFY"

func init() {
	chi.RegisterMethod(MethodNotify)
}

func (l *Listener) routes() http.Handler {
	r := chi.NewRouter()
	r.Get(NotifyPrefix, l.handleStatus)
	r.Get(NotifyPrefix+"/stream", l.stream.serve)
	r.Method(MethodNotify, NotifyPrefix+"/*", http.HandlerFunc(l.handleNotify))
	return r
}

// handleNotify routes a NOTIFY to the registered client. The response is
// always 200: the device has no use for anything else.
func (l *Listener) handleNotify(w http.ResponseWriter, r *http.Request) {
	l.received.Add(1)
	defer w.WriteHeader(http.StatusOK)

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, l.cfg.MaxBodyBytes))
	if err != nil {
		l.ignored.Add(1)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			l.logger.Warn().Str("path", r.URL.Path).Int64("limit", tooLarge.Limit).Msg("notification body too large")
		} else {
			l.logger.Warn().Str("path", r.URL.Path).Err(err).Msg("failed to read notification body")
		}
		return
	}

	target, ok := ParseNotifyPath(r.URL.Path)
	if !ok {
		l.ignored.Add(1)
		l.logger.Debug().Str("path", r.URL.Path).Msg("malformed notification path")
		return
	}

	receiver, known := l.lookup(target.DeviceID)
	l.stream.publish(StreamEvent{
		DeviceID:   target.DeviceID,
		Device:     target.Device,
		Service:    target.Service,
		Bytes:      len(body),
		ReceivedAt: time.Now(),
		Known:      known,
	})

	if !known {
		l.ignored.Add(1)
		l.logger.Debug().Str("device_id", target.DeviceID).Msg("notification for unknown device")
		return
	}

	receiver.HandleNotify(target.Device, target.Service, body)
	l.dispatched.Add(1)
}

// handleStatus writes a plain text table of registered devices.
func (l *Listener) handleStatus(w http.ResponseWriter, r *http.Request) {
	clients := l.snapshot()
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	stats := l.Stats()
	fmt.Fprintf(w, "notifications: received=%d dispatched=%d ignored=%d\n\n", stats.Received, stats.Dispatched, stats.Ignored)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "DEVICE\tADDRESS\tSUBSCRIPTIONS")
	for _, id := range ids {
		receiver := clients[id]
		paths := append([]string(nil), receiver.SubscriptionPaths()...)
		sort.Strings(paths)
		subs := strings.Join(paths, ", ")
		if subs == "" {
			subs = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\n", id, receiver.Address(), subs)
	}
	_ = tw.Flush()
}
