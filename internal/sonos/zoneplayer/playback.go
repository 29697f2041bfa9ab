package zoneplayer

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/strefethen/sonos-zp-go/internal/sonos/xmlnorm"
)

// Track is the display metadata of the current track.
type Track struct {
	Title       string
	Artist      string
	Album       string
	AlbumArtURI string
	Class       string
	Source      string
	ServiceName string
}

// Playback gathers transport, position, media and volume state of a
// coordinator. Position is nil when the transport is stopped.
type Playback struct {
	Transport TransportInfo
	Position  *PositionInfo
	Media     *MediaInfo
	Volume    int64
	Muted     bool
	Track     *Track
}

// Playback reads the playback state. Only the transport query is required;
// the remaining queries are best effort.
func (c *Client) Playback(ctx context.Context) (Playback, error) {
	transport, err := c.GetTransportInfo(ctx)
	if err != nil {
		return Playback{}, err
	}
	p := Playback{Transport: transport}

	if volume, err := c.GetVolume(ctx); err == nil {
		p.Volume = volume
	} else {
		c.logger.Debug().Err(err).Msg("playback: volume unavailable")
	}
	if muted, err := c.GetMute(ctx); err == nil {
		p.Muted = muted
	} else {
		c.logger.Debug().Err(err).Msg("playback: mute unavailable")
	}

	// Media info is always read: the URI reveals TV and line-in sources.
	if media, err := c.GetMediaInfo(ctx); err == nil {
		p.Media = &media
	} else {
		c.logger.Debug().Err(err).Msg("playback: media info unavailable")
	}

	if transport.State != "STOPPED" {
		if pos, err := c.GetPositionInfo(ctx); err == nil {
			p.Position = &pos
			p.Track = TrackFromDIDL(pos.Metadata, pos.URI)
		} else {
			c.logger.Debug().Err(err).Msg("playback: position unavailable")
		}
	}
	if p.Track == nil && p.Media != nil {
		p.Track = TrackFromDIDL(p.Media.Metadata, p.Media.URI)
	}
	return p, nil
}

// TrackFromDIDL builds a Track from normalized DIDL-Lite metadata. It
// returns nil when the document carries no item or container.
func TrackFromDIDL(didl map[string]any, uri string) *Track {
	if didl == nil {
		return nil
	}
	var obj map[string]any
	for _, key := range []string{"items", "containers"} {
		if list := xmlnorm.List(didl, key); len(list) > 0 {
			obj, _ = list[0].(map[string]any)
			break
		}
	}
	if obj == nil {
		return nil
	}

	track := &Track{
		Title:       xmlnorm.String(obj, "title"),
		Artist:      xmlnorm.String(obj, "creator"),
		Album:       xmlnorm.String(obj, "album"),
		AlbumArtURI: xmlnorm.String(obj, "albumArtUri"),
		Class:       xmlnorm.String(obj, "class"),
	}
	if track.Title == "" {
		track.Title = "Unknown"
	}
	track.Source = trackSource(uri, track.Class)
	track.ServiceName = serviceName(uri)
	return track
}

func trackSource(uri, class string) string {
	uri = strings.ToLower(uri)
	switch {
	case strings.HasPrefix(uri, "x-sonos-htastream:"):
		return "tv"
	case strings.HasPrefix(uri, "x-rincon-stream:"):
		return "line_in"
	case strings.HasPrefix(uri, "x-rincon-queue:"):
		return "queue"
	case strings.HasPrefix(uri, "x-rincon:"):
		return "group"
	case strings.HasPrefix(uri, "x-sonosapi-radio:"),
		strings.HasPrefix(uri, "x-sonosapi-stream:"),
		strings.HasPrefix(uri, "x-sonosapi-hls-static:"),
		strings.HasPrefix(uri, "x-rincon-mp3radio:"),
		strings.Contains(class, "audioBroadcast"):
		return "radio"
	case strings.HasPrefix(uri, "x-sonos-spotify:"),
		strings.HasPrefix(uri, "x-sonos-http:"),
		strings.HasPrefix(uri, "x-rincon-cpcontainer:"):
		return "streaming"
	default:
		return "unknown"
	}
}

var serviceNames = []struct {
	marker string
	name   string
}{
	{"spotify", "Spotify"},
	{"song%3a", "Apple Music"},
	{"apple", "Apple Music"},
	{"amzn", "Amazon Music"},
	{"amazon", "Amazon Music"},
	{"tunein", "TuneIn"},
	{"radiotime", "TuneIn"},
	{"pandora", "Pandora"},
	{"deezer", "Deezer"},
	{"tidal", "Tidal"},
	{"soundcloud", "SoundCloud"},
	{"youtube", "YouTube Music"},
	{"audible", "Audible"},
	{"plex", "Plex"},
	{"sonos-radio", "Sonos Radio"},
}

func serviceName(uri string) string {
	uri = strings.ToLower(uri)
	for _, s := range serviceNames {
		if strings.Contains(uri, s.marker) {
			return s.name
		}
	}
	return ""
}

// ParseDuration parses the H:MM:SS form used by AVTransport. Unparseable
// values such as NOT_IMPLEMENTED yield zero.
func ParseDuration(s string) time.Duration {
	parts := strings.Split(s, ":")
	if len(parts) != 3 {
		return 0
	}
	var total time.Duration
	for i, unit := range []time.Duration{time.Hour, time.Minute, time.Second} {
		part := parts[i]
		if i == 2 {
			// Fractional seconds are dropped.
			part, _, _ = strings.Cut(part, ".")
		}
		n, err := strconv.Atoi(part)
		if err != nil || n < 0 {
			return 0
		}
		total += time.Duration(n) * unit
	}
	return total
}
