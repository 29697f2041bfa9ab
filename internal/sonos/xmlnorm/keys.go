package xmlnorm

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// TextKey holds the character data of an element that also has attributes
// or child elements.
const TextKey = "_"

// Ordered longest first: RE2 picks the first alternative that matches at a
// position, so UUID must be tried before ID.
var acronymPattern = regexp.MustCompile(`UUID|SSID|DIDL|URL|URI|UDN|LED|MAC|ID|TV|IP|RF|LF|HT|AV|SW`)

// renames maps a normalized singular tag to its canonical plural key.
var renames = map[string]string{
	"zoneGroupMember": "zoneGroupMembers",
	"satellite":       "satellites",
	"item":            "items",
	"container":       "containers",
}

// rootKeys are protocol wrappers removed when they are the only key of an
// object.
var rootKeys = map[string]bool{
	"envelope":    true,
	"body":        true,
	"root":        true,
	"propertyset": true,
	"event":       true,
	"didlLite":    true,
}

// listKeys maps list-bearing keys to the child key wrapping each item. An
// empty child means the items sit directly under the key.
var listKeys = map[string]string{
	"zoneGroups":       "zoneGroup",
	"vanishedDevices":  "device",
	"currentAlarmList": "alarms",
	"alarms":           "alarm",
	"zoneGroupMembers": "",
	"satellites":       "",
	"items":            "",
	"containers":       "",
}

// stringKeys are never converted to numbers.
var stringKeys = map[string]bool{
	"title":           true,
	"creator":         true,
	"album":           true,
	"albumArtist":     true,
	"artist":          true,
	"zoneName":        true,
	"currentZoneName": true,
	"roomName":        true,
	"name":            true,
	"serialNum":       true,
	"description":     true,
	"streamContent":   true,
	"radioShowMd":     true,
	"householdId":     true,
	"ssid":            true,
}

// entityKeys carry free text that zone players escape twice.
var entityKeys = map[string]bool{
	"title":           true,
	"creator":         true,
	"album":           true,
	"albumArtist":     true,
	"streamContent":   true,
	"radioShowMd":     true,
	"zoneName":        true,
	"currentZoneName": true,
}

// Key returns the normalized form of an XML tag or attribute local name,
// e.g. "HTSatChanMapSet" becomes "htSatChanMapSet" and "DIDL-Lite" becomes
// "didlLite".
func Key(name string) string {
	if name == "" {
		return name
	}

	var b strings.Builder
	b.Grow(len(name))
	upper := false
	for _, r := range name {
		if r == '-' || r == '.' {
			upper = b.Len() > 0
			continue
		}
		if upper {
			r = unicode.ToUpper(r)
			upper = false
		}
		b.WriteRune(r)
	}

	key := acronymPattern.ReplaceAllStringFunc(b.String(), func(m string) string {
		return m[:1] + strings.ToLower(m[1:])
	})
	first, size := utf8.DecodeRuneInString(key)
	key = string(unicode.ToLower(first)) + key[size:]

	if renamed, ok := renames[key]; ok {
		return renamed
	}
	return key
}

// ListChild reports whether key is list-bearing and, if so, which child key
// wraps its items.
func ListChild(key string) (string, bool) {
	if child, ok := listKeys[key]; ok {
		return child, true
	}
	if strings.HasSuffix(key, "List") && len(key) > len("List") {
		return strings.TrimSuffix(key, "List"), true
	}
	return "", false
}
