package xmlnorm

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Encode writes a normalized value back out as XML. The output is canonical
// (keys sorted, list items wrapped in their expected child key) and
// normalizes back to the same value.
func Encode(obj map[string]any) []byte {
	var buf bytes.Buffer
	buf.WriteString("<root>")
	encodeMap(&buf, obj)
	buf.WriteString("</root>")
	return buf.Bytes()
}

func encodeMap(buf *bytes.Buffer, obj map[string]any) {
	keys := make([]string, 0, len(obj))
	for key := range obj {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	for _, key := range keys {
		if key == TextKey {
			if m, ok := obj[key].(map[string]any); ok {
				encodeMap(buf, m)
			} else {
				writeText(buf, obj[key])
			}
			continue
		}
		encodeValue(buf, key, obj[key])
	}
}

func encodeValue(buf *bytes.Buffer, key string, value any) {
	switch v := value.(type) {
	case []any:
		child, listBearing := ListChild(key)
		if listBearing && child != "" {
			openTag(buf, key)
			for _, item := range v {
				encodeValue(buf, child, item)
			}
			closeTag(buf, key)
			return
		}
		if len(v) == 0 {
			openTag(buf, key)
			closeTag(buf, key)
			return
		}
		for _, item := range v {
			encodeValue(buf, key, item)
		}
	case map[string]any:
		openTag(buf, key)
		if text, ok := formatBattery(key, v); ok {
			writeText(buf, text)
		} else {
			encodeMap(buf, v)
		}
		closeTag(buf, key)
	default:
		openTag(buf, key)
		writeText(buf, v)
		closeTag(buf, key)
	}
}

func openTag(buf *bytes.Buffer, key string) {
	buf.WriteByte('<')
	buf.WriteString(key)
	buf.WriteByte('>')
}

func closeTag(buf *bytes.Buffer, key string) {
	buf.WriteString("</")
	buf.WriteString(key)
	buf.WriteByte('>')
}

func writeText(buf *bytes.Buffer, value any) {
	var text string
	switch v := value.(type) {
	case nil:
		return
	case string:
		text = v
	case int64:
		text = strconv.FormatInt(v, 10)
	case bool:
		text = strconv.FormatBool(v)
	default:
		text = fmt.Sprint(v)
	}
	_ = xml.EscapeText(buf, []byte(text))
}

// formatBattery writes a battery record back in the status string form it
// was parsed from, e.g. "RawBattPct:82,BattPct:80,BattChg:CHARGING".
func formatBattery(key string, obj map[string]any) (string, bool) {
	if key != "moreInfo" {
		return "", false
	}
	if _, ok := obj["percentage"].(int64); !ok {
		return "", false
	}

	var parts []string
	for k, v := range obj {
		switch k {
		case "rawPercentage", "percentage", "temperature":
			if _, ok := v.(int64); !ok {
				return "", false
			}
		case "charging":
			if _, ok := v.(bool); !ok {
				return "", false
			}
		default:
			return "", false
		}
	}
	if n, ok := obj["rawPercentage"].(int64); ok {
		parts = append(parts, "RawBattPct:"+strconv.FormatInt(n, 10))
	}
	parts = append(parts, "BattPct:"+strconv.FormatInt(obj["percentage"].(int64), 10))
	if charging, ok := obj["charging"].(bool); ok {
		if charging {
			parts = append(parts, "BattChg:CHARGING")
		} else {
			parts = append(parts, "BattChg:NOT_CHARGING")
		}
	}
	if n, ok := obj["temperature"].(int64); ok {
		parts = append(parts, "BattTmp:"+strconv.FormatInt(n, 10))
	}
	return strings.Join(parts, ","), true
}
