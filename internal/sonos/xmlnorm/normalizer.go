// Package xmlnorm turns the XML spoken by zone players into plain nested
// values: map[string]any for elements, []any for lists and string or int64
// for leaves.
//
// Zone players are inconsistent about case, wrap everything in SOAP or GENA
// envelopes and routinely embed whole XML documents as escaped text. The
// normalizer hides all of that so callers see one stable shape per concept.
package xmlnorm

import (
	"bytes"
	"encoding/xml"
	"errors"
	"html"
	"io"
	"regexp"
	"strconv"
	"strings"

	"github.com/strefethen/sonos-zp-go/internal/apperrors"
)

// MaxNesting bounds how many XML documents may be embedded inside each
// other as text.
const MaxNesting = 8

const eventNamespace = "urn:schemas-upnp-org:event-1-0"

// ErrNestingTooDeep is wrapped in the ParseError returned for documents
// nested deeper than MaxNesting.
var ErrNestingTooDeep = errors.New("embedded xml nested too deep")

var batteryPattern = regexp.MustCompile(`(RawBattPct|BattPct|BattChg|BattTmp):([^,]*)`)

type element struct {
	name     xml.Name
	attrs    []xml.Attr
	children []*element
	text     bytes.Buffer
}

// Normalize parses an XML document into its normalized form. Malformed XML
// yields an *apperrors.ParseError.
func Normalize(data []byte) (map[string]any, error) {
	return parse(data, 0)
}

func parse(data []byte, depth int) (map[string]any, error) {
	if depth > MaxNesting {
		return nil, &apperrors.ParseError{What: "xml", Err: ErrNestingTooDeep}
	}

	root, err := decode(data)
	if err != nil {
		return nil, &apperrors.ParseError{What: "xml", Err: err}
	}

	key := Key(root.name.Local)
	value, err := convert(root, key, depth)
	if err != nil {
		return nil, err
	}

	doc := map[string]any{key: value}
	finalize(doc)
	return unwrapRoots(doc), nil
}

func decode(data []byte) (*element, error) {
	decoder := xml.NewDecoder(bytes.NewReader(data))
	decoder.Entity = xml.HTMLEntity

	var root *element
	var stack []*element
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}

		switch t := tok.(type) {
		case xml.StartElement:
			t = t.Copy()
			el := &element{name: t.Name, attrs: t.Attr}
			if len(stack) == 0 {
				if root != nil {
					return nil, errors.New("multiple root elements")
				}
				root = el
			} else {
				parent := stack[len(stack)-1]
				parent.children = append(parent.children, el)
			}
			stack = append(stack, el)
		case xml.EndElement:
			stack = stack[:len(stack)-1]
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		}
	}

	if root == nil {
		return nil, errors.New("no root element")
	}
	return root, nil
}

func convert(el *element, key string, depth int) (any, error) {
	attrs := make([]xml.Attr, 0, len(el.attrs))
	for _, attr := range el.attrs {
		if isCeremonial(attr.Name) {
			continue
		}
		attrs = append(attrs, attr)
	}
	text := strings.TrimSpace(el.text.String())

	if len(el.children) == 0 {
		if len(attrs) == 0 {
			return scalar(key, text, depth)
		}
		if len(attrs) == 1 && attrs[0].Name.Local == "val" && text == "" {
			return scalar(key, attrs[0].Value, depth)
		}
	}

	obj := make(map[string]any, len(attrs)+len(el.children))
	for _, attr := range attrs {
		attrKey := Key(attr.Name.Local)
		value, err := scalar(attrKey, attr.Value, depth)
		if err != nil {
			return nil, err
		}
		obj[attrKey] = value
	}

	for _, child := range el.children {
		if isProperty(child.name) {
			value, err := convert(child, "property", depth)
			if err != nil {
				return nil, err
			}
			if props, ok := value.(map[string]any); ok {
				for k, v := range props {
					obj[k] = v
				}
			}
			continue
		}

		childKey := Key(child.name.Local)
		value, err := convert(child, childKey, depth)
		if err != nil {
			return nil, err
		}
		add(obj, childKey, value)
	}

	if text != "" {
		value, err := scalar(key, text, depth)
		if err != nil {
			return nil, err
		}
		obj[TextKey] = value
	}

	finalize(obj)
	return obj, nil
}

// isCeremonial reports namespace declarations and the SOAP encodingStyle
// attribute, neither of which carries data.
func isCeremonial(name xml.Name) bool {
	return name.Space == "xmlns" || (name.Space == "" && name.Local == "xmlns") || name.Local == "encodingStyle"
}

func isProperty(name xml.Name) bool {
	return name.Local == "property" && (name.Space == eventNamespace || name.Space == "e")
}

func add(obj map[string]any, key string, value any) {
	existing, ok := obj[key]
	if !ok {
		obj[key] = value
		return
	}
	if list, ok := existing.([]any); ok {
		obj[key] = append(list, value)
		return
	}
	obj[key] = []any{existing, value}
}

func scalar(key, text string, depth int) (any, error) {
	text = strings.TrimSpace(text)

	if looksLikeXML(text) {
		doc, err := parse([]byte(text), depth+1)
		if err == nil {
			if inner, ok := doc[key]; ok && len(doc) == 1 {
				return inner, nil
			}
			return doc, nil
		}
		if errors.Is(err, ErrNestingTooDeep) {
			return nil, err
		}
		// Not well-formed after all; keep it as text.
	}

	if entityKeys[key] {
		text = html.UnescapeString(text)
	}
	if !stringKeys[key] && isDigits(text) {
		if n, err := strconv.ParseInt(text, 10, 64); err == nil {
			return n, nil
		}
	}
	return text, nil
}

func looksLikeXML(text string) bool {
	return len(text) > 1 && text[0] == '<' && text[len(text)-1] == '>'
}

func isDigits(text string) bool {
	if text == "" {
		return false
	}
	for i := 0; i < len(text); i++ {
		if text[i] < '0' || text[i] > '9' {
			return false
		}
	}
	return true
}

// finalize applies the per-key rules once all children of obj are known.
// It is safe to run more than once.
func finalize(obj map[string]any) {
	for key, value := range obj {
		if child, ok := ListChild(key); ok {
			obj[key] = coerceList(value, child)
			continue
		}

		switch key {
		case "volume", "mute", "loudness":
			if channels, ok := channelValues(value); ok {
				obj[key] = channels
			}
		case "moreInfo":
			if text, ok := value.(string); ok {
				if battery, ok := parseBattery(text); ok {
					obj[key] = battery
				}
			}
		}
	}
}

func coerceList(value any, child string) []any {
	unwrapped := false
	if child != "" {
		if obj, ok := value.(map[string]any); ok && len(obj) == 1 {
			if inner, ok := obj[child]; ok {
				value = inner
				unwrapped = true
			}
		}
	}

	switch v := value.(type) {
	case []any:
		return v
	case map[string]any:
		return []any{v}
	case nil:
		return []any{}
	default:
		if unwrapped && v != "" {
			return []any{v}
		}
		return []any{}
	}
}

// channelValues turns [{channel: Master, val: 20}, {channel: LF, val: 100}]
// into {master: 20, lf: 100}.
func channelValues(value any) (map[string]any, bool) {
	var entries []any
	switch v := value.(type) {
	case []any:
		entries = v
	case map[string]any:
		entries = []any{v}
	default:
		return nil, false
	}

	channels := make(map[string]any, len(entries))
	for _, entry := range entries {
		obj, ok := entry.(map[string]any)
		if !ok {
			return nil, false
		}
		channel, ok := obj["channel"].(string)
		if !ok {
			return nil, false
		}
		val, ok := obj["val"]
		if !ok {
			return nil, false
		}
		channels[Key(channel)] = val
	}
	return channels, true
}

// parseBattery decodes the battery part of a portable player's status
// string, e.g. "RawBattPct:82,BattPct:80,BattChg:CHARGING,BattTmp:33".
func parseBattery(text string) (map[string]any, bool) {
	matches := batteryPattern.FindAllStringSubmatch(text, -1)
	if len(matches) == 0 {
		return nil, false
	}

	battery := make(map[string]any, 4)
	found := false
	for _, m := range matches {
		switch m[1] {
		case "RawBattPct":
			if n, err := strconv.ParseInt(m[2], 10, 64); err == nil {
				battery["rawPercentage"] = n
			}
		case "BattPct":
			if n, err := strconv.ParseInt(m[2], 10, 64); err == nil {
				battery["percentage"] = n
				found = true
			}
		case "BattChg":
			battery["charging"] = m[2] == "CHARGING"
		case "BattTmp":
			if n, err := strconv.ParseInt(m[2], 10, 64); err == nil {
				battery["temperature"] = n
			}
		}
	}
	return battery, found
}

func unwrapRoots(doc map[string]any) map[string]any {
	for len(doc) == 1 {
		unwrapped := false
		for key, value := range doc {
			if !rootKeys[key] {
				break
			}
			if inner, ok := value.(map[string]any); ok {
				doc = inner
				unwrapped = true
			}
		}
		if !unwrapped {
			break
		}
	}
	return doc
}
