package soap

import (
	"bytes"
	"encoding/xml"
	"strings"
)

// parseSoapFault extracts the UPnP errorCode and errorDescription from a
// fault body. Both are empty when the body is not a UPnP fault.
func parseSoapFault(payload []byte) (string, string) {
	decoder := xml.NewDecoder(bytes.NewReader(payload))
	var code string
	var desc string

	for {
		tok, err := decoder.Token()
		if err != nil {
			break
		}
		switch se := tok.(type) {
		case xml.StartElement:
			switch se.Name.Local {
			case "errorCode":
				var value string
				if err := decoder.DecodeElement(&value, &se); err == nil {
					code = strings.TrimSpace(value)
				}
			case "errorDescription":
				var value string
				if err := decoder.DecodeElement(&value, &se); err == nil {
					desc = strings.TrimSpace(value)
				}
			}
		}
	}

	return code, desc
}
