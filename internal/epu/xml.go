package epu

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// decodeXML turns an XML document into nested map[string]any, the same shape
// a JSON decode would give, so metadata paths can be extracted with JSONPath
// expressions instead of per-schema structs.
//
// Namespace prefixes are stripped ("a:width" becomes "width"). Repeated
// sibling elements collapse into a []any. Attributes are merged in as plain
// keys; an element with both attributes and character data keeps the text
// under "#text".
func decodeXML(r io.Reader) (map[string]any, error) {
	dec := xml.NewDecoder(r)
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("no root element: %w", err)
		}
		if start, ok := tok.(xml.StartElement); ok {
			node, err := decodeElement(dec, start)
			if err != nil {
				return nil, err
			}
			m, ok := node.(map[string]any)
			if !ok {
				// Scalar-only root: wrap it so callers always get a map.
				m = map[string]any{"#text": node}
			}
			return m, nil
		}
	}
}

func decodeElement(dec *xml.Decoder, start xml.StartElement) (any, error) {
	m := map[string]any{}
	for _, attr := range start.Attr {
		if attr.Name.Space == "xmlns" || attr.Name.Local == "xmlns" {
			continue
		}
		m[attr.Name.Local] = attr.Value
	}

	var text strings.Builder
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, err := decodeElement(dec, t)
			if err != nil {
				return nil, err
			}
			key := t.Name.Local
			switch prev := m[key].(type) {
			case nil:
				m[key] = child
			case []any:
				m[key] = append(prev, child)
			default:
				m[key] = []any{prev, child}
			}
		case xml.CharData:
			text.Write(t)
		case xml.EndElement:
			body := strings.TrimSpace(text.String())
			if len(m) == 0 {
				return body, nil
			}
			if body != "" {
				m["#text"] = body
			}
			return m, nil
		}
	}
}
