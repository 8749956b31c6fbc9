package czi

import (
	"encoding/xml"
	"fmt"
	"io"
	"strings"
)

// flattenXMLProperties walks an XML document and emits dotted-path
// property keys, per spec.md §9 Design Notes: "siblings with identical
// element names are both omitted (not 'keep the first')". Using stdlib
// encoding/xml.Decoder's token stream is the standard-library justified
// choice documented in DESIGN.md — no example-pack XML library expresses
// an open-ended dotted-path walk against an unknown schema.
func flattenXMLProperties(xmlBytes []byte) (map[string]string, error) {
	dec := xml.NewDecoder(strings.NewReader(string(xmlBytes)))

	type frame struct {
		path     string
		text     strings.Builder
		children map[string]int // child element name -> occurrence count
	}
	var stack []*frame
	props := make(map[string]string)
	// omitted tracks dotted paths that must never be published because a
	// duplicate sibling name was seen for them.
	omitted := make(map[string]bool)

	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parsing metadata XML: %w", err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			// Real CZI metadata disambiguates repeated sibling elements
			// (e.g. multiple <Distance> entries under <Items>) via an Id
			// attribute; when present it replaces the tag name as the path
			// segment, which is how "Scaling.Items.X.Value" resolves to one
			// specific <Distance Id="X"> among several same-named siblings.
			name := t.Name.Local
			for _, attr := range t.Attr {
				if attr.Name.Local == "Id" {
					name = attr.Value
					break
				}
			}
			var path string
			if len(stack) == 0 {
				path = name
			} else {
				parent := stack[len(stack)-1]
				parent.children[name]++
				path = parent.path + "." + name
				if parent.children[name] > 1 {
					// A sibling with this name was already seen: omit the
					// path entirely, including any value already published
					// by the earlier sibling.
					omitted[path] = true
					delete(props, path)
				}
			}
			stack = append(stack, &frame{path: path, children: make(map[string]int)})

		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}

		case xml.EndElement:
			if len(stack) == 0 {
				continue
			}
			top := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if !omitted[top.path] {
				text := strings.TrimSpace(top.text.String())
				if text != "" {
					props[top.path] = text
				}
			}
		}
	}

	return props, nil
}

// zeissProperties publishes every flattened XML path under the
// zeiss.<dotted-path> namespace, per spec.md §4.5 step 3.
func zeissProperties(flat map[string]string) map[string]string {
	out := make(map[string]string, len(flat))
	for k, v := range flat {
		out["zeiss."+k] = v
	}
	return out
}
