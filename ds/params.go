package ds

import (
	"maps"
	"net/url"
	"sort"
	"strings"
)

// RequestParameters accumulates path placeholder substitutions and query
// fields for one request. Last write wins on duplicate keys.
type RequestParameters struct {
	pathComponents map[string]string
	query          map[string]string
}

func NewRequestParameters() *RequestParameters {
	return &RequestParameters{
		pathComponents: map[string]string{},
		query:          map[string]string{},
	}
}

func (p *RequestParameters) AddPathComponent(value, placeholder string) {
	p.pathComponents[placeholder] = value
}

func (p *RequestParameters) AddPathComponents(components map[string]string) {
	maps.Copy(p.pathComponents, components)
}

func (p *RequestParameters) AddQueryParameter(value, field string) {
	p.query[field] = value
}

func (p *RequestParameters) AddQueryParameters(params map[string]string) {
	maps.Copy(p.query, params)
}

func (p *RequestParameters) PathComponents() map[string]string {
	return maps.Clone(p.pathComponents)
}

func (p *RequestParameters) Query() map[string]string {
	return maps.Clone(p.query)
}

// Expand substitutes every known placeholder in template with its path
// escaped value. Unknown placeholders are left as they are.
func (p *RequestParameters) Expand(template string) string {
	keys := make([]string, 0, len(p.pathComponents))
	for k := range p.pathComponents {
		keys = append(keys, k)
	}
	// longer placeholders first so "{channel}" never eats "{channel-group}"
	sort.Slice(keys, func(i, j int) bool { return len(keys[i]) > len(keys[j]) })
	for _, k := range keys {
		template = strings.ReplaceAll(template, k, escapePath(p.pathComponents[k]))
	}
	return template
}

// Encode returns the query string with keys sorted.
func (p *RequestParameters) Encode() string {
	v := url.Values{}
	for k, val := range p.query {
		v.Set(k, val)
	}
	return v.Encode()
}

func escapePath(s string) string {
	// channel lists are comma separated and the comma must survive
	parts := strings.Split(s, ",")
	for i := range parts {
		parts[i] = url.PathEscape(parts[i])
	}
	return strings.Join(parts, ",")
}
