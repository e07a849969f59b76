package util

import (
	"bytes"
	"strings"
	"text/template"
)

// RenderTemplate expands text/template markers against a flat string map.
// Missing keys render as "". Keys containing dots are read with the ctx
// helper: {{ctx "form.name"}}.
func RenderTemplate(text string, data map[string]string) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}

	tmpl, err := template.New("payload").Option("missingkey=zero").Funcs(template.FuncMap{
		"ctx": func(key string) string { return data[key] },
		"default": func(def string, val string) string {
			if strings.TrimSpace(val) == "" {
				return def
			}
			return val
		},
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
		"title": func(s string) string {
			if s == "" {
				return s
			}
			return strings.ToUpper(s[:1]) + strings.ToLower(s[1:])
		},
		"trim": strings.TrimSpace,
	}).Parse(text)
	if err != nil {
		return "", err
	}

	if data == nil {
		data = map[string]string{}
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// RenderAll renders every value of params, returning a new map.
func RenderAll(params map[string]string, data map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(params))
	for k, v := range params {
		r, err := RenderTemplate(v, data)
		if err != nil {
			return nil, err
		}
		out[k] = r
	}
	return out, nil
}
