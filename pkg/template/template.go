// Package template renders device configuration templates.
package template

import (
	"crypto/rand"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/dukex/opsflow/pkg/xjson"
)

func funcs() template.FuncMap {
	return template.FuncMap{
		"now": func() string {
			return time.Now().UTC().Format(time.RFC3339)
		},
		"rand": func(max int) int {
			if max <= 0 {
				return 0
			}
			num := make([]byte, 1)
			_, err := rand.Read(num)
			if err != nil {
				return 0
			}

			return int(num[0]) % max
		},
		"json": func(v any) (string, error) {
			data, err := xjson.Marshal(v)

			return string(data), err
		},
		"default": func(fallback, v any) any {
			if v == nil || v == "" {
				return fallback
			}

			return v
		},
		"join":  strings.Join,
		"upper": strings.ToUpper,
		"lower": strings.ToLower,
	}
}

func parse(name, templateStr string) (*template.Template, error) {
	tmpl, err := template.New(name).Option("missingkey=zero").Funcs(funcs()).Parse(templateStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse template '%s': %w", name, err)
	}

	return tmpl, nil
}

// Render parses and executes templateStr once against data.
func Render(templateStr string, data any) (any, error) {
	tmpl, err := parse("inline", templateStr)
	if err != nil {
		return nil, err
	}

	return execute(tmpl, data)
}

func execute(tmpl *template.Template, data any) (any, error) {
	var buf strings.Builder

	err := tmpl.Execute(&buf, data)
	if err != nil {
		return nil, fmt.Errorf("failed to execute template '%s': %w", tmpl.Name(), err)
	}

	return coerce(buf.String())
}

// coerce turns JSON documents, numbers and booleans back into values.
// Anything else is returned as text.
func coerce(result string) (any, error) {
	trimmed := strings.TrimSpace(result)
	if (strings.HasPrefix(trimmed, "{") && strings.HasSuffix(trimmed, "}")) ||
		(strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]")) {
		var jsonResult any

		err := xjson.Unmarshal([]byte(trimmed), &jsonResult)
		if err == nil {
			return jsonResult, nil
		}

		return nil, fmt.Errorf("failed to parse json: %w", err)
	}

	if num, err := strconv.ParseFloat(trimmed, 64); err == nil {
		return num, nil
	}

	if b, err := strconv.ParseBool(trimmed); err == nil {
		return b, nil
	}

	return result, nil
}
