package model

import (
	"fmt"
	"strings"
)

// Vector holds the metric:value selections of a CVSS vector string.
// Only the selections are stored; the numeric score is entered separately.
type Vector map[string]string

// ParseVector splits "CVSS:3.1/AV:N/AC:L/..." into its metric:value pairs.
// A leading "CVSS:x.y" prefix is kept as the "CVSS" metric.
func ParseVector(s string) (Vector, error) {
	v := Vector{}
	s = strings.TrimSpace(s)
	if s == "" {
		return v, nil
	}
	for _, part := range strings.Split(s, "/") {
		key, value, ok := strings.Cut(part, ":")
		if !ok || key == "" || value == "" {
			return nil, fmt.Errorf("malformed metric %q", part)
		}
		if _, dup := v[key]; dup {
			return nil, fmt.Errorf("metric %s given twice", key)
		}
		v[key] = value
	}
	return v, nil
}

// Defined reports whether metric is present and not "X" (not defined).
func (v Vector) Defined(metric string) bool {
	val, ok := v[metric]
	return ok && val != "X"
}
