package miot

import (
	"fmt"
	"strings"
)

// URN is a parsed type string: urn:<namespace>:<kind>:<name>:<value>[:<model>:<version>...]
type URN struct {
	Namespace string
	Kind      string
	Name      string
	Value     string
}

// ParseURN splits a type string. It requires at least the name part.
func ParseURN(s string) (URN, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 4 || parts[0] != "urn" || parts[3] == "" {
		return URN{}, fmt.Errorf("invalid urn %q", s)
	}
	u := URN{Namespace: parts[1], Kind: parts[2], Name: parts[3]}
	if len(parts) > 4 {
		u.Value = parts[4]
	}
	return u, nil
}

// PropertyKey returns the "<service-name>:<property-name>" key of a property
func PropertyKey(service Service, property Property) (string, error) {
	s, err := ParseURN(service.Type)
	if err != nil {
		return "", fmt.Errorf("service %d: %w", service.IID, err)
	}
	p, err := ParseURN(property.Type)
	if err != nil {
		return "", fmt.Errorf("service %d property %d: %w", service.IID, property.IID, err)
	}
	return s.Name + ":" + p.Name, nil
}

// FileName maps a device type to its descriptor file name
func FileName(deviceType string) string {
	return strings.ReplaceAll(deviceType, ":", ".") + ".json"
}
