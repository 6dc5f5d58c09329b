package resolver

import (
	_ "embed"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"FlowWarden/internal/model"
)

//go:embed services.yaml
var defaultServices []byte

type serviceEntry struct {
	Name        string `yaml:"name"`
	Port        uint16 `yaml:"port"`
	Description string `yaml:"description"`
	URL         string `yaml:"url"`
}

// ServiceTable maps well-known ports to services.
type ServiceTable struct {
	byPort map[uint16]model.ServiceDescriptor
}

// LoadServiceTable reads a YAML list of services from path. An empty path
// loads the built-in table.
func LoadServiceTable(path string) (*ServiceTable, error) {
	data := defaultServices
	if path != "" {
		var err error
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read services file: %w", err)
		}
	}
	return ParseServiceTable(data)
}

// ParseServiceTable builds a table from YAML. When a port is listed twice the
// first entry wins.
func ParseServiceTable(data []byte) (*ServiceTable, error) {
	var entries []serviceEntry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to unmarshal services YAML: %w", err)
	}

	t := &ServiceTable{byPort: make(map[uint16]model.ServiceDescriptor, len(entries))}
	for _, e := range entries {
		if e.Name == "" || e.Port == 0 {
			return nil, fmt.Errorf("service entry %+v needs a name and a port", e)
		}
		if _, ok := t.byPort[e.Port]; ok {
			continue
		}
		t.byPort[e.Port] = model.ServiceDescriptor{Name: e.Name, Port: e.Port, Description: e.Description, URL: e.URL}
	}
	return t, nil
}

// Lookup returns the service registered for port.
func (t *ServiceTable) Lookup(port uint16) (*model.ServiceDescriptor, bool) {
	s, ok := t.byPort[port]
	if !ok {
		return nil, false
	}
	return &s, true
}

// Len returns the number of known ports.
func (t *ServiceTable) Len() int {
	return len(t.byPort)
}
