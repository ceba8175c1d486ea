// Package wellknown carries an embedded registry of predefined firewall
// service names and their port assignments. The service resolver consults
// it after the exported inventory tables, so policies referencing device
// built-ins (HTTP, ALL_ICMP, ...) still expand to ports.
package wellknown

import (
	"bytes"
	"encoding/csv"
	"io"
	"log"
	"strconv"
	"strings"

	_ "embed"

	"fortigate-policy-export/internal/model"
)

//go:embed well_known_ports.csv
var wellKnownPortsData string

var serviceRegistry map[string][]model.PortRange

func init() {
	serviceRegistry = make(map[string][]model.PortRange)
	reader := csv.NewReader(bytes.NewBufferString(wellKnownPortsData))
	reader.TrimLeadingSpace = true
	// Skip header
	if _, err := reader.Read(); err != nil {
		log.Fatalf("Failed to read header from embedded well_known_ports.csv: %v", err)
	}

	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			log.Fatalf("Failed to parse embedded well_known_ports.csv: %v", err)
		}
		if len(record) < 3 {
			continue
		}

		name := strings.ToUpper(strings.TrimSpace(record[0]))
		proto := model.Protocol(strings.ToLower(strings.TrimSpace(record[1])))
		if name == "" || proto == "" {
			continue
		}

		for _, token := range strings.Fields(record[2]) {
			start, end := token, token
			if i := strings.IndexByte(token, '-'); i >= 0 {
				start, end = token[:i], token[i+1:]
			}
			lo, err := strconv.Atoi(start)
			if err != nil {
				continue
			}
			hi, err := strconv.Atoi(end)
			if err != nil {
				continue
			}
			serviceRegistry[name] = append(serviceRegistry[name], model.PortRange{
				Protocol: proto,
				Start:    lo,
				End:      hi,
			})
		}
	}
}

// GetService returns the port ranges for a well-known service name.
func GetService(name string) ([]model.PortRange, bool) {
	entry, ok := serviceRegistry[strings.ToUpper(name)]
	return entry, ok
}
