// Package inventory builds the in-memory lookup index from the exported
// device object tables (addresses, custom services, service groups). The
// index is built once per run and read-only afterwards.
package inventory

import (
	"encoding/csv"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sort"
	"strconv"
	"strings"

	"fortigate-policy-export/internal/model"
	"fortigate-policy-export/internal/utils"
)

// AddressEntry is one device address object.
type AddressEntry struct {
	Name    string
	Type    string // "ipmask", "iprange", "fqdn"
	IPNet   *net.IPNet
	StartIP net.IP
	EndIP   net.IP
	FQDN    string
}

// Ref returns the literal value of the entry: the bare IP for host
// networks, CIDR for subnets, "start-end" for ranges, the name for FQDNs.
func (a *AddressEntry) Ref() string {
	switch a.Type {
	case "ipmask":
		if a.IPNet == nil {
			return ""
		}
		if utils.HostPrefix(a.IPNet) {
			return a.IPNet.IP.String()
		}
		return a.IPNet.String()
	case "iprange":
		if a.StartIP == nil || a.EndIP == nil {
			return ""
		}
		return a.StartIP.String() + "-" + a.EndIP.String()
	case "fqdn":
		return a.FQDN
	default:
		return ""
	}
}

type netEntry struct {
	ipnet *net.IPNet
	name  string
}

// Index holds the three object tables keyed by object name. Name keys are
// case-sensitive; the fallback lookups used by the name resolver
// (NameForIP, RefForName) follow the export conventions instead:
// most-specific network wins, names compared case-insensitively.
type Index struct {
	addresses map[string]*AddressEntry
	networks  []netEntry
	nameRefs  map[string]string
	services  map[string][]model.PortRange
	groups    map[string][]string
}

func NewIndex() *Index {
	return &Index{
		addresses: make(map[string]*AddressEntry),
		nameRefs:  make(map[string]string),
		services:  make(map[string][]model.PortRange),
		groups:    make(map[string][]string),
	}
}

// LoadAddresses reads the exported address object CSV. Recognized columns:
// name, type, subnet, cidr, fqdn, start_ip, end_ip. Rows with unusable
// values are skipped, not fatal.
func (x *Index) LoadAddresses(r io.Reader) error {
	rows, cols, err := readTable(r)
	if err != nil {
		return fmt.Errorf("reading address table: %w", err)
	}
	if _, ok := cols["name"]; !ok {
		return fmt.Errorf("address table has no 'name' column")
	}

	for _, row := range rows {
		name := strings.TrimSpace(cell(row, cols, "name"))
		if name == "" {
			continue
		}
		entry := &AddressEntry{Name: name, Type: cell(row, cols, "type")}

		switch entry.Type {
		case "iprange":
			entry.StartIP = net.ParseIP(cell(row, cols, "start_ip"))
			entry.EndIP = net.ParseIP(cell(row, cols, "end_ip"))
			if entry.StartIP == nil || entry.EndIP == nil {
				slog.Warn("Skipping address with invalid range", "name", name)
				continue
			}
		case "fqdn":
			entry.FQDN = cell(row, cols, "fqdn")
			if entry.FQDN == "" {
				slog.Warn("Skipping fqdn address without value", "name", name)
				continue
			}
		default:
			// ipmask and untyped rows carry a cidr or "IP MASK" subnet.
			literal := cell(row, cols, "cidr")
			if literal == "" {
				literal = cell(row, cols, "subnet")
			}
			ipnet, err := utils.ParseSubnet(literal)
			if err != nil {
				slog.Warn("Skipping address with invalid subnet", "name", name, "error", err)
				continue
			}
			if entry.Type == "" {
				entry.Type = "ipmask"
			}
			entry.IPNet = ipnet
		}

		x.addresses[name] = entry
		if ref := entry.Ref(); ref != "" {
			// First writer wins for duplicate names, host entries aside:
			// a host IP is the more useful ref and may replace a subnet.
			key := strings.ToLower(name)
			if _, exists := x.nameRefs[key]; !exists || (entry.IPNet != nil && utils.HostPrefix(entry.IPNet)) {
				x.nameRefs[key] = ref
			}
		}
		if entry.IPNet != nil {
			x.networks = append(x.networks, netEntry{ipnet: entry.IPNet, name: name})
		}
	}

	sort.SliceStable(x.networks, func(i, j int) bool {
		oi, _ := x.networks[i].ipnet.Mask.Size()
		oj, _ := x.networks[j].ipnet.Mask.Size()
		return oi > oj
	})
	return nil
}

// LoadServices reads the exported custom service CSV with per-protocol port
// columns (tcp_ports, udp_ports, udplite_ports, sctp_ports), each holding
// space-separated "port" or "start-end" tokens.
func (x *Index) LoadServices(r io.Reader) error {
	rows, cols, err := readTable(r)
	if err != nil {
		return fmt.Errorf("reading service table: %w", err)
	}
	if _, ok := cols["name"]; !ok {
		return fmt.Errorf("service table has no 'name' column")
	}

	for _, row := range rows {
		name := strings.TrimSpace(cell(row, cols, "name"))
		if name == "" {
			continue
		}
		ranges := parsePortColumns(row, cols)
		x.services[name] = ranges
	}
	return nil
}

// LoadServiceGroups reads the exported group membership CSV, one row per
// (group_name, member_name) pair. Members may name services or nested
// groups; dangling and cyclic references are kept as-is and tolerated by
// the resolver.
func (x *Index) LoadServiceGroups(r io.Reader) error {
	rows, cols, err := readTable(r)
	if err != nil {
		return fmt.Errorf("reading service group table: %w", err)
	}
	if _, ok := cols["group_name"]; !ok {
		return fmt.Errorf("service group table has no 'group_name' column")
	}
	if _, ok := cols["member_name"]; !ok {
		return fmt.Errorf("service group table has no 'member_name' column")
	}

	for _, row := range rows {
		group := strings.TrimSpace(cell(row, cols, "group_name"))
		member := strings.TrimSpace(cell(row, cols, "member_name"))
		if group == "" || member == "" {
			continue
		}
		x.groups[group] = append(x.groups[group], member)
	}
	return nil
}

// AddService registers a service directly, bypassing CSV loading.
func (x *Index) AddService(name string, ranges []model.PortRange) {
	x.services[name] = ranges
}

// AddGroup registers a group directly, bypassing CSV loading.
func (x *Index) AddGroup(name string, members []string) {
	x.groups[name] = members
}

// AddAddress registers an address entry directly, bypassing CSV loading.
func (x *Index) AddAddress(entry *AddressEntry) {
	x.addresses[entry.Name] = entry
	if ref := entry.Ref(); ref != "" {
		x.nameRefs[strings.ToLower(entry.Name)] = ref
	}
	if entry.IPNet != nil {
		x.networks = append(x.networks, netEntry{ipnet: entry.IPNet, name: entry.Name})
		sort.SliceStable(x.networks, func(i, j int) bool {
			oi, _ := x.networks[i].ipnet.Mask.Size()
			oj, _ := x.networks[j].ipnet.Mask.Size()
			return oi > oj
		})
	}
}

func (x *Index) Address(name string) (*AddressEntry, bool) {
	a, ok := x.addresses[name]
	return a, ok
}

func (x *Index) Service(name string) ([]model.PortRange, bool) {
	s, ok := x.services[name]
	return s, ok
}

func (x *Index) Group(name string) ([]string, bool) {
	g, ok := x.groups[name]
	return g, ok
}

// NameForIP returns the name of the most specific address object whose
// network contains ip.
func (x *Index) NameForIP(ip net.IP) (string, bool) {
	if ip == nil {
		return "", false
	}
	for _, n := range x.networks {
		if n.ipnet.Contains(ip) {
			return n.name, true
		}
	}
	return "", false
}

// RefForName returns the literal value stored for an address object name,
// compared case-insensitively.
func (x *Index) RefForName(name string) (string, bool) {
	ref, ok := x.nameRefs[strings.ToLower(strings.TrimSpace(name))]
	return ref, ok
}

// readTable reads a whole CSV into rows plus a lower-cased header index.
func readTable(r io.Reader) ([][]string, map[string]int, error) {
	reader := csv.NewReader(r)
	reader.TrimLeadingSpace = true
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		return nil, nil, fmt.Errorf("could not read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, nil, err
		}
		rows = append(rows, record)
	}
	return rows, cols, nil
}

func cell(row []string, cols map[string]int, name string) string {
	i, ok := cols[name]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

var portColumns = []struct {
	column string
	proto  model.Protocol
}{
	{"tcp_ports", model.TCP},
	{"udp_ports", model.UDP},
	{"udplite_ports", model.UDPLite},
	{"sctp_ports", model.SCTP},
}

func parsePortColumns(row []string, cols map[string]int) []model.PortRange {
	var ranges []model.PortRange
	for _, pc := range portColumns {
		for _, token := range strings.Fields(cell(row, cols, pc.column)) {
			pr, err := parsePortToken(token, pc.proto)
			if err != nil {
				slog.Warn("Skipping unparsable port token", "token", token, "error", err)
				continue
			}
			ranges = append(ranges, pr)
		}
	}
	return ranges
}

// parsePortToken parses "80" or "8001-8004" for the given protocol.
func parsePortToken(token string, proto model.Protocol) (model.PortRange, error) {
	start, end := token, token
	if i := strings.IndexByte(token, '-'); i >= 0 {
		start, end = token[:i], token[i+1:]
	}
	lo, err := strconv.Atoi(start)
	if err != nil {
		return model.PortRange{}, fmt.Errorf("invalid port %q", start)
	}
	hi, err := strconv.Atoi(end)
	if err != nil {
		return model.PortRange{}, fmt.Errorf("invalid port %q", end)
	}
	if lo > hi {
		lo, hi = hi, lo
	}
	return model.PortRange{Protocol: proto, Start: lo, End: hi}, nil
}
