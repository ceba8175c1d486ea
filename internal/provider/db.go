package provider

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sort"

	_ "github.com/go-sql-driver/mysql"

	"fortigate-policy-export/internal/inventory"
	"fortigate-policy-export/internal/model"
	"fortigate-policy-export/internal/utils"
)

// DBSource reads policies and inventory objects from a MariaDB mirror of
// the device configuration (cfg_policy, cfg_address, cfg_service,
// cfg_service_group tables). fab optionally restricts queries to one
// fabric.
type DBSource struct {
	db  *sql.DB
	fab string
}

func NewDBSource(dsn, fab string) (*DBSource, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	return &DBSource{db: db, fab: fab}, nil
}

func (s *DBSource) Close() error {
	return s.db.Close()
}

func (s *DBSource) where() (string, []any) {
	if s.fab == "" {
		return "", nil
	}
	return " WHERE fab_name = ?", []any{s.fab}
}

// Policies loads all policy rows ordered by priority.
func (s *DBSource) Policies(ctx context.Context) ([]model.PolicyRecord, error) {
	cond, args := s.where()
	rows, err := s.db.QueryContext(ctx,
		"SELECT priority, policy_id, policy_name, src_intfs, dst_intfs, src_objects, dst_objects, service_objects, action, is_enabled FROM cfg_policy"+cond, args...)
	if err != nil {
		return nil, fmt.Errorf("loading policies: %w", err)
	}
	defer rows.Close()

	type prioritized struct {
		priority int
		record   model.PolicyRecord
	}
	var loaded []prioritized

	for rows.Next() {
		var p prioritized
		var name sql.NullString
		var srcIntfJSON, dstIntfJSON, srcJSON, dstJSON, svcJSON, isEnabled string

		if err := rows.Scan(&p.priority, &p.record.ID, &name, &srcIntfJSON, &dstIntfJSON,
			&srcJSON, &dstJSON, &svcJSON, &p.record.Action, &isEnabled); err != nil {
			return nil, fmt.Errorf("scanning policy row: %w", err)
		}

		p.record.Name = name.String
		p.record.Status = "disable"
		if isEnabled == "enable" {
			p.record.Status = "enable"
		}
		json.Unmarshal([]byte(srcIntfJSON), &p.record.SrcIntf)
		json.Unmarshal([]byte(dstIntfJSON), &p.record.DstIntf)
		json.Unmarshal([]byte(srcJSON), &p.record.SrcAddr)
		json.Unmarshal([]byte(dstJSON), &p.record.DstAddr)
		json.Unmarshal([]byte(svcJSON), &p.record.Services)

		loaded = append(loaded, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(loaded, func(i, j int) bool {
		return loaded[i].priority < loaded[j].priority
	})

	groups, err := s.addrGroups(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading address groups: %w", err)
	}

	records := make([]model.PolicyRecord, len(loaded))
	for i, p := range loaded {
		records[i] = p.record
		records[i].SrcAddr = expandGroups(records[i].SrcAddr, groups)
		records[i].DstAddr = expandGroups(records[i].DstAddr, groups)
	}
	return records, nil
}

func (s *DBSource) addrGroups(ctx context.Context) (map[string][]string, error) {
	cond, args := s.where()
	rows, err := s.db.QueryContext(ctx,
		"SELECT group_name, members FROM cfg_address_group"+cond, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	groups := make(map[string][]string)
	for rows.Next() {
		var groupName, membersJSON string
		if err := rows.Scan(&groupName, &membersJSON); err != nil {
			return nil, err
		}
		var members []string
		if err := json.Unmarshal([]byte(membersJSON), &members); err == nil {
			groups[groupName] = members
		}
	}
	return groups, rows.Err()
}

// expandGroups flattens address group references into member names,
// cycle-safe.
func expandGroups(names []string, groups map[string][]string) []string {
	if len(groups) == 0 {
		return names
	}
	var out []string
	for _, name := range names {
		out = append(out, flattenGroup(name, groups, make(map[string]bool))...)
	}
	return out
}

func flattenGroup(name string, groups map[string][]string, visited map[string]bool) []string {
	members, ok := groups[name]
	if !ok {
		return []string{name}
	}
	if visited[name] {
		slog.Warn("circular address group reference", "group", name)
		return nil
	}
	visited[name] = true
	defer delete(visited, name)

	var out []string
	for _, member := range members {
		out = append(out, flattenGroup(member, groups, visited)...)
	}
	return out
}

// LoadInventory fills the index from the cfg_address, cfg_service and
// cfg_service_group tables, as an alternative to the exported CSVs.
func (s *DBSource) LoadInventory(ctx context.Context, inv *inventory.Index) error {
	if err := s.loadAddresses(ctx, inv); err != nil {
		return fmt.Errorf("loading addresses: %w", err)
	}
	if err := s.loadServices(ctx, inv); err != nil {
		return fmt.Errorf("loading services: %w", err)
	}
	if err := s.loadServiceGroups(ctx, inv); err != nil {
		return fmt.Errorf("loading service groups: %w", err)
	}
	return nil
}

func (s *DBSource) loadAddresses(ctx context.Context, inv *inventory.Index) error {
	cond, args := s.where()
	rows, err := s.db.QueryContext(ctx,
		"SELECT object_name, address_type, subnet, start_ip, end_ip, fqdn FROM cfg_address"+cond, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var name, addrType string
		var subnet, startIP, endIP, fqdn sql.NullString
		if err := rows.Scan(&name, &addrType, &subnet, &startIP, &endIP, &fqdn); err != nil {
			return err
		}

		entry := &inventory.AddressEntry{Name: name, Type: addrType}
		switch addrType {
		case "ipmask":
			if !subnet.Valid {
				continue
			}
			ipnet, err := utils.ParseSubnet(subnet.String)
			if err != nil {
				continue
			}
			entry.IPNet = ipnet
		case "iprange":
			if startIP.Valid {
				entry.StartIP = net.ParseIP(startIP.String)
			}
			if endIP.Valid {
				entry.EndIP = net.ParseIP(endIP.String)
			}
			if entry.StartIP == nil || entry.EndIP == nil {
				continue
			}
		case "fqdn":
			if !fqdn.Valid || fqdn.String == "" {
				continue
			}
			entry.FQDN = fqdn.String
		default:
			continue
		}
		inv.AddAddress(entry)
	}
	return rows.Err()
}

func (s *DBSource) loadServices(ctx context.Context, inv *inventory.Index) error {
	cond, args := s.where()
	rows, err := s.db.QueryContext(ctx,
		"SELECT service_name, protocol, start_port, end_port FROM cfg_service"+cond, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	ranges := make(map[string][]model.PortRange)
	for rows.Next() {
		var name, proto string
		var start, end int
		if err := rows.Scan(&name, &proto, &start, &end); err != nil {
			return err
		}
		ranges[name] = append(ranges[name], model.PortRange{
			Protocol: model.Protocol(proto),
			Start:    start,
			End:      end,
		})
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for name, r := range ranges {
		inv.AddService(name, r)
	}
	return nil
}

func (s *DBSource) loadServiceGroups(ctx context.Context, inv *inventory.Index) error {
	cond, args := s.where()
	rows, err := s.db.QueryContext(ctx,
		"SELECT group_name, members FROM cfg_service_group"+cond, args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var groupName, membersJSON string
		if err := rows.Scan(&groupName, &membersJSON); err != nil {
			return err
		}
		var members []string
		if err := json.Unmarshal([]byte(membersJSON), &members); err == nil {
			inv.AddGroup(groupName, members)
		}
	}
	return rows.Err()
}
