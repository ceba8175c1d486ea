package provider

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"

	"fortigate-policy-export/internal/inventory"
	"fortigate-policy-export/internal/model"
)

// ConfigSource parses a FortiGate configuration backup (the "config
// firewall ..." sections) into policy records and inventory objects.
type ConfigSource struct {
	scanner *bufio.Scanner

	policies []model.PolicyRecord
	addrGrps map[string][]string
	inv      *inventory.Index
}

func NewConfigSource(r io.Reader, inv *inventory.Index) *ConfigSource {
	return &ConfigSource{
		scanner:  bufio.NewScanner(r),
		addrGrps: make(map[string][]string),
		inv:      inv,
	}
}

// Parse consumes the whole config. Address, service and group objects
// are registered into the inventory index, policies are collected for
// Policies.
func (p *ConfigSource) Parse() error {
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		switch {
		case strings.HasPrefix(line, "config firewall address"):
			if err := p.parseAddressConfig(); err != nil {
				return fmt.Errorf("parsing firewall address config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall addrgrp"):
			if err := p.parseAddrGrpConfig(); err != nil {
				return fmt.Errorf("parsing firewall addrgrp config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall service custom"):
			if err := p.parseServiceCustomConfig(); err != nil {
				return fmt.Errorf("parsing firewall service custom config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall service group"):
			if err := p.parseServiceGroupConfig(); err != nil {
				return fmt.Errorf("parsing firewall service group config: %w", err)
			}
		case strings.HasPrefix(line, "config firewall policy"):
			if err := p.parsePolicyConfig(); err != nil {
				return fmt.Errorf("parsing firewall policy config: %w", err)
			}
		}
	}
	if err := p.scanner.Err(); err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}
	p.flattenAddressGroups()
	return nil
}

// Policies returns the parsed policy records in config order.
func (p *ConfigSource) Policies() []model.PolicyRecord {
	return p.policies
}

func (p *ConfigSource) parseAddressConfig() error {
	var current *inventory.AddressEntry
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			current = &inventory.AddressEntry{Name: unquote(parts[1]), Type: "ipmask"}
		case "set":
			if current == nil || len(parts) < 3 {
				continue
			}
			switch parts[1] {
			case "type":
				current.Type = parts[2]
			case "subnet":
				// Backups write ipmask subnets as "IP MASK" rather than CIDR.
				if len(parts) >= 4 {
					mask := net.IPMask(net.ParseIP(parts[3]).To4())
					prefixLen, _ := mask.Size()
					_, ipnet, err := net.ParseCIDR(fmt.Sprintf("%s/%d", parts[2], prefixLen))
					if err == nil {
						current.IPNet = ipnet
					}
				}
			case "start-ip":
				current.StartIP = net.ParseIP(parts[2])
			case "end-ip":
				current.EndIP = net.ParseIP(parts[2])
			case "fqdn":
				current.FQDN = unquote(parts[2])
			}
		case "next":
			if current != nil {
				p.inv.AddAddress(current)
			}
			current = nil
		}
	}
	return io.ErrUnexpectedEOF
}

func (p *ConfigSource) parseAddrGrpConfig() error {
	var currentGroup string
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			currentGroup = unquote(parts[1])
		case "set":
			if currentGroup != "" && parts[1] == "member" {
				p.addrGrps[currentGroup] = splitQuoted(parts[2:])
			}
		case "next":
			currentGroup = ""
		}
	}
	return io.ErrUnexpectedEOF
}

func (p *ConfigSource) parseServiceCustomConfig() error {
	var currentName string
	var ranges []model.PortRange
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			currentName = unquote(parts[1])
			ranges = nil
		case "set":
			if currentName == "" {
				continue
			}
			if strings.Contains(parts[1], "portrange") {
				// Handles "set tcp-portrange 8001-8004" and "set tcp-portrange=8001-8004".
				line = strings.ReplaceAll(line, "=", " ")
				parts = strings.Fields(line)
				proto, ok := portrangeProtocol(parts[1])
				if !ok {
					continue
				}
				for _, token := range parts[2:] {
					bounds := strings.Split(token, "-")
					start, err := strconv.Atoi(bounds[0])
					if err != nil {
						continue
					}
					end := start
					if len(bounds) > 1 {
						end, err = strconv.Atoi(bounds[1])
						if err != nil {
							continue
						}
					}
					ranges = append(ranges, model.PortRange{Protocol: proto, Start: start, End: end})
				}
			}
		case "next":
			if currentName != "" && len(ranges) > 0 {
				p.inv.AddService(currentName, ranges)
			}
			currentName = ""
			ranges = nil
		}
	}
	return io.ErrUnexpectedEOF
}

func portrangeProtocol(keyword string) (model.Protocol, bool) {
	switch {
	case strings.HasPrefix(keyword, "tcp"):
		return model.TCP, true
	case strings.HasPrefix(keyword, "udplite"):
		return model.UDPLite, true
	case strings.HasPrefix(keyword, "udp"):
		return model.UDP, true
	case strings.HasPrefix(keyword, "sctp"):
		return model.SCTP, true
	}
	return "", false
}

func (p *ConfigSource) parseServiceGroupConfig() error {
	var currentGroup string
	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			currentGroup = unquote(parts[1])
		case "set":
			if currentGroup != "" && parts[1] == "member" {
				p.inv.AddGroup(currentGroup, splitQuoted(parts[2:]))
			}
		case "next":
			currentGroup = ""
		}
	}
	return io.ErrUnexpectedEOF
}

func (p *ConfigSource) parsePolicyConfig() error {
	var current *model.PolicyRecord

	for p.scanner.Scan() {
		line := strings.TrimSpace(p.scanner.Text())
		if line == "end" {
			return nil
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "edit":
			id, err := strconv.Atoi(parts[1])
			if err != nil {
				slog.Warn("skipping policy with non-numeric id", "id", parts[1])
				current = nil
				continue
			}
			p.policies = append(p.policies, model.PolicyRecord{ID: id, Status: "enable"})
			current = &p.policies[len(p.policies)-1]
		case "set":
			if current == nil || len(parts) < 3 {
				continue
			}
			args := splitQuoted(parts[2:])
			switch parts[1] {
			case "name":
				current.Name = unquote(strings.Join(parts[2:], " "))
			case "srcintf":
				current.SrcIntf = append(current.SrcIntf, args...)
			case "dstintf":
				current.DstIntf = append(current.DstIntf, args...)
			case "srcaddr":
				current.SrcAddr = append(current.SrcAddr, args...)
			case "dstaddr":
				current.DstAddr = append(current.DstAddr, args...)
			case "service":
				current.Services = append(current.Services, args...)
			case "action":
				current.Action = parts[2]
			case "status":
				current.Status = parts[2]
			case "schedule":
				current.Schedule = unquote(parts[2])
			case "logtraffic":
				current.LogTraffic = parts[2]
			}
		case "next":
			if current != nil {
				if len(current.SrcAddr) == 0 {
					current.SrcAddr = []string{"all"}
				}
				if len(current.DstAddr) == 0 {
					current.DstAddr = []string{"all"}
				}
				if len(current.Services) == 0 {
					current.Services = []string{"ALL"}
				}
			}
			current = nil
		}
	}
	return io.ErrUnexpectedEOF
}

// flattenAddressGroups replaces address group references in policies
// with the flattened member names, cycle-safe.
func (p *ConfigSource) flattenAddressGroups() {
	if len(p.addrGrps) == 0 {
		return
	}
	for i := range p.policies {
		rec := &p.policies[i]
		rec.SrcAddr = expandGroups(rec.SrcAddr, p.addrGrps)
		rec.DstAddr = expandGroups(rec.DstAddr, p.addrGrps)
	}
}

// splitQuoted joins whitespace-split fields back together and re-splits
// on quote boundaries so names with spaces survive.
func splitQuoted(fields []string) []string {
	raw := strings.TrimSpace(strings.Join(fields, " "))
	if raw == "" {
		return nil
	}
	args := strings.Split(raw, `" "`)
	for i, arg := range args {
		args[i] = unquote(arg)
	}
	return args
}

func unquote(s string) string {
	return strings.Trim(s, `"`)
}
