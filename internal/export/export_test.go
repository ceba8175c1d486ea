package export

import (
	"bytes"
	"encoding/csv"
	"reflect"
	"strings"
	"testing"

	"fortigate-policy-export/internal/config"
	"fortigate-policy-export/internal/model"
)

func sampleRecord() model.ResolvedRecord {
	return model.ResolvedRecord{
		Record: model.PolicyRecord{
			ID:       12,
			Name:     "edge-out",
			SrcIntf:  []string{"port1"},
			DstIntf:  []string{"port2"},
			SrcAddr:  []string{"10.1.1.5", "lab-net"},
			DstAddr:  []string{"portal"},
			Services: []string{"WEB-APP"},
			Action:   "accept",
			Status:   "enable",
		},
		Fields: map[string][]model.ResolvedField{
			"srcaddr": {
				{Identifier: "10.1.1.5", Counterpart: "build-host", Display: "build-host[10.1.1.5]", Outcome: model.OutcomeResolved},
				{Identifier: "lab-net", Counterpart: "10.2.0.0/16", Display: "lab-net[10.2.0.0/16]", Outcome: model.OutcomeFallback},
			},
			"dstaddr": {
				{Identifier: "portal", Display: "portal", Outcome: model.OutcomeUnresolved},
			},
			"service": {
				{Identifier: "WEB-APP", Display: "WEB-APP(8001-8004/tcp)", Outcome: model.OutcomeResolved},
			},
		},
	}
}

func TestRowFullDisplay(t *testing.T) {
	r := NewRenderer([]string{"policyid", "srcaddr", "dstaddr", "service", "action"}, config.DisplayFull)
	got := r.Row(sampleRecord())
	want := []string{
		"12",
		"build-host[10.1.1.5] lab-net[10.2.0.0/16]",
		"portal",
		"WEB-APP(8001-8004/tcp)",
		"accept",
	}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Row() = %v, want %v", got, want)
	}
}

func TestRowAddressDisplay(t *testing.T) {
	r := NewRenderer([]string{"srcaddr", "dstaddr"}, config.DisplayAddress)
	got := r.Row(sampleRecord())
	// IP identifiers keep their literal, resolved names show the address,
	// unresolved identifiers stay raw.
	want := []string{"10.1.1.5 10.2.0.0/16", "portal"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Row() = %v, want %v", got, want)
	}
}

func TestRowWithoutResolvedFields(t *testing.T) {
	rec := sampleRecord()
	rec.Fields = nil
	r := NewRenderer([]string{"srcaddr", "service"}, config.DisplayFull)
	got := r.Row(rec)
	want := []string{"10.1.1.5 lab-net", "WEB-APP"}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("Row() = %v, want %v", got, want)
	}
}

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer([]string{"policyid", "name", "srcaddr", "action", "status"}, config.DisplayFull)
	if err := WriteCSV(&buf, r, []model.ResolvedRecord{sampleRecord()}); err != nil {
		t.Fatalf("WriteCSV() error: %v", err)
	}

	rows, err := csv.NewReader(&buf).ReadAll()
	if err != nil {
		t.Fatalf("reading output: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("expected header + 1 row, got %d rows", len(rows))
	}
	if !reflect.DeepEqual(rows[0], []string{"policyid", "name", "srcaddr", "action", "status"}) {
		t.Errorf("header = %v", rows[0])
	}
	if rows[1][0] != "12" || rows[1][1] != "edge-out" || rows[1][4] != "enable" {
		t.Errorf("row = %v", rows[1])
	}
}

func TestWriteTable(t *testing.T) {
	var buf bytes.Buffer
	r := NewRenderer([]string{"policyid", "name", "action"}, config.DisplayFull)
	if err := WriteTable(&buf, r, []model.ResolvedRecord{sampleRecord()}); err != nil {
		t.Fatalf("WriteTable() error: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("expected header, rule and 1 row, got %d lines: %q", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "policyid") {
		t.Errorf("header line = %q", lines[0])
	}
	if !strings.HasPrefix(lines[1], "--------") {
		t.Errorf("rule line = %q", lines[1])
	}
	if !strings.Contains(lines[2], "edge-out") {
		t.Errorf("row line = %q", lines[2])
	}
}

func TestWriteTableTruncatesWideCells(t *testing.T) {
	rec := sampleRecord()
	rec.Record.Name = strings.Repeat("x", 100)
	var buf bytes.Buffer
	r := NewRenderer([]string{"name"}, config.DisplayFull)
	if err := WriteTable(&buf, r, []model.ResolvedRecord{rec}); err != nil {
		t.Fatalf("WriteTable() error: %v", err)
	}
	for _, line := range strings.Split(strings.TrimRight(buf.String(), "\n"), "\n") {
		if len(line) > maxColWidth {
			t.Errorf("line wider than %d: %q", maxColWidth, line)
		}
	}
}
