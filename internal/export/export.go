// Package export renders resolved policy records as CSV or as a console
// table. Column selection and the address display mode come from the
// output configuration.
package export

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"fortigate-policy-export/internal/config"
	"fortigate-policy-export/internal/model"
	"fortigate-policy-export/internal/utils"
)

// listSeparator joins multi-valued cells.
const listSeparator = " "

// Renderer turns ResolvedRecords into string rows.
type Renderer struct {
	columns []string
	mode    config.DisplayMode
}

func NewRenderer(columns []string, mode config.DisplayMode) *Renderer {
	return &Renderer{columns: columns, mode: mode}
}

// Header returns the column names in output order.
func (r *Renderer) Header() []string {
	return r.columns
}

// Row renders one record.
func (r *Renderer) Row(rec model.ResolvedRecord) []string {
	row := make([]string, len(r.columns))
	for i, col := range r.columns {
		row[i] = r.cell(rec, col)
	}
	return row
}

func (r *Renderer) cell(rec model.ResolvedRecord, column string) string {
	switch column {
	case "policyid":
		return strconv.Itoa(rec.Record.ID)
	case "name":
		return rec.Record.Name
	case "srcintf":
		return strings.Join(rec.Record.SrcIntf, listSeparator)
	case "dstintf":
		return strings.Join(rec.Record.DstIntf, listSeparator)
	case "srcaddr":
		return r.addressCell(rec, "srcaddr", rec.Record.SrcAddr)
	case "dstaddr":
		return r.addressCell(rec, "dstaddr", rec.Record.DstAddr)
	case "service":
		return r.serviceCell(rec, rec.Record.Services)
	case "action":
		return rec.Record.Action
	case "status":
		return rec.Record.Status
	case "schedule":
		return rec.Record.Schedule
	case "logtraffic":
		return rec.Record.LogTraffic
	}
	return ""
}

func (r *Renderer) addressCell(rec model.ResolvedRecord, field string, raw []string) string {
	fields, ok := rec.Fields[field]
	if !ok {
		return strings.Join(raw, listSeparator)
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = addressText(f, r.mode)
	}
	return strings.Join(parts, listSeparator)
}

func (r *Renderer) serviceCell(rec model.ResolvedRecord, raw []string) string {
	fields, ok := rec.Fields["service"]
	if !ok {
		return strings.Join(raw, listSeparator)
	}
	parts := make([]string, len(fields))
	for i, f := range fields {
		parts[i] = f.Display
	}
	return strings.Join(parts, listSeparator)
}

// addressText picks the rendering of one address identifier. In address
// mode only the address side survives: IP identifiers keep their literal,
// resolved names show their looked-up address, unresolved identifiers stay
// raw.
func addressText(f model.ResolvedField, mode config.DisplayMode) string {
	if mode != config.DisplayAddress {
		return f.Display
	}
	if utils.IsIPLiteral(f.Identifier) {
		return f.Identifier
	}
	if f.Outcome != model.OutcomeUnresolved && f.Counterpart != "" {
		return f.Counterpart
	}
	return f.Identifier
}

// WriteCSV writes a header row followed by one row per record.
func WriteCSV(w io.Writer, r *Renderer, records []model.ResolvedRecord) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(r.Header()); err != nil {
		return fmt.Errorf("writing header: %w", err)
	}
	for _, rec := range records {
		if err := cw.Write(r.Row(rec)); err != nil {
			return fmt.Errorf("writing record %d: %w", rec.Record.ID, err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// maxColWidth caps console table columns; longer cells are truncated.
const maxColWidth = 60

// WriteTable writes an aligned plain-text table for terminal output.
func WriteTable(w io.Writer, r *Renderer, records []model.ResolvedRecord) error {
	header := r.Header()
	rows := make([][]string, 0, len(records)+1)
	rows = append(rows, header)
	for _, rec := range records {
		rows = append(rows, r.Row(rec))
	}

	widths := make([]int, len(header))
	for _, row := range rows {
		for i, cell := range row {
			if n := len(cell); n > widths[i] {
				if n > maxColWidth {
					n = maxColWidth
				}
				widths[i] = n
			}
		}
	}

	writeRow := func(row []string) error {
		var b strings.Builder
		for i, cell := range row {
			if len(cell) > widths[i] {
				cell = cell[:widths[i]-3] + "..."
			}
			if i > 0 {
				b.WriteString("  ")
			}
			fmt.Fprintf(&b, "%-*s", widths[i], cell)
		}
		_, err := io.WriteString(w, strings.TrimRight(b.String(), " ")+"\n")
		return err
	}

	if err := writeRow(header); err != nil {
		return err
	}
	var rule []string
	for _, width := range widths {
		rule = append(rule, strings.Repeat("-", width))
	}
	if err := writeRow(rule); err != nil {
		return err
	}
	for _, row := range rows[1:] {
		if err := writeRow(row); err != nil {
			return err
		}
	}
	return nil
}
