// Package campaign turns a send-template request into the ordered job
// list a scheduler run consumes.
package campaign

import (
	"fmt"
	"strings"

	"github.com/TheLeoP/wpp/internal/eventbus"
	"github.com/TheLeoP/wpp/internal/phone"
	"github.com/TheLeoP/wpp/internal/scheduler"
	"github.com/TheLeoP/wpp/internal/sheet"
	"github.com/TheLeoP/wpp/internal/template"
)

// SkippedRow describes a spreadsheet row excluded from the run. Row is
// the 1-based data row index (the header does not count).
type SkippedRow struct {
	Row    int    `json:"row"`
	Reason string `json:"reason"`
}

// Build renders one job per usable spreadsheet row, in row order.
//
// A template that does not parse or a spreadsheet without the phone
// column rejects the whole request: nothing is sent. Rows with an empty
// phone cell are merely skipped, each surfaced as an error event and a
// SkippedRow, so one bad row never blocks the rest of the batch.
func Build(tmplSrc string, sh *sheet.Sheet, mediaPath, phoneColumn string, rules phone.Rules, bus eventbus.Bus) ([]scheduler.Job, []SkippedRow, error) {
	tmpl, err := template.Parse(tmplSrc)
	if err != nil {
		return nil, nil, err
	}
	if !sh.HasColumn(phoneColumn) {
		return nil, nil, fmt.Errorf("spreadsheet has no %q column", phoneColumn)
	}

	var (
		jobs    []scheduler.Job
		skipped []SkippedRow
	)
	for i, row := range sh.Rows {
		rowNum := i + 1

		raw := strings.TrimSpace(row[phoneColumn])
		if raw == "" {
			skip(bus, &skipped, rowNum, fmt.Sprintf("row %d does not contain a phone number", rowNum))
			continue
		}

		text, err := tmpl.Render(row)
		if err != nil {
			skip(bus, &skipped, rowNum, fmt.Sprintf("row %d could not be rendered: %v", rowNum, err))
			continue
		}

		jobs = append(jobs, scheduler.Job{
			Seq:          len(jobs),
			RecipientRaw: raw,
			Recipient:    rules.Canonicalize(raw),
			Text:         text,
			MediaPath:    mediaPath,
		})
	}
	return jobs, skipped, nil
}

func skip(bus eventbus.Bus, skipped *[]SkippedRow, row int, reason string) {
	*skipped = append(*skipped, SkippedRow{Row: row, Reason: reason})
	bus.Publish(eventbus.Event{Type: eventbus.TypeError, Data: reason})
}
