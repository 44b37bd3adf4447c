package campaign

import (
	"testing"

	"github.com/TheLeoP/wpp/internal/eventbus"
	"github.com/TheLeoP/wpp/internal/phone"
	"github.com/TheLeoP/wpp/internal/sheet"
)

func testSheet(rows ...sheet.Row) *sheet.Sheet {
	return &sheet.Sheet{Columns: []string{"telf", "nombre"}, Rows: rows}
}

func TestBuild(t *testing.T) {
	bus := eventbus.New()
	sh := testSheet(
		sheet.Row{"telf": "0991234567", "nombre": "Ana"},
		sheet.Row{"telf": "991234568", "nombre": "Luis"},
	)

	jobs, skipped, err := Build("Hola {{nombre}}", sh, "/tmp/promo.png", "telf", phone.DefaultRules(), bus)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(skipped) != 0 {
		t.Errorf("skipped = %v, want none", skipped)
	}
	if len(jobs) != 2 {
		t.Fatalf("len(jobs) = %d, want 2", len(jobs))
	}

	if jobs[0].Text != "Hola Ana" || jobs[1].Text != "Hola Luis" {
		t.Errorf("texts = %q, %q", jobs[0].Text, jobs[1].Text)
	}
	if jobs[0].Recipient != "593991234567" {
		t.Errorf("trunk digit not replaced: %q", jobs[0].Recipient)
	}
	if jobs[1].Recipient != "593991234568" {
		t.Errorf("country code not prepended: %q", jobs[1].Recipient)
	}
	for i, j := range jobs {
		if j.Seq != i {
			t.Errorf("job %d has seq %d", i, j.Seq)
		}
		if j.MediaPath != "/tmp/promo.png" {
			t.Errorf("job %d lost its media path", i)
		}
	}
}

func TestBuildSkipsRowsWithoutPhone(t *testing.T) {
	bus := eventbus.New()
	events, unsub := bus.Subscribe(8)
	defer unsub()

	sh := testSheet(
		sheet.Row{"telf": "0991234567", "nombre": "Ana"},
		sheet.Row{"telf": "  ", "nombre": "SinTelf"},
		sheet.Row{"telf": "0991234569", "nombre": "Luis"},
	)

	jobs, skipped, err := Build("Hola {{nombre}}", sh, "", "telf", phone.DefaultRules(), bus)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(jobs) != 2 {
		t.Errorf("len(jobs) = %d, want 2", len(jobs))
	}
	if len(skipped) != 1 || skipped[0].Row != 2 {
		t.Fatalf("skipped = %+v, want row 2", skipped)
	}

	select {
	case e := <-events:
		if e.Type != eventbus.TypeError {
			t.Errorf("event type = %q, want error", e.Type)
		}
	default:
		t.Error("skip did not publish an error event")
	}
}

func TestBuildRejectsMissingColumn(t *testing.T) {
	bus := eventbus.New()
	sh := &sheet.Sheet{Columns: []string{"nombre"}, Rows: []sheet.Row{{"nombre": "Ana"}}}

	if _, _, err := Build("Hola", sh, "", "telf", phone.DefaultRules(), bus); err == nil {
		t.Error("Build() without phone column: expected error, got nil")
	}
}

func TestBuildRejectsBadTemplate(t *testing.T) {
	bus := eventbus.New()
	if _, _, err := Build("Hola {{nombre", testSheet(), "", "telf", phone.DefaultRules(), bus); err == nil {
		t.Error("Build() with unparseable template: expected error, got nil")
	}
}
