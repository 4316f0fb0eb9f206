package gamedata

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/inspectd/inspectd/internal/inspect"
)

func testTables() *Tables {
	minF, maxF := 0.06, 0.8
	return &Tables{
		Weapons: map[string]string{"7": "AK-47"},
		Paints: map[string]Paint{
			"282": {Name: "Redline", Min: &minF, Max: &maxF},
		},
		Stickers: map[string]string{"5": "Sticker | Flammable"},
	}
}

func TestWearName(t *testing.T) {
	cases := []struct {
		float float64
		want  string
	}{
		{0.00, "Factory New"},
		{0.069, "Factory New"},
		{0.07, "Minimal Wear"},
		{0.149, "Minimal Wear"},
		{0.15, "Field-Tested"},
		{0.38, "Well-Worn"},
		{0.449, "Well-Worn"},
		{0.45, "Battle-Scarred"},
		{0.999, "Battle-Scarred"},
	}
	for _, tc := range cases {
		if got := WearName(tc.float); got != tc.want {
			t.Errorf("WearName(%v) = %q, want %q", tc.float, got, tc.want)
		}
	}
}

func TestAnnotate(t *testing.T) {
	it := &inspect.Item{
		Defindex:   7,
		Paintindex: 282,
		FloatValue: 0.21,
		Stickers:   []inspect.Sticker{{Slot: 0, StickerID: 5}},
	}
	testTables().Annotate(it)

	if it.WeaponType != "AK-47" || it.ItemName != "Redline" {
		t.Errorf("names: weapon=%q item=%q", it.WeaponType, it.ItemName)
	}
	if it.FullItemName != "AK-47 | Redline (Field-Tested)" {
		t.Errorf("full name = %q", it.FullItemName)
	}
	if it.Min == nil || *it.Min != 0.06 || it.Max == nil || *it.Max != 0.8 {
		t.Errorf("float range = %v..%v", it.Min, it.Max)
	}
	if it.Stickers[0].Name != "Sticker | Flammable" {
		t.Errorf("sticker name = %q", it.Stickers[0].Name)
	}
}

func TestAnnotateStatTrakAndSouvenirPrefix(t *testing.T) {
	kills := 250
	st := &inspect.Item{Defindex: 7, Paintindex: 282, FloatValue: 0.05, KilleaterValue: &kills}
	testTables().Annotate(st)
	if st.FullItemName != "StatTrak AK-47 | Redline (Factory New)" {
		t.Errorf("stattrak name = %q", st.FullItemName)
	}

	// Souvenir quality wins over the kill counter.
	sv := &inspect.Item{Defindex: 7, Paintindex: 282, FloatValue: 0.05, Quality: 12, KilleaterValue: &kills}
	testTables().Annotate(sv)
	if sv.FullItemName != "Souvenir AK-47 | Redline (Factory New)" {
		t.Errorf("souvenir name = %q", sv.FullItemName)
	}
}

func TestAnnotateUnknownIndexes(t *testing.T) {
	it := &inspect.Item{Defindex: 999, Paintindex: 999, FloatValue: 0.2}
	testTables().Annotate(it)
	if it.WeaponType != "" || it.ItemName != "" || it.FullItemName != "" {
		t.Errorf("unknown indexes must leave names empty: %+v", it)
	}
	if it.WearName != "Field-Tested" {
		t.Errorf("wear name = %q", it.WearName)
	}
}

func TestAnnotateZeroFloatSkipsWear(t *testing.T) {
	it := &inspect.Item{Defindex: 7, Paintindex: 282}
	testTables().Annotate(it)
	if it.WearName != "" {
		t.Errorf("wear name = %q for float 0, want empty", it.WearName)
	}
	if it.FullItemName != "AK-47 | Redline" {
		t.Errorf("full name = %q", it.FullItemName)
	}
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gamedata.json")
	raw := `{
		"weapons": {"7": "AK-47"},
		"paints": {"282": {"name": "Redline", "min": 0.1, "max": 0.7}},
		"stickers": {"5": "Sticker | Flammable"}
	}`
	if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
		t.Fatal(err)
	}
	tb, err := LoadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if tb.Weapons["7"] != "AK-47" {
		t.Errorf("weapons = %+v", tb.Weapons)
	}
	p := tb.Paints["282"]
	if p.Name != "Redline" || p.Min == nil || *p.Min != 0.1 {
		t.Errorf("paint = %+v", p)
	}

	if _, err := LoadFile(filepath.Join(t.TempDir(), "missing.json")); err == nil {
		t.Error("missing file did not error")
	}
}
