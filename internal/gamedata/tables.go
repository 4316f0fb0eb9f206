// Package gamedata loads the static item-schema tables used to enrich
// inspect results with display names and wear ranges.
package gamedata

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/inspectd/inspectd/internal/inspect"
)

// Paint describes a finish: display name plus its float range.
type Paint struct {
	Name string   `json:"name"`
	Min  *float64 `json:"min,omitempty"`
	Max  *float64 `json:"max,omitempty"`
}

// Tables holds the schema lookups, keyed by decimal index strings as they
// appear in the source JSON.
type Tables struct {
	Weapons  map[string]string `json:"weapons"`
	Paints   map[string]Paint  `json:"paints"`
	Stickers map[string]string `json:"stickers"`
}

// Empty returns a Tables with no entries; Annotate on it is a no-op.
func Empty() *Tables {
	return &Tables{
		Weapons:  map[string]string{},
		Paints:   map[string]Paint{},
		Stickers: map[string]string{},
	}
}

// LoadFile reads the schema tables from a JSON file.
func LoadFile(path string) (*Tables, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read game data %s: %w", path, err)
	}
	t := Empty()
	if err := json.Unmarshal(raw, t); err != nil {
		return nil, fmt.Errorf("parse game data %s: %w", path, err)
	}
	return t, nil
}

// Wear bucket boundaries, upper-exclusive except the last.
var wearNames = []struct {
	max  float64
	name string
}{
	{0.07, "Factory New"},
	{0.15, "Minimal Wear"},
	{0.38, "Field-Tested"},
	{0.45, "Well-Worn"},
	{1.01, "Battle-Scarred"},
}

// WearName maps a float value to its wear bucket name.
func WearName(float float64) string {
	for _, w := range wearNames {
		if float < w.max {
			return w.name
		}
	}
	return wearNames[len(wearNames)-1].name
}

// Annotate fills display names, wear name, full item name, float range, and
// sticker names on an item. Unknown indexes leave the fields empty.
func (t *Tables) Annotate(it *inspect.Item) {
	it.WeaponType = t.Weapons[strconv.Itoa(it.Defindex)]

	if p, ok := t.Paints[strconv.Itoa(it.Paintindex)]; ok {
		it.ItemName = p.Name
		it.Min = p.Min
		it.Max = p.Max
	}

	if it.FloatValue > 0 {
		it.WearName = WearName(it.FloatValue)
	}

	if it.WeaponType != "" && it.ItemName != "" {
		name := it.WeaponType + " | " + it.ItemName
		switch it.Category() {
		case inspect.CategoryStatTrak:
			name = "StatTrak " + name
		case inspect.CategorySouvenir:
			name = "Souvenir " + name
		}
		if it.WearName != "" {
			name += " (" + it.WearName + ")"
		}
		it.FullItemName = name
	}

	for i := range it.Stickers {
		it.Stickers[i].Name = t.Stickers[strconv.Itoa(it.Stickers[i].StickerID)]
	}
}
