package inspect

import "strconv"

// RawSticker is a sticker as delivered by the game coordinator.
type RawSticker struct {
	Slot      int      `json:"slot"`
	StickerID int      `json:"sticker_id"`
	Wear      *float64 `json:"wear,omitempty"`
	Scale     *float64 `json:"scale,omitempty"`
	Rotation  *float64 `json:"rotation,omitempty"`
}

// Reply is the raw item payload from a game-coordinator inspect response.
// Optional wire fields stay pointers so absence is distinguishable from zero.
type Reply struct {
	AssetID            uint64       `json:"itemid"`
	Defindex           int          `json:"defindex"`
	Paintindex         int          `json:"paintindex"`
	Rarity             int          `json:"rarity"`
	Quality            int          `json:"quality"`
	Paintwear          float64      `json:"paintwear"`
	Paintseed          *int         `json:"paintseed,omitempty"`
	KilleaterScoreType *int         `json:"killeaterscoretype,omitempty"`
	KilleaterValue     *int         `json:"killeatervalue,omitempty"`
	CustomName         string       `json:"customname,omitempty"`
	Origin             int          `json:"origin"`
	Stickers           []RawSticker `json:"stickers,omitempty"`
}

// Sticker is the client-facing sticker shape.
type Sticker struct {
	Slot      int      `json:"slot"`
	StickerID int      `json:"stickerId"`
	Wear      *float64 `json:"wear,omitempty"`
	Scale     *float64 `json:"scale,omitempty"`
	Rotation  *float64 `json:"rotation,omitempty"`
	Name      string   `json:"name,omitempty"`
}

// Item categories for float ranking.
const (
	CategoryNormal   = 0
	CategoryStatTrak = 1
	CategorySouvenir = 2
)

const souvenirQuality = 12

// Item is the normalized, client-facing item record.
type Item struct {
	S string `json:"s"`
	A string `json:"a"`
	D string `json:"d"`
	M string `json:"m"`

	FloatValue float64 `json:"floatvalue"`
	PaintSeed  int     `json:"paintseed"`
	Defindex   int     `json:"defindex"`
	Paintindex int     `json:"paintindex"`
	Rarity     int     `json:"rarity"`
	Quality    int     `json:"quality"`
	Origin     int     `json:"origin"`

	KilleaterScoreType *int   `json:"killeaterscoretype,omitempty"`
	KilleaterValue     *int   `json:"killeatervalue,omitempty"`
	CustomName         string `json:"customname,omitempty"`

	Stickers []Sticker `json:"stickers,omitempty"`

	// Enrichment (game data + store annotations).
	ItemName     string   `json:"item_name,omitempty"`
	WeaponType   string   `json:"weapon_type,omitempty"`
	FullItemName string   `json:"full_item_name,omitempty"`
	WearName     string   `json:"wear_name,omitempty"`
	Min          *float64 `json:"min,omitempty"`
	Max          *float64 `json:"max,omitempty"`
	LowRank      *int     `json:"low_rank,omitempty"`
	HighRank     *int     `json:"high_rank,omitempty"`

	Price *uint64 `json:"price,omitempty"`
}

// Clone returns a deep copy of the item. Callers that annotate or price an
// item coming out of a shared cache work on the copy.
func (it *Item) Clone() *Item {
	if it == nil {
		return nil
	}
	out := *it
	out.KilleaterScoreType = copyInt(it.KilleaterScoreType)
	out.KilleaterValue = copyInt(it.KilleaterValue)
	out.Min = copyFloat(it.Min)
	out.Max = copyFloat(it.Max)
	out.LowRank = copyInt(it.LowRank)
	out.HighRank = copyInt(it.HighRank)
	if it.Price != nil {
		p := *it.Price
		out.Price = &p
	}
	if len(it.Stickers) > 0 {
		out.Stickers = make([]Sticker, len(it.Stickers))
		for i, s := range it.Stickers {
			s.Wear = copyFloat(s.Wear)
			s.Scale = copyFloat(s.Scale)
			s.Rotation = copyFloat(s.Rotation)
			out.Stickers[i] = s
		}
	}
	return &out
}

func copyInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// StatTrak reports whether the item carries a kill-eater counter.
func (it *Item) StatTrak() bool {
	return it.KilleaterValue != nil
}

// Souvenir reports whether the item is a souvenir drop.
func (it *Item) Souvenir() bool {
	return it.Quality == souvenirQuality
}

// Category returns the float-ranking category of the item.
func (it *Item) Category() int {
	switch {
	case it.Souvenir():
		return CategorySouvenir
	case it.StatTrak():
		return CategoryStatTrak
	default:
		return CategoryNormal
	}
}

// Normalize converts a raw reply into the client-facing item shape:
// paintwear becomes floatvalue, an absent paintseed becomes 0, and each
// sticker's sticker_id becomes stickerId. Link identity fields are stamped
// from the request link.
func Normalize(link Link, r *Reply) *Item {
	it := &Item{
		S:                  strconv.FormatUint(link.S, 10),
		A:                  strconv.FormatUint(link.A, 10),
		D:                  strconv.FormatUint(link.D, 10),
		M:                  strconv.FormatUint(link.M, 10),
		FloatValue:         r.Paintwear,
		Defindex:           r.Defindex,
		Paintindex:         r.Paintindex,
		Rarity:             r.Rarity,
		Quality:            r.Quality,
		Origin:             r.Origin,
		KilleaterScoreType: r.KilleaterScoreType,
		KilleaterValue:     r.KilleaterValue,
		CustomName:         r.CustomName,
	}
	if r.Paintseed != nil {
		it.PaintSeed = *r.Paintseed
	}
	for _, s := range r.Stickers {
		it.Stickers = append(it.Stickers, Sticker{
			Slot:      s.Slot,
			StickerID: s.StickerID,
			Wear:      s.Wear,
			Scale:     s.Scale,
			Rotation:  s.Rotation,
		})
	}
	return it
}
