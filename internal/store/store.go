package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/maypok86/otter"
	"github.com/zeebo/xxh3"

	"github.com/inspectd/inspectd/internal/inspect"
)

// rankCutoff is the deepest float rank worth annotating.
const rankCutoff = 1000

const defaultHotCacheSize = 4096

// Store is the item cache: SQLite authority plus a bounded per-link hot
// cache. All methods are safe for concurrent use; writes are serialized by
// the single DB connection.
type Store struct {
	db  *sql.DB
	hot otter.Cache[uint64, *inspect.Item]
}

// Open opens the database at path, applies migrations, and builds the hot
// cache. hotSize <= 0 uses the default.
func Open(path string, hotSize int) (*Store, error) {
	db, err := OpenDB(path)
	if err != nil {
		return nil, err
	}
	if err := MigrateDB(db); err != nil {
		db.Close()
		return nil, err
	}
	if hotSize <= 0 {
		hotSize = defaultHotCacheSize
	}
	hot, err := otter.MustBuilder[uint64, *inspect.Item](hotSize).
		Cost(func(_ uint64, _ *inspect.Item) uint32 { return 1 }).
		Build()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("build hot cache: %w", err)
	}
	return &Store{db: db, hot: hot}, nil
}

// Close releases the hot cache and the database.
func (s *Store) Close() error {
	s.hot.Close()
	return s.db.Close()
}

func hotKey(link inspect.Link) uint64 {
	return xxh3.HashString(link.Canonical())
}

// Lookup returns the cached item for the link's asset id, or ok=false. The
// returned item is a private copy; callers may mutate it freely while other
// requests read the same cache entry.
func (s *Store) Lookup(link inspect.Link) (*inspect.Item, bool, error) {
	if it, ok := s.hot.Get(hotKey(link)); ok {
		return it.Clone(), true, nil
	}

	row := s.db.QueryRow(`
		SELECT ms, d, is_market, defindex, paintindex, rarity, quality, origin,
		       paintseed, floatvalue, killeater_score_type, killeater_value,
		       custom_name, stickers_json, price
		FROM items WHERE asset_id = ?`, int64(link.A))

	var (
		ms, d                int64
		isMarket             bool
		it                   inspect.Item
		killScore, killValue sql.NullInt64
		stickersJSON         string
		price                sql.NullInt64
	)
	err := row.Scan(
		&ms, &d, &isMarket, &it.Defindex, &it.Paintindex, &it.Rarity,
		&it.Quality, &it.Origin, &it.PaintSeed, &it.FloatValue,
		&killScore, &killValue, &it.CustomName, &stickersJSON, &price,
	)
	if err == sql.ErrNoRows {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("lookup item %d: %w", link.A, err)
	}

	it.A = strconv.FormatUint(link.A, 10)
	it.D = strconv.FormatInt(d, 10)
	if isMarket {
		it.S = "0"
		it.M = strconv.FormatInt(ms, 10)
	} else {
		it.S = strconv.FormatInt(ms, 10)
		it.M = "0"
	}
	if killScore.Valid {
		v := int(killScore.Int64)
		it.KilleaterScoreType = &v
	}
	if killValue.Valid {
		v := int(killValue.Int64)
		it.KilleaterValue = &v
	}
	if stickersJSON != "" && stickersJSON != "[]" {
		if err := json.Unmarshal([]byte(stickersJSON), &it.Stickers); err != nil {
			return nil, false, fmt.Errorf("decode stickers for %d: %w", link.A, err)
		}
	}
	if price.Valid {
		v := uint64(price.Int64)
		it.Price = &v
	}

	s.hot.Set(hotKey(link), &it)
	return it.Clone(), true, nil
}

// Insert stores (or replaces) an item record and writes through the hot
// cache. Enrichment-only fields are not persisted; they are recomputed on
// the way out.
func (s *Store) Insert(link inspect.Link, it *inspect.Item) error {
	stickersJSON := "[]"
	if len(it.Stickers) > 0 {
		raw, err := json.Marshal(it.Stickers)
		if err != nil {
			return fmt.Errorf("encode stickers for %d: %w", link.A, err)
		}
		stickersJSON = string(raw)
	}

	var killScore, killValue, price any
	if it.KilleaterScoreType != nil {
		killScore = *it.KilleaterScoreType
	}
	if it.KilleaterValue != nil {
		killValue = *it.KilleaterValue
	}
	if it.Price != nil {
		price = int64(*it.Price)
	}

	_, err := s.db.Exec(`
		INSERT INTO items (
			asset_id, ms, d, is_market, defindex, paintindex, rarity, quality,
			origin, paintseed, floatvalue, category, killeater_score_type,
			killeater_value, custom_name, stickers_json, price, updated_at_ns
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(asset_id) DO UPDATE SET
			ms = excluded.ms,
			d = excluded.d,
			is_market = excluded.is_market,
			floatvalue = excluded.floatvalue,
			paintseed = excluded.paintseed,
			stickers_json = excluded.stickers_json,
			price = COALESCE(excluded.price, items.price),
			updated_at_ns = excluded.updated_at_ns`,
		int64(link.A), int64(link.Owner()), int64(link.D), link.IsMarket(),
		it.Defindex, it.Paintindex, it.Rarity, it.Quality, it.Origin,
		it.PaintSeed, it.FloatValue, it.Category(), killScore, killValue,
		it.CustomName, stickersJSON, price, time.Now().UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("insert item %d: %w", link.A, err)
	}

	s.hot.Set(hotKey(link), it.Clone())
	return nil
}

// UpdatePrice records a submitted price for an already-cached item.
func (s *Store) UpdatePrice(link inspect.Link, price uint64) error {
	_, err := s.db.Exec(
		"UPDATE items SET price = ?, updated_at_ns = ? WHERE asset_id = ?",
		int64(price), time.Now().UnixNano(), int64(link.A),
	)
	if err != nil {
		return fmt.Errorf("update price for %d: %w", link.A, err)
	}
	if it, ok := s.hot.Get(hotKey(link)); ok {
		// Replace, don't mutate: the cached item may be mid-marshal in a
		// concurrent request.
		updated := it.Clone()
		p := price
		updated.Price = &p
		s.hot.Set(hotKey(link), updated)
	}
	return nil
}

// AnnotateRank fills low_rank/high_rank on the item when it places within
// the top rankCutoff floats of its (defindex, paintindex, category) bucket.
func (s *Store) AnnotateRank(it *inspect.Item) error {
	low, err := s.rank(it, "<")
	if err != nil {
		return err
	}
	high, err := s.rank(it, ">")
	if err != nil {
		return err
	}
	if low <= rankCutoff {
		it.LowRank = &low
	}
	if high <= rankCutoff {
		it.HighRank = &high
	}
	return nil
}

func (s *Store) rank(it *inspect.Item, op string) (int, error) {
	var better int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM items WHERE defindex = ? AND paintindex = ? AND category = ? AND floatvalue "+op+" ?",
		it.Defindex, it.Paintindex, it.Category(), it.FloatValue,
	).Scan(&better)
	if err != nil {
		return 0, fmt.Errorf("rank query: %w", err)
	}
	return better + 1, nil
}

// Count returns the number of cached items.
func (s *Store) Count() (int, error) {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM items").Scan(&n); err != nil {
		return 0, fmt.Errorf("count items: %w", err)
	}
	return n, nil
}
