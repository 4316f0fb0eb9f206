// Package dispatch resolves queued inspect entries against the session
// fleet and persists the results.
package dispatch

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/inspectd/inspectd/internal/fleet"
	"github.com/inspectd/inspectd/internal/gamedata"
	"github.com/inspectd/inspectd/internal/inspect"
	"github.com/inspectd/inspectd/internal/proxypool"
	"github.com/inspectd/inspectd/internal/queue"
	"github.com/inspectd/inspectd/internal/session"
	"github.com/inspectd/inspectd/internal/store"
)

// Dispatcher is the queue's drain handler: select a session through the
// pool, run the inspect, persist and annotate the item.
type Dispatcher struct {
	pool   *proxypool.Pool
	fleet  *fleet.Supervisor
	store  *store.Store
	tables *gamedata.Tables
}

// New creates a Dispatcher. pool may be nil, in which case sessions are
// picked straight off the fleet without group accounting.
func New(pool *proxypool.Pool, sup *fleet.Supervisor, st *store.Store, tables *gamedata.Tables) *Dispatcher {
	if tables == nil {
		tables = gamedata.Empty()
	}
	return &Dispatcher{pool: pool, fleet: sup, store: st, tables: tables}
}

// Handle resolves one entry. A failure to find a session surfaces as
// queue.ErrNoBotsAvailable so the queue retries without charging an
// attempt.
func (d *Dispatcher) Handle(e *queue.Entry) (*inspect.Item, time.Duration, error) {
	sess, grp, err := d.selectSession()
	if err != nil {
		return nil, 0, queue.ErrNoBotsAvailable
	}

	item, delay, err := sess.Inspect(context.Background(), e.Link)
	d.release(grp, err == nil)
	if err != nil {
		return nil, 0, fmt.Errorf("inspect %s: %w", e.Link, err)
	}

	if e.HasPrice && e.Link.IsMarket() {
		price := e.Price
		item.Price = &price
	}
	if err := d.store.Insert(e.Link, item); err != nil {
		// The client still gets its answer; only persistence suffered.
		log.Printf("[dispatch] persist %s: %v", e.Link, err)
	}
	if err := d.store.AnnotateRank(item); err != nil {
		log.Printf("[dispatch] rank %s: %v", e.Link, err)
	}
	d.tables.Annotate(item)
	return item, delay, nil
}

func (d *Dispatcher) selectSession() (*session.Session, *proxypool.Group, error) {
	if d.pool != nil {
		return d.pool.SelectSession()
	}
	sess := d.fleet.AvailableSession()
	if sess == nil {
		return nil, nil, proxypool.ErrNoSessionsAvailable
	}
	return sess, nil, nil
}

func (d *Dispatcher) release(grp *proxypool.Group, success bool) {
	if d.pool != nil && grp != nil {
		d.pool.Release(grp, success)
	}
}
