package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"github.com/inspectd/inspectd/internal/inspect"
	"github.com/inspectd/inspectd/internal/queue"
)

// ItemResponse is the single-item envelope.
type ItemResponse struct {
	Iteminfo *inspect.Item `json:"iteminfo"`
}

// HandleInspect serves GET /: one link via `url` or discrete s/a/d/m
// parameters, answered from cache when possible.
func HandleInspect(cfg Config, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()

		var link inspect.Link
		var err error
		if raw := q.Get("url"); raw != "" {
			link, err = inspect.ParseURL(raw)
		} else {
			link, err = inspect.FromParams(q.Get("s"), q.Get("a"), q.Get("d"), q.Get("m"))
		}
		if err != nil {
			writeKind(w, KindInvalidInspect, err.Error())
			return
		}

		price, hasPrice := acceptPrice(cfg, q.Get("priceKey"), q.Get("price"), link)

		// Cache first; a hit never touches the fleet.
		if it, ok, lerr := deps.Store.Lookup(link); lerr == nil && ok {
			if hasPrice {
				if uerr := deps.Store.UpdatePrice(link, price); uerr != nil {
					log.Printf("[api] price update for %s: %v", link, uerr)
				} else {
					it.Price = &price
				}
			}
			if rerr := deps.Store.AnnotateRank(it); rerr != nil {
				log.Printf("[api] rank for %s: %v", link, rerr)
			}
			deps.Tables.Annotate(it)
			WriteJSON(w, http.StatusOK, ItemResponse{Iteminfo: it})
			return
		} else if lerr != nil {
			log.Printf("[api] cache lookup for %s: %v", link, lerr)
		}

		reqs := []queue.Request{{Link: link, Price: price, HasPrice: hasPrice}}
		if kind, msg := admit(cfg, deps, clientIP(r), len(reqs)); kind != "" {
			writeKind(w, kind, msg)
			return
		}

		job := deps.Queue.Submit(clientIP(r), reqs)
		if err := job.Wait(r.Context()); err != nil {
			writeKind(w, KindGenericBad, "request abandoned: "+err.Error())
			return
		}
		res := job.Results()[link.A]
		if res.Err != nil {
			kind := kindForResult(res.Err)
			writeKind(w, kind, res.Err.Error())
			return
		}
		WriteJSON(w, http.StatusOK, ItemResponse{Iteminfo: res.Item})
	}
}

// bulkBody is the POST /bulk request shape.
type bulkBody struct {
	BulkKey  string `json:"bulk_key"`
	PriceKey string `json:"priceKey"`
	Links    []struct {
		Link  string `json:"link"`
		Price string `json:"price"`
	} `json:"links"`
}

// HandleBulk serves POST /bulk: many links in one job, slots keyed by asset
// id in the response.
func HandleBulk(cfg Config, deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body bulkBody
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			writeKind(w, KindBadBody, "invalid JSON body: "+err.Error())
			return
		}
		if len(body.Links) == 0 {
			writeKind(w, KindBadBody, "links must not be empty")
			return
		}
		if cfg.BulkKey != "" && body.BulkKey != cfg.BulkKey {
			writeKind(w, KindBadSecret, "bulk_key mismatch")
			return
		}
		if cfg.MaxSimultaneousRequests > 0 && len(body.Links) > cfg.MaxSimultaneousRequests {
			writeKind(w, KindMaxRequests, "too many links in one request")
			return
		}

		reqs := make([]queue.Request, 0, len(body.Links))
		for _, entry := range body.Links {
			link, err := inspect.ParseURL(entry.Link)
			if err != nil {
				writeKind(w, KindInvalidInspect, err.Error())
				return
			}
			price, hasPrice := acceptPrice(cfg, body.PriceKey, entry.Price, link)
			reqs = append(reqs, queue.Request{Link: link, Price: price, HasPrice: hasPrice})
		}

		// Answer cached links directly; only the rest go through the queue.
		out := make(map[string]any, len(reqs))
		var pending []queue.Request
		for _, req := range reqs {
			it, ok, err := deps.Store.Lookup(req.Link)
			if err != nil {
				log.Printf("[api] cache lookup for %s: %v", req.Link, err)
			}
			if ok {
				if req.HasPrice {
					if uerr := deps.Store.UpdatePrice(req.Link, req.Price); uerr == nil {
						p := req.Price
						it.Price = &p
					}
				}
				if rerr := deps.Store.AnnotateRank(it); rerr != nil {
					log.Printf("[api] rank for %s: %v", req.Link, rerr)
				}
				deps.Tables.Annotate(it)
				out[assetKey(req.Link)] = it
				continue
			}
			pending = append(pending, req)
		}

		if len(pending) > 0 {
			if kind, msg := admit(cfg, deps, clientIP(r), len(pending)); kind != "" {
				writeKind(w, kind, msg)
				return
			}
			job := deps.Queue.Submit(clientIP(r), pending)
			if err := job.Wait(r.Context()); err != nil {
				writeKind(w, KindGenericBad, "request abandoned: "+err.Error())
				return
			}
			for assetID, res := range job.Results() {
				key := strconv.FormatUint(assetID, 10)
				if res.Err != nil {
					kind := kindForResult(res.Err)
					out[key] = ErrorResponse{Error: ErrorDetail{Code: kind, Message: res.Err.Error()}}
					continue
				}
				out[key] = res.Item
			}
		}

		WriteJSON(w, http.StatusOK, out)
	}
}

// admit applies the submission gates: fleet readiness, the per-client cap,
// and the global queue cap. An empty kind means admitted.
func admit(cfg Config, deps Deps, clientIP string, n int) (kind, msg string) {
	if deps.Fleet.ReadyCount() == 0 {
		return KindSteamOffline, "no session is ready"
	}
	if cfg.MaxSimultaneousRequests > 0 && deps.Queue.UserLoad(clientIP)+n > cfg.MaxSimultaneousRequests {
		return KindMaxRequests, "per-client request cap exceeded"
	}
	if cfg.MaxQueueSize > 0 && deps.Queue.Size()+n > cfg.MaxQueueSize {
		return KindMaxQueueSize, "queue is full"
	}
	return "", ""
}

// acceptPrice applies the price submission rules: a configured price key,
// a matching submitted key, an all-digit price, and a market link.
func acceptPrice(cfg Config, submittedKey, rawPrice string, link inspect.Link) (uint64, bool) {
	if cfg.PriceKey == "" || submittedKey != cfg.PriceKey || rawPrice == "" {
		return 0, false
	}
	if !link.IsMarket() {
		return 0, false
	}
	price, err := strconv.ParseUint(rawPrice, 10, 64)
	if err != nil {
		return 0, false
	}
	return price, true
}

func assetKey(link inspect.Link) string {
	return strconv.FormatUint(link.A, 10)
}
