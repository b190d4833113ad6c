// Package trackerhttp exposes the tracker service as a JSON API under /api/v1.
package trackerhttp

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/keithlinneman/linnemanlabs-toptracker/internal/httpmw"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/log"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/tracker"
	"github.com/keithlinneman/linnemanlabs-toptracker/internal/window"
)

// Tracker is the part of *tracker.Service the API needs.
type Tracker interface {
	Record(ctx context.Context, ev tracker.Event) (tracker.RecordResult, error)
	RecordBatch(ctx context.Context, events []tracker.Event) tracker.BatchResult
	Top(ctx context.Context, n int) (tracker.Snapshot, error)
	Count(ctx context.Context, key string) int
	Stats() window.Stats
}

type Options struct {
	Logger log.Logger
	// DefaultTopN answers /top without an n parameter.
	DefaultTopN int
	// MaxTopN is the largest n /top accepts.
	MaxTopN int
	// MaxBatchSize is the most events one batch request may carry.
	MaxBatchSize int
}

type API struct {
	tracker Tracker
	logger  log.Logger
	opts    Options
}

func NewAPI(t Tracker, opts Options) *API {
	if opts.Logger == nil {
		opts.Logger = log.Nop()
	}
	if opts.DefaultTopN <= 0 {
		opts.DefaultTopN = 10
	}
	if opts.MaxTopN <= 0 {
		opts.MaxTopN = 1000
	}
	if opts.DefaultTopN > opts.MaxTopN {
		opts.DefaultTopN = opts.MaxTopN
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = 500
	}
	return &API{tracker: t, logger: opts.Logger, opts: opts}
}

// RegisterRoutes attaches the API to r.
func (api *API) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1", func(r chi.Router) {
		r.With(httpmw.Scope("events")).Post("/events", api.HandleRecord)
		r.With(httpmw.Scope("events")).Post("/events/batch", api.HandleRecordBatch)
		r.With(httpmw.Scope("top")).Get("/top", api.HandleTop)
		r.With(httpmw.Scope("keys")).Get("/keys/{key}", api.HandleKey)
		r.With(httpmw.Scope("stats")).Get("/stats", api.HandleStats)
	})
}

type eventRequest struct {
	Key string `json:"key"`
	ID  string `json:"id,omitempty"`
}

type batchRequest struct {
	Events []eventRequest `json:"events"`
}

type batchItemError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

type batchResponse struct {
	Recorded   int              `json:"recorded"`
	Duplicates int              `json:"duplicates"`
	Rejected   int              `json:"rejected"`
	Errors     []batchItemError `json:"errors,omitempty"`
}

type topResponse struct {
	AsOf          time.Time      `json:"as_of"`
	WindowSeconds float64        `json:"window_seconds"`
	N             int            `json:"n"`
	Items         []window.Entry `json:"items"`
}

type keyResponse struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

type statsResponse struct {
	Events        int     `json:"events"`
	Keys          int     `json:"keys"`
	RecordedTotal uint64  `json:"recorded_total"`
	ExpiredTotal  uint64  `json:"expired_total"`
	WindowSeconds float64 `json:"window_seconds"`
}

type errorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// HandleRecord counts one event and answers 202.
func (api *API) HandleRecord(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req eventRequest
	if err := decodeBody(r, &req); err != nil {
		api.writeDecodeError(ctx, w, err)
		return
	}
	res, err := api.tracker.Record(ctx, tracker.Event{Key: req.Key, ID: req.ID})
	if err != nil {
		api.writeTrackerError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusAccepted, res)
}

// HandleRecordBatch counts each event in order and reports per-event failures.
func (api *API) HandleRecordBatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var req batchRequest
	if err := decodeBody(r, &req); err != nil {
		api.writeDecodeError(ctx, w, err)
		return
	}
	switch {
	case len(req.Events) == 0:
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "events must not be empty", Field: "events"})
		return
	case len(req.Events) > api.opts.MaxBatchSize:
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{
			Error: "batch exceeds " + strconv.Itoa(api.opts.MaxBatchSize) + " events",
			Field: "events",
		})
		return
	}

	events := make([]tracker.Event, len(req.Events))
	for i, e := range req.Events {
		events[i] = tracker.Event{Key: e.Key, ID: e.ID}
	}
	res := api.tracker.RecordBatch(ctx, events)

	out := batchResponse{Recorded: res.Recorded, Duplicates: res.Duplicates, Rejected: res.Rejected}
	for _, be := range res.Errors {
		out.Errors = append(out.Errors, batchItemError{Index: be.Index, Error: be.Err.Error()})
	}
	api.writeJSON(ctx, w, http.StatusOK, out)
}

// HandleTop answers the most frequent live keys. n defaults to DefaultTopN.
func (api *API) HandleTop(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n := api.opts.DefaultTopN
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil {
			api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "n must be an integer", Field: "n"})
			return
		}
		if v > api.opts.MaxTopN {
			api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{
				Error: "n must not exceed " + strconv.Itoa(api.opts.MaxTopN),
				Field: "n",
			})
			return
		}
		// negative n is rejected by the counter itself
		n = v
	}

	snap, err := api.tracker.Top(ctx, n)
	if err != nil {
		api.writeTrackerError(ctx, w, err)
		return
	}
	api.writeJSON(ctx, w, http.StatusOK, topResponse{
		AsOf:          snap.AsOf.UTC(),
		WindowSeconds: snap.Window.Seconds(),
		N:             n,
		Items:         snap.Items,
	})
}

// HandleKey answers the live count of one key, zero when it is not in the window.
func (api *API) HandleKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	key := chi.URLParam(r, "key")
	// chi matches on RawPath when the request needed it, leaving the param escaped
	if r.URL.RawPath != "" {
		unescaped, err := url.PathUnescape(key)
		if err != nil {
			api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "malformed key", Field: "key"})
			return
		}
		key = unescaped
	}
	api.writeJSON(ctx, w, http.StatusOK, keyResponse{Key: key, Count: api.tracker.Count(ctx, key)})
}

func (api *API) HandleStats(w http.ResponseWriter, r *http.Request) {
	s := api.tracker.Stats()
	api.writeJSON(r.Context(), w, http.StatusOK, statsResponse{
		Events:        s.Events,
		Keys:          s.Keys,
		RecordedTotal: s.Recorded,
		ExpiredTotal:  s.Expired,
		WindowSeconds: s.Window.Seconds(),
	})
}

var errTrailingData = errors.New("request body must hold a single JSON object")

func decodeBody(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errTrailingData
	}
	return nil
}

func (api *API) writeDecodeError(ctx context.Context, w http.ResponseWriter, err error) {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		api.writeJSON(ctx, w, http.StatusRequestEntityTooLarge, errorResponse{
			Error: "request body exceeds " + strconv.FormatInt(mbe.Limit, 10) + " bytes",
		})
		return
	}
	if errors.Is(err, io.EOF) {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "request body is empty"})
		return
	}
	if errors.Is(err, errTrailingData) {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: "malformed JSON body"})
}

func (api *API) writeTrackerError(ctx context.Context, w http.ResponseWriter, err error) {
	var ve *window.ValidationError
	if errors.As(err, &ve) {
		api.writeJSON(ctx, w, http.StatusBadRequest, errorResponse{Error: ve.Error(), Field: ve.Field})
		return
	}
	log.FromContext(ctx).Error(ctx, err, "tracker request failed")
	api.writeJSON(ctx, w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
}

func (api *API) writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		api.logger.Warn(ctx, "failed to encode JSON response", "error", err)
	}
}
