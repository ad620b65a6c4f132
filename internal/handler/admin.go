package handler

import (
	"encoding/csv"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"github.com/klauspost/pgzip"
	"go.uber.org/zap"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/usage"
)

// Usage list paging.
const (
	defaultPerPage = 20
	maxPerPage     = 100
)

// GetSettings returns the active settings.
func (h *Handler) GetSettings(w http.ResponseWriter, r *http.Request) {
	s, err := h.Settings.Get(r.Context())
	if err != nil {
		h.internalError(w, r, "Settings read failed", err)
		return
	}
	writeJSON(w, http.StatusOK, s.Encode)
}

// UpdateSettings overlays the submitted fields on the active settings and
// saves the result. Invalid input is rejected with 422 and nothing is
// persisted.
func (h *Handler) UpdateSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	next, err := h.Settings.Get(ctx)
	if err != nil {
		h.internalError(w, r, "Settings read failed", err)
		return
	}
	if err := next.Decode(jx.DecodeBytes(data)); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	saved, err := h.Settings.Update(ctx, next)
	if err != nil {
		var invalid *settings.ValidationError
		if errors.As(err, &invalid) {
			writeJSON(w, http.StatusUnprocessableEntity, func(e *jx.Encoder) {
				e.ObjStart()
				e.FieldStart("code")
				e.Int(http.StatusUnprocessableEntity)
				e.FieldStart("message")
				e.Str("invalid settings")
				e.FieldStart("problems")
				encodeStrings(e, invalid.Problems)
				e.ObjEnd()
			})
			return
		}
		h.internalError(w, r, "Settings update failed", err)
		return
	}
	writeJSON(w, http.StatusOK, saved.Encode)
}

// ListUsage returns one page of usage records with masked customer keys.
func (h *Handler) ListUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q.Get)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	page := max(1, queryInt(q.Get("page"), 1))
	perPage := min(maxPerPage, max(1, queryInt(q.Get("per_page"), defaultPerPage)))

	ctx := r.Context()
	total, err := h.Usage.CountFiltered(ctx, f)
	if err != nil {
		h.internalError(w, r, "Usage count failed", err)
		return
	}
	records, err := h.Usage.List(ctx, f, (page-1)*perPage, perPage)
	if err != nil {
		h.internalError(w, r, "Usage list failed", err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("total")
		e.Int64(total)
		e.FieldStart("page")
		e.Int(page)
		e.FieldStart("per_page")
		e.Int(perPage)
		e.FieldStart("items")
		e.ArrStart()
		for _, rec := range records {
			encodeRecord(e, rec)
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

// ExportUsage streams the filtered usage log as CSV with unmasked customer
// keys. ?gzip=1 compresses the download.
func (h *Handler) ExportUsage(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f, err := parseFilter(q.Get)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	records, err := h.Usage.List(r.Context(), f, 0, usage.ExportMaxRows)
	if err != nil {
		h.internalError(w, r, "Usage export failed", err)
		return
	}

	name := "coupon-usage-logs-" + h.now().In(h.loc).Format("2006-01-02-150405") + ".csv"
	compress := q.Get("gzip") == "1"
	if compress {
		name += ".gz"
		w.Header().Set("Content-Type", "application/gzip")
	} else {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+name+`"`)
	w.WriteHeader(http.StatusOK)

	var out io.Writer = w
	if compress {
		gz := pgzip.NewWriter(w)
		defer func() {
			if err := gz.Close(); err != nil {
				zctx.From(r.Context()).Warn("Export compression failed", zap.Error(err))
			}
		}()
		out = gz
	}
	if err := writeUsageCSV(out, records); err != nil {
		zctx.From(r.Context()).Warn("Export write failed", zap.Error(err))
	}
}

func writeUsageCSV(w io.Writer, records []usage.Record) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"Coupon Code", "Month", "Customer Key", "Count", "Last Order ID", "Updated At"}); err != nil {
		return err
	}
	for _, rec := range records {
		lastOrder := ""
		if rec.LastOrderID != nil {
			lastOrder = strconv.FormatInt(*rec.LastOrderID, 10)
		}
		row := []string{
			rec.CouponCode,
			rec.Month.String(),
			rec.CustomerKey,
			strconv.Itoa(rec.Count),
			lastOrder,
			rec.UpdatedAt.UTC().Format(time.DateTime),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

type resetRequest struct {
	IDs         []int64
	Coupon      string
	CustomerKey string
	Month       string
}

// ResetUsage zeroes either the listed record ids or a single
// (coupon, customer_key, month) record. The month defaults to the current
// one.
func (h *Handler) ResetUsage(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var req resetRequest
	err = jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "ids":
			err = d.Arr(func(d *jx.Decoder) error {
				id, err := d.Int64()
				if err != nil {
					return err
				}
				req.IDs = append(req.IDs, id)
				return nil
			})
		case "coupon":
			req.Coupon, err = d.Str()
		case "customer_key":
			req.CustomerKey, err = d.Str()
		case "month":
			req.Month, err = d.Str()
		default:
			return d.Skip()
		}
		return err
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var reset int64
	switch {
	case len(req.IDs) > 0:
		reset, err = h.Usage.ResetByIDs(ctx, req.IDs)
	case req.Coupon != "" && req.CustomerKey != "":
		month := usage.MonthOf(h.now().In(h.loc))
		if req.Month != "" {
			if month, err = usage.ParseMonth(req.Month); err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		err = h.Ledger.Reset(ctx, settings.NormalizeCode(req.Coupon), req.CustomerKey, month)
		reset = 1
	default:
		writeError(w, http.StatusBadRequest, "No records selected.")
		return
	}
	if err != nil {
		h.internalError(w, r, "Usage reset failed", err)
		return
	}

	zctx.From(ctx).Info("Usage reset", zap.Int64("records", reset))
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("reset")
		e.Int64(reset)
		e.ObjEnd()
	})
}

// UsageHistory returns the recent monthly usage of one customer for one
// coupon.
func (h *Handler) UsageHistory(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	coupon := settings.NormalizeCode(q.Get("coupon"))
	key := q.Get("customer_key")
	if coupon == "" || key == "" {
		writeError(w, http.StatusBadRequest, "coupon and customer_key are required")
		return
	}

	history, err := h.Usage.History(r.Context(), coupon, key, usage.HistoryMonths)
	if err != nil {
		h.internalError(w, r, "Usage history failed", err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("coupon")
		e.Str(coupon)
		e.FieldStart("customer_key")
		e.Str(usage.MaskCustomerKey(key))
		e.FieldStart("history")
		e.ArrStart()
		for _, rec := range history {
			encodeRecord(e, rec)
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

// UsageMonths lists the months offered by the admin month filter.
func (h *Handler) UsageMonths(w http.ResponseWriter, _ *http.Request) {
	months := usage.LastMonths(h.now().In(h.loc), usage.AvailableMonths)
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, m := range months {
			e.Str(m.String())
		}
		e.ArrEnd()
	})
}

// PurgeUsage runs the retention cleanup immediately.
func (h *Handler) PurgeUsage(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.Purger.RunOnce(r.Context())
	if err != nil {
		h.internalError(w, r, "Usage purge failed", err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("deleted")
		e.Int64(deleted)
		e.ObjEnd()
	})
}

func (h *Handler) internalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	zctx.From(r.Context()).Error(msg, zap.Error(err))
	writeError(w, http.StatusInternalServerError, "internal server error")
}

func encodeRecord(e *jx.Encoder, rec usage.Record) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(rec.ID)
	e.FieldStart("coupon_code")
	e.Str(rec.CouponCode)
	e.FieldStart("customer_key")
	e.Str(usage.MaskCustomerKey(rec.CustomerKey))
	e.FieldStart("month")
	e.Str(rec.Month.String())
	e.FieldStart("count")
	e.Int(rec.Count)
	e.FieldStart("last_order_id")
	if rec.LastOrderID != nil {
		e.Int64(*rec.LastOrderID)
	} else {
		e.Null()
	}
	e.FieldStart("updated_at")
	e.Str(rec.UpdatedAt.UTC().Format(time.RFC3339))
	e.ObjEnd()
}

// parseFilter reads the usage filter from query parameters.
func parseFilter(get func(string) string) (usage.Filter, error) {
	f := usage.Filter{
		Coupon:   get("coupon"),
		Customer: get("customer"),
	}
	if m := get("month"); m != "" {
		month, err := usage.ParseMonth(m)
		if err != nil {
			return f, err
		}
		f.Month = month
	}
	for _, p := range []struct {
		name string
		dst  **int
	}{
		{"min_count", &f.MinCount},
		{"max_count", &f.MaxCount},
	} {
		raw := get(p.name)
		if raw == "" {
			continue
		}
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return f, errors.Errorf("invalid %s %q", p.name, raw)
		}
		*p.dst = &n
	}
	return f, nil
}

func queryInt(raw string, def int) int {
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
