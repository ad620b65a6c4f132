package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/gatekeeper"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/order"
	"github.com/spkcd/wc-coupon-gatekeeper/pkg/httpmiddleware"
)

type statusRequest struct {
	From       string
	To         string
	Order      *order.Order
	DeliveryID string
}

func decodeStatusRequest(d *jx.Decoder) (statusRequest, error) {
	var req statusRequest
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "from":
			req.From, err = d.Str()
		case "to":
			req.To, err = d.Str()
		case "order":
			req.Order, err = decodeOrder(d)
		case "delivery_id":
			req.DeliveryID, err = d.Str()
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
		return nil
	})
	return req, err
}

// OrderStatusChanged records usage for an order status transition. The body
// may carry a fresh order snapshot; otherwise the mirrored order is used.
// Redeliveries are recognized by the webhook delivery ID header, or by the
// delivery_id body field when the header is absent.
func (h *Handler) OrderStatusChanged(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := orderID(w, r)
	if !ok {
		return
	}

	data, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := decodeStatusRequest(jx.DecodeBytes(data))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.To == "" {
		writeError(w, http.StatusBadRequest, "to is required")
		return
	}
	if id := r.Header.Get(httpmiddleware.WebhookDeliveryIDHeader); id != "" {
		req.DeliveryID = id
	}

	o, status, err := h.resolveOrder(ctx, id, req.Order)
	if err != nil {
		h.orderError(w, r, status, err)
		return
	}

	rec, err := h.Recorder.HandleStatusChange(ctx, gatekeeper.StatusChange{
		From:       req.From,
		To:         req.To,
		Order:      o,
		DeliveryID: req.DeliveryID,
	})
	if err != nil {
		zctx.From(ctx).Error("Status change handling failed", zap.Int64("order_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("action")
		e.Str(string(rec.Action))
		e.FieldStart("month")
		e.Str(rec.Month.String())
		e.FieldStart("coupons")
		encodeStrings(e, rec.Coupons)
		e.FieldStart("failed")
		encodeStrings(e, rec.Failed)
		e.ObjEnd()
	})
}

// OrderProcessed reconciles a freshly placed order against the monthly
// limits, removing coupons the customer may no longer use.
func (h *Handler) OrderProcessed(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := orderID(w, r)
	if !ok {
		return
	}

	data, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	var snapshot *order.Order
	if len(data) > 0 {
		err := jx.DecodeBytes(data).Obj(func(d *jx.Decoder, key string) error {
			if key != "order" {
				return d.Skip()
			}
			var err error
			snapshot, err = decodeOrder(d)
			return err
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}

	o, status, err := h.resolveOrder(ctx, id, snapshot)
	if err != nil {
		h.orderError(w, r, status, err)
		return
	}

	res, err := h.Reconciler.Reconcile(ctx, o)
	if err != nil {
		zctx.From(ctx).Error("Order reconciliation failed", zap.Int64("order_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("removed")
		encodeStrings(e, res.Removed)
		e.FieldStart("notices")
		encodeNotices(e, res.Notices)
		e.FieldStart("order")
		encodeOrder(e, o)
		e.ObjEnd()
	})
}

// resolveOrder returns the order to act on. A snapshot is merged with the
// mirrored order (notes and creation date are kept) and saved; without one
// the mirrored order is loaded. The returned status is the HTTP code to use
// on error.
func (h *Handler) resolveOrder(ctx context.Context, id int64, snapshot *order.Order) (*order.Order, int, error) {
	existing, err := h.Orders.Get(ctx, id)
	switch {
	case errors.Is(err, order.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, http.StatusInternalServerError, errors.Wrap(err, "get order")
	}

	if snapshot == nil {
		if existing == nil {
			return nil, http.StatusNotFound, order.ErrNotFound
		}
		return existing, 0, nil
	}

	if snapshot.ID == 0 {
		snapshot.ID = id
	}
	if snapshot.ID != id {
		return nil, http.StatusBadRequest, errors.New("order id does not match path")
	}
	if existing != nil {
		snapshot.Notes = existing.Notes
		if snapshot.CreatedAt.IsZero() {
			snapshot.CreatedAt = existing.CreatedAt
		}
	}
	if err := h.Orders.Save(ctx, snapshot); err != nil {
		return nil, http.StatusInternalServerError, errors.Wrap(err, "save order")
	}
	return snapshot, 0, nil
}

func (h *Handler) orderError(w http.ResponseWriter, r *http.Request, status int, err error) {
	switch status {
	case http.StatusNotFound:
		writeError(w, status, "order not found")
	case http.StatusBadRequest:
		writeError(w, status, err.Error())
	default:
		zctx.From(r.Context()).Error("Order lookup failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func orderID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid order id")
		return 0, false
	}
	return id, true
}
