package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/gatekeeper"
)

// ValidateCoupon decides a coupon-apply attempt. Allowed attempts answer 200
// with the notices to queue; policy rejections answer 422 with the
// customer-facing message.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	data, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	a, err := decodeAttempt(jx.DecodeBytes(data))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.Code == "" {
		writeError(w, http.StatusBadRequest, "code is required")
		return
	}

	out, err := h.Validator.Validate(r.Context(), a)
	if err != nil {
		var rejection *gatekeeper.RejectionError
		if errors.As(err, &rejection) {
			writeJSON(w, http.StatusUnprocessableEntity, func(e *jx.Encoder) {
				e.ObjStart()
				e.FieldStart("code")
				e.Int(http.StatusUnprocessableEntity)
				e.FieldStart("message")
				e.Str(rejection.Message)
				e.FieldStart("state")
				e.Str(out.State.String())
				e.ObjEnd()
			})
			return
		}
		zctx.From(r.Context()).Error("Coupon validation failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("state")
		e.Str(out.State.String())
		e.FieldStart("allowed")
		e.Bool(out.State.Allowed())
		e.FieldStart("fallback")
		e.Bool(out.Fallback)
		e.FieldStart("notices")
		encodeNotices(e, out.Notices)
		e.ObjEnd()
	})
}

func decodeAttempt(d *jx.Decoder) (gatekeeper.Attempt, error) {
	a := gatekeeper.Attempt{Valid: true}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			a.Code, err = d.Str()
		case "valid":
			a.Valid, err = d.Bool()
		case "session":
			a.Session, err = decodeSession(d)
		case "privileged":
			a.Privileged, err = d.Bool()
		case "back_office":
			a.BackOffice, err = d.Bool()
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
		return nil
	})
	return a, err
}

func encodeNotices(e *jx.Encoder, notices []gatekeeper.Notice) {
	e.ArrStart()
	for _, n := range notices {
		e.ObjStart()
		e.FieldStart("level")
		e.Str(string(n.Level))
		e.FieldStart("message")
		e.Str(n.Message)
		e.ObjEnd()
	}
	e.ArrEnd()
}
