package handler

import (
	"io"
	"net/http"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/identity"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/order"
)

const maxBodySize = 1 << 20

var errUnauthorized = errors.New("api key hash mismatch")

// readBody returns the request body, limited to maxBodySize.
func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	return data, nil
}

func writeJSON(w http.ResponseWriter, code int, encode func(e *jx.Encoder)) {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)
	encode(e)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(e.Bytes())
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("code")
		e.Int(code)
		e.FieldStart("message")
		e.Str(msg)
		e.ObjEnd()
	})
}

func encodeStrings(e *jx.Encoder, values []string) {
	e.ArrStart()
	for _, v := range values {
		e.Str(v)
	}
	e.ArrEnd()
}

// decodeDecimal accepts both "12.50" and 12.5.
func decodeDecimal(d *jx.Decoder) (decimal.Decimal, error) {
	switch d.Next() {
	case jx.String:
		s, err := d.Str()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(s)
	case jx.Number:
		n, err := d.Num()
		if err != nil {
			return decimal.Zero, err
		}
		return decimal.NewFromString(n.String())
	default:
		return decimal.Zero, errors.New("expected decimal string or number")
	}
}

func decodeSession(d *jx.Decoder) (identity.Session, error) {
	var s identity.Session
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "user_id":
			s.UserID, err = d.Int64()
		case "account_email":
			s.AccountEmail, err = d.Str()
		case "billing_email":
			s.BillingEmail, err = d.Str()
		default:
			return d.Skip()
		}
		return err
	})
	return s, err
}

// decodeOrder reads an order snapshot. Notes are owned by the gatekeeper and
// never accepted from the shop; totals are recalculated from lines and
// coupons.
func decodeOrder(d *jx.Decoder) (*order.Order, error) {
	o := &order.Order{}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "id":
			o.ID, err = d.Int64()
		case "user_id":
			o.UserID, err = d.Int64()
		case "billing_email":
			o.BillingEmail, err = d.Str()
		case "status":
			o.Status, err = d.Str()
		case "created_at":
			var raw string
			if raw, err = d.Str(); err == nil {
				o.CreatedAt, err = time.Parse(time.RFC3339, raw)
			}
		case "lines":
			err = d.Arr(func(d *jx.Decoder) error {
				l, err := decodeLine(d)
				if err != nil {
					return err
				}
				o.Lines = append(o.Lines, l)
				return nil
			})
		case "coupons":
			err = d.Arr(func(d *jx.Decoder) error {
				c, err := decodeCoupon(d)
				if err != nil {
					return err
				}
				o.Coupons = append(o.Coupons, c)
				return nil
			})
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	o.CalculateTotals()
	return o, nil
}

func decodeLine(d *jx.Decoder) (order.Line, error) {
	var l order.Line
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "product_id":
			l.ProductID, err = d.Str()
		case "quantity":
			l.Quantity, err = d.Int()
		case "price":
			l.Price, err = decodeDecimal(d)
		default:
			return d.Skip()
		}
		return err
	})
	return l, err
}

func decodeCoupon(d *jx.Decoder) (order.AppliedCoupon, error) {
	var c order.AppliedCoupon
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			c.Code, err = d.Str()
		case "discount":
			c.Discount, err = decodeDecimal(d)
		default:
			return d.Skip()
		}
		return err
	})
	return c, err
}

func encodeOrder(e *jx.Encoder, o *order.Order) {
	e.ObjStart()
	e.FieldStart("id")
	e.Int64(o.ID)
	e.FieldStart("user_id")
	e.Int64(o.UserID)
	e.FieldStart("billing_email")
	e.Str(o.BillingEmail)
	e.FieldStart("status")
	e.Str(o.Status)
	e.FieldStart("created_at")
	e.Str(o.CreatedAt.Format(time.RFC3339))

	e.FieldStart("lines")
	e.ArrStart()
	for _, l := range o.Lines {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Str(l.ProductID)
		e.FieldStart("quantity")
		e.Int(l.Quantity)
		e.FieldStart("price")
		e.Str(l.Price.StringFixed(2))
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("coupons")
	e.ArrStart()
	for _, c := range o.Coupons {
		e.ObjStart()
		e.FieldStart("code")
		e.Str(c.Code)
		e.FieldStart("discount")
		e.Str(c.Discount.StringFixed(2))
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("notes")
	e.ArrStart()
	for _, n := range o.Notes {
		e.ObjStart()
		e.FieldStart("text")
		e.Str(n.Text)
		e.FieldStart("created_at")
		e.Str(n.CreatedAt.Format(time.RFC3339))
		e.ObjEnd()
	}
	e.ArrEnd()

	e.FieldStart("subtotal")
	e.Str(o.Subtotal.StringFixed(2))
	e.FieldStart("discount_total")
	e.Str(o.DiscountTotal.StringFixed(2))
	e.FieldStart("total")
	e.Str(o.Total.StringFixed(2))
	e.ObjEnd()
}
