package settings

import (
	"slices"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
)

// Option keys of the persisted blob.
const (
	keyVersion           = "version"
	keyDayRestriction    = "enable_day_restriction"
	keyMonthlyLimit      = "enable_monthly_limit"
	keyRestrictedCoupons = "restricted_coupons"
	keyApplyToAll        = "apply_to_all_coupons"
	keyAllowedDays       = "allowed_days"
	keyUseLastValidDay   = "use_last_valid_day"
	keyDefaultLimit      = "default_monthly_limit"
	keyLimitOverrides    = "coupon_limit_overrides"
	keyIdentification    = "customer_identification"
	keyAnonymizeEmail    = "anonymize_email"
	keyNotAllowedDay     = "error_not_allowed_day"
	keyLimitReached      = "error_limit_reached"
	keySuccessEnabled    = "enable_success_message"
	keySuccess           = "success_message"
	keyCountStatuses     = "count_usage_statuses"
	keyDecrementStatuses = "decrement_usage_statuses"
	keyAdminBypass       = "admin_bypass_edit_order"
	keyRetentionMonths   = "log_retention_months"
)

// Encode writes the settings as a JSON object.
func (s Settings) Encode(e *jx.Encoder) {
	e.ObjStart()
	e.FieldStart(keyVersion)
	e.Int(s.Version)
	e.FieldStart(keyDayRestriction)
	e.Bool(s.DayRestriction)
	e.FieldStart(keyMonthlyLimit)
	e.Bool(s.MonthlyLimit)
	e.FieldStart(keyRestrictedCoupons)
	encodeStrings(e, s.RestrictedCoupons)
	e.FieldStart(keyApplyToAll)
	e.Bool(s.ApplyToAll)
	e.FieldStart(keyAllowedDays)
	e.ArrStart()
	for _, d := range s.AllowedDays {
		e.Int(d)
	}
	e.ArrEnd()
	e.FieldStart(keyUseLastValidDay)
	e.Bool(s.UseLastValidDay)
	e.FieldStart(keyDefaultLimit)
	e.Int(s.DefaultLimit)
	e.FieldStart(keyLimitOverrides)
	e.ObjStart()
	codes := make([]string, 0, len(s.LimitOverrides))
	for code := range s.LimitOverrides {
		codes = append(codes, code)
	}
	slices.Sort(codes)
	for _, code := range codes {
		e.FieldStart(code)
		e.Int(s.LimitOverrides[code])
	}
	e.ObjEnd()
	e.FieldStart(keyIdentification)
	e.Str(string(s.Identification))
	e.FieldStart(keyAnonymizeEmail)
	e.Bool(s.AnonymizeEmail)
	e.FieldStart(keyNotAllowedDay)
	e.Str(s.Messages.NotAllowedDay)
	e.FieldStart(keyLimitReached)
	e.Str(s.Messages.LimitReached)
	e.FieldStart(keySuccessEnabled)
	e.Bool(s.Messages.SuccessEnabled)
	e.FieldStart(keySuccess)
	e.Str(s.Messages.Success)
	e.FieldStart(keyCountStatuses)
	encodeStrings(e, s.CountStatuses)
	e.FieldStart(keyDecrementStatuses)
	encodeStrings(e, s.DecrementStatuses)
	e.FieldStart(keyAdminBypass)
	e.Bool(s.AdminBypass)
	e.FieldStart(keyRetentionMonths)
	e.Int(s.RetentionMonths)
	e.ObjEnd()
}

// Marshal encodes the settings to JSON bytes.
func (s Settings) Marshal() []byte {
	var e jx.Encoder
	s.Encode(&e)
	return e.Bytes()
}

// Decode reads a JSON object into s. Keys missing from the input keep the
// values s already holds, so decoding into Defaults() fills gaps with
// defaults. Unknown keys are skipped.
//
// restricted_coupons and coupon_limit_overrides also accept the free-form
// text the admin form submits ("a, b" and "code:limit" lines).
func (s *Settings) Decode(d *jx.Decoder) error {
	return d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case keyVersion:
			s.Version, err = d.Int()
		case keyDayRestriction:
			s.DayRestriction, err = decodeBool(d)
		case keyMonthlyLimit:
			s.MonthlyLimit, err = decodeBool(d)
		case keyRestrictedCoupons:
			if d.Next() == jx.String {
				var raw string
				if raw, err = d.Str(); err == nil {
					s.RestrictedCoupons = ParseCouponList(raw)
				}
				break
			}
			s.RestrictedCoupons, err = decodeStrings(d)
		case keyApplyToAll:
			s.ApplyToAll, err = decodeBool(d)
		case keyAllowedDays:
			s.AllowedDays, err = decodeInts(d)
		case keyUseLastValidDay:
			s.UseLastValidDay, err = decodeBool(d)
		case keyDefaultLimit:
			s.DefaultLimit, err = decodeInt(d)
		case keyLimitOverrides:
			s.LimitOverrides, err = decodeOverrides(d)
		case keyIdentification:
			var v string
			v, err = d.Str()
			s.Identification = Identification(v)
		case keyAnonymizeEmail:
			s.AnonymizeEmail, err = decodeBool(d)
		case keyNotAllowedDay:
			s.Messages.NotAllowedDay, err = d.Str()
		case keyLimitReached:
			s.Messages.LimitReached, err = d.Str()
		case keySuccessEnabled:
			s.Messages.SuccessEnabled, err = decodeBool(d)
		case keySuccess:
			s.Messages.Success, err = d.Str()
		case keyCountStatuses:
			s.CountStatuses, err = decodeStrings(d)
		case keyDecrementStatuses:
			s.DecrementStatuses, err = decodeStrings(d)
		case keyAdminBypass:
			s.AdminBypass, err = decodeBool(d)
		case keyRetentionMonths:
			s.RetentionMonths, err = decodeInt(d)
		default:
			return d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
		return nil
	})
}

// Unmarshal decodes data on top of Defaults().
func Unmarshal(data []byte) (Settings, error) {
	s := Defaults()
	if err := s.Decode(jx.DecodeBytes(data)); err != nil {
		return Settings{}, err
	}
	return s, nil
}

func encodeStrings(e *jx.Encoder, values []string) {
	e.ArrStart()
	for _, v := range values {
		e.Str(v)
	}
	e.ArrEnd()
}

func decodeStrings(d *jx.Decoder) ([]string, error) {
	out := []string{}
	err := d.Arr(func(d *jx.Decoder) error {
		v, err := d.Str()
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

func decodeInts(d *jx.Decoder) ([]int, error) {
	out := []int{}
	err := d.Arr(func(d *jx.Decoder) error {
		v, err := decodeInt(d)
		if err != nil {
			return err
		}
		out = append(out, v)
		return nil
	})
	return out, err
}

// decodeInt accepts numbers and numeric strings, as stored by form posts.
func decodeInt(d *jx.Decoder) (int, error) {
	if d.Next() == jx.String {
		raw, err := d.Str()
		if err != nil {
			return 0, err
		}
		return strconv.Atoi(raw)
	}
	return d.Int()
}

// decodeBool accepts booleans as well as the "1"/"0" and 1/0 forms of
// checkbox fields.
func decodeBool(d *jx.Decoder) (bool, error) {
	switch d.Next() {
	case jx.String:
		raw, err := d.Str()
		if err != nil {
			return false, err
		}
		return raw == "1" || raw == "true" || raw == "yes", nil
	case jx.Number:
		v, err := d.Int()
		return v != 0, err
	default:
		return d.Bool()
	}
}

func decodeOverrides(d *jx.Decoder) (map[string]int, error) {
	if d.Next() == jx.String {
		raw, err := d.Str()
		if err != nil {
			return nil, err
		}
		return ParseLimitOverrides(raw), nil
	}
	out := make(map[string]int)
	err := d.Obj(func(d *jx.Decoder, key string) error {
		v, err := decodeInt(d)
		if err != nil {
			return err
		}
		out[key] = v
		return nil
	})
	return out, err
}
