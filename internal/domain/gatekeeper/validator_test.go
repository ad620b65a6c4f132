package gatekeeper

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/identity"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/settings"
	"github.com/spkcd/wc-coupon-gatekeeper/internal/domain/usage"
)

func TestValidator_Validate(t *testing.T) {
	allowedDay := time.Date(2025, time.June, 27, 12, 0, 0, 0, time.UTC)
	otherDay := time.Date(2025, time.June, 26, 12, 0, 0, 0, time.UTC)
	june := usage.Month("2025-06")
	customer := identity.Session{UserID: 42}

	tests := []struct {
		name      string
		settings  func(s *settings.Settings)
		ledger    func(l *memLedger)
		now       time.Time
		attempt   Attempt
		wantState State
		wantErr   error
		wantMsg   string
		notices   []Notice
		fallback  bool
	}{
		{
			name:      "invalid upstream passes through",
			now:       otherDay,
			attempt:   Attempt{Valid: false, Code: "summer27", Session: customer},
			wantState: StatePassthrough,
		},
		{
			name:      "unmanaged coupon ignores day and limit",
			now:       otherDay,
			ledger:    func(l *memLedger) { l.counts[ledgerKey{"other", "user:42", june}] = 9 },
			attempt:   Attempt{Valid: true, Code: "other", Session: customer},
			wantState: StateUnmanaged,
		},
		{
			name:      "privileged staff bypass",
			now:       otherDay,
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer, Privileged: true},
			wantState: StateAdminBypass,
		},
		{
			name:      "bypass disabled still checks",
			settings:  func(s *settings.Settings) { s.AdminBypass = false },
			now:       otherDay,
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer, Privileged: true},
			wantState: StateDayRejected,
			wantErr:   ErrDayNotAllowed,
			wantMsg:   settings.DefaultNotAllowedDayMessage,
		},
		{
			name:      "wrong day rejected before limit check",
			now:       otherDay,
			ledger:    func(l *memLedger) { l.countErr = errors.New("must not be called") },
			attempt:   Attempt{Valid: true, Code: "SUMMER27", Session: customer},
			wantState: StateDayRejected,
			wantErr:   ErrDayNotAllowed,
			wantMsg:   settings.DefaultNotAllowedDayMessage,
		},
		{
			name:      "allowed day under limit accepted",
			now:       allowedDay,
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer},
			wantState: StateAccepted,
		},
		{
			name:      "success notice when enabled",
			settings:  func(s *settings.Settings) { s.Messages.SuccessEnabled = true },
			now:       allowedDay,
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer},
			wantState: StateAccepted,
			notices:   []Notice{{Level: NoticeSuccess, Message: settings.DefaultSuccessMessage}},
		},
		{
			name:      "back office suppresses notices",
			settings:  func(s *settings.Settings) { s.Messages.SuccessEnabled = true },
			now:       allowedDay,
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer, BackOffice: true},
			wantState: StateAccepted,
		},
		{
			name:      "limit reached rejected",
			now:       allowedDay,
			ledger:    func(l *memLedger) { l.counts[ledgerKey{"summer27", "user:42", june}] = 1 },
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer},
			wantState: StateLimitRejected,
			wantErr:   ErrLimitReached,
			wantMsg:   settings.DefaultLimitReachedMessage,
		},
		{
			name:      "usage from another month does not count",
			now:       allowedDay,
			ledger:    func(l *memLedger) { l.counts[ledgerKey{"summer27", "user:42", "2025-05"}] = 1 },
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer},
			wantState: StateAccepted,
		},
		{
			name:      "override raises the limit case-insensitively",
			settings:  func(s *settings.Settings) { s.LimitOverrides = map[string]int{"summer27": 3} },
			now:       allowedDay,
			ledger:    func(l *memLedger) { l.counts[ledgerKey{"summer27", "user:42", june}] = 2 },
			attempt:   Attempt{Valid: true, Code: "Summer27", Session: customer},
			wantState: StateAccepted,
		},
		{
			name:      "override reached",
			settings:  func(s *settings.Settings) { s.LimitOverrides = map[string]int{"summer27": 3} },
			now:       allowedDay,
			ledger:    func(l *memLedger) { l.counts[ledgerKey{"summer27", "user:42", june}] = 3 },
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer},
			wantState: StateLimitRejected,
			wantErr:   ErrLimitReached,
			wantMsg:   settings.DefaultLimitReachedMessage,
		},
		{
			name:      "anonymous guest accepted provisionally",
			settings:  func(s *settings.Settings) { s.Messages.SuccessEnabled = true },
			now:       allowedDay,
			attempt:   Attempt{Valid: true, Code: "summer27"},
			wantState: StateProvisionallyAccepted,
			notices:   []Notice{{Level: NoticeSuccess, Message: settings.DefaultSuccessMessage}},
		},
		{
			name:      "guest with billing email is checked",
			now:       allowedDay,
			ledger:    func(l *memLedger) { l.counts[ledgerKey{"summer27", "email:guest@example.com", june}] = 1 },
			attempt:   Attempt{Valid: true, Code: "summer27", Session: identity.Session{BillingEmail: "Guest@Example.com"}},
			wantState: StateLimitRejected,
			wantErr:   ErrLimitReached,
			wantMsg:   settings.DefaultLimitReachedMessage,
		},
		{
			name:      "ledger failure accepts provisionally",
			now:       allowedDay,
			ledger:    func(l *memLedger) { l.countErr = errors.New("db down") },
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer},
			wantState: StateProvisionallyAccepted,
		},
		{
			name: "fallback day emits fallback notice instead of success",
			settings: func(s *settings.Settings) {
				s.AllowedDays = []int{31}
				s.UseLastValidDay = true
				s.Messages.SuccessEnabled = true
			},
			now:       time.Date(2025, time.April, 30, 9, 0, 0, 0, time.UTC),
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer},
			wantState: StateAccepted,
			notices:   []Notice{{Level: NoticeInfo, Message: FallbackNotice}},
			fallback:  true,
		},
		{
			name:      "day restriction disabled",
			settings:  func(s *settings.Settings) { s.DayRestriction = false },
			now:       otherDay,
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer},
			wantState: StateAccepted,
		},
		{
			name:      "monthly limit disabled",
			settings:  func(s *settings.Settings) { s.MonthlyLimit = false },
			now:       allowedDay,
			ledger:    func(l *memLedger) { l.counts[ledgerKey{"summer27", "user:42", june}] = 5 },
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer},
			wantState: StateAccepted,
		},
		{
			name:      "apply to all manages any coupon",
			settings:  func(s *settings.Settings) { s.ApplyToAll = true },
			now:       otherDay,
			attempt:   Attempt{Valid: true, Code: "anything", Session: customer},
			wantState: StateDayRejected,
			wantErr:   ErrDayNotAllowed,
			wantMsg:   settings.DefaultNotAllowedDayMessage,
		},
		{
			name:      "custom rejection message",
			settings:  func(s *settings.Settings) { s.Messages.NotAllowedDay = "Only on the 27th!" },
			now:       otherDay,
			attempt:   Attempt{Valid: true, Code: "summer27", Session: customer},
			wantState: StateDayRejected,
			wantErr:   ErrDayNotAllowed,
			wantMsg:   "Only on the 27th!",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := managedSettings("summer27")
			if tt.settings != nil {
				tt.settings(&s)
			}
			ledger := newMemLedger()
			if tt.ledger != nil {
				tt.ledger(ledger)
			}

			v, err := NewValidator(&staticSettings{s: s}, ledger, Config{})
			require.NoError(t, err)
			v.now = fixedClock(tt.now)

			got, err := v.Validate(context.Background(), tt.attempt)

			assert.Equal(t, tt.wantState, got.State)
			assert.Equal(t, tt.notices, got.Notices)
			assert.Equal(t, tt.fallback, got.Fallback)

			if tt.wantErr == nil {
				require.NoError(t, err)
				assert.Equal(t, tt.wantState != StatePassthrough, got.State.Allowed())
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
			var rej *RejectionError
			require.True(t, errors.As(err, &rej))
			assert.Equal(t, tt.wantMsg, rej.Message)
			assert.False(t, got.State.Allowed())
		})
	}
}

func TestValidator_UsesShopTimezone(t *testing.T) {
	// 23:30 UTC on the 26th is already the 27th in Tokyo.
	now := time.Date(2025, time.June, 26, 23, 30, 0, 0, time.UTC)
	tokyo := time.FixedZone("JST", 9*60*60)

	v, err := NewValidator(&staticSettings{s: managedSettings("summer27")}, newMemLedger(), Config{Location: tokyo})
	require.NoError(t, err)
	v.now = fixedClock(now)

	got, err := v.Validate(context.Background(), Attempt{Valid: true, Code: "summer27", Session: identity.Session{UserID: 1}})
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, got.State)
}

func TestValidator_MonthBucketFollowsTimezone(t *testing.T) {
	// 1st of July in Tokyo, still June in UTC.
	now := time.Date(2025, time.June, 30, 20, 0, 0, 0, time.UTC)
	tokyo := time.FixedZone("JST", 9*60*60)

	s := managedSettings("summer27")
	s.DayRestriction = false
	ledger := newMemLedger()
	ledger.counts[ledgerKey{"summer27", "user:1", "2025-06"}] = 1

	v, err := NewValidator(&staticSettings{s: s}, ledger, Config{Location: tokyo})
	require.NoError(t, err)
	v.now = fixedClock(now)

	got, err := v.Validate(context.Background(), Attempt{Valid: true, Code: "summer27", Session: identity.Session{UserID: 1}})
	require.NoError(t, err)
	assert.Equal(t, StateAccepted, got.State, "June usage does not count in July")
}

func TestValidator_SettingsError(t *testing.T) {
	v, err := NewValidator(&staticSettings{err: errors.New("db down")}, newMemLedger(), Config{})
	require.NoError(t, err)

	_, err = v.Validate(context.Background(), Attempt{Valid: true, Code: "x"})
	require.Error(t, err)
	var rej *RejectionError
	assert.False(t, errors.As(err, &rej))
	assert.Contains(t, err.Error(), "get settings")
}

func TestValidator_DoesNotMutateLedger(t *testing.T) {
	ledger := newMemLedger()
	v, err := NewValidator(&staticSettings{s: managedSettings("summer27")}, ledger, Config{})
	require.NoError(t, err)
	v.now = fixedClock(time.Date(2025, time.June, 27, 0, 0, 0, 0, time.UTC))

	for range 3 {
		_, err := v.Validate(context.Background(), Attempt{Valid: true, Code: "summer27", Session: identity.Session{UserID: 1}})
		require.NoError(t, err)
	}
	assert.Empty(t, ledger.counts)
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "provisionally_accepted", StateProvisionallyAccepted.String())
	assert.Equal(t, "unknown", State(99).String())
}
