package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/smallbiznis/wayfare/internal/catalog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(t time.Time) *time.Time { return &t }

func TestRecordValidate(t *testing.T) {
	end := time.Date(2024, 6, 10, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name    string
		record  Record
		wantErr error
	}{
		{name: "new record", record: NewRecord("u1")},
		{name: "trial", record: Record{UserID: "u1", Tier: catalog.TierPremium, Status: StatusTrial, TrialEndsAt: ptr(end)}},
		{name: "active", record: Record{UserID: "u1", Tier: catalog.TierPro, Status: StatusActive, SubscriptionEndsAt: ptr(end)}},
		{name: "missing user", record: Record{}, wantErr: ErrInvalidUserID},
		{name: "trial without end", record: Record{UserID: "u1", Status: StatusTrial}, wantErr: ErrInvalidRecord},
		{
			name:    "trial and active at once",
			record:  Record{UserID: "u1", Status: StatusTrial, TrialEndsAt: ptr(end), SubscriptionEndsAt: ptr(end)},
			wantErr: ErrInvalidRecord,
		},
		{
			name:    "active with trial end",
			record:  Record{UserID: "u1", Status: StatusActive, TrialEndsAt: ptr(end), SubscriptionEndsAt: ptr(end)},
			wantErr: ErrInvalidRecord,
		},
		{name: "unknown status", record: Record{UserID: "u1", Status: Status(9)}, wantErr: ErrInvalidRecord},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.record.Validate()
			if tt.wantErr == nil {
				require.NoError(t, err)
				return
			}
			require.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestReconcile(t *testing.T) {
	end := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)

	trial := Record{UserID: "u1", Tier: catalog.TierPremium, Status: StatusTrial, TrialEndsAt: ptr(end)}

	t.Run("at the cut-off nothing changes", func(t *testing.T) {
		out, notice, changed := Reconcile(trial, end)
		assert.False(t, changed)
		assert.Nil(t, notice)
		assert.True(t, out.Equal(trial))
	})

	t.Run("trial past the end expires to free", func(t *testing.T) {
		out, notice, changed := Reconcile(trial, end.Add(time.Second))
		require.True(t, changed)
		assert.Equal(t, StatusExpired, out.Status)
		assert.Equal(t, catalog.TierFree, out.Tier)
		assert.Nil(t, out.TrialEndsAt)
		require.NotNil(t, notice)
		assert.Equal(t, NoticeTrialEnded, notice.Kind)
		assert.Equal(t, "premium", notice.Tier)
		require.NoError(t, out.Validate())
		assert.NotNil(t, trial.TrialEndsAt, "input must not be mutated")
	})

	t.Run("active past the end expires to free", func(t *testing.T) {
		active := Record{UserID: "u1", Tier: catalog.TierBasic, Status: StatusActive, SubscriptionEndsAt: ptr(end)}
		out, notice, changed := Reconcile(active, end.AddDate(0, 0, 3))
		require.True(t, changed)
		assert.Equal(t, StatusExpired, out.Status)
		assert.Nil(t, out.SubscriptionEndsAt)
		assert.Equal(t, NoticeSubscriptionEnded, notice.Kind)
	})

	t.Run("terminal states are stable", func(t *testing.T) {
		for _, status := range []Status{StatusNone, StatusExpired, StatusCanceled} {
			r := Record{UserID: "u1", Status: status}
			_, _, changed := Reconcile(r, end.AddDate(1, 0, 0))
			assert.False(t, changed, status.String())
		}
	})
}

func TestCanTransition(t *testing.T) {
	for transition := range validTransitions {
		assert.True(t, CanTransition(transition.From, transition.To), "%s -> %s", transition.From, transition.To)
	}

	invalid := []Transition{
		{StatusTrial, StatusCanceled},
		{StatusActive, StatusTrial},
		{StatusExpired, StatusCanceled},
		{StatusNone, StatusExpired},
		{StatusCanceled, StatusExpired},
	}
	for _, tr := range invalid {
		assert.False(t, CanTransition(tr.From, tr.To), "%s -> %s", tr.From, tr.To)
	}

	assert.True(t, CanStartTrial(StatusNone))
	assert.True(t, CanStartTrial(StatusCanceled))
	assert.False(t, CanStartTrial(StatusTrial))
	assert.False(t, CanStartTrial(StatusActive))
	assert.False(t, CanChangeTier(StatusExpired))
}

func TestRecordJSON(t *testing.T) {
	end := time.Date(2024, 6, 8, 0, 0, 0, 0, time.UTC)
	r := Record{UserID: "u1", Tier: catalog.TierPremium, Status: StatusTrial, TrialEndsAt: ptr(end)}

	raw, err := json.Marshal(r)
	require.NoError(t, err)
	assert.JSONEq(t, `{"user_id":"u1","tier":"premium","status":"trial","trial_ends_at":"2024-06-08T00:00:00Z"}`, string(raw))

	var decoded Record
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.True(t, decoded.Equal(r))

	assert.Error(t, json.Unmarshal([]byte(`{"user_id":"u1","status":"paused"}`), &decoded))
}

func TestSubscriptionRowRoundTrip(t *testing.T) {
	end := time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC)
	r := Record{UserID: "u1", Tier: catalog.TierPro, Status: StatusActive, SubscriptionEndsAt: ptr(end)}

	var row Subscription
	row.FromRecord(r)
	assert.Equal(t, "pro", row.Tier)
	assert.Equal(t, "active", row.Status)

	back, err := row.ToRecord()
	require.NoError(t, err)
	assert.True(t, back.Equal(r))

	row.Status = "paused"
	_, err = row.ToRecord()
	assert.ErrorIs(t, err, ErrInvalidStatus)
}

func TestIsRejection(t *testing.T) {
	assert.True(t, IsRejection(ErrTrialAlreadyUsed))
	assert.True(t, IsRejection(ErrPaymentFailed))
	assert.False(t, IsRejection(ErrRemoteUnavailable))
	assert.False(t, IsRejection(nil))
}
