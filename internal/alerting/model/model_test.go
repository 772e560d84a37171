package model

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeDimensions(t *testing.T) {
	alias := map[string]string{"ip": "bk_target_ip"}
	in := map[string]string{" Host ": " h1 ", "IP": " 10.0.0.1 ", "empty": "  "}
	out := NormalizeDimensions(in, alias)
	assert.Equal(t, "h1", out["host"])
	assert.Equal(t, "10.0.0.1", out["bk_target_ip"])
	_, ok := out["empty"]
	assert.False(t, ok, "empty value should be removed")
	assert.Equal(t, " h1 ", in[" Host "], "input must not be mutated")
}

func TestCanonicalKey(t *testing.T) {
	assert.Equal(t, CanonicalKey(map[string]string{"b": "2", "a": "1"}), CanonicalKey(map[string]string{"a": "1", "b": "2"}))
	assert.Equal(t, "a=1|b=2", CanonicalKey(map[string]string{"b": "2", "a": "1"}))
	assert.Equal(t, "{}", CanonicalKey(nil))
}

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusAbnormal, StatusRecovered, true},
		{StatusAbnormal, StatusClosed, true},
		{StatusRecovered, StatusClosed, true},
		{StatusRecovered, StatusAbnormal, false},
		{StatusClosed, StatusAbnormal, false},
		{StatusClosed, StatusRecovered, false},
		{StatusAbnormal, StatusAbnormal, true},
	}
	for _, c := range cases {
		t.Run(fmt.Sprintf("%s->%s", c.from, c.to), func(t *testing.T) {
			assert.Equal(t, c.want, CanTransition(c.from, c.to))
		})
	}
}

func TestAlertValidate(t *testing.T) {
	base := func() *Alert {
		return &Alert{ID: 1, Fingerprint: "fp", Severity: SeverityWarning, Status: StatusAbnormal,
			CreateTime: 100, BeginTime: 100, LatestTime: 160}
	}
	require.NoError(t, base().Validate())

	a := base()
	a.BeginTime = 200
	assert.Error(t, a.Validate())

	a = base()
	end := int64(200)
	a.EndTime = &end
	assert.Error(t, a.Validate(), "end_time on abnormal alert")

	a = base()
	a.SetEnd(StatusRecovered, 120)
	require.NoError(t, a.Validate())
	assert.Equal(t, int64(160), *a.EndTime, "end_time never precedes latest_time")

	a.SetEnd(StatusClosed, 500)
	assert.Equal(t, int64(160), *a.EndTime, "end_time kept once set")
}

func TestMatchConditions(t *testing.T) {
	dims := map[string]string{"host": "h1", "service": "api-gateway"}
	cases := []struct {
		name  string
		conds []DimensionCondition
		want  bool
	}{
		{"eq", []DimensionCondition{{Key: "host", Method: "eq", Value: []string{"h1"}}}, true},
		{"neq", []DimensionCondition{{Key: "host", Method: "neq", Value: []string{"h1"}}}, false},
		{"include", []DimensionCondition{{Key: "service", Method: "include", Value: []string{"gate"}}}, true},
		{"exclude", []DimensionCondition{{Key: "service", Method: "exclude", Value: []string{"gate"}}}, false},
		{"reg", []DimensionCondition{{Key: "service", Method: "reg", Value: []string{"^api-"}}}, true},
		{"and fails", []DimensionCondition{
			{Key: "host", Method: "eq", Value: []string{"h1"}},
			{Key: "service", Method: "eq", Value: []string{"db"}, Condition: "and"},
		}, false},
		{"or rescues", []DimensionCondition{
			{Key: "host", Method: "eq", Value: []string{"h2"}},
			{Key: "service", Method: "eq", Value: []string{"api-gateway"}, Condition: "or"},
		}, true},
		{"empty", nil, false},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.want, MatchConditions(c.conds, dims))
		})
	}
}

func TestShieldMatch(t *testing.T) {
	sid := int64(7)
	a := &Alert{Fingerprint: "fp", BkBizID: 2, StrategyID: &sid,
		Dimensions: []AlertDimension{{Key: "host", Value: "h1"}}}
	s := &Shield{Category: ShieldStrategy, StrategyID: 7, BeginTime: 60, EndTime: 300}
	assert.False(t, s.Match(a, 30))
	assert.True(t, s.Match(a, 90))
	assert.False(t, s.Match(a, 300))

	s = &Shield{Category: ShieldAlert, Fingerprint: "fp", BeginTime: 0}
	assert.True(t, s.Match(a, 1000))

	s = &Shield{Category: ShieldDimension, BkBizID: 3, BeginTime: 0,
		DimensionConditions: []DimensionCondition{{Key: "host", Value: []string{"h1"}}}}
	assert.False(t, s.Match(a, 10), "other business")
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(BackendUnavailable(fmt.Errorf("dial tcp: refused"))))
	assert.Equal(t, KindValidation, KindOf(InvalidQuery(fmt.Errorf("bad promql"))))
	assert.Equal(t, KindValidation, KindOf(Invalidf("missing %s", "event_id")))
	assert.Equal(t, KindStateViolation, KindOf(StateViolation("CLOSED -> ABNORMAL")))
	assert.Equal(t, KindResourceExhausted, KindOf(Exhausted("breaker open")))
	assert.Equal(t, KindTransient, KindOf(fmt.Errorf("wrap: %w", context.DeadlineExceeded)))
	assert.Equal(t, KindFatalConfig, KindOf(FatalConfig(fmt.Errorf("redis addr missing"))))
	assert.Equal(t, KindUnknown, KindOf(fmt.Errorf("boom")))
}

func TestStrategyRecipients(t *testing.T) {
	s := &Strategy{
		Notice:  Notice{UserGroups: []string{"ops"}, Signals: []string{"abnormal", "recovered"}},
		Actions: []Action{{Signals: []string{"abnormal"}, UserGroups: []string{"ops", "dba"}}},
	}
	assert.Equal(t, []string{"ops", "dba"}, s.Recipients(SignalAbnormal))
	assert.Equal(t, []string{"ops"}, s.Recipients(SignalRecovered))
	assert.Empty(t, s.Recipients(SignalAck))
}

func TestValueStats(t *testing.T) {
	var v ValueStats
	for _, x := range []float64{92, 95, 97} {
		v.Add(x)
	}
	assert.Equal(t, int64(3), v.Count)
	assert.Equal(t, 92.0, v.Min)
	assert.Equal(t, 97.0, v.Max)
	assert.InDelta(t, 94.666, v.Avg(), 0.01)
}

func TestSettleAck(t *testing.T) {
	end := int64(400)
	cases := []struct {
		name  string
		alert Alert
		want  *int64
	}{
		{name: "abnormal unacked", alert: Alert{Status: StatusAbnormal, CreateTime: 100}},
		{name: "acked", alert: Alert{Status: StatusAbnormal, CreateTime: 100, IsAck: true}, want: Int64Ptr(200)},
		{name: "shielded", alert: Alert{Status: StatusAbnormal, CreateTime: 100, IsShielded: true}, want: Int64Ptr(200)},
		{name: "ended", alert: Alert{Status: StatusRecovered, CreateTime: 100, EndTime: &end}, want: Int64Ptr(300)},
		{name: "already set", alert: Alert{Status: StatusClosed, CreateTime: 100, EndTime: &end, AckDuration: Int64Ptr(5)},
			want: Int64Ptr(5)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			a := tc.alert
			a.SettleAck(300)
			assert.Equal(t, tc.want, a.AckDuration)
		})
	}
}

func TestEndSignal(t *testing.T) {
	a := &Alert{Status: StatusRecovered, AbnormalNotified: true}
	sig, ok := a.EndSignal()
	assert.True(t, ok)
	assert.Equal(t, SignalRecovered, sig)

	a.Status = StatusClosed
	sig, _ = a.EndSignal()
	assert.Equal(t, SignalClosed, sig)

	a.IsShielded = true
	_, ok = a.EndSignal()
	assert.False(t, ok, "shielded alerts end quietly")

	_, ok = (&Alert{Status: StatusAbnormal, AbnormalNotified: true}).EndSignal()
	assert.False(t, ok)
}
