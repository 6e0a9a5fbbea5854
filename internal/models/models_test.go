package models

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricNames(t *testing.T) {
	assert.Equal(t, MetricTMinYear, YearMetric(ElementTMIN))
	assert.Equal(t, MetricTMaxYear, YearMetric(ElementTMAX))
	assert.Equal(t, MetricTMaxWinter, SeasonMetric(ElementTMAX, SeasonWinter))
	assert.Equal(t, MetricTMinAutumn, SeasonMetric(ElementTMIN, SeasonAutumn))

	assert.Len(t, AllMetrics, 10)
	for _, el := range []Element{ElementTMIN, ElementTMAX} {
		assert.Contains(t, AllMetrics, YearMetric(el))
		for _, s := range Seasons {
			assert.Contains(t, AllMetrics, SeasonMetric(el, s))
		}
	}
}

func TestParseMetric(t *testing.T) {
	for _, m := range AllMetrics {
		got, err := ParseMetric(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMetric("tmax_Winter")
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "metric", ve.Field)
	assert.False(t, IsTransient(err))
}

func TestMeanPoint_JSONKeepsNull(t *testing.T) {
	data, err := json.Marshal(MeanPoint{Year: 1999, ExpectedDays: 365})
	require.NoError(t, err)
	assert.JSONEq(t, `{"year":1999,"value_c":null,"present_days":0,"expected_days":365}`, string(data))
}

func TestMeanPoint_Coverage(t *testing.T) {
	assert.Zero(t, MeanPoint{}.Coverage())
	assert.InDelta(t, 0.5, MeanPoint{PresentDays: 45, ExpectedDays: 90}.Coverage(), 1e-9)
}

func TestCacheRow_Point(t *testing.T) {
	v := 3.5
	row := &CacheRow{StationID: "USC00011084", Metric: MetricTMinSpring, Year: 2010, ValueC: &v, PresentDays: 90, ExpectedDays: 92}
	assert.Equal(t, MeanPoint{Year: 2010, ValueC: &v, PresentDays: 90, ExpectedDays: 92}, row.Point())
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{&LockError{StationID: "X", Waited: time.Second, Err: context.DeadlineExceeded}, true},
		{&StoreError{Op: "commit", Err: errors.New("reset")}, true},
		{&FormatError{Line: 3, Field: "value", Value: "1x0"}, false},
		{&ValidationError{Message: "bad"}, false},
		{fmt.Errorf("station X: %w", ErrSourceUnavailable), false},
		{fmt.Errorf("wrapped: %w", &LockError{Err: context.Canceled}), true},
		{errors.New("plain"), false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, IsTransient(tt.err), tt.err.Error())
	}
}

func TestErrorUnwrap(t *testing.T) {
	lockErr := &LockError{StationID: "USC00011084", Waited: 30 * time.Second, Err: context.DeadlineExceeded}
	assert.ErrorIs(t, lockErr, context.DeadlineExceeded)
	assert.Contains(t, lockErr.Error(), "USC00011084")

	cause := errors.New("invalid syntax")
	fe := &FormatError{Line: 12, Field: "year", Value: "19x9", Err: cause}
	assert.ErrorIs(t, fe, cause)
	assert.Equal(t, `line 12: malformed year "19x9": invalid syntax`, fe.Error())
}
