package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestRecordResolution(t *testing.T) {
	before := testutil.ToFloat64(resolutionsTotal.WithLabelValues("no_match"))
	RecordResolution("no_match", 3*time.Millisecond, 0)
	assert.Equal(t, before+1, testutil.ToFloat64(resolutionsTotal.WithLabelValues("no_match")))
}

func TestRecordRegistration(t *testing.T) {
	created := testutil.ToFloat64(registrationsTotal.WithLabelValues("created"))
	dedup := testutil.ToFloat64(registrationsTotal.WithLabelValues("deduplicated"))
	RecordRegistration(true)
	RecordRegistration(false)
	RecordRegistration(false)
	assert.Equal(t, created+1, testutil.ToFloat64(registrationsTotal.WithLabelValues("created")))
	assert.Equal(t, dedup+2, testutil.ToFloat64(registrationsTotal.WithLabelValues("deduplicated")))
}

func TestSetIndexSize(t *testing.T) {
	SetIndexSize(42)
	assert.Equal(t, 42.0, testutil.ToFloat64(indexEntities))
}

func TestRecordHTTPRequest(t *testing.T) {
	before := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("unmatched", "404"))
	RecordHTTPRequest("", 404, time.Millisecond)
	assert.Equal(t, before+1, testutil.ToFloat64(httpRequestsTotal.WithLabelValues("unmatched", "404")))
}
