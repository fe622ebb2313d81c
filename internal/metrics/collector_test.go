package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.httpRequestsTotal)
	assert.NotNil(t, collector.httpRequestDuration)
	assert.NotNil(t, collector.admissionsTotal)
	assert.NotNil(t, collector.errorsTotal)
	assert.NotNil(t, collector.rpmCurrent)
	assert.NotNil(t, collector.tpmCurrent)
	assert.NotNil(t, collector.rpdCurrent)
}

func TestCollector_RecordHTTPRequest(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordHTTPRequest("GET", "/v1/models", 200, 100*time.Millisecond)
	count := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, count, 0)

	collector.RecordHTTPRequest("GET", "/v1/models", 200, 50*time.Millisecond)
	newCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.GreaterOrEqual(t, newCount, count)
}

func TestCollector_RecordAdmission(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordAdmission("P1", "accepted")
	collector.RecordAdmission("P1", "rpm")

	count := testutil.CollectAndCount(collector.admissionsTotal)
	assert.Equal(t, 2, count)
}

func TestCollector_RecordUpstreamError(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordUpstreamError("P1")
	count := testutil.CollectAndCount(collector.errorsTotal)
	assert.Greater(t, count, 0)
	assert.Equal(t, float64(1), collector.UpstreamErrorCount("P1"))

	collector.RecordUpstreamError("P1")
	assert.Equal(t, float64(2), collector.UpstreamErrorCount("P1"))
	assert.Equal(t, float64(0), collector.UpstreamErrorCount("P2"))
}

func TestCollector_SetProviderUsage(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetProviderUsage("P1", 3, 400, 10)

	assert.Equal(t, float64(3), testutil.ToFloat64(collector.rpmCurrent.WithLabelValues("P1")))
	assert.Equal(t, float64(400), testutil.ToFloat64(collector.tpmCurrent.WithLabelValues("P1")))
	assert.Equal(t, float64(10), testutil.ToFloat64(collector.rpdCurrent.WithLabelValues("P1")))
}

func TestCollector_ConcurrentRecording(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	done := make(chan bool)
	for i := 0; i < 10; i++ {
		go func() {
			collector.RecordHTTPRequest("GET", "/v1/models", 200, 100*time.Millisecond)
			collector.RecordAdmission("P1", "accepted")
			collector.SetProviderUsage("P1", 1, 2, 3)
			done <- true
		}()
	}
	for i := 0; i < 10; i++ {
		<-done
	}

	httpCount := testutil.CollectAndCount(collector.httpRequestsTotal)
	assert.Greater(t, httpCount, 0)
	admitCount := testutil.CollectAndCount(collector.admissionsTotal)
	assert.Greater(t, admitCount, 0)
}

func TestStatusCode_Buckets(t *testing.T) {
	assert.Equal(t, "2xx", statusCode(200))
	assert.Equal(t, "3xx", statusCode(302))
	assert.Equal(t, "4xx", statusCode(404))
	assert.Equal(t, "5xx", statusCode(500))
}
