package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	t.Parallel()

	r := New()
	r.Poll("ok")
	r.Poll("ok")
	r.Routed("repost")
	r.Digest("digest", "sent")
	r.Fetch(false)
	r.NextFire(time.Unix(1700000000, 0))

	require.Equal(t, 2.0, testutil.ToFloat64(r.polls.WithLabelValues("ok")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.routed.WithLabelValues("repost")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.digests.WithLabelValues("digest", "sent")))
	require.Equal(t, 1.0, testutil.ToFloat64(r.fetches.WithLabelValues("failed")))
	require.Equal(t, 1700000000.0, testutil.ToFloat64(r.nextFire))
}

func TestNilRecorderIsSafe(t *testing.T) {
	t.Parallel()

	var r *Recorder
	r.Poll("ok")
	r.Routed("config")
	r.Digest("repost", "failed")
	r.Fetch(true)
	r.JobDone("digest", time.Second)
	r.NextFire(time.Time{})
	require.NotNil(t, r.Handler())
}
