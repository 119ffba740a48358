package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bucketmirror/bucketmirror/action"
)

func TestObserveActionIncrementsCounter(t *testing.T) {
	c, reg := New()
	c.ObserveAction(action.FileAction{Kind: action.WriteObject, Source: action.SourceSync})
	c.ObserveAction(action.FileAction{Kind: action.WriteObject, Source: action.SourceSync})
	c.ObserveAction(action.FileAction{Kind: action.RemoveFile, Source: action.SourceNotification})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler(reg).ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.Contains(t, body, `bucketmirror_actions_total{kind="WriteObject",source="sync"} 2`)
	assert.Contains(t, body, `bucketmirror_actions_total{kind="RemoveFile",source="notification"} 1`)
}

func TestNilCollectorsObserveActionIsNoop(t *testing.T) {
	var c *Collectors
	require.NotPanics(t, func() {
		c.ObserveAction(action.FileAction{Kind: action.WriteObject})
	})
}

func TestQueueGaugesSettable(t *testing.T) {
	c, reg := New()
	c.QueueRunning.Set(3)
	c.QueueDepth.Set(7)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/metrics", nil)
	Handler(reg).ServeHTTP(rec, req)

	body := rec.Body.String()
	assert.True(t, strings.Contains(body, "bucketmirror_queue_running 3"))
	assert.True(t, strings.Contains(body, "bucketmirror_queue_depth 7"))
}
