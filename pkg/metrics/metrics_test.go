package metrics

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWritePrometheus(t *testing.T) {
	JobEnqueuedTotal.WithLabelValues("tool-execution").Inc()
	ApprovalResolvedTotal.WithLabelValues("approved").Inc()

	var buf bytes.Buffer
	require.NoError(t, WritePrometheus(&buf))
	out := buf.String()
	assert.Contains(t, out, "bizassist_job_enqueued_total")
	assert.Contains(t, out, `queue="tool-execution"`)
	assert.Contains(t, out, "bizassist_approval_resolved_total")
}
