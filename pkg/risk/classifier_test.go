package risk

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/delvd/delv/pkg/models"
)

func TestClassify(t *testing.T) {
	t.Run("static table", func(t *testing.T) {
		assert.Equal(t, models.RiskReversible, Classify("web_search", nil))
		assert.Equal(t, models.RiskReversible, Classify("get_current_time", nil))
		assert.Equal(t, models.RiskReversibleWithDelay, Classify("send_email", nil))
		assert.Equal(t, models.RiskReversibleWithDelay, Classify("schedule_task", nil))
		assert.Equal(t, models.RiskIrreversible, Classify("delete_file", nil))
		assert.Equal(t, models.RiskIrreversible, Classify("send_money", nil))
	})

	t.Run("unknown tools are irreversible", func(t *testing.T) {
		assert.Equal(t, models.RiskIrreversible, Classify("launch_missiles", nil))
		assert.Equal(t, models.RiskIrreversible, Classify("", nil))
	})

	t.Run("read_file escalates on sensitive paths", func(t *testing.T) {
		assert.Equal(t, models.RiskReversible,
			Classify("read_file", map[string]any{"path": "/tmp/notes.txt"}))
		assert.Equal(t, models.RiskReversibleWithDelay,
			Classify("read_file", map[string]any{"path": "/etc/shadow"}))
		assert.Equal(t, models.RiskReversibleWithDelay,
			Classify("read_file", map[string]any{"path": "/home/u/.aws/credentials"}))
		// Case-insensitive marker match.
		assert.Equal(t, models.RiskReversibleWithDelay,
			Classify("read_file", map[string]any{"path": "/srv/API_KEY.TXT"}))
	})

	t.Run("missing path parameter stays reversible", func(t *testing.T) {
		assert.Equal(t, models.RiskReversible, Classify("read_file", nil))
		assert.Equal(t, models.RiskReversible,
			Classify("read_file", map[string]any{"path": 42}))
	})
}

func TestRequiresApproval(t *testing.T) {
	t.Run("reversible never", func(t *testing.T) {
		assert.False(t, RequiresApproval(models.RiskReversible, 0.0))
		assert.False(t, RequiresApproval(models.RiskReversible, 1.0))
	})

	t.Run("irreversible always", func(t *testing.T) {
		assert.True(t, RequiresApproval(models.RiskIrreversible, 1.0))
		assert.True(t, RequiresApproval(models.RiskIrreversible, 0.0))
	})

	t.Run("delayed reversible uses the confidence floor", func(t *testing.T) {
		assert.True(t, RequiresApproval(models.RiskReversibleWithDelay, 0.84))
		assert.False(t, RequiresApproval(models.RiskReversibleWithDelay, 0.85))
		assert.False(t, RequiresApproval(models.RiskReversibleWithDelay, 0.99))
	})

	t.Run("unknown level is conservative", func(t *testing.T) {
		assert.True(t, RequiresApproval(models.RiskLevel("wild"), 1.0))
	})
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "reversible", Describe(models.RiskReversible))
	assert.Equal(t, "reversible with delay", Describe(models.RiskReversibleWithDelay))
	assert.Equal(t, "irreversible", Describe(models.RiskIrreversible))
	assert.Contains(t, Describe(models.RiskLevel("x")), "unknown")
}
