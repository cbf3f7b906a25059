package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	res, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 5, res.BatchResetBound)
	assert.Equal(t, 0.95, res.CompletionRatio)
	assert.Equal(t, time.Second, res.StreamInterval)
	assert.Equal(t, 100000, res.QuotaDailyLimit)
}

func TestLoad_PartialOverride(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "limits.yml")
	body := "batch_reset_bound: 10\nquota_daily_limit: 500\nstream_interval: 250ms\n"
	require.NoError(t, os.WriteFile(fname, []byte(body), 0o600))

	res, err := Load(fname)
	require.NoError(t, err)
	assert.Equal(t, 10, res.BatchResetBound)
	assert.Equal(t, 500, res.QuotaDailyLimit)
	assert.Equal(t, 250*time.Millisecond, res.StreamInterval)
	assert.Equal(t, 0.95, res.CompletionRatio, "untouched values keep defaults")
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/no/such/file.yml")
	assert.Error(t, err)
}

func TestLoad_BadYaml(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "limits.yml")
	require.NoError(t, os.WriteFile(fname, []byte("batch_reset_bound: [broken"), 0o600))
	_, err := Load(fname)
	assert.Error(t, err)
}

func TestLoad_Validation(t *testing.T) {
	tbl := []struct {
		name string
		body string
	}{
		{"negative reset bound", "batch_reset_bound: -1\n"},
		{"ratio over one", "completion_ratio: 1.5\n"},
		{"zero poll interval", "poll_interval: 0s\n"},
		{"cap below limit", "quota_daily_limit: 100\nquota_hard_cap: 50\n"},
	}
	for _, tt := range tbl {
		t.Run(tt.name, func(t *testing.T) {
			fname := filepath.Join(t.TempDir(), "limits.yml")
			require.NoError(t, os.WriteFile(fname, []byte(tt.body), 0o600))
			_, err := Load(fname)
			assert.Error(t, err)
		})
	}
}
