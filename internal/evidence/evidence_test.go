package evidence

import (
	"bytes"
	"compress/gzip"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/kiranshivaraju/simcamp/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func gzipped(t *testing.T, s string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write([]byte(s))
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func TestFileChecker(t *testing.T) {
	good := gzipped(t, "turn 1 2 3\n")

	tests := []struct {
		name   string
		format string
		data   []byte
		write  bool
		want   models.Evidence
	}{
		{name: "missing", format: "nonempty", want: models.Evidence{}},
		{name: "empty", format: "nonempty", data: []byte{}, write: true, want: models.Evidence{Exists: true}},
		{name: "nonempty", format: "", data: []byte("x"), write: true, want: models.Evidence{Exists: true, Valid: true}},
		{name: "gzip ok", format: "gzip", data: good, write: true, want: models.Evidence{Exists: true, Valid: true}},
		{name: "gzip truncated", format: "gzip", data: good[:len(good)-6], write: true, want: models.Evidence{Exists: true}},
		{name: "gzip garbage", format: "gzip", data: []byte("plain"), write: true, want: models.Evidence{Exists: true}},
		{name: "json ok", format: "json", data: []byte(`{"a":1}`), write: true, want: models.Evidence{Exists: true, Valid: true}},
		{name: "json truncated", format: "json", data: []byte(`{"a":`), write: true, want: models.Evidence{Exists: true}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			if tt.write {
				require.NoError(t, os.WriteFile(filepath.Join(dir, "out.dat"), tt.data, 0o644))
			}
			c, err := NewFileChecker("out.dat", tt.format)
			require.NoError(t, err)

			got := c.Check(context.Background(), dir)
			assert.Equal(t, tt.want.Exists, got.Exists)
			assert.Equal(t, tt.want.Valid, got.Valid)
			if !got.Valid {
				assert.NotEmpty(t, got.Reason)
			}
		})
	}
}

func TestFileChecker_MissingDirectory(t *testing.T) {
	c, err := NewFileChecker("result.json", "json")
	require.NoError(t, err)

	got := c.Check(context.Background(), filepath.Join(t.TempDir(), "never-created"))
	assert.False(t, got.Exists)
	assert.False(t, got.Valid)

	got = c.Check(context.Background(), "")
	assert.False(t, got.Exists)
}

func TestLookupFormat_Unknown(t *testing.T) {
	_, err := LookupFormat("hdf5")
	assert.ErrorIs(t, err, models.ErrValidation)
}
