package fileutil_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/knights-analytics/onnxbackend/util/fileutil"
)

func TestReadFileBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.onnx")
	assert.NoError(t, os.WriteFile(path, []byte("onnx bytes"), os.ModePerm))

	data, err := fileutil.ReadFileBytes(path)
	assert.NoError(t, err)
	assert.Equal(t, []byte("onnx bytes"), data)

	_, err = fileutil.ReadFileBytes(filepath.Join(t.TempDir(), "missing.onnx"))
	assert.Error(t, err)
}

func TestFileExists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	exists, err := fileutil.FileExists(path)
	assert.NoError(t, err)
	assert.False(t, exists)

	assert.NoError(t, os.WriteFile(path, []byte("{}"), os.ModePerm))
	exists, err = fileutil.FileExists(path)
	assert.NoError(t, err)
	assert.True(t, exists)
}

func TestPathJoinSafe(t *testing.T) {
	assert.Equal(t, filepath.Join("a", "b", "c"), fileutil.PathJoinSafe("a", "b", "c"))
	assert.Equal(t, "s3://bucket/models/config.json", fileutil.PathJoinSafe("s3://bucket", "models", "config.json"))
	assert.Equal(t, "S3", fileutil.GetPathType("s3://bucket/models"))
	assert.Equal(t, "os", fileutil.GetPathType("/models"))
}
