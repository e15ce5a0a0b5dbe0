// Copyright 2025 gorse Project Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package blob

import (
	"context"
	"io"
	"path/filepath"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPOSIX(t *testing.T) {
	ctx := context.Background()
	client := NewPOSIX(filepath.Join(t.TempDir(), "blob"))

	// list empty store
	names, err := client.List(ctx)
	assert.NoError(t, err)
	assert.Empty(t, names)

	// write a temp file
	w, done, err := client.Create(ctx, "test")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello world"))
	assert.NoError(t, err)
	assert.NoError(t, w.Close())
	assert.NoError(t, <-done)

	// read the file
	r, err := client.Open(ctx, "test")
	require.NoError(t, err)
	content, err := io.ReadAll(r)
	assert.NoError(t, err)
	assert.Equal(t, "hello world", string(content))
	assert.NoError(t, r.Close())

	// list files
	names, err = client.List(ctx)
	assert.NoError(t, err)
	assert.Equal(t, []string{"test"}, names)

	// remove file
	assert.NoError(t, client.Remove(ctx, "test"))
	_, err = client.Open(ctx, "test")
	assert.True(t, errors.Is(err, errors.NotFound))
}

func TestWriteFile(t *testing.T) {
	ctx := context.Background()
	store, err := Open(filepath.Join(t.TempDir(), "model"), configForTest())
	require.NoError(t, err)
	assert.IsType(t, &POSIX{}, store)

	err = WriteFile(ctx, store, "model.json", func(w io.Writer) error {
		_, err := w.Write([]byte(`{"mode":"sum"}`))
		return err
	})
	assert.NoError(t, err)

	var content []byte
	err = ReadFile(ctx, store, "model.json", func(r io.Reader) error {
		content, err = io.ReadAll(r)
		return err
	})
	assert.NoError(t, err)
	assert.Equal(t, `{"mode":"sum"}`, string(content))

	// a failed writer propagates its error
	err = WriteFile(ctx, store, "weights", func(w io.Writer) error {
		return errors.New("shape mismatch")
	})
	assert.ErrorContains(t, err, "shape mismatch")
}

func TestOpen(t *testing.T) {
	store, err := Open("s3://bucket/models/v1", configForTest())
	require.NoError(t, err)
	s3, ok := store.(*S3)
	require.True(t, ok)
	assert.Equal(t, "bucket", s3.bucket)
	assert.Equal(t, "models/v1", s3.prefix)

	t.Setenv("GCS_EMULATOR_ENDPOINT", "http://localhost:5050/storage/v1/")
	store, err = Open("gs://bucket/models/", configForTest())
	require.NoError(t, err)
	gcs, ok := store.(*GCS)
	require.True(t, ok)
	assert.Equal(t, "models", gcs.prefix)

	_, err = Open("azblob://container/models", configForTest())
	assert.Error(t, err)

	_, err = Open("s3:///models", configForTest())
	assert.True(t, errors.Is(err, errors.NotValid))
}
