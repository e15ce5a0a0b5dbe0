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
	"net/url"
	"strings"

	"github.com/gorse-io/categorizer/common/log"
	"github.com/gorse-io/categorizer/config"
	"github.com/juju/errors"
	"go.uber.org/zap"
)

// Store is a flat namespace of files under a directory, bucket or container prefix.
// Create returns a writer and a channel receiving the upload result once the writer is closed.
type Store interface {
	Open(ctx context.Context, name string) (io.ReadCloser, error)
	Create(ctx context.Context, name string) (io.WriteCloser, chan error, error)
	List(ctx context.Context) ([]string, error)
	Remove(ctx context.Context, name string) error
}

// Open creates a store from a location. Supported locations are local paths,
// s3://bucket/prefix, gs://bucket/prefix and azblob://container/prefix.
func Open(location string, cfg config.StorageConfig) (Store, error) {
	for _, scheme := range []string{"s3://", "gs://", "azblob://"} {
		if !strings.HasPrefix(location, scheme) {
			continue
		}
		u, err := url.Parse(location)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if u.Host == "" {
			return nil, errors.NotValidf("blob location %s", log.RedactURL(location))
		}
		prefix := strings.Trim(u.Path, "/")
		log.Logger().Debug("open blob store",
			zap.String("scheme", u.Scheme),
			zap.String("bucket", u.Host),
			zap.String("prefix", prefix))
		switch u.Scheme {
		case "s3":
			return NewS3(cfg.S3, u.Host, prefix)
		case "gs":
			return NewGCS(cfg.GCS, u.Host, prefix)
		case "azblob":
			return NewAzureBlob(cfg.Azure, u.Host, prefix)
		}
	}
	return NewPOSIX(location), nil
}

// WriteFile writes a file through fn and waits for the upload to finish.
func WriteFile(ctx context.Context, store Store, name string, fn func(w io.Writer) error) error {
	w, done, err := store.Create(ctx, name)
	if err != nil {
		return errors.Trace(err)
	}
	if err = fn(w); err != nil {
		if pw, ok := w.(*io.PipeWriter); ok {
			_ = pw.CloseWithError(err)
		} else {
			_ = w.Close()
		}
		<-done
		return errors.Trace(err)
	}
	if err = w.Close(); err != nil {
		<-done
		return errors.Trace(err)
	}
	return errors.Trace(<-done)
}

// ReadFile opens a file and passes it to fn.
func ReadFile(ctx context.Context, store Store, name string, fn func(r io.Reader) error) error {
	r, err := store.Open(ctx, name)
	if err != nil {
		return errors.Trace(err)
	}
	defer r.Close()
	return errors.Trace(fn(r))
}

// upload streams everything written to the returned pipe into put. A failed
// upload closes the pipe so that pending writes fail instead of blocking.
func upload(name string, put func(r io.Reader) error) (io.WriteCloser, chan error) {
	pr, pw := io.Pipe()
	done := make(chan error, 1)
	go func() {
		defer close(done)
		err := put(pr)
		if err != nil {
			log.Logger().Error("failed to upload file", zap.String("file", name), zap.Error(err))
			_ = pr.CloseWithError(err)
		} else {
			_ = pr.Close()
		}
		done <- err
	}()
	return pw, done
}
