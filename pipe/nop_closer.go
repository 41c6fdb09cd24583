// This file is mostly copied from the Go standard library, which is:
// Copyright 2009 The Go Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.
package pipe

import "io"

// newNopCloser returns a ReadCloser with a no-op Close method wrapping
// the provided io.Reader r.
// If r implements io.WriterTo, the returned io.ReadCloser will implement io.WriterTo
// by forwarding calls to r.
func newNopCloser(r io.Reader) io.ReadCloser {
	if _, ok := r.(io.WriterTo); ok {
		return nopCloserWriterTo{r}
	}
	return nopCloser{r}
}

type nopCloser struct {
	io.Reader
}

func (nopCloser) Close() error { return nil }

type nopCloserWriterTo struct {
	io.Reader
}

func (nopCloserWriterTo) Close() error { return nil }

func (c nopCloserWriterTo) WriteTo(w io.Writer) (n int64, err error) {
	return c.Reader.(io.WriterTo).WriteTo(w)
}

// newReaderNopCloser wraps r (which is not necessarily closeable) in
// an io.ReadCloser whose Close is a no-op, the way Pipeline.WithStdin
// needs to. Unlike newNopCloser, the wrapper types here are exported
// to the rest of the package (not io.Reader) so that a stage can
// unwrap and recover the original `r` for efficiency, as commandStage
// and goStage do.
func newReaderNopCloser(r io.Reader) io.ReadCloser {
	if _, ok := r.(io.WriterTo); ok {
		return readerWriterToNopCloser{r}
	}
	return readerNopCloser{r}
}

type readerNopCloser struct {
	Reader io.Reader
}

func (readerNopCloser) Close() error { return nil }

type readerWriterToNopCloser struct {
	Reader io.Reader
}

func (readerWriterToNopCloser) Close() error { return nil }

func (c readerWriterToNopCloser) WriteTo(w io.Writer) (n int64, err error) {
	return c.Reader.(io.WriterTo).WriteTo(w)
}

// writerNopCloser wraps an io.Writer in an io.WriteCloser whose Close
// is a no-op, the way Pipeline.WithStdout needs to.
type writerNopCloser struct {
	Writer io.Writer
}

func (writerNopCloser) Close() error { return nil }

func (c writerNopCloser) Write(p []byte) (int, error) {
	return c.Writer.Write(p)
}

// UnwrapNopCloser reports whether v is one of this package's one-shot
// nop-closer wrappers (as produced by WithStdin/WithStdout), returning
// the value it wraps if so.
func UnwrapNopCloser(v any) (any, bool) {
	switch v := v.(type) {
	case readerNopCloser:
		return v.Reader, true
	case readerWriterToNopCloser:
		return v.Reader, true
	case writerNopCloser:
		return v.Writer, true
	default:
		return nil, false
	}
}
