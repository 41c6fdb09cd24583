package lineengine

import "io"

// bitBucketReader is the in-process stand-in for a /dev/null read end:
// every read reports EOF immediately. It's handed to a stage as stdin
// when a `<N` operator failed a user-error check but the stage must
// still run (see SPEC_FULL.md's Open Question #1 decision), and to any
// stage with no numbered or user pipe as its input.
type bitBucketReader struct{}

func (bitBucketReader) Read([]byte) (int, error) { return 0, io.EOF }
func (bitBucketReader) Close() error              { return nil }

// bitBucketWriter is the in-process stand-in for a /dev/null write
// end: every write is silently discarded.
type bitBucketWriter struct{}

func (bitBucketWriter) Write(p []byte) (int, error) { return len(p), nil }
func (bitBucketWriter) Close() error                { return nil }
