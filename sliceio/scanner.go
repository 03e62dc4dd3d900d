// Copyright 2018 GRAIL, Inc. All rights reserved.
// Use of this source code is governed by the Apache 2.0
// license that can be found in the LICENSE file.

package sliceio

import "context"

// Scanner provides a convenient interface for reading records one
// at a time from a Reader. Scanners are not threadsafe.
type Scanner struct {
	Reader Reader

	err      error
	started  bool
	in       []Record
	beg, end int
}

// Scan scans the next record into rec. It returns false when
// scanning stops, either on EOF or on error. Err reports the
// error, if any.
func (s *Scanner) Scan(ctx context.Context, rec *Record) bool {
	if s.err != nil {
		return false
	}
	if !s.started {
		s.started = true
		s.in = make([]Record, defaultChunksize)
		s.beg, s.end = 0, 0
	}
	// Read the next batch of input.
	for s.beg == s.end {
		if s.Reader == nil {
			s.err = EOF
			return false
		}
		n, err := s.Reader.Read(ctx, s.in)
		if err != nil && err != EOF {
			s.err = err
			return false
		}
		s.beg, s.end = 0, n
		if err == EOF {
			s.Reader = nil
		}
	}
	*rec = s.in[s.beg]
	s.beg++
	return true
}

// Err returns the error, if any, that stopped the scanner. It is
// nil when the scanner reached the end of its input.
func (s *Scanner) Err() error {
	if s.err == EOF {
		return nil
	}
	return s.err
}
