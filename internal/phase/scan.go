// Copyright 2025 The Orquestrator Authors
// SPDX-License-Identifier: MIT

package phase

import (
	"bufio"
	"io"
	"regexp"
	"sync"
)

// defaultPatterns is the silent-failure policy: lines a succeeding command
// may emit that nonetheless mean the build went wrong. The list is
// configurable; this is the default policy, not a contract.
var defaultPatterns = []string{
	`error:`,
	`undefined reference`,
	`cannot find`,
	`No rule to make target`,
	`segmentation fault`,
	`traceback`,
	`permission denied`,
	`failed to`,
	`ld: cannot`,
	`collect2: error`,
	`internal compiler error`,
	`cannot find -l`,
}

// A Scanner matches captured phase logs against a failure pattern set.
type Scanner struct {
	patterns []*regexp.Regexp
}

// NewScanner compiles the given patterns case-insensitively.
func NewScanner(patterns []string) (*Scanner, error) {
	s := &Scanner{patterns: make([]*regexp.Regexp, 0, len(patterns))}
	for _, p := range patterns {
		re, err := regexp.Compile(`(?i)` + p)
		if err != nil {
			return nil, err
		}
		s.patterns = append(s.patterns, re)
	}
	return s, nil
}

var defaultScanner struct {
	once sync.Once
	s    *Scanner
}

// DefaultScanner returns the scanner for the default pattern set.
func DefaultScanner() *Scanner {
	defaultScanner.once.Do(func() {
		s, err := NewScanner(defaultPatterns)
		if err != nil {
			panic(err)
		}
		defaultScanner.s = s
	})
	return defaultScanner.s
}

// Scan reads the log and returns the text of the first matching pattern,
// or the empty string if the log is clean.
func (s *Scanner) Scan(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		for _, re := range s.patterns {
			if re.Match(line) {
				return re.String(), nil
			}
		}
	}
	return "", scanner.Err()
}
