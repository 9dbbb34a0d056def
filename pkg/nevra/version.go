/*
Copyright © 2024 The bootupd Authors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package nevra

import "strings"

// CompareEVR compares two "epoch:version-release" strings per the UAPI
// version-format specification (the same segment-wise digit/alpha/tilde/
// caret algorithm rpm's vercmp uses, with tilde sorting before anything,
// including the empty string, and caret sorting after).
//
// Returns <0, 0, >0 in the conventional strings.Compare sense.
func CompareEVR(a, b string) int {
	ea, va := splitEpoch(a)
	eb, vb := splitEpoch(b)
	if c := compareEpoch(ea, eb); c != 0 {
		return c
	}
	return compareVersionRelease(va, vb)
}

func splitEpoch(evr string) (epoch, rest string) {
	if idx := strings.IndexByte(evr, ':'); idx >= 0 {
		return evr[:idx], evr[idx+1:]
	}
	return "", evr
}

func compareEpoch(a, b string) int {
	if a == "" {
		a = "0"
	}
	if b == "" {
		b = "0"
	}
	return compareSegment(a, b)
}

// compareVersionRelease compares the whole "version-release" string with
// rpmVercmp; the '-' is treated as an ordinary separator, so version and
// release are not compared separately.
func compareVersionRelease(a, b string) int {
	return rpmVercmp(a, b)
}

// rpmVercmp is the classic RPM/UAPI version comparison algorithm: the
// strings are walked left to right, alternating between runs of digits and
// runs of non-digits (tilde and caret are treated as their own one-rune
// segments with special ordering), each pair of corresponding runs is
// compared, and the first unequal comparison decides the result.
func rpmVercmp(a, b string) int {
	for len(a) > 0 || len(b) > 0 {
		// Skip any non-alphanumeric separator runs on both sides; they never
		// contribute to ordering themselves.
		a = skipSeparators(a)
		b = skipSeparators(b)

		// Tilde sorts before everything, including the end of string.
		aTilde := len(a) > 0 && a[0] == '~'
		bTilde := len(b) > 0 && b[0] == '~'
		if aTilde || bTilde {
			if !aTilde {
				return 1
			}
			if !bTilde {
				return -1
			}
			a, b = a[1:], b[1:]
			continue
		}
		// Caret sorts after the end of string but before any other segment.
		aCaret := len(a) > 0 && a[0] == '^'
		bCaret := len(b) > 0 && b[0] == '^'
		if aCaret || bCaret {
			if aCaret && bCaret {
				a, b = a[1:], b[1:]
				continue
			}
			if len(a) == 0 {
				return -1
			}
			if len(b) == 0 {
				return 1
			}
			if aCaret {
				return -1
			}
			return 1
		}

		if len(a) == 0 || len(b) == 0 {
			break
		}

		if isDigit(a[0]) {
			var na, nb string
			na, a = takeWhile(a, isDigit)
			nb, b = takeWhile(b, isDigit)
			if nb == "" {
				// Numeric segment beats an alphabetic (or absent) segment.
				return 1
			}
			if c := compareSegment(na, nb); c != 0 {
				return c
			}
			continue
		}

		if isDigit(b[0]) {
			return -1
		}

		var sa, sb string
		sa, a = takeWhile(a, isAlpha)
		sb, b = takeWhile(b, isAlpha)
		if c := strings.Compare(sa, sb); c != 0 {
			if c < 0 {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) == len(b):
		return 0
	case len(a) > 0:
		return 1
	default:
		return -1
	}
}

// compareSegment compares two runs of digits numerically: leading zeros are
// stripped, then the longer run wins, then the runs compare
// lexicographically. Runs that differ only in leading zeros compare equal.
func compareSegment(a, b string) int {
	a = strings.TrimLeft(a, "0")
	b = strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		if len(a) < len(b) {
			return -1
		}
		return 1
	}
	return strings.Compare(a, b)
}

func isDigit(c byte) bool { return c >= '0' && c <= '9' }
func isAlpha(c byte) bool { return !isDigit(c) && c != '~' && c != '^' }

func isSeparator(c byte) bool {
	return !isDigit(c) && !(c >= 'a' && c <= 'z') && !(c >= 'A' && c <= 'Z') && c != '~' && c != '^'
}

func skipSeparators(s string) string {
	i := 0
	for i < len(s) && isSeparator(s[i]) {
		i++
	}
	return s[i:]
}

func takeWhile(s string, pred func(byte) bool) (taken, rest string) {
	i := 0
	for i < len(s) && pred(s[i]) {
		i++
	}
	return s[:i], s[i:]
}
