// Package kernelver implements the loose dotted/numeric version compare
// used to gate kernel-capability-dependent behavior (e.g. host-iface
// support), following `uname -r` strings such as "5.8.0-63-generic".
package kernelver

import (
	"bytes"
	"regexp"
	"strconv"

	"golang.org/x/sys/unix"
)

// MinHostIfaceKernel is the lowest kernel release known to honor
// NVMe/TCP's host-iface binding; older kernels silently ignore it, so
// callers should omit host-iface rather than fail outright.
const MinHostIfaceKernel = "5.8.0"

// HostRelease returns the running kernel's release string (uname -r),
// e.g. "5.8.0-63-generic".
func HostRelease() (string, error) {
	var uts unix.Utsname
	if err := unix.Uname(&uts); err != nil {
		return "", err
	}
	return cstring(uts.Release[:]), nil
}

func cstring(b []byte) string {
	if i := bytes.IndexByte(b, 0); i >= 0 {
		b = b[:i]
	}
	return string(b)
}

var numRe = regexp.MustCompile(`[0-9]+`)

// components extracts every run of digits in a version string, in
// order, whatever separates them (e.g. "5.8.0-63-generic" -> [5 8 0 63]).
func components(v string) []int {
	matches := numRe.FindAllString(v, -1)
	out := make([]int, 0, len(matches))
	for _, m := range matches {
		n, err := strconv.Atoi(m)
		if err != nil {
			continue
		}
		out = append(out, n)
	}
	return out
}

// Compare returns -1, 0, or 1 as a is less than, equal to, or greater
// than b, comparing their numeric components left to right and treating
// a missing trailing component as 0.
func Compare(a, b string) int {
	ca, cb := components(a), components(b)
	n := len(ca)
	if len(cb) > n {
		n = len(cb)
	}
	for i := 0; i < n; i++ {
		var x, y int
		if i < len(ca) {
			x = ca[i]
		}
		if i < len(cb) {
			y = cb[i]
		}
		if x != y {
			if x < y {
				return -1
			}
			return 1
		}
	}
	return 0
}

// Less reports whether a < b.
func Less(a, b string) bool { return Compare(a, b) < 0 }

// LessOrEqual reports whether a <= b.
func LessOrEqual(a, b string) bool { return Compare(a, b) <= 0 }

// Greater reports whether a > b.
func Greater(a, b string) bool { return Compare(a, b) > 0 }
