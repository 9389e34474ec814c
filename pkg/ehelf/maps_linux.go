//go:build linux

package ehelf

// Segment discovery is the Go analogue of the C original's
// fill_memory_map_callback (original_source/stack_walker/stack_walker.cpp),
// which drives dl_iterate_phdr to enumerate PT_LOAD program headers. Go
// programs have no portable dl_iterate_phdr binding, but the kernel
// exposes the exact same information as text through /proc/self/maps,
// one line per mapping, which this file parses directly.

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// readExecutableSegments parses /proc/self/maps and returns one entry
// per executable mapping, excluding the vDSO (spec.md §4.5: "for each
// executable PT_LOAD segment... excluding the vDSO"). A segment with no
// backing path (the main executable's first mapping, on some kernels) is
// resolved via /proc/self/exe.
func readExecutableSegments() ([]mapEntry, error) {
	f, err := os.Open("/proc/self/maps")
	if err != nil {
		return nil, fmt.Errorf("ehelf: open /proc/self/maps: %w", err)
	}
	defer f.Close()

	var out []mapEntry
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		entry, ok, err := parseMapsLine(sc.Text())
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		if entry.objPath == "" {
			path, err := readlinkRec("/proc/self/exe")
			if err != nil {
				return nil, fmt.Errorf("ehelf: resolve /proc/self/exe: %w", err)
			}
			entry.objPath = path
		}
		out = append(out, entry)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("ehelf: scan /proc/self/maps: %w", err)
	}
	return out, nil
}

// parseMapsLine decodes one /proc/self/maps line, e.g.:
//
//	7f1234000000-7f1234021000 r-xp 00001000 08:01 123456  /lib/libc.so.6
//
// ok is false for non-executable mappings and the vDSO, which the spec
// explicitly excludes.
func parseMapsLine(line string) (mapEntry, bool, error) {
	fields := strings.Fields(line)
	if len(fields) < 5 {
		return mapEntry{}, false, nil
	}

	perms := fields[1]
	if !strings.Contains(perms, "x") {
		return mapEntry{}, false, nil
	}

	path := ""
	if len(fields) >= 6 {
		path = fields[5]
	}
	if strings.Contains(path, "[vdso]") || strings.HasPrefix(path, "[") {
		return mapEntry{}, false, nil
	}

	rng := strings.SplitN(fields[0], "-", 2)
	if len(rng) != 2 {
		return mapEntry{}, false, fmt.Errorf("ehelf: malformed maps range %q", fields[0])
	}
	beg, err := strconv.ParseUint(rng[0], 16, 64)
	if err != nil {
		return mapEntry{}, false, fmt.Errorf("ehelf: malformed maps range %q: %w", fields[0], err)
	}
	end, err := strconv.ParseUint(rng[1], 16, 64)
	if err != nil {
		return mapEntry{}, false, fmt.Errorf("ehelf: malformed maps range %q: %w", fields[0], err)
	}
	offset, err := strconv.ParseUint(fields[2], 16, 64)
	if err != nil {
		return mapEntry{}, false, fmt.Errorf("ehelf: malformed maps offset %q: %w", fields[2], err)
	}

	return mapEntry{beg: beg, end: end, offset: offset, objPath: path}, true, nil
}

// readlinkRec resolves path through as many symlink hops as necessary
// and returns the final target. The original's readlink_rec
// (original_source/stack_walker/stack_walker.cpp) has no stopping
// condition on success and loops forever on an already-resolved path;
// the corrected behavior (spec.md §9) is to stop as soon as readlink
// fails with EINVAL (the path is not itself a symlink) and return the
// last successfully read name.
func readlinkRec(path string) (string, error) {
	cur := path
	last := path
	buf := make([]byte, 4096)
	for {
		n, err := unix.Readlink(cur, buf)
		if err != nil {
			if err == unix.EINVAL {
				return last, nil
			}
			return "", fmt.Errorf("ehelf: readlink %s: %w", cur, err)
		}
		last = string(buf[:n])
		cur = last
	}
}
