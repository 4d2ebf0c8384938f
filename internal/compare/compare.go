// Package compare implements the Comparator & Reporter (spec.md §4.G): it
// takes a finished TestCase's per-client canonical traces, decides pass or
// fail, and on divergence or force_save writes the combined/shortened
// summary artifacts alongside the archived test.
package compare

import (
	"bytes"
	"fmt"
	"hash/fnv"
	"strings"

	"github.com/VictoriaMetrics/fastcache"

	"github.com/ethereum/evmlab-fuzzer/internal/canon"
	"github.com/ethereum/evmlab-fuzzer/internal/logging"
)

// divergenceMarker is inserted into the combined trace at the first index
// where any two clients' canonical steps disagree (spec.md §4.G).
const divergenceMarker = "[!!]"

// precedingWindow/followingWindow are the shortened_trace.log bounds
// spec.md §4.G and scenario 2 fix: up to 20 steps before the divergence,
// up to 5 after.
const (
	precedingWindow = 20
	followingWindow = 5
)

// Result is the outcome of comparing one test's per-client traces.
type Result struct {
	Equivalent bool
	// DivergenceIndex is the first step index at which any two clients
	// disagree, or -1 if Equivalent (or no client produced any steps).
	DivergenceIndex int
	// Lines holds each client's rendered trace lines, keyed by client name.
	Lines map[string][]string
	// MaxLength is the number of lines in the longest per-client trace.
	MaxLength int
}

// Compare decides equivalence across traces, one []canon.TraceStep per
// client, following spec.md §4.G's fixed rule: equivalent iff every client
// produced the same number of steps and every step is textually identical
// at every index. Unequal lengths are never equivalent, even if every
// shared prefix matches.
func Compare(traces map[string][]canon.TraceStep) Result {
	lines := make(map[string][]string, len(traces))
	maxLen := 0
	for client, steps := range traces {
		ls := make([]string, len(steps))
		for i, s := range steps {
			ls[i] = s.Text()
		}
		lines[client] = ls
		if len(ls) > maxLen {
			maxLen = len(ls)
		}
	}

	res := Result{Equivalent: true, DivergenceIndex: -1, Lines: lines, MaxLength: maxLen}
	if len(lines) < 2 {
		return res
	}

	firstLen := -1
	for _, ls := range lines {
		if firstLen == -1 {
			firstLen = len(ls)
		} else if len(ls) != firstLen {
			res.Equivalent = false
		}
	}

	for i := 0; i < maxLen; i++ {
		var ref string
		haveRef := false
		for _, ls := range lines {
			if i >= len(ls) {
				res.Equivalent = false
				if res.DivergenceIndex == -1 {
					res.DivergenceIndex = i
				}
				continue
			}
			if !haveRef {
				ref = ls[i]
				haveRef = true
				continue
			}
			if ls[i] != ref {
				res.Equivalent = false
				if res.DivergenceIndex == -1 {
					res.DivergenceIndex = i
				}
			}
		}
		if !res.Equivalent && res.DivergenceIndex != -1 {
			break
		}
	}

	return res
}

// DedupCache suppresses repeated log noise for a fuzzer run that keeps
// re-discovering the same already-archived consensus bug: the first time a
// divergence fingerprint is seen it logs at WARN, every subsequent time at
// DEBUG.
type DedupCache struct {
	c *fastcache.Cache
}

// NewDedupCache allocates a small bounded fastcache-backed cache for
// divergence fingerprints.
func NewDedupCache(maxBytes int) *DedupCache {
	return &DedupCache{c: fastcache.New(maxBytes)}
}

// Fingerprint hashes the client pair, the divergence step index, and the
// two differing lines into a stable dedup key.
func Fingerprint(clientA, lineA, clientB, lineB string, index int) uint64 {
	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%s|%s|%d", clientA, lineA, clientB, lineB, index)
	return h.Sum64()
}

// Seen reports whether fingerprint has already been recorded, recording it
// if not.
func (d *DedupCache) Seen(fingerprint uint64) bool {
	key := make([]byte, 8)
	for i := 0; i < 8; i++ {
		key[i] = byte(fingerprint >> (8 * i))
	}
	if d.c.Has(key) {
		return true
	}
	d.c.Set(key, []byte{1})
	return false
}

// LogDivergence logs a CONSENSUS BUG for res at WARN the first time its
// fingerprint is seen, DEBUG on every repeat (spec.md §7 kind 4).
func LogDivergence(log *logging.Logger, dedup *DedupCache, testID string, res Result, clientOrder []string) {
	if res.Equivalent || len(clientOrder) < 2 {
		return
	}
	a, b := clientOrder[0], clientOrder[1]
	lineAt := func(client string) string {
		ls := res.Lines[client]
		if res.DivergenceIndex >= 0 && res.DivergenceIndex < len(ls) {
			return ls[res.DivergenceIndex]
		}
		return "<missing>"
	}
	fp := Fingerprint(a, lineAt(a), b, lineAt(b), res.DivergenceIndex)

	if dedup != nil && dedup.Seen(fp) {
		log.Debug("consensus bug (repeat)", "test", testID, "index", res.DivergenceIndex)
		return
	}
	log.Warn("CONSENSUS BUG", "test", testID, "index", res.DivergenceIndex, "clients", strings.Join(clientOrder, ","))
}

// CombinedTrace renders the combined_trace.log artifact spec.md §4.G and
// §6 describe: every client's lines concatenated, with a single divergence
// marker line inserted at res.DivergenceIndex of the first client section
// that reaches that index.
func CombinedTrace(res Result, clientOrder []string) []byte {
	var buf bytes.Buffer
	marked := false
	for _, client := range clientOrder {
		lines := res.Lines[client]
		fmt.Fprintf(&buf, "=== %s ===\n", client)
		for i, l := range lines {
			if i == res.DivergenceIndex && !marked {
				buf.WriteString(divergenceMarker + "\n")
				marked = true
			}
			buf.WriteString(l)
			buf.WriteByte('\n')
		}
		if !marked && res.DivergenceIndex >= 0 && res.DivergenceIndex == len(lines) {
			buf.WriteString(divergenceMarker + "\n")
			marked = true
		}
	}
	return buf.Bytes()
}

// ShortenedTrace renders shortened_trace.log: up to precedingWindow steps
// before the divergence and up to followingWindow after, for one
// representative client (the first in clientOrder that has any lines).
func ShortenedTrace(res Result, clientOrder []string) []byte {
	if res.DivergenceIndex < 0 {
		return nil
	}
	var lines []string
	for _, client := range clientOrder {
		if ls := res.Lines[client]; len(ls) > 0 {
			lines = ls
			break
		}
	}
	if lines == nil {
		return nil
	}

	start := res.DivergenceIndex - precedingWindow
	if start < 0 {
		start = 0
	}
	end := res.DivergenceIndex + followingWindow + 1
	if end > len(lines) {
		end = len(lines)
	}

	var buf bytes.Buffer
	for i := start; i < end; i++ {
		if i == res.DivergenceIndex {
			buf.WriteString(divergenceMarker + "\n")
		}
		buf.WriteString(lines[i])
		buf.WriteByte('\n')
	}
	return buf.Bytes()
}
