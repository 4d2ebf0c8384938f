// Package canon implements the Trace Canonicalizer Registry (spec.md §4.C):
// a static per-client mapping from a raw trace byte stream to a sequence of
// client-independent TraceSteps, plus a Stats wrapper that accumulates
// aggregate statistics over that sequence without buffering it.
package canon

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/holiman/uint256"
)

// TraceStep is the canonical, client-independent form of one execution
// step (spec.md §3): enough fields that two semantically-equivalent
// clients produce identical text for it.
type TraceStep struct {
	PC    uint64
	Op    string
	Gas   *uint256.Int
	Depth int
}

// Text renders a TraceStep the way the comparator compares and the archived
// trace logs record it: one deterministic line.
func (s TraceStep) Text() string {
	gas := "0x0"
	if s.Gas != nil {
		gas = s.Gas.Hex()
	}
	return fmt.Sprintf("PC=%d %s GAS=%s DEPTH=%d", s.PC, s.Op, gas, s.Depth)
}

// constantinopleOps lists the opcodes introduced by EIP-145/1014/1052/1283
// for the "Constantinople opcode" statistic spec.md §3 requires.
var constantinopleOps = map[string]bool{
	"SHL":         true,
	"SHR":         true,
	"SAR":         true,
	"CREATE2":     true,
	"EXTCODEHASH": true,
}

// Canonicalizer turns one client's raw trace stream into a sequence of
// TraceSteps. Implementations must be pure functions of their input.
type Canonicalizer func(r io.Reader) ([]TraceStep, error)

// Registry is the static client-name -> Canonicalizer map spec.md §4.C and
// §9 describe in place of the source's dynamic lookup.
var Registry = map[string]Canonicalizer{
	"geth":   CanonicalizeGeth,
	"parity": CanonicalizeParity,
	"hera":   CanonicalizeHera,
	"cpp":    CanonicalizeCpp,
}

// gethLine is the subset of geth's `evm --json` trace line this fuzzer
// cares about.
type gethLine struct {
	Pc    uint64 `json:"pc"`
	Op    string `json:"op"`
	Gas   string `json:"gas"`
	Depth int    `json:"depth"`
}

// CanonicalizeGeth parses geth's `evm --json --nomemory` trace stream
// (one JSON object per line).
func CanonicalizeGeth(r io.Reader) ([]TraceStep, error) {
	return parseJSONLines(r, func(l gethLine) TraceStep {
		return TraceStep{PC: l.Pc, Op: l.Op, Gas: parseHexU256(l.Gas), Depth: l.Depth}
	})
}

// CanonicalizeParity parses parity/openethereum's `--std-json` trace
// stream, which uses the same field names as geth's.
func CanonicalizeParity(r io.Reader) ([]TraceStep, error) {
	return parseJSONLines(r, func(l gethLine) TraceStep {
		return TraceStep{PC: l.Pc, Op: l.Op, Gas: parseHexU256(l.Gas), Depth: l.Depth}
	})
}

// heraLine models the fields hera/aleth emit for each step.
type heraLine struct {
	Pc    uint64 `json:"pc"`
	Inst  string `json:"op"`
	Gas   string `json:"gas"`
	Depth int    `json:"depth"`
}

// CanonicalizeHera parses hera's aleth-derived JSON trace stream.
func CanonicalizeHera(r io.Reader) ([]TraceStep, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var out []TraceStep
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var hl heraLine
		if err := json.Unmarshal([]byte(line), &hl); err != nil {
			continue // non-JSON banner/diagnostic lines are skipped, not fatal
		}
		out = append(out, TraceStep{PC: hl.Pc, Op: hl.Inst, Gas: parseHexU256(hl.Gas), Depth: hl.Depth})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// CanonicalizeCpp parses aleth/cpp-vm's custom (non-JSON-lines) trace
// format: "<pc> <OP> <gas> <depth>" per line.
func CanonicalizeCpp(r io.Reader) ([]TraceStep, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var out []TraceStep
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 4 {
			continue
		}
		pc, err := strconv.ParseUint(fields[0], 10, 64)
		if err != nil {
			continue
		}
		depth, err := strconv.Atoi(fields[3])
		if err != nil {
			continue
		}
		out = append(out, TraceStep{PC: pc, Op: fields[1], Gas: parseHexU256(fields[2]), Depth: depth})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func parseJSONLines(r io.Reader, toStep func(gethLine) TraceStep) ([]TraceStep, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var out []TraceStep
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var l gethLine
		if err := json.Unmarshal([]byte(line), &l); err != nil {
			continue
		}
		out = append(out, toStep(l))
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// parseHexU256 parses a "0x..." gas value into a uint256.Int, the same
// numeric type go-ethereum itself uses for EVM words — normalizing gas
// values so clients that print gas in decimal vs hex still compare equal
// once rendered back through TraceStep.Text.
func parseHexU256(s string) *uint256.Int {
	s = strings.TrimSpace(s)
	if s == "" {
		return uint256.NewInt(0)
	}
	v := new(uint256.Int)
	if strings.HasPrefix(s, "0x") || strings.HasPrefix(s, "0X") {
		if err := v.SetFromHex(s); err == nil {
			return v
		}
		return uint256.NewInt(0)
	}
	if n, err := strconv.ParseUint(s, 10, 64); err == nil {
		return uint256.NewInt(n)
	}
	return uint256.NewInt(0)
}

// WaitForFile covers the documented "race with exec" case of spec.md §4.C:
// it watches path's parent directory for up to grace and returns true as
// soon as path exists, or false if the grace window elapses first. Callers
// that get false fall back to the empty-trace-plus-logged-event behavior
// spec.md §4.C and §7 require.
func WaitForFile(path string, grace time.Duration) bool {
	if _, err := os.Stat(path); err == nil {
		return true
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return false
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	if err := watcher.Add(dir); err != nil {
		return false
	}

	timeout := time.NewTimer(grace)
	defer timeout.Stop()

	for {
		select {
		case ev, ok := <-watcher.Events:
			if !ok {
				return false
			}
			if filepath.Base(ev.Name) == base {
				if _, err := os.Stat(path); err == nil {
					return true
				}
			}
		case <-watcher.Errors:
			return false
		case <-timeout.C:
			_, err := os.Stat(path)
			return err == nil
		}
	}
}

// Stats accumulates maxDepth, constantinopleOps and total trace length over
// a TraceStep sequence without buffering it (spec.md §4.C).
type Stats struct {
	MaxDepth          int
	ConstantinopleOps int
	Length            int
}

// Observe folds every step of steps into s before returning, then hands
// steps back unchanged. Mirrors the source's Stats.traceStats generator
// wrapper.
func (s *Stats) Observe(steps []TraceStep) []TraceStep {
	for _, step := range steps {
		s.Length++
		if step.Depth > s.MaxDepth {
			s.MaxDepth = step.Depth
		}
		if constantinopleOps[step.Op] {
			s.ConstantinopleOps++
		}
	}
	return steps
}
