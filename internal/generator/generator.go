// Package generator implements the Test Generator Pipeline (spec.md §4.E):
// a single producer goroutine that pulls raw payloads from an opaque
// TestFactory, rewrites them into this fuzzer's own namespace, and pushes
// the resulting TestCases onto a bounded handoff queue for the scheduler.
package generator

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"

	"github.com/ethereum/evmlab-fuzzer/internal/logging"
	"github.com/ethereum/evmlab-fuzzer/internal/store"
	"github.com/ethereum/evmlab-fuzzer/internal/testcase"
)

// QueueCapacity is the bounded handoff queue size spec.md §4.E fixes at 20.
const QueueCapacity = 20

// TestFactory produces one raw state-test payload per call. It is
// deliberately opaque (spec.md §4.E, §9): this fuzzer does not generate
// state tests itself, only rewrites and dispatches what a TestFactory hands
// it.
type TestFactory interface {
	Fill() (map[string]interface{}, error)
}

// Pipeline is the Test Generator Pipeline: one producer goroutine, one
// bounded output channel.
type Pipeline struct {
	factory   TestFactory
	store     *store.Store
	hostTag   string
	forkName  string
	log       *logging.Logger

	out chan *testcase.TestCase
}

// New constructs a Pipeline. forkName is the configured fork (spec.md
// §4.E's `fork_config`) that a `Byzantium`-keyed post-state is rewritten to
// when it differs.
func New(factory TestFactory, st *store.Store, hostTag, forkName string, log *logging.Logger) *Pipeline {
	if log == nil {
		log = logging.Discard()
	}
	return &Pipeline{
		factory:  factory,
		store:    st,
		hostTag:  hostTag,
		forkName: forkName,
		log:      log,
		out:      make(chan *testcase.TestCase, QueueCapacity),
	}
}

// Out is the bounded queue the scheduler reads generated TestCases from.
func (p *Pipeline) Out() <-chan *testcase.TestCase {
	return p.out
}

// Run is the producer loop: fill, rewrite, write to disk, push — blocking
// when the queue is full, exactly as spec.md §4.E describes. It returns
// when ctx is canceled, closing the output channel first.
func (p *Pipeline) Run(ctx context.Context) error {
	defer close(p.out)
	for {
		tc, err := p.next()
		if err != nil {
			p.log.Error("generator: failed to produce test case", "err", err)
			continue
		}

		select {
		case p.out <- tc:
		case <-ctx.Done():
			return ctx.Err()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
	}
}

// next pulls one payload from the factory, applies the two rewrite rules,
// assigns an id, writes the test file and returns the resulting TestCase.
func (p *Pipeline) next() (*testcase.TestCase, error) {
	payload, err := p.factory.Fill()
	if err != nil {
		return nil, errors.Wrap(err, "generator: TestFactory.Fill")
	}

	tc := testcase.New(p.hostTag, deepCopyPayload(payload))
	name, err := rewriteTopLevelKey(tc.Payload, tc.ID)
	if err != nil {
		return nil, errors.Wrap(err, "generator: rewriting top-level key")
	}
	rekeyPostState(tc.Payload, name, p.forkName)
	tc.State = testcase.StateGenerated

	if err := p.store.Write(tc); err != nil {
		return nil, errors.Wrapf(err, "generator: writing test file for %s", tc.ID)
	}
	return tc, nil
}

// rewriteTopLevelKey renames the payload's single top-level
// "randomStatetest" key to "randomStatetest<id>" (spec.md §4.E), returning
// the new key name ("test.name", per spec.md §9's clarified contract).
func rewriteTopLevelKey(payload map[string]interface{}, id string) (string, error) {
	const wantKey = "randomStatetest"

	val, ok := payload[wantKey]
	if !ok {
		// TestFactory implementations are free to already use a unique key;
		// if exactly one top-level key exists, rewrite that one instead of
		// failing outright.
		if len(payload) != 1 {
			return "", errors.Errorf("generator: payload has no %q key and is not single-keyed", wantKey)
		}
		for k, v := range payload {
			val = v
			delete(payload, k)
			break
		}
	} else {
		delete(payload, wantKey)
	}

	newKey := fmt.Sprintf("%s%s", wantKey, id)
	payload[newKey] = val
	return newKey, nil
}

// rekeyPostState re-keys a post-state keyed "Byzantium" to forkName when
// forkName is set and differs, preserving the value (spec.md §4.E).
func rekeyPostState(payload map[string]interface{}, testName, forkName string) {
	if forkName == "" || forkName == "Byzantium" {
		return
	}
	entry, ok := payload[testName].(map[string]interface{})
	if !ok {
		return
	}
	post, ok := entry["post"].(map[string]interface{})
	if !ok {
		return
	}
	val, ok := post["Byzantium"]
	if !ok {
		return
	}
	delete(post, "Byzantium")
	post[forkName] = val
}

// deepCopyPayload round-trips through JSON so mutating the copy can never
// alias state the TestFactory still owns.
func deepCopyPayload(payload map[string]interface{}) map[string]interface{} {
	data, err := json.Marshal(payload)
	if err != nil {
		return payload
	}
	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return payload
	}
	return out
}
