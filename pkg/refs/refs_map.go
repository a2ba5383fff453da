// Copyright 2020 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package refs

import (
	"fmt"
	"runtime"
	"sort"
	"strings"
	"sync/atomic"

	"kvfs.dev/kvfs/pkg/log"
	"kvfs.dev/kvfs/pkg/sync"
)

// CheckedObject represents a reference-counted object with an informative
// leak detection message.
type CheckedObject interface {
	// RefType is the type of the reference-counted object.
	RefType() string

	// LeakMessage supplies a warning to be printed upon leak detection.
	LeakMessage() string

	// LogRefs indicates whether reference-related events should be logged.
	LogRefs() bool
}

// live holds every registered object while leak checking is enabled.
var live struct {
	mu      sync.Mutex
	objects map[CheckedObject]struct{}
}

// logRefs enables logging of every reference event, with a stack trace.
var logRefs atomic.Bool

// SetLogRefs turns per-event reference logging on or off.
func SetLogRefs(enabled bool) {
	logRefs.Store(enabled)
}

// LeakCheckEnabled returns whether leak checking is enabled.
func LeakCheckEnabled() bool {
	return GetLeakMode() != NoLeakChecking
}

// Register adds obj to the live object set.
func Register(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	live.mu.Lock()
	if live.objects == nil {
		live.objects = make(map[CheckedObject]struct{})
	}
	if _, ok := live.objects[obj]; ok {
		live.mu.Unlock()
		panic(fmt.Sprintf("reference %p registered twice", obj))
	}
	live.objects[obj] = struct{}{}
	live.mu.Unlock()
	logEvent(obj, "registered")
}

// Unregister removes obj from the live object set. Objects created before
// leak checking was turned on are ignored.
func Unregister(obj CheckedObject) {
	if !LeakCheckEnabled() {
		return
	}
	live.mu.Lock()
	_, ok := live.objects[obj]
	delete(live.objects, obj)
	live.mu.Unlock()
	if ok {
		logEvent(obj, "unregistered")
	}
}

// LogIncRef logs a reference increment.
func LogIncRef(obj CheckedObject, refs int64) {
	logCount(obj, "IncRef", refs)
}

// LogTryIncRef logs a successful TryIncRef call.
func LogTryIncRef(obj CheckedObject, refs int64) {
	logCount(obj, "TryIncRef", refs)
}

// LogDecRef logs a reference decrement.
func LogDecRef(obj CheckedObject, refs int64) {
	logCount(obj, "DecRef", refs)
}

func logCount(obj CheckedObject, op string, refs int64) {
	if LeakCheckEnabled() && obj.LogRefs() {
		logEvent(obj, fmt.Sprintf("%s to %d", op, refs))
	}
}

func logEvent(obj CheckedObject, msg string) {
	if !obj.LogRefs() {
		return
	}
	buf := make([]byte, 4096)
	log.Infof("[%s %p] %s:\n%s", obj.RefType(), obj, msg, buf[:runtime.Stack(buf, false)])
}

// checkOnce limits DoLeakCheck to a single report per process.
var checkOnce sync.Once

// DoLeakCheck reports every object still registered. It should be called
// once nothing reference-counted is reachable anymore. Only the first call
// does anything.
func DoLeakCheck() {
	if LeakCheckEnabled() {
		checkOnce.Do(func() { doLeakCheck() })
	}
}

// DoRepeatedLeakCheck is like DoLeakCheck but runs on every call. It returns
// the number of leaked objects.
func DoRepeatedLeakCheck() int {
	if !LeakCheckEnabled() {
		return 0
	}
	return doLeakCheck()
}

func doLeakCheck() int {
	live.mu.Lock()
	msgs := make([]string, 0, len(live.objects))
	for obj := range live.objects {
		msgs = append(msgs, obj.LeakMessage())
	}
	live.mu.Unlock()
	if len(msgs) == 0 {
		return 0
	}

	sort.Strings(msgs)
	report := fmt.Sprintf("Leak checking detected %d leaked objects:\n%s", len(msgs), strings.Join(msgs, "\n"))
	if GetLeakMode() == LeaksPanic {
		panic(report)
	}
	log.Warningf("%s", report)
	return len(msgs)
}
