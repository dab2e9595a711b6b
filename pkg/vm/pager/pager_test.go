// Copyright 2024 The vmcore Authors.
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

package pager

import (
	"testing"
	"time"

	"vmcore.dev/vmcore/pkg/errors/kernelerr"
)

func TestRequestWaitBlocksUntilComplete(t *testing.T) {
	var req Request
	req.Arm()

	done := make(chan error, 1)
	go func() {
		done <- req.Wait()
	}()

	select {
	case err := <-done:
		t.Fatalf("Wait returned %v before Complete", err)
	case <-time.After(10 * time.Millisecond):
	}

	req.Complete(nil)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Wait did not return after Complete")
	}
}

func TestRequestCompleteBeforeWait(t *testing.T) {
	var req Request
	req.Arm()
	req.Complete(kernelerr.NotFound)
	if err := req.Wait(); err != kernelerr.NotFound {
		t.Fatalf("Wait: got %v, want NotFound", err)
	}
}

func TestRequestCompleteUnarmedIsNoop(t *testing.T) {
	var req Request
	// A supply racing with a retry may complete a request that is not
	// armed; nothing should blow up and the next cycle works.
	req.Complete(nil)
	req.Arm()
	req.Complete(kernelerr.NotFound)
	if err := req.Wait(); err != kernelerr.NotFound {
		t.Fatalf("Wait: got %v, want NotFound", err)
	}
}

func TestRequestReuse(t *testing.T) {
	var req Request
	for i := 0; i < 3; i++ {
		req.Arm()
		go req.Complete(nil)
		if err := req.Wait(); err != nil {
			t.Fatalf("cycle %d: Wait: %v", i, err)
		}
	}
}

func TestRequestDoubleArmKeepsCycle(t *testing.T) {
	var req Request
	req.Arm()
	req.Arm() // second arm within one cycle is a no-op
	req.Complete(nil)
	if err := req.Wait(); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}
