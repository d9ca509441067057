// Copyright 2025 Kadir Pekel
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

package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func recvWithTimeout(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e := <-ch:
		return e
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return Event{}
	}
}

func TestPublishSubscribe(t *testing.T) {
	b := New()
	_, ch := b.Subscribe()

	b.Publish(context.Background(), Event{Type: TypeTaskCreated, TaskID: "t1"})

	e := recvWithTimeout(t, ch)
	assert.Equal(t, TypeTaskCreated, e.Type)
	assert.Equal(t, "t1", e.TaskID)
}

func TestPublishFansOutToAllSubscribers(t *testing.T) {
	b := New()
	_, ch1 := b.Subscribe()
	_, ch2 := b.Subscribe()

	b.Publish(context.Background(), Event{Type: TypeHeartbeat})

	assert.Equal(t, TypeHeartbeat, recvWithTimeout(t, ch1).Type)
	assert.Equal(t, TypeHeartbeat, recvWithTimeout(t, ch2).Type)
}

func TestPublishOrderingPerTaskID(t *testing.T) {
	b := New()
	_, ch := b.Subscribe()

	for i := 0; i < 10; i++ {
		b.Publish(context.Background(), Event{Type: TypeIterationStart, TaskID: "t1", Payload: i})
	}

	for i := 0; i < 10; i++ {
		e := recvWithTimeout(t, ch)
		assert.Equal(t, i, e.Payload)
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := New()
	id, ch := b.Subscribe()

	b.Unsubscribe(id)

	_, ok := <-ch
	assert.False(t, ok)
}

func TestUnsubscribeTwiceIsSafe(t *testing.T) {
	b := New()
	id, _ := b.Subscribe()

	assert.NotPanics(t, func() {
		b.Unsubscribe(id)
		b.Unsubscribe(id)
	})
}

func TestPublishAfterUnsubscribeDoesNotPanic(t *testing.T) {
	b := New()
	id, _ := b.Subscribe()
	b.Unsubscribe(id)

	assert.NotPanics(t, func() {
		b.Publish(context.Background(), Event{Type: TypeHeartbeat})
	})
}

func TestOverflowDropsOldestAndNotifies(t *testing.T) {
	b := New()
	_, ch := b.Subscribe()

	// Fill the subscriber's bounded queue past capacity without draining it.
	for i := 0; i < subscriberQueueSize+5; i++ {
		b.Publish(context.Background(), Event{Type: TypeIterationStart, TaskID: "t1", Payload: i})
	}

	// The queue should contain a BUS_OVERFLOW marker somewhere once drained.
	sawOverflow := false
	for len(ch) > 0 {
		if (<-ch).Type == TypeBusOverflow {
			sawOverflow = true
		}
	}
	assert.True(t, sawOverflow)
}

func TestClosePreventsFurtherDelivery(t *testing.T) {
	b := New()
	_, ch := b.Subscribe()

	b.Close()

	_, ok := <-ch
	assert.False(t, ok)

	require.NotPanics(t, func() {
		b.Publish(context.Background(), Event{Type: TypeHeartbeat})
	})
}

func TestConcurrentPublishIsRaceFree(t *testing.T) {
	b := New()
	_, ch := b.Subscribe()
	done := make(chan struct{})
	go func() {
		for range ch {
		}
		close(done)
	}()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			b.Publish(context.Background(), Event{Type: TypeHeartbeat, TaskID: "shared"})
		}(i)
	}
	wg.Wait()

	b.Close()
	<-done
}
