package instance

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Tyrowin/dashrouter/internal/events"
	"github.com/Tyrowin/dashrouter/internal/protocol"
	"github.com/Tyrowin/dashrouter/internal/protocol/prototest"
)

const testDelay = 10 * time.Millisecond

var fixedNow = time.Date(2024, time.May, 1, 14, 30, 15, 0, time.UTC)

type capturePublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (c *capturePublisher) Publish(_ context.Context, _ string, payload []byte) error {
	var ev events.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	c.mu.Lock()
	c.events = append(c.events, ev)
	c.mu.Unlock()
	return nil
}

func (c *capturePublisher) Close() {}

func (c *capturePublisher) names() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.events))
	for _, ev := range c.events {
		out = append(out, ev.Event)
	}
	return out
}

type fixture struct {
	svc   *Service
	store *Store
	sched *Scheduler
	pub   *capturePublisher
	d     *protocol.Dispatcher
}

func newFixture(t *testing.T, seed ...Instance) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)
	store := NewStore(seed...)
	sched := NewScheduler(testDelay, logger, nil)
	pub := &capturePublisher{}

	n := 0
	svc := NewService(store, sched, pub, logger,
		WithClock(func() time.Time { return fixedNow }),
		WithIDGenerator(func() string {
			n++
			return fmt.Sprintf("I%d", n)
		}),
	)
	d := protocol.NewDispatcher(logger, nil)
	svc.Register(d)
	t.Cleanup(func() { sched.Stop() })
	return &fixture{svc: svc, store: store, sched: sched, pub: pub, d: d}
}

func (f *fixture) send(conn protocol.Conn, raw string) {
	f.d.Handle(context.Background(), conn, []byte(raw))
}

func decodeInstance(t *testing.T, r prototest.Response) Instance {
	t.Helper()
	var inst Instance
	require.NoError(t, r.DecodeData(&inst))
	return inst
}

func TestLoadInstancesReturnsSnapshot(t *testing.T) {
	f := newFixture(t, Instance{ID: "I0", State: Stopped})
	conn := prototest.NewConn("c1")

	f.send(conn, `{"method":"loadInstances"}`)

	resp := conn.Responses()
	require.Len(t, resp, 1)
	assert.Equal(t, MethodLoad, resp[0].Method)
	assert.True(t, resp[0].Status)
	assert.JSONEq(t, `[{"id":"I0","state":"stopped"}]`, string(resp[0].Data))
	assert.Equal(t, 0, f.sched.Len(), "load never schedules work")
}

func TestCreateRequestTwoPhase(t *testing.T) {
	f := newFixture(t, Instance{ID: "I0", State: Stopped})
	conn := prototest.NewConn("c1")
	other := prototest.NewConn("c2")

	f.send(conn, `{"method":"createRequest"}`)

	ack := conn.Responses()
	require.Len(t, ack, 1)
	assert.Equal(t, MethodCreate, ack[0].Method)
	assert.True(t, ack[0].Status)
	assert.Equal(t, "Get request on creating", ack[0].Text)
	assert.Equal(t, "02:30:15 01.05.24", ack[0].Date)
	assert.JSONEq(t, `{"id":"I1"}`, string(ack[0].Data))

	_, exists := f.store.Get("I1")
	assert.False(t, exists, "instance only appears in the deferred phase")
	assert.Len(t, f.sched.Pending("I1"), 1)

	f.sched.Wait()

	resp := conn.Responses()
	require.Len(t, resp, 2)
	assert.Equal(t, MethodCreated, resp[1].Method)
	assert.True(t, resp[1].Status)
	assert.Equal(t, "Created", resp[1].Text)
	assert.Equal(t, Instance{ID: "I1", State: Stopped}, decodeInstance(t, resp[1]))

	f.send(other, `{"method":"loadInstances"}`)
	load := other.Responses()
	require.Len(t, load, 1)
	assert.JSONEq(t, `[{"id":"I0","state":"stopped"},{"id":"I1","state":"stopped"}]`, string(load[0].Data))
	assert.Equal(t, []string{events.InstanceCreated}, f.pub.names())
}

func TestCreateRequestIDsAreDistinct(t *testing.T) {
	logger := zaptest.NewLogger(t)
	store := NewStore()
	sched := NewScheduler(testDelay, logger, nil)
	svc := NewService(store, sched, nil, logger)
	conn := prototest.NewConn("c1")

	for i := 0; i < 50; i++ {
		svc.CreateRequest(context.Background(), conn, nil)
	}
	sched.Wait()

	seen := make(map[string]bool)
	for _, inst := range store.Snapshot() {
		assert.False(t, seen[inst.ID], "id %s assigned twice", inst.ID)
		seen[inst.ID] = true
		assert.Equal(t, Stopped, inst.State)
	}
	assert.Len(t, seen, 50)
}

func TestCreateRequestSurvivesRequesterDisconnect(t *testing.T) {
	f := newFixture(t)
	conn := prototest.NewConn("c1")

	f.send(conn, `{"method":"createRequest"}`)
	conn.Close()

	assert.NotPanics(t, f.sched.Wait)
	assert.Equal(t, 1, f.store.Len(), "mutation happens without the requester")
	assert.Equal(t, 1, conn.Len(), "only the acknowledgment was delivered")
}

func TestSwitchRequestTransitions(t *testing.T) {
	tests := []struct {
		name      string
		initial   State
		requested string
		wantText  string
		wantDone  string
		wantState State
	}{
		{"start stopped instance", Stopped, "stopped", "Get request on server run", "Started", Running},
		{"stop running instance", Running, "running", "Get request on server stop", "Stopped", Stopped},
		{"direction follows current state when omitted", Running, "", "Get request on server stop", "Stopped", Stopped},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t,
				Instance{ID: "I0", State: tt.initial},
				Instance{ID: "other", State: Stopped},
			)
			conn := prototest.NewConn("c1")

			payload := `{"id":"I0"}`
			if tt.requested != "" {
				payload = fmt.Sprintf(`{"id":"I0","state":%q}`, tt.requested)
			}
			f.send(conn, `{"method":"switchRequest","data":`+payload+`}`)

			ack := conn.Responses()
			require.Len(t, ack, 1)
			assert.Equal(t, MethodSwitch, ack[0].Method)
			assert.True(t, ack[0].Status)
			assert.Equal(t, tt.wantText, ack[0].Text)
			assert.JSONEq(t, `{"id":"I0"}`, string(ack[0].Data))

			current, _ := f.store.Get("I0")
			assert.Equal(t, tt.initial, current.State, "state changes only after the delay")

			f.sched.Wait()

			resp := conn.Responses()
			require.Len(t, resp, 2)
			assert.Equal(t, MethodSwitched, resp[1].Method)
			assert.True(t, resp[1].Status)
			assert.Equal(t, tt.wantDone, resp[1].Text)
			assert.Equal(t, Instance{ID: "I0", State: tt.wantState}, decodeInstance(t, resp[1]))

			got, _ := f.store.Get("I0")
			assert.Equal(t, tt.wantState, got.State)
			untouched, _ := f.store.Get("other")
			assert.Equal(t, Stopped, untouched.State)
		})
	}
}

func TestSwitchRequestInvalidPayload(t *testing.T) {
	for _, raw := range []string{
		`{"method":"switchRequest"}`,
		`{"method":"switchRequest","data":null}`,
		`{"method":"switchRequest","data":"I0"}`,
		`{"method":"switchRequest","data":{"state":"stopped"}}`,
		`{"method":"switchRequest","data":{"id":7}}`,
	} {
		t.Run(raw, func(t *testing.T) {
			f := newFixture(t, Instance{ID: "I0", State: Stopped})
			conn := prototest.NewConn("c1")

			f.send(conn, raw)

			resp := conn.Responses()
			require.Len(t, resp, 1)
			assert.Equal(t, MethodSwitch, resp[0].Method)
			assert.False(t, resp[0].Status)
			assert.Equal(t, textInvalidPayload, resp[0].Text)
			assert.Equal(t, 0, f.sched.Len())
		})
	}
}

func TestSwitchRequestUnknownID(t *testing.T) {
	f := newFixture(t, Instance{ID: "I0", State: Stopped})
	conn := prototest.NewConn("c1")

	f.send(conn, `{"method":"switchRequest","data":{"id":"nope","state":"stopped"}}`)

	resp := conn.Responses()
	require.Len(t, resp, 1)
	assert.False(t, resp[0].Status)
	assert.Equal(t, textNotFound, resp[0].Text)
	assert.JSONEq(t, `{"id":"nope"}`, string(resp[0].Data))
	assert.Equal(t, 0, f.sched.Len(), "nothing is scheduled for a missing target")
}

func TestSwitchAfterTargetRemovedReportsFailure(t *testing.T) {
	f := newFixture(t, Instance{ID: "I0", State: Stopped})
	operator := prototest.NewConn("op")

	f.send(operator, `{"method":"switchRequest","data":{"id":"I0","state":"stopped"}}`)
	_, err := f.store.Remove("I0")
	require.NoError(t, err)

	require.NotPanics(t, f.sched.Wait)

	resp := operator.Responses()
	require.Len(t, resp, 2)
	assert.True(t, resp[0].Status, "target existed at request time")
	assert.Equal(t, MethodSwitched, resp[1].Method)
	assert.False(t, resp[1].Status)
	assert.Equal(t, textNotFound, resp[1].Text)
	assert.JSONEq(t, `{"id":"I0"}`, string(resp[1].Data))
	assert.Equal(t, 0, f.store.Len(), "a vanished target is not resurrected")
	assert.Empty(t, f.pub.names())
}

func TestDeleteRequestRemovesOnlyTarget(t *testing.T) {
	f := newFixture(t,
		Instance{ID: "a", State: Stopped},
		Instance{ID: "b", State: Running},
		Instance{ID: "c", State: Stopped},
	)
	conn := prototest.NewConn("c1")

	f.send(conn, `{"method":"deleteRequest","data":{"id":"b"}}`)

	ack := conn.Responses()
	require.Len(t, ack, 1)
	assert.Equal(t, MethodDelete, ack[0].Method)
	assert.Equal(t, "Get request on server deleting", ack[0].Text)
	assert.Equal(t, 3, f.store.Len())

	f.sched.Wait()

	resp := conn.Responses()
	require.Len(t, resp, 2)
	assert.Equal(t, MethodDeleted, resp[1].Method)
	assert.True(t, resp[1].Status)
	assert.Equal(t, "Removed", resp[1].Text)
	assert.JSONEq(t, `{"id":"b"}`, string(resp[1].Data))
	assert.Equal(t, []Instance{{ID: "a", State: Stopped}, {ID: "c", State: Stopped}}, f.store.Snapshot())
	assert.Equal(t, []string{events.InstanceDeleted}, f.pub.names())
}

func TestDeleteRequestRepeatedIsNoop(t *testing.T) {
	f := newFixture(t, Instance{ID: "a", State: Stopped}, Instance{ID: "b", State: Stopped})
	conn := prototest.NewConn("c1")

	f.send(conn, `{"method":"deleteRequest","data":{"id":"a"}}`)
	f.sched.Wait()
	f.send(conn, `{"method":"deleteRequest","data":{"id":"a"}}`)
	require.NotPanics(t, f.sched.Wait)

	resp := conn.Responses()
	require.Len(t, resp, 4)
	assert.True(t, resp[2].Status, "the repeated request is still acknowledged")
	assert.Equal(t, MethodDeleted, resp[3].Method)
	assert.False(t, resp[3].Status)
	assert.Equal(t, textNotFound, resp[3].Text)
	assert.Equal(t, []Instance{{ID: "b", State: Stopped}}, f.store.Snapshot())
}

func TestDeleteRequestInvalidPayload(t *testing.T) {
	f := newFixture(t, Instance{ID: "a", State: Stopped})
	conn := prototest.NewConn("c1")

	f.send(conn, `{"method":"deleteRequest","data":{}}`)

	resp := conn.Responses()
	require.Len(t, resp, 1)
	assert.False(t, resp[0].Status)
	assert.Equal(t, textInvalidPayload, resp[0].Text)
	assert.False(t, resp[0].HasData())
	assert.Equal(t, 0, f.sched.Len())
}

func TestRepliesAreRequesterOnly(t *testing.T) {
	f := newFixture(t, Instance{ID: "I0", State: Stopped})
	requester := prototest.NewConn("req")
	bystander := prototest.NewConn("by")

	f.send(requester, `{"method":"createRequest"}`)
	f.send(requester, `{"method":"switchRequest","data":{"id":"I0","state":"stopped"}}`)
	f.send(requester, `{"method":"deleteRequest","data":{"id":"I0"}}`)
	f.sched.Wait()

	assert.Equal(t, 6, requester.Len())
	assert.Zero(t, bystander.Len())
}

func TestOperationsAfterSchedulerStop(t *testing.T) {
	f := newFixture(t, Instance{ID: "I0", State: Stopped})
	conn := prototest.NewConn("c1")
	f.sched.Stop()

	f.send(conn, `{"method":"createRequest"}`)

	assert.Equal(t, 1, conn.Len(), "acknowledged but never confirmed")
	assert.Equal(t, 1, f.store.Len())
}
