package fanout_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/neilotoole/slogt"

	"github.com/GetStream/realtime-fanout/event"
	"github.com/GetStream/realtime-fanout/fanout"
	"github.com/GetStream/realtime-fanout/redis"
	"github.com/GetStream/realtime-fanout/session"
)

type members map[string][]string

func (m members) MembersOf(_ context.Context, conversationID string) ([]string, error) {
	return m[conversationID], nil
}

type delivery struct {
	user string
	env  event.Envelope
}

type recorder struct {
	mu  sync.Mutex
	got []delivery
	ch  chan struct{}
}

func (r *recorder) PushToUser(userID, _ string, env event.Envelope) error {
	r.mu.Lock()
	r.got = append(r.got, delivery{user: userID, env: env})
	r.mu.Unlock()
	r.ch <- struct{}{}
	return nil
}

func (r *recorder) PushToTopic(string, event.Envelope) error { return nil }

// Two processes share one broker; each delivers only to its own sessions.
func TestFanout_AcrossProcesses(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	srv := miniredis.RunT(t)

	conn := func() *redis.Redis {
		r, err := redis.Connect(ctx, redis.Options{Addr: srv.Addr(), Timeout: time.Second})
		if err != nil {
			t.Fatal(err)
		}
		t.Cleanup(func() { _ = r.Close() })
		return r
	}

	conv := members{"C": {"A", "B", "D"}}

	regA := session.New()
	if _, err := regA.Add("A", "sa"); err != nil {
		t.Fatal(err)
	}
	regB := session.New()
	if _, err := regB.Add("B", "sb"); err != nil {
		t.Fatal(err)
	}

	recA := &recorder{ch: make(chan struct{}, 8)}
	recB := &recorder{ch: make(chan struct{}, 8)}
	subA := fanout.NewSubscriber(conn(), conv, recA, regA, slogt.New(t))
	subB := fanout.NewSubscriber(conn(), conv, recB, regB, slogt.New(t))
	go func() { _ = subA.Run(ctx) }()
	go func() { _ = subB.Run(ctx) }()

	deadline := time.Now().Add(2 * time.Second)
	for srv.PubSubNumPat() < 2*len(event.Classes) {
		if time.Now().After(deadline) {
			t.Fatalf("Subscriptions not established: %d", srv.PubSubNumPat())
		}
		time.Sleep(5 * time.Millisecond)
	}

	pub := fanout.NewPublisher(conn(), slogt.New(t))
	pub.Publish(ctx, event.Typing{ConversationID: "C", UserID: "A", IsTyping: true})

	select {
	case <-recB.ch:
	case <-time.After(2 * time.Second):
		t.Fatal("B did not receive the typing event")
	}
	if len(recB.got) != 1 || recB.got[0].user != "B" || recB.got[0].env.Kind != event.KindTyping {
		t.Errorf("Unexpected deliveries to B: %+v", recB.got)
	}

	pub.Publish(ctx, event.MessageCreated{ConversationID: "C", MessageID: "m", SenderID: "A", Text: "hi"})
	for _, rec := range []*recorder{recA, recB} {
		select {
		case <-rec.ch:
		case <-time.After(2 * time.Second):
			t.Fatal("Message not delivered")
		}
	}

	recA.mu.Lock()
	defer recA.mu.Unlock()
	if len(recA.got) != 1 || recA.got[0].env.Kind != event.KindMessageCreated {
		t.Errorf("A should receive only its own message, got %+v", recA.got)
	}
}
