package eventfeed

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/redis/go-redis/v9"

	"github.com/parrot-sketch/nSculpt-sub003/internal/domain/domainevent"
	"github.com/parrot-sketch/nSculpt-sub003/internal/platform/db"
)

type fakeRedis struct {
	channel string
	message []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.message, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisPublisher_Deliver(t *testing.T) {
	fake := &fakeRedis{}
	p := NewRedisPublisher(fake, "domain-events")
	e := event()

	if err := p.Deliver(db.WithTenant(context.Background(), "acme"), e); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if fake.channel != "domain-events:acme:CLINICAL" {
		t.Errorf("unexpected channel %q", fake.channel)
	}
	var got domainevent.DomainEvent
	if err := json.Unmarshal(fake.message, &got); err != nil {
		t.Fatalf("message is not an event: %v", err)
	}
	if got.ID != e.ID {
		t.Errorf("expected event %s, got %s", e.ID, got.ID)
	}
}

func TestRedisPublisher_ChannelWithoutTenant(t *testing.T) {
	p := NewRedisPublisher(&fakeRedis{}, "domain-events")
	if got := p.Channel("", domainevent.DomainBilling); got != "domain-events:BILLING" {
		t.Errorf("unexpected channel %q", got)
	}
}

func TestRedisPublisher_Error(t *testing.T) {
	p := NewRedisPublisher(&fakeRedis{err: errors.New("connection refused")}, "domain-events")
	if err := p.Deliver(context.Background(), event()); err == nil {
		t.Error("expected publish error to be returned")
	}
}

func TestNewRedisClient_BadURL(t *testing.T) {
	if _, err := NewRedisClient("not a url"); err == nil {
		t.Error("expected error for malformed url")
	}
}
