package event

import (
	"context"
	"errors"
	"testing"
)

func TestMulti_FansOutAndJoinsErrors(t *testing.T) {
	t.Parallel()

	errA := errors.New("a failed")
	errB := errors.New("b failed")
	var got []string
	rec := func(name string, err error) Publisher {
		return PublisherFunc(func(_ context.Context, e Event) error {
			got = append(got, name+":"+e.Subject)
			return err
		})
	}

	p := Multi(rec("a", errA), nil, rec("ok", nil), rec("b", errB), Nop())
	err := p.Publish(context.Background(), Event{Type: ExecutionCompleted, Subject: "rec-1"})

	if len(got) != 3 || got[0] != "a:rec-1" || got[1] != "ok:rec-1" || got[2] != "b:rec-1" {
		t.Errorf("delivered = %v", got)
	}
	if !errors.Is(err, errA) || !errors.Is(err, errB) {
		t.Errorf("err = %v, want both publisher errors", err)
	}
}

func TestMulti_Empty(t *testing.T) {
	t.Parallel()

	if err := Multi().Publish(context.Background(), Event{}); err != nil {
		t.Errorf("empty Multi = %v", err)
	}
}

func TestNop(t *testing.T) {
	t.Parallel()

	if err := Nop().Publish(context.Background(), Event{Type: FeedSyncFailed}); err != nil {
		t.Errorf("Nop = %v", err)
	}
}
