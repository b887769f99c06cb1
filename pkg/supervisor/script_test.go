package supervisor

import (
	"errors"
	"testing"
)

func TestScriptPendingDeliversToRegisteredWaiter(t *testing.T) {
	p := newScriptPending()
	id, replyc := p.register()

	p.deliver(id, scriptReply{ExitCode: 0})

	select {
	case reply := <-replyc:
		if reply.ExitCode != 0 || reply.Err != "" {
			t.Fatalf("reply = %+v, want exit 0 no error", reply)
		}
	default:
		t.Fatal("expected a reply to be delivered")
	}
}

func TestScriptPendingDeliverToUnknownIDIsNoop(t *testing.T) {
	p := newScriptPending()
	// No register() call happened -- deliver must not panic or block.
	p.deliver(999, scriptReply{ExitCode: 1})
}

func TestScriptPendingCancelDropsWaiter(t *testing.T) {
	p := newScriptPending()
	id, _ := p.register()
	p.cancel(id)

	// A deliver after cancel must be a no-op rather than blocking on an
	// unbuffered send to a channel nobody is reading anymore.
	p.deliver(id, scriptReply{ExitCode: 0})
}

func TestScriptPendingFailAllReachesEveryWaiter(t *testing.T) {
	p := newScriptPending()
	_, ch1 := p.register()
	_, ch2 := p.register()

	p.failAll(errors.New("channel closed"))

	for _, ch := range []chan scriptReply{ch1, ch2} {
		select {
		case reply := <-ch:
			if reply.Err == "" {
				t.Fatal("expected failAll to deliver a non-empty error")
			}
		default:
			t.Fatal("expected failAll to deliver to every outstanding waiter")
		}
	}
}

func TestRunScriptRejectsEmptyPath(t *testing.T) {
	if _, err := runScript(scriptRequest{}, ""); err == nil {
		t.Fatal("expected an error for an empty script path")
	}
}
