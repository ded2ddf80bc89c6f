package approval

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opsentry/opsentry/pkg/contracts"
	"github.com/opsentry/opsentry/pkg/notify"
)

// captureDispatcher records every send for assertions.
type captureDispatcher struct {
	mu    sync.Mutex
	sends []capturedSend
}

type capturedSend struct {
	recipients []string
	message    string
	actions    []notify.MessageAction
}

func (d *captureDispatcher) Send(_ context.Context, _ string, recipients []string, message string, actions []notify.MessageAction) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sends = append(d.sends, capturedSend{recipients, message, actions})
	return "delivery-1", nil
}

func (d *captureDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sends)
}

func highRecord() *contracts.ActionRecord {
	return &contracts.ActionRecord{
		Action:    contracts.Action{ID: "a-1", Type: contracts.ActionRotateCredential, Resource: "db-creds", Environment: contracts.EnvProduction},
		RiskLevel: contracts.RiskHigh,
	}
}

func criticalRecord() *contracts.ActionRecord {
	rec := highRecord()
	rec.RiskLevel = contracts.RiskCritical
	return rec
}

func testChain() []Responder {
	return []Responder{
		{ID: "alice", Channel: "webhook", Address: "https://hooks.local/alice"},
		{ID: "bob", Channel: "webhook", Address: "https://hooks.local/bob"},
	}
}

// request runs RequestApproval on its own goroutine and hands back the
// result channel once the request is registered.
func request(t *testing.T, c *Coordinator, ctx context.Context, rec *contracts.ActionRecord, chain []Responder) <-chan *contracts.ApprovalRequest {
	t.Helper()
	done := make(chan *contracts.ApprovalRequest, 1)
	go func() {
		req, _ := c.RequestApproval(ctx, rec, chain)
		done <- req
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 },
		time.Second, time.Millisecond, "request never registered")
	return done
}

func TestApprovalQuorumOne(t *testing.T) {
	d := &captureDispatcher{}
	c := NewCoordinator(d, Config{PrimaryTimeout: time.Minute})

	done := request(t, c, context.Background(), highRecord(), testChain())
	require.NoError(t, c.Respond("a-1", "alice", true, "lgtm"))

	req := <-done
	assert.Equal(t, contracts.ApprovalApproved, req.Outcome)
	require.Len(t, req.Responders, 1)
	assert.Equal(t, "alice", req.Responders[0].ResponderID)
	assert.Equal(t, 1, d.count(), "only the primary responder was notified")
	assert.Equal(t, 0, c.PendingCount())
}

func TestFourEyesSameApproverTwiceInsufficient(t *testing.T) {
	c := NewCoordinator(&captureDispatcher{}, Config{PrimaryTimeout: time.Minute})

	done := request(t, c, context.Background(), criticalRecord(), testChain())
	require.NoError(t, c.Respond("a-1", "alice", true, ""))
	require.NoError(t, c.Respond("a-1", "alice", true, "still me"))

	select {
	case req := <-done:
		t.Fatalf("request resolved %s with one distinct approver", req.Outcome)
	case <-time.After(50 * time.Millisecond):
	}

	require.NoError(t, c.Respond("a-1", "bob", true, ""))
	req := <-done
	assert.Equal(t, contracts.ApprovalApproved, req.Outcome)
	assert.Len(t, req.Responders, 3)
}

func TestAnyDenialIsTerminal(t *testing.T) {
	c := NewCoordinator(&captureDispatcher{}, Config{PrimaryTimeout: time.Minute})

	done := request(t, c, context.Background(), criticalRecord(), testChain())
	require.NoError(t, c.Respond("a-1", "alice", true, ""))
	require.NoError(t, c.Respond("a-1", "bob", false, "change freeze"))

	req := <-done
	assert.Equal(t, contracts.ApprovalDenied, req.Outcome)
}

func TestSilenceEscalatesToNextResponder(t *testing.T) {
	d := &captureDispatcher{}
	c := NewCoordinator(d, Config{PrimaryTimeout: 30 * time.Millisecond, EscalationTimeout: time.Minute})

	done := request(t, c, context.Background(), highRecord(), testChain())

	require.Eventually(t, func() bool { return d.count() == 2 },
		time.Second, time.Millisecond, "silence should notify the next responder")

	require.NoError(t, c.Respond("a-1", "bob", true, ""))
	req := <-done
	assert.Equal(t, contracts.ApprovalApproved, req.Outcome)
	assert.Equal(t, 1, req.ChainIndex)
}

func TestPartialQuorumAtDeadlineTimesOut(t *testing.T) {
	d := &captureDispatcher{}
	c := NewCoordinator(d, Config{PrimaryTimeout: 40 * time.Millisecond, EscalationTimeout: time.Minute})

	done := request(t, c, context.Background(), criticalRecord(), testChain())
	require.NoError(t, c.Respond("a-1", "alice", true, ""))

	req := <-done
	assert.Equal(t, contracts.ApprovalTimedOut, req.Outcome)
	assert.Equal(t, 1, d.count(), "a partial response must not escalate")
}

func TestChainExhaustionTimesOut(t *testing.T) {
	c := NewCoordinator(&captureDispatcher{}, Config{PrimaryTimeout: 20 * time.Millisecond, EscalationTimeout: 20 * time.Millisecond})

	done := request(t, c, context.Background(), highRecord(), testChain())
	req := <-done
	assert.Equal(t, contracts.ApprovalTimedOut, req.Outcome)
}

func TestCancellationAbandonsWait(t *testing.T) {
	c := NewCoordinator(&captureDispatcher{}, Config{PrimaryTimeout: time.Minute})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := c.RequestApproval(ctx, highRecord(), testChain())
		done <- err
	}()
	require.Eventually(t, func() bool { return c.PendingCount() == 1 }, time.Second, time.Millisecond)

	cancel()
	err := <-done
	assert.ErrorIs(t, err, context.Canceled)
	assert.Eventually(t, func() bool { return c.PendingCount() == 0 }, time.Second, time.Millisecond)
}

func TestAcceptedResponsesAreNeverDropped(t *testing.T) {
	c := NewCoordinator(&captureDispatcher{}, Config{PrimaryTimeout: time.Minute})

	done := request(t, c, context.Background(), highRecord(), testChain())

	// Many responders race the resolution of a quorum-1 request. Every
	// Respond that reports success must land in the responder set; a
	// responder told "recorded" whose decision vanished would break the
	// compliance record.
	const racers = 16
	recorded := make(chan string, racers)
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n))
			if err := c.Respond("a-1", id, true, ""); err == nil {
				recorded <- id
			}
		}(i)
	}
	wg.Wait()
	close(recorded)

	req := <-done
	assert.Equal(t, contracts.ApprovalApproved, req.Outcome)

	seen := map[string]bool{}
	for _, d := range req.Responders {
		seen[d.ResponderID] = true
	}
	for id := range recorded {
		assert.True(t, seen[id], "responder %s was told recorded but is missing from the request", id)
	}
}

func TestRespondAfterResolutionRejected(t *testing.T) {
	c := NewCoordinator(&captureDispatcher{}, Config{PrimaryTimeout: time.Minute})

	done := request(t, c, context.Background(), highRecord(), testChain())
	require.NoError(t, c.Respond("a-1", "alice", true, ""))
	<-done

	err := c.Respond("a-1", "bob", true, "late")
	assert.ErrorIs(t, err, contracts.ErrRecordNotFound)
}

func TestRespondWithoutPendingRequest(t *testing.T) {
	c := NewCoordinator(&captureDispatcher{}, Config{})
	err := c.Respond("ghost", "alice", true, "")
	assert.ErrorIs(t, err, contracts.ErrRecordNotFound)
}

func TestEmptyChainRejected(t *testing.T) {
	c := NewCoordinator(&captureDispatcher{}, Config{})
	_, err := c.RequestApproval(context.Background(), highRecord(), nil)
	assert.Error(t, err)
}

func TestCallbackLinksCarrySignedTokens(t *testing.T) {
	d := &captureDispatcher{}
	signer := NewCallbackSigner([]byte("secret"))
	c := NewCoordinator(d, Config{
		PrimaryTimeout:  time.Minute,
		CallbackBaseURL: "https://opsentry.local",
		Signer:          signer,
	})

	done := request(t, c, context.Background(), highRecord(), testChain())
	require.NoError(t, c.Respond("a-1", "alice", true, ""))
	<-done

	require.Equal(t, 1, d.count())
	actions := d.sends[0].actions
	require.Len(t, actions, 2)
	assert.Contains(t, actions[0].CallbackURL, "decision=approve")
	assert.Contains(t, actions[0].CallbackURL, "token=")
	assert.Contains(t, actions[1].CallbackURL, "decision=deny")
}
