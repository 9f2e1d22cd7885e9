package webhooks

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jmerrifield20/freshledger/internal/ledger"
	"go.uber.org/zap"
)

type captured struct {
	mu     sync.Mutex
	bodies [][]byte
	sigs   []string
}

func (c *captured) handler(status int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		c.mu.Lock()
		c.bodies = append(c.bodies, body)
		c.sigs = append(c.sigs, r.Header.Get(SignatureHeader))
		c.mu.Unlock()
		w.WriteHeader(status)
	}
}

func TestOnBlockSealed_signedDelivery(t *testing.T) {
	var got captured
	srv := httptest.NewServer(got.handler(http.StatusOK))
	defer srv.Close()

	d := NewDispatcher([]Endpoint{{URL: srv.URL, Secret: "s3cret"}}, zap.NewNop())
	b := &ledger.Block{Index: 4, Hash: "abc", PreviousHash: "def", Data: []ledger.Transaction{}}

	ctx, cancel := context.WithCancel(context.Background())
	if err := d.OnBlockSealed(ctx, "food", b); err != nil {
		t.Fatal(err)
	}
	cancel() // delivery must survive the caller's context
	d.Wait()

	if len(got.bodies) != 1 {
		t.Fatalf("expected 1 delivery, got %d", len(got.bodies))
	}
	if want := signPayload(got.bodies[0], "s3cret"); got.sigs[0] != want {
		t.Errorf("signature = %q, want %q", got.sigs[0], want)
	}

	var ev Event
	if err := json.Unmarshal(got.bodies[0], &ev); err != nil {
		t.Fatal(err)
	}
	if ev.Type != EventBlockSealed || ev.Namespace != "food" || ev.Block == nil || ev.Block.Index != 4 {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestDispatch_filtersByEvent(t *testing.T) {
	var all, failures captured
	srvAll := httptest.NewServer(all.handler(http.StatusOK))
	defer srvAll.Close()
	srvFail := httptest.NewServer(failures.handler(http.StatusOK))
	defer srvFail.Close()

	d := NewDispatcher([]Endpoint{
		{URL: srvAll.URL},
		{URL: srvFail.URL, Events: []string{EventIntegrityFailed}},
	}, zap.NewNop())

	d.Dispatch(context.Background(), EventIntegrityRestored, map[string]string{"namespace": "food"})
	d.Wait()

	if len(all.bodies) != 1 {
		t.Errorf("catch-all endpoint: expected 1 delivery, got %d", len(all.bodies))
	}
	if len(failures.bodies) != 0 {
		t.Errorf("filtered endpoint: expected 0 deliveries, got %d", len(failures.bodies))
	}
	if all.sigs[0] != "" {
		t.Errorf("expected unsigned delivery without secret, got %q", all.sigs[0])
	}
}

func TestDeliver_retriesThenGivesUp(t *testing.T) {
	var got captured
	srv := httptest.NewServer(got.handler(http.StatusInternalServerError))
	defer srv.Close()

	var failures atomic.Int32
	d := NewDispatcher([]Endpoint{{URL: srv.URL}}, zap.NewNop())
	d.SetRetryDelays([]time.Duration{0, time.Millisecond, time.Millisecond})
	d.SetMetricsRecorder(func(ok bool) {
		if !ok {
			failures.Add(1)
		}
	})

	d.Dispatch(context.Background(), EventIntegrityFailed, map[string]string{"namespace": "food"})
	d.Wait()

	if len(got.bodies) != 3 {
		t.Errorf("expected 3 attempts, got %d", len(got.bodies))
	}
	if failures.Load() != 3 {
		t.Errorf("expected 3 failed deliveries recorded, got %d", failures.Load())
	}
}
