package ai

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// stubProvider overrides SolveQuestion; the embedded nil Provider panics
// if a test touches anything else.
type stubProvider struct {
	Provider
	solve func() (*Answer, error)
}

func (s *stubProvider) SolveQuestion(context.Context, string, string) (*Answer, error) {
	return s.solve()
}

func TestRetryBacksOffOnThrottle(t *testing.T) {
	calls := 0
	stub := &stubProvider{solve: func() (*Answer, error) {
		calls++
		return nil, domain.Wrap(domain.KindExternalFailed, ErrThrottled, "gateway")
	}}

	var sleeps []time.Duration
	r := WithRetry(stub).withSleep(func(d time.Duration) { sleeps = append(sleeps, d) })

	_, err := r.SolveQuestion(context.Background(), "Q", "math")
	if !IsThrottled(err) {
		t.Fatalf("expected throttled error after retries, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	want := []time.Duration{time.Second, 2 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("expected %d sleeps, got %v", len(want), sleeps)
	}
	for i, d := range want {
		if sleeps[i] != d {
			t.Fatalf("sleep %d: want %v got %v", i, d, sleeps[i])
		}
	}
}

func TestRetryPropagatesNonThrottle(t *testing.T) {
	calls := 0
	stub := &stubProvider{solve: func() (*Answer, error) {
		calls++
		return nil, domain.E(domain.KindExternalFailed, "hard failure")
	}}
	r := WithRetry(stub).withSleep(func(time.Duration) { t.Fatal("must not sleep") })

	_, err := r.SolveQuestion(context.Background(), "Q", "math")
	if !domain.IsKind(err, domain.KindExternalFailed) {
		t.Fatalf("expected external_failed, got %v", err)
	}
	if calls != 1 {
		t.Fatalf("non-throttle error must not retry, got %d calls", calls)
	}
}

func TestRetrySucceedsAfterThrottle(t *testing.T) {
	calls := 0
	stub := &stubProvider{solve: func() (*Answer, error) {
		calls++
		if calls < 3 {
			return nil, ErrThrottled
		}
		return &Answer{Output: "B", Confidence: 0.92}, nil
	}}
	r := WithRetry(stub).withSleep(func(time.Duration) {})

	out, err := r.SolveQuestion(context.Background(), "Q", "math")
	if err != nil {
		t.Fatal(err)
	}
	if out.Output != "B" || calls != 3 {
		t.Fatalf("unexpected recovery: out=%+v calls=%d", out, calls)
	}
}

func TestRetryAbandonsOnCancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	stub := &stubProvider{solve: func() (*Answer, error) { return nil, ErrThrottled }}
	r := WithRetry(stub).withSleep(func(time.Duration) { t.Fatal("must not sleep") })

	_, err := r.SolveQuestion(ctx, "Q", "math")
	if !domain.IsKind(err, domain.KindExternalFailed) {
		t.Fatalf("expected external_failed, got %v", err)
	}
}

func TestHTTPProviderClassifiesStatuses(t *testing.T) {
	status := http.StatusTooManyRequests
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer k" {
			t.Errorf("missing auth header")
		}
		w.WriteHeader(status)
		if status == http.StatusOK {
			_, _ = w.Write([]byte(`{"output":"C","confidence":0.95}`))
		}
	}))
	defer srv.Close()
	p := NewHTTPProvider(srv.URL, "k")

	_, err := p.SolveQuestion(context.Background(), "Q1", "math")
	if !IsThrottled(err) {
		t.Fatalf("429 must classify as throttled, got %v", err)
	}

	status = http.StatusInternalServerError
	_, err = p.SolveQuestion(context.Background(), "Q1", "math")
	if IsThrottled(err) || !domain.IsKind(err, domain.KindExternalFailed) {
		t.Fatalf("500 must be a plain external failure, got %v", err)
	}

	status = http.StatusOK
	out, err := p.SolveQuestion(context.Background(), "Q1", "math")
	if err != nil {
		t.Fatal(err)
	}
	if out.Output != "C" || out.Confidence != 0.95 {
		t.Fatalf("unexpected answer %+v", out)
	}
}

func TestFallbackDegradesToMock(t *testing.T) {
	stub := &stubProvider{solve: func() (*Answer, error) {
		return nil, domain.E(domain.KindExternalFailed, "gateway down")
	}}
	f := WithFallback(stub)

	out, err := f.SolveQuestion(context.Background(), "Q1", "math")
	if err != nil {
		t.Fatal(err)
	}
	if out.Confidence > MockConfidence {
		t.Fatalf("mock answer must sit at or below the review threshold: %+v", out)
	}
	if !NeedsHumanReview(out.Confidence, out.Flags) {
		t.Fatal("mock fallback must route to human review")
	}
}

func TestFallbackPassesPrimaryThrough(t *testing.T) {
	stub := &stubProvider{solve: func() (*Answer, error) {
		return &Answer{Output: "D", Confidence: 0.99}, nil
	}}
	out, err := WithFallback(stub).SolveQuestion(context.Background(), "Q1", "math")
	if err != nil {
		t.Fatal(err)
	}
	if out.Output != "D" {
		t.Fatalf("primary answer lost: %+v", out)
	}
}

func TestMockDeterminism(t *testing.T) {
	m := NewMock()
	ctx := context.Background()

	a1, err := m.SolveQuestion(ctx, "What is 2+2?", "math")
	if err != nil {
		t.Fatal(err)
	}
	a2, _ := m.SolveQuestion(ctx, "What is 2+2?", "math")
	if a1.Output != a2.Output {
		t.Fatalf("mock must be deterministic: %q vs %q", a1.Output, a2.Output)
	}
	if a1.Output < "A" || a1.Output > "D" {
		t.Fatalf("mock answer outside A-D: %q", a1.Output)
	}

	v, err := m.VerifyAnswer(ctx, "Q1", "A", "A", "math")
	if err != nil {
		t.Fatal(err)
	}
	if v.MatchStatus != "match" || !v.FlagForHuman {
		t.Fatalf("mock verification must match and flag: %+v", v)
	}
}

func TestMockDetectBubbles(t *testing.T) {
	m := NewMock()
	image := []byte("fake scan bytes")

	b1, err := m.DetectBubbles(context.Background(), image, 20)
	if err != nil {
		t.Fatal(err)
	}
	if len(b1.Answers) != 20 || len(b1.Confidence) != 20 {
		t.Fatalf("expected 20 detected answers, got %d/%d", len(b1.Answers), len(b1.Confidence))
	}
	for q, a := range b1.Answers {
		if a < "A" || a > "D" {
			t.Fatalf("question %s detected %q outside A-D", q, a)
		}
		if b1.Confidence[q] != MockConfidence {
			t.Fatalf("question %s confidence %v", q, b1.Confidence[q])
		}
	}

	b2, _ := m.DetectBubbles(context.Background(), image, 20)
	for q := range b1.Answers {
		if b1.Answers[q] != b2.Answers[q] {
			t.Fatalf("bubble detection not deterministic at %s", q)
		}
	}
}

func TestMockDamageForcesReview(t *testing.T) {
	m := NewMock()
	in, err := m.DetectDamage(context.Background(), []byte("scan"))
	if err != nil {
		t.Fatal(err)
	}
	assessment := domain.AssessQuality(*in)
	if assessment.ApprovedForEvaluation {
		t.Fatal("mock damage report must not auto-approve")
	}
	if !assessment.RequiresReconstruction {
		t.Fatal("mock damage report must request reconstruction")
	}
}

func TestNeedsHumanReview(t *testing.T) {
	if NeedsHumanReview(0.95, nil) {
		t.Fatal("high confidence without flags must pass")
	}
	if !NeedsHumanReview(0.69, nil) {
		t.Fatal("low confidence must flag")
	}
	if !NeedsHumanReview(0.99, []string{"mock_provider"}) {
		t.Fatal("flags must force review")
	}
}

func TestNewResilientDefaults(t *testing.T) {
	if _, ok := NewResilient("", "").(*Mock); !ok {
		t.Fatal("empty endpoint must yield the mock provider")
	}
	if _, ok := NewResilient("http://gateway", "k").(*Fallback); !ok {
		t.Fatal("configured endpoint must yield the fallback stack")
	}
}
