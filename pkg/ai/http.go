package ai

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/scantrust-labs/omrledger/pkg/domain"
)

// HTTPProvider talks to the model gateway over JSON. 429 responses are
// classified as throttling so the retry layer backs off; 5xx and
// transport errors surface as external_failed.
type HTTPProvider struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewHTTPProvider points at the gateway base URL.
func NewHTTPProvider(endpoint, apiKey string) *HTTPProvider {
	return &HTTPProvider{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 30 * time.Second},
	}
}

func (p *HTTPProvider) post(ctx context.Context, path string, body, out interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.endpoint+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if p.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+p.apiKey)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return domain.Wrap(domain.KindExternalFailed, err, "provider call %s", path)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return domain.Wrap(domain.KindExternalFailed, ErrThrottled, "provider call %s", path)
	case resp.StatusCode >= 400:
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return domain.E(domain.KindExternalFailed, "provider call %s: status %d: %s",
			path, resp.StatusCode, payload)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.Wrap(domain.KindExternalFailed, err, "provider decode %s", path)
	}
	return nil
}

func (p *HTTPProvider) SolveQuestion(ctx context.Context, question, subject string) (*Answer, error) {
	var out Answer
	err := p.post(ctx, "/v1/solve", map[string]string{
		"question": question,
		"subject":  subject,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) VerifyAnswer(ctx context.Context, question, aiSolution, officialKey, subject string) (*Verification, error) {
	var out Verification
	err := p.post(ctx, "/v1/verify", map[string]string{
		"question":     question,
		"ai_solution":  aiSolution,
		"official_key": officialKey,
		"subject":      subject,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) EvaluateObjection(ctx context.Context, question, officialKey, objection string) (*Answer, error) {
	var out Answer
	err := p.post(ctx, "/v1/objection", map[string]string{
		"question":     question,
		"official_key": officialKey,
		"objection":    objection,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) DetectBubbles(ctx context.Context, image []byte, totalQuestions int) (*BubbleResult, error) {
	var out BubbleResult
	err := p.post(ctx, "/v1/bubbles", map[string]interface{}{
		"image":           base64.StdEncoding.EncodeToString(image),
		"total_questions": totalQuestions,
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) DetectDamage(ctx context.Context, image []byte) (*domain.QualityInput, error) {
	// Providers that report no damage often omit is_recoverable.
	out := domain.QualityInput{Recoverable: true}
	err := p.post(ctx, "/v1/damage", map[string]string{
		"image": base64.StdEncoding.EncodeToString(image),
	}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *HTTPProvider) ReconstructSheet(ctx context.Context, image []byte, damage *domain.QualityInput) (*Reconstruction, error) {
	var wire struct {
		Reconstruction
		ImageB64 string `json:"image"`
	}
	err := p.post(ctx, "/v1/reconstruct", map[string]interface{}{
		"image":  base64.StdEncoding.EncodeToString(image),
		"damage": damage,
	}, &wire)
	if err != nil {
		return nil, err
	}
	out := wire.Reconstruction
	if wire.ImageB64 != "" {
		decoded, err := base64.StdEncoding.DecodeString(wire.ImageB64)
		if err != nil {
			return nil, domain.Wrap(domain.KindExternalFailed, err, "provider reconstruct image decode")
		}
		out.Image = decoded
	}
	return &out, nil
}

var _ Provider = (*HTTPProvider)(nil)
var _ Provider = (*Mock)(nil)
var _ Provider = (*Retry)(nil)

// Fallback tries the primary provider and degrades to the mock on any
// external failure, so the pipeline keeps moving with humans in the loop.
type Fallback struct {
	primary Provider
	mock    Provider
}

// WithFallback wraps primary with the mock safety net.
func WithFallback(primary Provider) *Fallback {
	return &Fallback{primary: primary, mock: NewMock()}
}

func (f *Fallback) SolveQuestion(ctx context.Context, question, subject string) (*Answer, error) {
	out, err := f.primary.SolveQuestion(ctx, question, subject)
	if err != nil && domain.IsKind(err, domain.KindExternalFailed) {
		return f.mock.SolveQuestion(ctx, question, subject)
	}
	return out, err
}

func (f *Fallback) VerifyAnswer(ctx context.Context, question, aiSolution, officialKey, subject string) (*Verification, error) {
	out, err := f.primary.VerifyAnswer(ctx, question, aiSolution, officialKey, subject)
	if err != nil && domain.IsKind(err, domain.KindExternalFailed) {
		return f.mock.VerifyAnswer(ctx, question, aiSolution, officialKey, subject)
	}
	return out, err
}

func (f *Fallback) EvaluateObjection(ctx context.Context, question, officialKey, objection string) (*Answer, error) {
	out, err := f.primary.EvaluateObjection(ctx, question, officialKey, objection)
	if err != nil && domain.IsKind(err, domain.KindExternalFailed) {
		return f.mock.EvaluateObjection(ctx, question, officialKey, objection)
	}
	return out, err
}

func (f *Fallback) DetectBubbles(ctx context.Context, image []byte, totalQuestions int) (*BubbleResult, error) {
	out, err := f.primary.DetectBubbles(ctx, image, totalQuestions)
	if err != nil && domain.IsKind(err, domain.KindExternalFailed) {
		return f.mock.DetectBubbles(ctx, image, totalQuestions)
	}
	return out, err
}

func (f *Fallback) DetectDamage(ctx context.Context, image []byte) (*domain.QualityInput, error) {
	out, err := f.primary.DetectDamage(ctx, image)
	if err != nil && domain.IsKind(err, domain.KindExternalFailed) {
		return f.mock.DetectDamage(ctx, image)
	}
	return out, err
}

func (f *Fallback) ReconstructSheet(ctx context.Context, image []byte, damage *domain.QualityInput) (*Reconstruction, error) {
	out, err := f.primary.ReconstructSheet(ctx, image, damage)
	if err != nil && domain.IsKind(err, domain.KindExternalFailed) {
		return f.mock.ReconstructSheet(ctx, image, damage)
	}
	return out, err
}

var _ Provider = (*Fallback)(nil)

// NewResilient assembles the production stack: HTTP gateway, retry on
// throttling, mock fallback. An empty endpoint yields the bare mock.
func NewResilient(endpoint, apiKey string) Provider {
	if endpoint == "" {
		return NewMock()
	}
	return WithFallback(WithRetry(NewHTTPProvider(endpoint, apiKey)))
}
