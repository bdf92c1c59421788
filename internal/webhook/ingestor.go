package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"strings"

	"github.com/leadwire/flowengine/internal/store"
	"github.com/leadwire/flowengine/pkg/schema"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Webhook-Signature"

// RunStarter is the interface the ingestor uses to start workflow runs.
// Satisfied by the engine.
type RunStarter interface {
	Start(ctx context.Context, wf *store.Workflow, payload map[string]any) (*store.Run, error)
}

// WorkflowLookup is the slice of the persistence contract the ingestor needs.
type WorkflowLookup interface {
	GetWorkflowByWebhookID(ctx context.Context, webhookID string) (*store.Workflow, error)
}

// Ingestor resolves opaque webhook IDs to workflows, verifies request
// signatures and starts runs. A run is never created before the
// signature verifies.
type Ingestor struct {
	store   WorkflowLookup
	starter RunStarter
	logger  *slog.Logger
}

// NewIngestor creates an Ingestor.
func NewIngestor(s WorkflowLookup, starter RunStarter, logger *slog.Logger) *Ingestor {
	return &Ingestor{store: s, starter: starter, logger: logger}
}

// Ingest verifies the signature over rawBody with the workflow's shared
// secret and starts a run with the parsed payload. The signature is hex
// HMAC-SHA256; an optional "sha256=" prefix is accepted.
func (i *Ingestor) Ingest(ctx context.Context, webhookID string, rawBody []byte, signature string) (*store.Run, error) {
	wf, err := i.lookup(ctx, webhookID)
	if err != nil {
		return nil, err
	}

	if err := verifySignature(wf.WebhookSecret, rawBody, signature); err != nil {
		i.logger.WarnContext(ctx, "webhook signature rejected",
			slog.String("webhook_id", webhookID),
			slog.String("workflow_id", wf.ID),
		)
		return nil, err
	}

	return i.start(ctx, wf, rawBody)
}

// IngestUnverified starts a run without signature verification. Only
// the debug handler calls this; it is never mounted in production
// routing.
func (i *Ingestor) IngestUnverified(ctx context.Context, webhookID string, rawBody []byte) (*store.Run, error) {
	wf, err := i.lookup(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	return i.start(ctx, wf, rawBody)
}

func (i *Ingestor) lookup(ctx context.Context, webhookID string) (*store.Workflow, error) {
	wf, err := i.store.GetWorkflowByWebhookID(ctx, webhookID)
	if err != nil {
		return nil, err
	}
	if !wf.IsActive {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound,
			"workflow for webhook %q is inactive", webhookID)
	}
	return wf, nil
}

func (i *Ingestor) start(ctx context.Context, wf *store.Workflow, rawBody []byte) (*store.Run, error) {
	payload, err := parsePayload(rawBody)
	if err != nil {
		return nil, err
	}
	return i.starter.Start(ctx, wf, payload)
}

// verifySignature recomputes the HMAC and compares in constant time.
func verifySignature(secret string, rawBody []byte, signature string) error {
	if secret == "" {
		return schema.NewError(schema.ErrCodeHMACVerification, "workflow has no webhook secret")
	}
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return schema.NewError(schema.ErrCodeHMACVerification, "missing signature header")
	}

	provided, err := hex.DecodeString(signature)
	if err != nil {
		return schema.NewError(schema.ErrCodeHMACVerification, "signature is not valid hex")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return schema.NewError(schema.ErrCodeHMACVerification, "signature mismatch")
	}
	return nil
}

// parsePayload decodes the body into trigger variables. An empty body
// is an empty payload; anything else must be a JSON object.
func parsePayload(rawBody []byte) (map[string]any, error) {
	if len(rawBody) == 0 {
		return map[string]any{}, nil
	}
	var payload map[string]any
	if err := json.Unmarshal(rawBody, &payload); err != nil {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"webhook body is not a JSON object").WithCause(err)
	}
	return payload, nil
}

// Sign computes the hex HMAC-SHA256 signature for a body. Exposed for
// clients and tests.
func Sign(secret string, rawBody []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(rawBody)
	return hex.EncodeToString(mac.Sum(nil))
}
