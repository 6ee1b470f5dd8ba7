package agent

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"go.uber.org/zap"

	"github.com/runlab/agentd/internal/common/logger"
)

const defaultMaxTokens = 8192

// SDKBackend streams one turn directly from the Anthropic Messages API. The
// streaming protocol is owned by the SDK; each stream event is forwarded as
// an opaque JSON payload.
type SDKBackend struct {
	client       sdk.Client
	defaultModel string
	logger       *logger.Logger
}

// NewSDKBackend creates the SDK-backed agent. The client reads
// ANTHROPIC_API_KEY from the environment by default.
func NewSDKBackend(defaultModel string, log *logger.Logger) *SDKBackend {
	return &SDKBackend{
		client:       sdk.NewClient(),
		defaultModel: defaultModel,
		logger:       log.WithFields(zap.String("component", "sdk-backend")),
	}
}

// Kind returns the backend selector value.
func (b *SDKBackend) Kind() Kind { return KindSDK }

// Run streams a single Messages turn, forwarding every stream event.
func (b *SDKBackend) Run(ctx context.Context, turn Turn, emit func(json.RawMessage)) error {
	model := turn.Model
	if model == "" {
		model = b.defaultModel
	}

	prompt := turn.Prompt
	if len(turn.Images) > 0 {
		prompt = strings.Join(turn.Images, "\n") + "\n\n" + prompt
	}

	// Tie the API stream to the cancellation token.
	streamCtx, cancelStream := context.WithCancel(ctx)
	defer cancelStream()
	turn.Token.OnCancel(cancelStream)

	started := time.Now()
	stream := b.client.Messages.NewStreaming(streamCtx, sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: defaultMaxTokens,
		Messages: []sdk.MessageParam{
			sdk.NewUserMessage(sdk.NewTextBlock(prompt)),
		},
	})
	defer stream.Close()

	for stream.Next() {
		event := stream.Current()
		emit(json.RawMessage(event.RawJSON()))
	}
	if err := stream.Err(); err != nil && !turn.Token.Cancelled() {
		return err
	}

	b.logger.WithSessionID(turn.SessionID).Info("sdk turn finished",
		zap.Duration("duration", time.Since(started)))
	emit(DoneEvent())
	return nil
}
