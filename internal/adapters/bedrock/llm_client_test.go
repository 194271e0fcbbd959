package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/mikey/lead-router/internal/core"
	"github.com/mikey/lead-router/internal/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type stubInvoker struct {
	body    []byte
	err     error
	request map[string]any
	modelID string
}

func (s *stubInvoker) InvokeModel(ctx context.Context, in *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	s.modelID = aws.ToString(in.ModelId)
	if err := json.Unmarshal(in.Body, &s.request); err != nil {
		return nil, err
	}
	if s.err != nil {
		return nil, s.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: s.body}, nil
}

const verdict = `{"is_lead":true,"classification":"Warm","confidence_score":0.7,"reasoning":"asks for a demo"}`

func newTestClassifier(t *testing.T, modelID string, inv *stubInvoker) *BedrockClassifier {
	logger := zaptest.NewLogger(t)
	return NewBedrockClassifier(inv, modelID, 800, 0.2, 0.9, 0, "", logger, utils.NewTextProcessor(logger))
}

func TestClassifyModelFamilies(t *testing.T) {
	quoted, err := json.Marshal("Here you go: " + verdict)
	require.NoError(t, err)

	tests := []struct {
		model      string
		response   string
		requestKey string
	}{
		{"anthropic.claude-3-sonnet-20240229-v1:0", `{"content":[{"type":"text","text":` + string(quoted) + `}]}`, "messages"},
		{"anthropic.claude-v2", `{"completion":` + string(quoted) + `}`, "max_tokens_to_sample"},
		{"amazon.titan-text-express-v1", `{"results":[{"outputText":` + string(quoted) + `}]}`, "textGenerationConfig"},
		{"meta.llama3-8b-instruct-v1:0", `{"output":` + string(quoted) + `}`, "max_tokens"},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			inv := &stubInvoker{body: []byte(tt.response)}
			c := newTestClassifier(t, tt.model, inv)

			cls, err := c.Classify(context.Background(), &core.Email{ID: "m1", From: "lead@example.com", Subject: "Demo"})
			require.NoError(t, err)
			assert.Equal(t, core.LabelWarm, cls.Label)
			assert.Equal(t, "queue_for_review", cls.Action)
			assert.Equal(t, tt.model, inv.modelID)
			assert.Contains(t, inv.request, tt.requestKey)
		})
	}
}

func TestClassifyInvokeFailure(t *testing.T) {
	c := newTestClassifier(t, "anthropic.claude-v2", &stubInvoker{err: errors.New("throttled")})
	_, err := c.Classify(context.Background(), &core.Email{ID: "m1"})
	require.ErrorIs(t, err, core.ErrTransientUpstream)
}

func TestClassifyEmptyTitanResponse(t *testing.T) {
	c := newTestClassifier(t, "amazon.titan-text-express-v1", &stubInvoker{body: []byte(`{"results":[]}`)})
	_, err := c.Classify(context.Background(), &core.Email{ID: "m1"})
	require.Error(t, err)
}
