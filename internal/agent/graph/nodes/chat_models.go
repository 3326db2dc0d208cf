package nodes

import (
	"context"
	"fmt"

	"github.com/cloudwego/eino-ext/components/model/gemini"
	einomodel "github.com/cloudwego/eino/components/model"
	"google.golang.org/genai"

	"github.com/promptchain/server/internal/agent/model"
	logx "github.com/promptchain/server/pkg/logger"
)

// ChatModelConfig holds the configuration for chat model creation
type ChatModelConfig struct {
	APIKey         string
	BaseURL        string
	ThinkingBudget int32
	Chain          model.ChainConfig
}

// ChatModels holds one chat model per pipeline stage
type ChatModels map[model.StageName]einomodel.BaseChatModel

// NewChatModels creates the per-stage Gemini chat models. All stages share one
// genai client.
func NewChatModels(ctx context.Context, config ChatModelConfig) (ChatModels, error) {
	clientCfg := &genai.ClientConfig{
		APIKey:  config.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if config.BaseURL != "" {
		clientCfg.HTTPOptions.BaseURL = config.BaseURL
	}

	client, err := genai.NewClient(ctx, clientCfg)
	if err != nil {
		logx.Error().Err(err).Msg("Error creating Gemini client")
		return nil, fmt.Errorf("error creating Gemini client: %w", err)
	}

	models := make(ChatModels, len(model.Stages))
	for _, stage := range model.Stages {
		step := config.Chain.Step(stage)
		maxTokens := step.MaxTokens

		cfg := &gemini.Config{
			Client:      client,
			Model:       step.Model,
			Temperature: step.Temperature,
			MaxTokens:   &maxTokens,
		}
		if config.ThinkingBudget > 0 {
			cfg.ThinkingConfig = &genai.ThinkingConfig{
				IncludeThoughts: false,
				ThinkingBudget:  genai.Ptr(config.ThinkingBudget),
			}
		}

		cm, err := gemini.NewChatModel(ctx, cfg)
		if err != nil {
			logx.Error().Err(err).Str("stage", string(stage)).Msg("Error creating chat model")
			return nil, fmt.Errorf("error creating %s model: %w", stage, err)
		}
		models[stage] = cm
	}
	return models, nil
}

// For returns the chat model of a stage.
func (m ChatModels) For(stage model.StageName) (einomodel.BaseChatModel, error) {
	cm, ok := m[stage]
	if !ok || cm == nil {
		return nil, fmt.Errorf("no chat model configured for stage %s", stage)
	}
	return cm, nil
}
