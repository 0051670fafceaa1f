package main

import (
	"context"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"market-agent/handler"
	"market-agent/internal/conversation"
	"market-agent/internal/integrations/openai"
	"market-agent/internal/logic"
	"market-agent/internal/orchestrator"
	"market-agent/internal/plugin"
	"market-agent/internal/plugin/dynamo"
	"market-agent/internal/plugin/sqlstore"
	"market-agent/internal/prompts"
	"market-agent/internal/workflow"
)

func main() {
	ctx := context.Background()

	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = logger.Sync() }()

	// ---- Configuration (read only here) ----
	tables := conversation.Tables{
		Conversation:    mustEnv(logger, "CONVERSATION_TABLE"),
		ConversationIdx: mustEnv(logger, "CONVERSATION_INDEX"),
		UserMessage:     mustEnv(logger, "USER_MESSAGE_TABLE"),
		UserMessageIdx:  mustEnv(logger, "USER_MESSAGE_INDEX"),
		LLMMessage:      mustEnv(logger, "LLM_MESSAGE_TABLE"),
		LLMMessageIdx:   mustEnv(logger, "LLM_MESSAGE_INDEX"),
	}
	promptPrefix := mustEnv(logger, "PROMPT_PREFIX")
	paramPrefix := mustEnv(logger, "PARAM_PREFIX")
	openaiModel := mustEnv(logger, "OPENAI_MODEL")
	sqliteDSN := os.Getenv("SQLITE_DSN")
	defaultWorkflow := envStr("DEFAULT_WORKFLOW", workflow.DirectQueryID)

	// ---- AWS SDK config ----
	cfg, err := config.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatal("failed to load AWS config", zap.Error(err))
	}

	// ---- Clients ----
	paramStore, err := prompts.NewParamStore(awsssm.NewFromConfig(cfg))
	if err != nil {
		logger.Fatal("failed to create param store", zap.Error(err))
	}
	resolver, err := prompts.NewResolver(paramStore, promptPrefix)
	if err != nil {
		logger.Fatal("failed to create prompt resolver", zap.Error(err))
	}
	openaiClient, err := openai.NewClient(paramStore, paramPrefix)
	if err != nil {
		logger.Fatal("failed to create OpenAI client", zap.Error(err))
	}

	// ---- Data backends ----
	router := plugin.NewRouter(logger)
	dynamoPlugin, err := dynamo.New(awsdynamodb.NewFromConfig(cfg), logger)
	if err != nil {
		logger.Fatal("failed to create dynamodb plugin", zap.Error(err))
	}
	router.Register("dynamodb", dynamoPlugin)
	if strings.TrimSpace(sqliteDSN) != "" {
		sqlPlugin, err := sqlstore.New("sqlite3", sqliteDSN, logger)
		if err != nil {
			logger.Fatal("failed to create sql plugin", zap.Error(err))
		}
		router.Register("sql", sqlPlugin)
	}

	store, err := conversation.NewStore(router, tables, logger)
	if err != nil {
		logger.Fatal("failed to create conversation store", zap.Error(err))
	}

	// ---- Workflows ----
	registry := workflow.NewRegistry()
	err = registry.Register(workflow.DirectQueryID, func() (workflow.Workflow, error) {
		return workflow.NewDirectQuery(openaiClient, openaiModel)
	})
	if err != nil {
		logger.Fatal("failed to register direct query workflow", zap.Error(err))
	}

	// ---- Orchestrator + handler ----
	orc, err := orchestrator.New(store, resolver, registry, logic.NewRouter(defaultWorkflow), logger)
	if err != nil {
		logger.Fatal("failed to create orchestrator", zap.Error(err))
	}
	h, err := handler.NewHandler(orc, logger)
	if err != nil {
		logger.Fatal("failed to create handler", zap.Error(err))
	}

	lambda.Start(h.Handle)
}

func mustEnv(logger *zap.Logger, key string) string {
	v := os.Getenv(key)
	if v == "" {
		logger.Fatal("required environment variable is not set", zap.String("key", key))
	}
	return v
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

