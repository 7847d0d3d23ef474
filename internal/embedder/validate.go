package embedder

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/54b3r/kbingest-go/internal/config"
)

// knownChatModelPrefixes contains name fragments that identify chat/completion
// models which are NOT suitable for embedding.
var knownChatModelPrefixes = []string{
	"gpt-4",
	"gpt-3.5",
	"gpt-35",
	"o1",
	"o3",
	"llama3",
	"llama2",
	"llama-3",
	"llama-2",
	"mistral",
	"mixtral",
	"gemma",
	"phi-",
	"phi3",
	"claude",
	"command-r",
	"deepseek",
	"qwen",
}

// looksLikeChatModel returns true when the model name resembles a known
// chat/completion model rather than a dedicated embedding model.
func looksLikeChatModel(model string) bool {
	lower := strings.ToLower(model)
	for _, prefix := range knownChatModelPrefixes {
		if strings.Contains(lower, prefix) {
			return true
		}
	}
	return false
}

// ValidateConfig checks the embedding configuration before any backend or
// store is constructed, so that operators get a clear error at startup rather
// than a failure on the first file. It returns an error when required
// credentials are missing and logs a warning when EMBEDDING_MODEL looks like
// a chat model.
func ValidateConfig(log *slog.Logger) error {
	backend := Provider()

	switch backend {
	case "openai":
		if config.String("EMBEDDING_API_KEY", config.String("OPENAI_API_KEY", "")) == "" {
			return fmt.Errorf("embedder: no OpenAI API key found, set OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
	case "azure":
		if config.String("EMBEDDING_API_KEY", config.String("AZURE_OPENAI_API_KEY", "")) == "" {
			return fmt.Errorf("embedder: no Azure API key found, set AZURE_OPENAI_API_KEY or EMBEDDING_API_KEY")
		}
		if config.String("EMBEDDING_ENDPOINT", config.String("AZURE_OPENAI_ENDPOINT", "")) == "" {
			return fmt.Errorf("embedder: no Azure endpoint found, set AZURE_OPENAI_ENDPOINT or EMBEDDING_ENDPOINT")
		}
	case "ollama":
	default:
		return fmt.Errorf("embedder: unknown EMBEDDING_PROVIDER %q, valid values: openai, azure, ollama", backend)
	}

	if config.Int("EMBEDDING_DIMENSIONS", 0) < 0 {
		return fmt.Errorf("embedder: EMBEDDING_DIMENSIONS must be positive")
	}

	if model := config.String("EMBEDDING_MODEL", ""); model != "" && looksLikeChatModel(model) {
		log.Warn("embedder: EMBEDDING_MODEL looks like a chat model, not an embedding model",
			slog.String("model", model),
			slog.String("hint", "use a dedicated embedding model e.g. text-embedding-ada-002, nomic-embed-text"),
		)
	}

	return nil
}
