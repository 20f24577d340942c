package provider

import (
	"fmt"
	"net/http"
	"strings"
)

// Kind identifies a provider family. The set is closed: adding a vendor
// means adding a descriptor here plus an adapter.
type Kind string

const (
	Anthropic Kind = "anthropic"
	Google    Kind = "google"
	OpenAI    Kind = "openai"
)

// Descriptor holds the static facts about a provider kind.
type Descriptor struct {
	Kind        Kind
	DisplayName string

	// DefaultBaseURL is used when an endpoint list is empty.
	DefaultBaseURL string

	// ModelPathPrefix is stripped from incoming model ids before routing.
	// Google clients echo ids as "models/gemini-1.5-pro".
	ModelPathPrefix string

	// FinishReasons is the vocabulary this vendor's finish_reason values
	// come from, after normalization.
	FinishReasons []string

	// Embeddings reports whether the adapter implements Embedder.
	Embeddings bool
}

var descriptors = map[Kind]Descriptor{
	Anthropic: {
		Kind:           Anthropic,
		DisplayName:    "Anthropic",
		DefaultBaseURL: "https://api.anthropic.com/v1",
		FinishReasons:  []string{"end_turn", "max_tokens", "stop_sequence", "tool_use", "pause_turn", "refusal"},
	},
	Google: {
		Kind:            Google,
		DisplayName:     "Google",
		DefaultBaseURL:  "https://generativelanguage.googleapis.com/v1beta",
		ModelPathPrefix: "models/",
		FinishReasons: []string{
			"stop", "max_tokens", "safety", "recitation", "language", "other",
			"blocklist", "prohibited_content", "spii", "malformed_function_call",
		},
		Embeddings: true,
	},
	OpenAI: {
		Kind:           OpenAI,
		DisplayName:    "OpenAI",
		DefaultBaseURL: "https://api.openai.com/v1",
		FinishReasons:  []string{"stop", "length", "content_filter", "tool_calls", "function_call"},
		Embeddings:     true,
	},
}

// Kinds lists every provider kind in a stable order.
func Kinds() []Kind {
	return []Kind{Anthropic, Google, OpenAI}
}

// ParseKind maps a URL segment or config key to a Kind.
func ParseKind(s string) (Kind, error) {
	k := Kind(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := descriptors[k]; !ok {
		return "", fmt.Errorf("unknown provider %q", s)
	}
	return k, nil
}

// Describe returns the descriptor for k. It panics on an unknown kind since
// every Kind value in the program comes from ParseKind or the constants.
func Describe(k Kind) Descriptor {
	d, ok := descriptors[k]
	if !ok {
		panic(fmt.Sprintf("provider: no descriptor for kind %q", k))
	}
	return d
}

// FinishReasons returns the finish_reason vocabulary of a provider kind.
func FinishReasons(k Kind) []string {
	return append([]string(nil), Describe(k).FinishReasons...)
}

// Options carries per-endpoint adapter settings.
type Options struct {
	// FoldSystemPrompt makes the Google adapter merge system messages into
	// the first user turn instead of sending systemInstruction. Some
	// Gemma-family models reject systemInstruction.
	FoldSystemPrompt bool

	// StaticModels, when set, is returned by ListModels instead of asking
	// the vendor.
	StaticModels []string
}

// New builds the adapter for one endpoint. The client is shared across
// adapters; see NewHTTPClient.
func New(kind Kind, baseURL, apiKey string, client *http.Client, opts Options) (Provider, error) {
	if baseURL == "" {
		baseURL = Describe(kind).DefaultBaseURL
	}
	switch kind {
	case Anthropic:
		return NewAnthropicProvider(apiKey, baseURL, client, opts), nil
	case Google:
		return NewGoogleProvider(apiKey, baseURL, client, opts), nil
	case OpenAI:
		return NewOpenAIProvider(apiKey, baseURL, client, opts), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", kind)
	}
}
