package engine

import "testing"

func TestDetect(t *testing.T) {
	e, err := Detect(DetectConfig{OllamaBaseURL: "http://localhost:11434"})
	if err != nil {
		t.Fatalf("Detect: %v", err)
	}
	if _, ok := e.(*OllamaEngine); !ok {
		t.Errorf("Detect returned %T, want *OllamaEngine", e)
	}

	e, err = Detect(DetectConfig{Provider: ProviderOpenAI, OpenAIAPIKey: "sk-test"})
	if err != nil {
		t.Fatalf("Detect(openai): %v", err)
	}
	if _, ok := e.(*OpenAIEngine); !ok {
		t.Errorf("Detect returned %T, want *OpenAIEngine", e)
	}

	if _, err := Detect(DetectConfig{Provider: ProviderOpenAI}); err == nil {
		t.Error("expected error for openai without key or base URL")
	}
	if _, err := Detect(DetectConfig{Provider: "mlx"}); err == nil {
		t.Error("expected error for unknown provider")
	}
}
