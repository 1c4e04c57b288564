package llm

import (
	"github.com/foxseedlab/teno/internal/classifier"
	"github.com/foxseedlab/teno/internal/config"
	"github.com/foxseedlab/teno/internal/generator"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*OpenAIClient, error) {
		c := do.MustInvoke[*config.Config](i)
		return NewOpenAIClient(OpenAIConfig{
			APIKey:          c.OpenAIAPIKey,
			BaseURL:         c.OpenAIBaseURL,
			Model:           c.OpenAIModel,
			ClassifierModel: c.OpenAIClassifierModel,
			BotName:         c.BotName,
		}), nil
	})
	do.Provide(injector, func(i do.Injector) (generator.Generator, error) {
		return do.MustInvoke[*OpenAIClient](i), nil
	})
	do.Provide(injector, func(i do.Injector) (classifier.Classifier, error) {
		return do.MustInvoke[*OpenAIClient](i), nil
	})
}
