package synthesizer

import (
	"github.com/foxseedlab/teno/internal/config"
	"github.com/foxseedlab/teno/internal/synthesizer"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (synthesizer.Synthesizer, error) {
		c := do.MustInvoke[*config.Config](i)
		if c.TTSProvider == config.TTSProviderElevenLabs {
			return NewElevenLabsSynthesizer(ElevenLabsConfig{
				APIKey: c.ElevenLabsAPIKey,
				Model:  c.ElevenLabsModel,
				Voice:  c.TTSVoice,
			}), nil
		}
		return NewGoogleSynthesizer(GoogleConfig{
			CredentialsJSON: c.GoogleCloudCredentialsJSON,
			Language:        c.TTSLanguage,
			Voice:           c.TTSVoice,
		}), nil
	})
}
