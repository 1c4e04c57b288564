package teno

import (
	"github.com/foxseedlab/teno/internal/audio"
	"github.com/foxseedlab/teno/internal/classifier"
	"github.com/foxseedlab/teno/internal/config"
	"github.com/foxseedlab/teno/internal/discord"
	"github.com/foxseedlab/teno/internal/generator"
	"github.com/foxseedlab/teno/internal/health"
	"github.com/foxseedlab/teno/internal/repository"
	"github.com/foxseedlab/teno/internal/synthesizer"
	"github.com/foxseedlab/teno/internal/transcriber"
	"github.com/foxseedlab/teno/internal/transcript"
	"github.com/foxseedlab/teno/internal/webhook"
	"github.com/samber/do/v2"
)

func RegisterDI(injector do.Injector) {
	do.Provide(injector, func(i do.Injector) (*Teno, error) {
		cfg := do.MustInvoke[*config.Config](i)
		return New(cfg, Dependencies{
			Repository:  do.MustInvoke[repository.Repository](i),
			Discord:     do.MustInvoke[discord.Client](i),
			Transcriber: do.MustInvoke[transcriber.Transcriber](i),
			Store:       do.MustInvoke[transcript.Store](i),
			Classifier:  do.MustInvoke[classifier.Classifier](i),
			Generator:   do.MustInvoke[generator.Generator](i),
			Synthesizer: do.MustInvoke[synthesizer.Synthesizer](i),
			NewEncoder:  do.MustInvoke[audio.EncoderFactory](i),
			Webhook:     do.MustInvoke[webhook.Sender](i),
			Health:      do.MustInvoke[health.Reporter](i),
		}), nil
	})
}
