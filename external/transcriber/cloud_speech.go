package transcriber

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/auth/credentials"
	speech "cloud.google.com/go/speech/apiv2"
	speechpb "cloud.google.com/go/speech/apiv2/speechpb"
	"github.com/foxseedlab/teno/internal/transcriber"
	gax "github.com/googleapis/gax-go/v2"
	"google.golang.org/api/option"
	"google.golang.org/grpc/codes"
)

const (
	speechAPIEndpointPort = 443
	phraseBoost           = 10
	retryBackoff          = 200 * time.Millisecond
	maxRetryBackoff       = 2 * time.Second
)

var retryableCodes = []codes.Code{codes.Unavailable, codes.Aborted, codes.ResourceExhausted, codes.Internal}

type CloudSpeechConfig struct {
	ProjectID       string
	CredentialsJSON string
	Language        string
	Location        string
	Model           string
	MaxAttempts     int
}

type recognizeFunc func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error)

type CloudSpeechTranscriber struct {
	projectID       string
	credentialsJSON string
	language        string
	location        string
	model           string
	maxAttempts     int

	mu        sync.Mutex
	recognize recognizeFunc
	closer    func() error
}

func NewCloudSpeechTranscriber(cfg CloudSpeechConfig) *CloudSpeechTranscriber {
	maxAttempts := cfg.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &CloudSpeechTranscriber{
		projectID:       cfg.ProjectID,
		credentialsJSON: cfg.CredentialsJSON,
		language:        cfg.Language,
		location:        strings.TrimSpace(cfg.Location),
		model:           strings.TrimSpace(cfg.Model),
		maxAttempts:     maxAttempts,
	}
}

func (t *CloudSpeechTranscriber) Transcribe(ctx context.Context, audio transcriber.Audio, hints []string) (*transcriber.Result, error) {
	if len(audio.Data) == 0 {
		return nil, nil
	}
	recognize, err := t.ensureClient(ctx)
	if err != nil {
		return nil, err
	}
	req := t.buildRequest(audio, hints)

	attempts := 0
	retry := &attemptLimit{
		Retryer: gax.OnCodes(retryableCodes, gax.Backoff{
			Initial:    retryBackoff,
			Max:        maxRetryBackoff,
			Multiplier: 2,
		}),
		attempts: &attempts,
		max:      t.maxAttempts,
	}
	for attempts < t.maxAttempts {
		var resp *speechpb.RecognizeResponse
		err := gax.Invoke(ctx, func(ctx context.Context, _ gax.CallSettings) error {
			attempts++
			var err error
			resp, err = recognize(ctx, req)
			if err != nil {
				slog.Warn("cloud speech recognize failed", "error", err, "attempt", attempts)
			}
			return err
		}, gax.WithRetry(func() gax.Retryer { return retry }))
		if err != nil {
			return nil, fmt.Errorf("recognize after %d attempts: %w", attempts, err)
		}
		if result := resultFromResponse(resp); result != nil {
			return result, nil
		}
		// Short clips sometimes come back empty on the first pass.
		slog.Debug("cloud speech returned no transcript", "attempt", attempts, "audio_bytes", len(audio.Data))
		if attempts < t.maxAttempts {
			if err := gax.Sleep(ctx, retryBackoff); err != nil {
				return nil, err
			}
		}
	}
	return nil, nil
}

// attemptLimit caps a gax retryer by the attempts shared with the
// empty-result loop.
type attemptLimit struct {
	gax.Retryer
	attempts *int
	max      int
}

func (l *attemptLimit) Retry(err error) (time.Duration, bool) {
	if *l.attempts >= l.max {
		return 0, false
	}
	return l.Retryer.Retry(err)
}

func (t *CloudSpeechTranscriber) buildRequest(audio transcriber.Audio, hints []string) *speechpb.RecognizeRequest {
	cfg := &speechpb.RecognitionConfig{
		Model:         t.model,
		LanguageCodes: []string{t.language},
		DecodingConfig: &speechpb.RecognitionConfig_AutoDecodingConfig{
			AutoDecodingConfig: &speechpb.AutoDetectDecodingConfig{},
		},
		Features: &speechpb.RecognitionFeatures{EnableAutomaticPunctuation: true},
	}
	if phrases := buildPhrases(hints); len(phrases) > 0 {
		cfg.Adaptation = &speechpb.SpeechAdaptation{
			PhraseSets: []*speechpb.SpeechAdaptation_AdaptationPhraseSet{{
				Value: &speechpb.SpeechAdaptation_AdaptationPhraseSet_InlinePhraseSet{
					InlinePhraseSet: &speechpb.PhraseSet{Phrases: phrases},
				},
			}},
		}
	}
	return &speechpb.RecognizeRequest{
		Recognizer:  fmt.Sprintf("projects/%s/locations/%s/recognizers/_", t.projectID, t.location),
		Config:      cfg,
		AudioSource: &speechpb.RecognizeRequest_Content{Content: audio.Data},
	}
}

func buildPhrases(hints []string) []*speechpb.PhraseSet_Phrase {
	seen := make(map[string]struct{}, len(hints))
	phrases := make([]*speechpb.PhraseSet_Phrase, 0, len(hints))
	for _, h := range hints {
		h = strings.TrimSpace(h)
		if h == "" {
			continue
		}
		if _, ok := seen[strings.ToLower(h)]; ok {
			continue
		}
		seen[strings.ToLower(h)] = struct{}{}
		phrases = append(phrases, &speechpb.PhraseSet_Phrase{Value: h, Boost: phraseBoost})
	}
	return phrases
}

func resultFromResponse(resp *speechpb.RecognizeResponse) *transcriber.Result {
	parts := make([]string, 0, len(resp.GetResults()))
	var duration time.Duration
	for _, r := range resp.GetResults() {
		if end := r.GetResultEndOffset(); end != nil && end.AsDuration() > duration {
			duration = end.AsDuration()
		}
		alts := r.GetAlternatives()
		if len(alts) == 0 {
			continue
		}
		if text := strings.TrimSpace(alts[0].GetTranscript()); text != "" {
			parts = append(parts, text)
		}
	}
	text := cleanTranscript(strings.Join(parts, " "))
	if text == "" {
		return nil
	}
	return &transcriber.Result{Text: text, DurationSeconds: duration.Seconds()}
}

// cleanTranscript collapses whitespace; line markup relies on single-line text.
func cleanTranscript(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func (t *CloudSpeechTranscriber) ensureClient(ctx context.Context) (recognizeFunc, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.recognize != nil {
		return t.recognize, nil
	}

	creds, err := credentials.DetectDefault(&credentials.DetectOptions{
		CredentialsJSON: []byte(t.credentialsJSON),
		Scopes:          []string{"https://www.googleapis.com/auth/cloud-platform"},
	})
	if err != nil {
		return nil, fmt.Errorf("detect credentials: %w", err)
	}
	opts := []option.ClientOption{
		option.WithAuthCredentials(creds),
	}
	if t.location != "global" {
		opts = append(opts, option.WithEndpoint(fmt.Sprintf("%s-speech.googleapis.com:%d", t.location, speechAPIEndpointPort)))
	}
	client, err := speech.NewClient(context.WithoutCancel(ctx), opts...)
	if err != nil {
		return nil, fmt.Errorf("create speech client: %w", err)
	}
	slog.Info("cloud speech client initialized", "location", t.location, "model", t.model, "language", t.language)
	t.recognize = func(ctx context.Context, req *speechpb.RecognizeRequest) (*speechpb.RecognizeResponse, error) {
		return client.Recognize(ctx, req)
	}
	t.closer = client.Close
	return t.recognize, nil
}

func (t *CloudSpeechTranscriber) Shutdown() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closer == nil {
		return nil
	}
	err := t.closer()
	t.recognize = nil
	t.closer = nil
	return err
}
