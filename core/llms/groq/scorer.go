package groq

import (
	"context"
	"errors"
	"fmt"

	"github.com/koscakluka/ema-coach/core/evaluation"
)

const scoringInstructions = `You grade answers given in a spoken practice session.
Score the answer from 0 to 100 on relevance, clarity, structure and confidence.
Give short, specific feedback addressed to the speaker and an example of a strong answer.
The answer is a speech transcript; ignore filler words and transcription noise.`

type dimensionScores struct {
	Relevance  float64 `json:"relevance" jsonschema:"minimum=0,maximum=100"`
	Clarity    float64 `json:"clarity" jsonschema:"minimum=0,maximum=100"`
	Structure  float64 `json:"structure" jsonschema:"minimum=0,maximum=100"`
	Confidence float64 `json:"confidence" jsonschema:"minimum=0,maximum=100"`
}

type AnswerEvaluation struct {
	Feedback    string          `json:"feedback" jsonschema:"description=Two or three sentences of feedback"`
	IdealAnswer string          `json:"idealAnswer" jsonschema:"description=An example of a strong answer"`
	Scores      dimensionScores `json:"scores"`
}

// Scorer grades a single answer with a structured completion.
type Scorer struct {
	client *Client
}

func NewScorer(client *Client) *Scorer {
	return &Scorer{client: client}
}

func (s *Scorer) Score(ctx context.Context, req evaluation.Request) (evaluation.Score, error) {
	prompt := fmt.Sprintf("Context: %s\n\nQuestion: %s\n\nAnswer: %s", req.ModuleContext, req.Question, req.Answer)
	if req.Question == "" {
		prompt = fmt.Sprintf("Context: %s\n\nThe speaker volunteered this without a question:\n%s", req.ModuleContext, req.Answer)
	}

	graded, err := PromptJSONSchema[AnswerEvaluation](ctx, s.client, prompt, scoringInstructions)
	if err != nil {
		if errors.Is(err, ErrMalformedResponse) {
			return evaluation.Score{}, fmt.Errorf("%w: %w", evaluation.ErrMalformedScore, err)
		}
		return evaluation.Score{}, err
	}

	return evaluation.Score{
		FeedbackText: graded.Feedback,
		IdealAnswer:  graded.IdealAnswer,
		DimensionScores: map[string]float64{
			"relevance":  graded.Scores.Relevance,
			"clarity":    graded.Scores.Clarity,
			"structure":  graded.Scores.Structure,
			"confidence": graded.Scores.Confidence,
		},
	}, nil
}
