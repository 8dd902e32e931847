package groq

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"github.com/jinzhu/copier"
	"github.com/koscakluka/ema-coach/core/discussion"
	"github.com/koscakluka/ema-coach/core/turns"
)

const discussionInstructions = `You write the next few lines of a spoken group discussion.
Only the listed participants may speak, never the user. Each line is one or two spoken sentences.
Keep participants in character and react to what the user said last when there is something.
Return between 2 and %d lines.`

const defaultMaxUtterances = 4

type participant struct {
	Name string `json:"name"`
	Role string `json:"role"`
}

type DiscussionLines struct {
	Utterances []discussion.Utterance `json:"utterances"`
}

// DiscussionGenerator writes persona lines for a group discussion.
type DiscussionGenerator struct {
	client        *Client
	maxUtterances int
}

func NewDiscussionGenerator(client *Client, maxUtterances int) *DiscussionGenerator {
	if maxUtterances <= 0 {
		maxUtterances = defaultMaxUtterances
	}
	return &DiscussionGenerator{client: client, maxUtterances: maxUtterances}
}

func (g *DiscussionGenerator) GenerateUtterances(ctx context.Context, req discussion.GenerationRequest) ([]discussion.Utterance, error) {
	var participants []participant
	if err := copier.Copy(&participants, req.Participants); err != nil {
		return nil, fmt.Errorf("failed to copy participants: %w", err)
	}
	roster, err := json.Marshal(participants)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal participants: %w", err)
	}

	var prompt strings.Builder
	fmt.Fprintf(&prompt, "Topic: %s\nParticipants: %s\n", req.Topic, roster)
	if req.LastUserUtterance != "" {
		fmt.Fprintf(&prompt, "The user just said: %q\n", req.LastUserUtterance)
	} else {
		prompt.WriteString("Open the discussion.\n")
	}

	lines, err := PromptJSONSchema[DiscussionLines](ctx, g.client, prompt.String(),
		fmt.Sprintf(discussionInstructions, g.maxUtterances),
		WithHistory(req.History),
	)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(participants))
	for _, p := range participants {
		names = append(names, p.Name)
	}

	utterances := make([]discussion.Utterance, 0, len(lines.Utterances))
	for _, u := range lines.Utterances {
		u.Text = strings.TrimSpace(u.Text)
		if u.Text == "" || u.Speaker == turns.UserSpeaker || !slices.Contains(names, u.Speaker) {
			logger.DebugContext(ctx, "dropping generated line", "speaker", u.Speaker)
			continue
		}
		utterances = append(utterances, u)
		if len(utterances) == g.maxUtterances {
			break
		}
	}
	return utterances, nil
}
