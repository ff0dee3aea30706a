package performance

import (
	"context"
	"fmt"
	"strings"
)

// SkillTagGeneral is the fallback tag for work no other skill matches.
const SkillTagGeneral = "general-task"

// skillKeywords maps each skill tag to the title keywords that select it.
// Order matters: the first tag whose keyword appears in the text wins.
var skillKeywords = []struct {
	tag      string
	keywords []string
}{
	{"code-generation", []string{"implement", "build", "write", "create", "generate", "refactor", "code"}},
	{"testing", []string{"test", "verify", "assert", "coverage", "regression"}},
	{"deployment", []string{"deploy", "release", "ship", "rollout", "provision"}},
	{"diff-parsing", []string{"diff", "patch", "merge", "conflict"}},
	{"queue-routing", []string{"queue", "route", "dispatch", "enqueue", "priorit"}},
	{"schema-validation", []string{"schema", "validate", "validation", "contract"}},
}

// InferSkillTag classifies free text into a skill tag from the closed
// set. Matching is case-insensitive substring, first match wins.
func InferSkillTag(text string) string {
	lower := strings.ToLower(text)
	for _, entry := range skillKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				return entry.tag
			}
		}
	}
	return SkillTagGeneral
}

// matchSkills returns up to three skill tags whose keywords appear in the
// goal title, in classifier priority order.
func matchSkills(goalTitle string) []string {
	lower := strings.ToLower(goalTitle)
	var out []string
	for _, entry := range skillKeywords {
		for _, kw := range entry.keywords {
			if strings.Contains(lower, kw) {
				out = append(out, entry.tag)
				break
			}
		}
		if len(out) == 3 {
			break
		}
	}
	return out
}

// GoalInstructions builds per-goal prompt guidance. It picks the skills
// the goal title touches (falling back to the agent's most used skills),
// then sets the tone from the weakest matched accuracy: cautious below
// 70 percent, concise above 90, balanced in between.
func (t *Tracker) GoalInstructions(ctx context.Context, agentID, goalTitle string) (string, error) {
	matched := matchSkills(goalTitle)
	if len(matched) == 0 {
		tags, err := t.store.ListSkillTags(ctx, agentID)
		if err != nil {
			return "", fmt.Errorf("list skills for instructions: %w", err)
		}
		if len(tags) > 3 {
			tags = tags[:3]
		}
		matched = tags
	}
	if len(matched) == 0 {
		return "Work methodically. Verify assumptions before acting and keep the output focused on the goal.", nil
	}

	lowest := 101.0
	var lines []string
	for _, tag := range matched {
		stats, err := t.StatsFor(ctx, agentID, tag)
		if err != nil {
			return "", err
		}
		if stats.Total == 0 {
			lines = append(lines, fmt.Sprintf("- %s: no track record yet, treat as unproven", tag))
			lowest = 0
			continue
		}
		if stats.Accuracy < lowest {
			lowest = stats.Accuracy
		}
		line := fmt.Sprintf("- %s: %.1f%% over %d attempts", tag, stats.Accuracy, stats.Total)
		if stats.LastFailReason != "" {
			line += fmt.Sprintf("; avoid repeating: %s", stats.LastFailReason)
		}
		lines = append(lines, line)
	}

	var tone string
	switch {
	case lowest < LowAccuracyThreshold:
		tone = "Tone: cautious. Double-check every step, explain your reasoning, and prefer small verifiable changes."
	case lowest > HighAccuracyThreshold:
		tone = "Tone: concise. You have a strong record here; produce the result directly without excess commentary."
	default:
		tone = "Tone: balanced. Work steadily and note anything unusual."
	}

	return "Skill guidance:\n" + strings.Join(lines, "\n") + "\n" + tone, nil
}
