package metrics

import (
	"bytes"
	"fmt"
	"text/template"

	"github.com/noctualabs/hearth/internal/types"
)

// insightTmpl combines the group's characteristics, the numeric category
// values and fixed generation guidelines into one directive.
var insightTmpl = template.Must(template.New("insight").Parse(`Write a short personal reflection for a member of {{.Group.Name}}.

{{.Group.Name}} is {{.Group.Essence}}. Its members value {{range $i, $t := .Group.Traits}}{{if $i}}, {{end}}{{$t}}{{end}}.

Their current scores (0-10 scale):
{{- range .Scores}}
- {{.Category}}: {{printf "%.1f" .Value}}
{{- end}}

Guidelines:
- Two to four sentences, second person, warm but specific.
- Ground every observation in the scores above; do not invent facts.
- No lists, no headings, no mention of scores or numbers in the text.`))

type scoreLine struct {
	Category string
	Value    float64
}

func buildInsightPrompt(metrics *types.UserMetrics) (string, error) {
	profile, ok := types.GroupProfileFor(metrics.PrimaryGroup)
	if !ok {
		return "", fmt.Errorf("metrics: unknown group %q", metrics.PrimaryGroup)
	}

	scores := make([]scoreLine, 0, len(types.GroupOrder))
	for _, category := range types.GroupOrder {
		scores = append(scores, scoreLine{Category: category, Value: metrics.Categories[category]})
	}

	var buf bytes.Buffer
	err := insightTmpl.Execute(&buf, struct {
		Group  types.GroupProfile
		Scores []scoreLine
	}{Group: profile, Scores: scores})
	if err != nil {
		return "", fmt.Errorf("metrics: build insight prompt: %w", err)
	}
	return buf.String(), nil
}
