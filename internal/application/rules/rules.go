// Package rules provides the default rule proposal and revalidation strategies.
package rules

import (
	"fmt"
	"strings"

	"github.com/aescanero/taskloop/pkg/domain"
)

const (
	// DefaultKeyword is the marker the default worker leaves in its results
	DefaultKeyword = "acknowledged execution"

	// queryPrefixLen is how many runes of the query identify a MainTask type
	queryPrefixLen = 20

	ruleContext   = "task_review"
	sourcePrefix  = "retrospection_maintask_"
	guidelineText = "Ensure review step includes checking for '%s'."
)

// OutcomeReviewProposer proposes one review rule per MainTask type when a
// completed subtask mentions the keyword in its results
type OutcomeReviewProposer struct {
	keyword string
}

// NewOutcomeReviewProposer creates a proposer keyed on keyword
func NewOutcomeReviewProposer(keyword string) *OutcomeReviewProposer {
	if keyword == "" {
		keyword = DefaultKeyword
	}
	return &OutcomeReviewProposer{keyword: keyword}
}

// Propose implements ports.RuleProposer
func (p *OutcomeReviewProposer) Propose(mt *domain.MainTask, completed []domain.SubTask) []domain.Rule {
	if mt == nil {
		return nil
	}

	mentioned := false
	for _, st := range completed {
		if mentions(st.Results, p.keyword) {
			mentioned = true
			break
		}
	}
	if !mentioned {
		return nil
	}

	description := fmt.Sprintf("Review task outcomes for %s, for MainTask type: %s",
		p.keyword, queryPrefix(mt.UserQuery))

	return []domain.Rule{
		domain.NewRule(description, ruleContext, fmt.Sprintf(guidelineText, p.keyword), sourcePrefix+mt.ID),
	}
}

// KeywordValidator keeps a rule valid while its description mentions any keyword
type KeywordValidator struct {
	keywords []string
}

// NewKeywordValidator creates a validator; without keywords DefaultKeyword is used
func NewKeywordValidator(keywords ...string) *KeywordValidator {
	kws := make([]string, 0, len(keywords))
	for _, kw := range keywords {
		if kw = strings.TrimSpace(kw); kw != "" {
			kws = append(kws, strings.ToLower(kw))
		}
	}
	if len(kws) == 0 {
		kws = append(kws, DefaultKeyword)
	}
	return &KeywordValidator{keywords: kws}
}

// Validate implements ports.RuleValidator. The main task may be nil.
func (v *KeywordValidator) Validate(rule domain.Rule, _ *domain.MainTask) bool {
	desc := strings.ToLower(rule.Description)
	for _, kw := range v.keywords {
		if strings.Contains(desc, kw) {
			return true
		}
	}
	return false
}

// mentions reports whether any string value in results contains keyword
func mentions(results map[string]interface{}, keyword string) bool {
	kw := strings.ToLower(keyword)
	for _, v := range results {
		if s, ok := v.(string); ok && strings.Contains(strings.ToLower(s), kw) {
			return true
		}
	}
	return false
}

func queryPrefix(query string) string {
	r := []rune(query)
	if len(r) > queryPrefixLen {
		r = r[:queryPrefixLen]
	}
	return string(r)
}
