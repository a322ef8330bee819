// Package gate decides at creation time whether a proposal is admitted.
//
// Evaluate is pure: it reads only its input, performs no I/O and never
// panics. Missing or malformed policy fields impose no restriction; only an
// explicit disable or an exhausted quota rejects.
package gate

import (
	"fmt"
	"regexp"

	"github.com/expr-lang/expr"

	"opsline/internal/domain"
)

const ReasonAutopostDisabled = "x_autopost disabled"

var postPattern = regexp.MustCompile(`(?i)\b(re)?tweet(s|ed|ing)?\b|\bpost(s|ed|ing)?\b|x\.com`)

// Draft is the part of a proposal the gate looks at.
type Draft struct {
	Title       string `expr:"title"`
	Description string `expr:"description"`
	Source      string `expr:"source"`
	Project     string `expr:"project"`
	TaskKey     string `expr:"taskKey"`
}

type Input struct {
	Draft  Draft
	Policy domain.Policy
	// PostsToday counts admitted post-like proposals created today.
	PostsToday int
}

// IsPostLike reports whether a title suggests an external post action.
func IsPostLike(title string) bool {
	return postPattern.MatchString(title)
}

func Evaluate(in Input) domain.GateResult {
	if IsPostLike(in.Draft.Title) {
		if in.Policy.AutopostDisabled() {
			return reject(ReasonAutopostDisabled)
		}
		if limit := in.Policy.QuotaLimit(); limit > 0 && in.PostsToday >= limit {
			return reject(fmt.Sprintf("x_daily_quota reached (%d/%d)", in.PostsToday, limit))
		}
	}
	for _, rule := range in.Policy.DenyRules {
		if denied(rule, in.Draft) {
			reason := rule.Reason
			if reason == "" {
				reason = "denied by rule: " + rule.When
			}
			return reject(reason)
		}
	}
	return domain.GateResult{OK: true}
}

func reject(reason string) domain.GateResult {
	return domain.GateResult{OK: false, Reason: reason}
}

// denied evaluates one deny rule. Rules that fail to compile, fail at run
// time or yield a non-bool never deny.
func denied(rule domain.DenyRule, d Draft) (deny bool) {
	if rule.When == "" {
		return false
	}
	defer func() {
		if recover() != nil {
			deny = false
		}
	}()
	program, err := expr.Compile(rule.When, expr.Env(Draft{}), expr.AsBool())
	if err != nil {
		return false
	}
	out, err := expr.Run(program, d)
	if err != nil {
		return false
	}
	b, ok := out.(bool)
	return ok && b
}
