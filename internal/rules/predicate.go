package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/ashita-ai/kanshi/internal/model"
)

// evalPredicate walks a predicate tree against one interaction.
// Returns (passed, diagnostic, err). A non-nil err means the predicate
// itself could not be evaluated; the caller turns it into an error-kind
// verdict rather than aborting sibling rules.
func evalPredicate(p model.Predicate, in model.CapturedInteraction) (bool, string, error) {
	switch p.Kind {
	case model.PredicateDeterministic:
		return evalDeterministic(p, in)
	case model.PredicateThreshold:
		return evalThreshold(p, in)
	case model.PredicateComposite:
		return evalComposite(p, in)
	default:
		return false, "", fmt.Errorf("rules: unknown predicate kind %q", p.Kind)
	}
}

func evalDeterministic(p model.Predicate, in model.CapturedInteraction) (bool, string, error) {
	var text string
	switch p.Target {
	case model.TargetPrompt:
		text = in.Prompt
	case model.TargetResponse:
		text = in.Response
	default:
		return false, "", fmt.Errorf("rules: unknown check target %q", p.Target)
	}

	switch p.Check {
	case model.CheckContains:
		if strings.Contains(text, p.Value) {
			return true, "", nil
		}
		return false, fmt.Sprintf("%s does not contain %q", p.Target, p.Value), nil
	case model.CheckNotContains:
		if !strings.Contains(text, p.Value) {
			return true, "", nil
		}
		return false, fmt.Sprintf("%s contains forbidden text %q", p.Target, p.Value), nil
	case model.CheckRegexMatch, model.CheckRegexNotMatch:
		re, err := compileRegex(p.Value)
		if err != nil {
			return false, "", fmt.Errorf("rules: compile regex %q: %w", p.Value, err)
		}
		matched := re.MatchString(text)
		if p.Check == model.CheckRegexMatch {
			if matched {
				return true, "", nil
			}
			return false, fmt.Sprintf("%s does not match /%s/", p.Target, p.Value), nil
		}
		if !matched {
			return true, "", nil
		}
		return false, fmt.Sprintf("%s matches forbidden pattern /%s/", p.Target, p.Value), nil
	default:
		return false, "", fmt.Errorf("rules: unknown deterministic check %q", p.Check)
	}
}

func evalThreshold(p model.Predicate, in model.CapturedInteraction) (bool, string, error) {
	value, err := signalValue(p.Signal, in)
	if err != nil {
		return false, "", err
	}

	var ok bool
	switch p.Op {
	case model.OpLTE:
		ok = value <= p.Bound
	case model.OpLT:
		ok = value < p.Bound
	case model.OpGTE:
		ok = value >= p.Bound
	case model.OpGT:
		ok = value > p.Bound
	default:
		return false, "", fmt.Errorf("rules: unknown threshold op %q", p.Op)
	}
	if ok {
		return true, "", nil
	}
	return false, fmt.Sprintf("%s=%g violates %s %g", p.Signal, value, p.Op, p.Bound), nil
}

func evalComposite(p model.Predicate, in model.CapturedInteraction) (bool, string, error) {
	if len(p.All) > 0 && len(p.Any) > 0 {
		return false, "", fmt.Errorf("rules: composite predicate sets both all and any")
	}

	if len(p.All) > 0 {
		for _, child := range p.All {
			passed, diag, err := evalPredicate(child, in)
			if err != nil {
				return false, "", err
			}
			if !passed {
				return false, diag, nil
			}
		}
		return true, "", nil
	}

	if len(p.Any) > 0 {
		var firstDiag string
		for _, child := range p.Any {
			passed, diag, err := evalPredicate(child, in)
			if err != nil {
				return false, "", err
			}
			if passed {
				return true, "", nil
			}
			if firstDiag == "" {
				firstDiag = diag
			}
		}
		return false, fmt.Sprintf("no alternative satisfied (first: %s)", firstDiag), nil
	}

	return false, "", fmt.Errorf("rules: composite predicate has no children")
}

// signalValue derives the numeric signal a threshold predicate reads.
func signalValue(s model.Signal, in model.CapturedInteraction) (float64, error) {
	switch s {
	case model.SignalCostUSD:
		return in.Metadata.CostUSD, nil
	case model.SignalLatencyMs:
		return float64(in.Metadata.LatencyMs), nil
	case model.SignalResponseChars:
		return float64(len(in.Response)), nil
	case model.SignalPromptTokens:
		return float64(in.Metadata.PromptTokens), nil
	case model.SignalCompletionTokens:
		return float64(in.Metadata.CompletionTokens), nil
	default:
		return 0, fmt.Errorf("rules: unknown signal %q", s)
	}
}

// compileRegex caches compiled patterns. Rule sets are small and change
// rarely, so an unbounded map keyed by pattern is acceptable: the cache is
// reset whenever it crosses regexCacheLimit to bound memory against
// pathological rule churn.
const regexCacheLimit = 1024

var regexCache = struct {
	sync.RWMutex
	m map[string]*regexp.Regexp
}{m: make(map[string]*regexp.Regexp)}

func compileRegex(pattern string) (*regexp.Regexp, error) {
	regexCache.RLock()
	re, ok := regexCache.m[pattern]
	regexCache.RUnlock()
	if ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	regexCache.Lock()
	if len(regexCache.m) >= regexCacheLimit {
		regexCache.m = make(map[string]*regexp.Regexp)
	}
	regexCache.m[pattern] = re
	regexCache.Unlock()
	return re, nil
}
