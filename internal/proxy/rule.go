package proxy

import (
	"context"
	"net/url"
	"regexp"

	"github.com/lucasew/disklru/internal/repository"
)

// RuleResult says how a proxied response is cached.
type RuleResult struct {
	Key    string
	Digest *repository.Digest
}

// Rule decides whether a GET request goes through the cache. It returns nil to let
// the request pass through.
type Rule func(context.Context, *url.URL) *RuleResult

// NewRegexRule creates a Rule that caches requests whose URL matches regex.
//
// The cache key is the named group "key" when the regex has one, the full URL
// otherwise. With algo set, the named group "hash" (or the first capturing group) is
// the expected digest of the content.
func NewRegexRule(regex *regexp.Regexp, algo string) Rule {
	return func(ctx context.Context, u *url.URL) *RuleResult {
		urlString := u.String()
		matches := regex.FindStringSubmatch(urlString)
		if matches == nil {
			return nil
		}

		groups := make(map[string]string)
		for i, name := range regex.SubexpNames() {
			if i != 0 && name != "" {
				groups[name] = matches[i]
			}
		}

		res := &RuleResult{Key: urlString}
		if k := groups["key"]; k != "" {
			res.Key = k
		}

		if algo != "" {
			hash, ok := groups["hash"]
			if !ok && len(matches) > 1 {
				hash = matches[1]
			}
			if hash == "" {
				return nil
			}
			res.Digest = &repository.Digest{Algo: algo, Hash: hash}
		}
		return res
	}
}
