// Package exec runs commands as one-shot child processes, persistent
// batch runner workers, device shell sequences or browser submissions,
// and applies the harness retry policy.
package exec

import (
	"strings"
)

// proxyVars are stripped from the child environment so tests never pick
// up the host's proxy settings.
var proxyVars = map[string]bool{
	"http_proxy":  true,
	"https_proxy": true,
	"no_proxy":    true,
	"HTTP_PROXY":  true,
	"HTTPS_PROXY": true,
	"NO_PROXY":    true,
}

// glibcCompatVars are always set for children.
var glibcCompatVars = []string{
	"GLIBCPP_FORCE_NEW=1",
	"GLIBCXX_FORCE_NEW=1",
}

// SanitizedEnv builds a child environment: the host environment minus
// proxy variables, the glibc compatibility variables, then the
// command-specific overrides last.
func SanitizedEnv(hostEnv []string, overrides map[string]string) []string {
	env := make([]string, 0, len(hostEnv)+len(glibcCompatVars)+len(overrides))
	for _, kv := range hostEnv {
		name, _, ok := strings.Cut(kv, "=")
		if ok && proxyVars[name] {
			continue
		}
		env = append(env, kv)
	}
	env = append(env, glibcCompatVars...)
	for k, v := range overrides {
		env = append(env, k+"="+v)
	}
	return env
}
