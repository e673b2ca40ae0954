// Package health serves the /healthz endpoint of the gateway.
package health

import (
	"encoding/json"
	"net/http"
	"sort"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// Checker returns an error indicating if a service is in an unhealthy state.
// Checkers should be implemented by dependencies which can fail, like the
// device authority store.
type Checker interface {
	HealthCheck() error
}

// CheckerFunc adapts a function to the Checker interface.
type CheckerFunc func() error

func (fn CheckerFunc) HealthCheck() error {
	return fn()
}

// Handler returns an http.Handler that checks the status of all the dependencies.
// Handler responds with either:
// 200 OK if every selected check passes, or
// 503 if any of them is reporting an issue.
// The ?check= query parameter restricts the checks that are run. The body
// lists the status of each check that ran.
func Handler(logger log.Logger, allCheckers map[string]Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		checkers := allCheckers
		if checks, ok := r.URL.Query()["check"]; ok {
			checkers = make(map[string]Checker, len(checks))
			for _, checkName := range checks {
				check, ok := allCheckers[checkName]
				if !ok {
					http.Error(w, "the provided check is not valid", http.StatusBadRequest)
					return
				}
				checkers[checkName] = check
			}
		}

		results, healthy := CheckHealth(logger, checkers)
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
		if !healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		json.NewEncoder(w).Encode(results) //nolint:errcheck
	}
}

// CheckHealth runs the checkers in name order and returns the status of
// each, "ok" or "failing", along with false if any of them failed. The
// failure reasons are logged, not returned.
func CheckHealth(logger log.Logger, checkers map[string]Checker) (map[string]string, bool) {
	names := make([]string, 0, len(checkers))
	for name := range checkers {
		names = append(names, name)
	}
	sort.Strings(names)

	healthy := true
	results := make(map[string]string, len(names))
	for _, name := range names {
		if err := checkers[name].HealthCheck(); err != nil {
			level.Error(logger).Log("component", "healthz", "health-checker", name, "err", err)
			results[name] = "failing"
			healthy = false
			continue
		}
		results[name] = "ok"
	}
	return results, healthy
}

// Nop creates a noop checker. Useful in tests.
func Nop() Checker {
	return CheckerFunc(func() error { return nil })
}
