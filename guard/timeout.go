// Copyright 2025 ArkTech NWA
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package guard

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Query shape detection is a regular-language scan, not a SQL parse. The
// planner only needs a coarse fingerprint.
var (
	joinRe        = regexp.MustCompile(`(?i)\bJOIN\b`)
	subqueryRe    = regexp.MustCompile(`(?i)\(\s*SELECT\b`)
	aggregationRe = regexp.MustCompile(`(?i)\b(COUNT|SUM|AVG|MAX|MIN|GROUP BY)\b`)
	fromRe        = regexp.MustCompile(`(?i)\bFROM\b`)
	explainRe     = regexp.MustCompile(`(?i)\bEXPLAIN\b`)
	analyzeRe     = regexp.MustCompile(`(?i)\bANALYZE\b`)
)

// QueryShape is the complexity fingerprint of a statement.
type QueryShape struct {
	HasJoin        bool
	HasSubquery    bool
	HasAggregation bool
	ExplainAnalyze bool
	TableCount     int
}

// ShapeOf fingerprints a query. TableCount is approximated by counting FROM
// occurrences.
func ShapeOf(query string) QueryShape {
	return QueryShape{
		HasJoin:        joinRe.MatchString(query),
		HasSubquery:    subqueryRe.MatchString(query),
		HasAggregation: aggregationRe.MatchString(query),
		ExplainAnalyze: IsExplainAnalyze(query),
		TableCount:     len(fromRe.FindAllStringIndex(query, -1)),
	}
}

// IsExplainAnalyze reports whether the statement is an EXPLAIN ANALYZE.
// Both tokens anywhere qualify.
func IsExplainAnalyze(query string) bool {
	return explainRe.MatchString(query) && analyzeRe.MatchString(query)
}

// PlannerConfig is the slice of configuration the planner reads.
type PlannerConfig struct {
	Adaptive    bool
	BaseTimeout time.Duration
	MinTimeout  time.Duration
	MaxTimeout  time.Duration
}

// PlanTimeout derives the effective deadline for one call from the query
// shape, the current health classification, and an optional user override.
// It is a pure function: no state, no clock.
//
// An explicit override wins over everything else, clamped into
// [MinTimeout, MaxTimeout]. With adaptive mode off the base timeout is
// returned as-is. Otherwise shape multipliers stack multiplicatively, the
// health multiplier is applied last, and the product is clamped.
func PlanTimeout(cfg PlannerConfig, query string, health HealthStatus, override time.Duration) (time.Duration, string) {
	if override > 0 {
		clamped := clampDuration(override, cfg.MinTimeout, cfg.MaxTimeout)
		reason := fmt.Sprintf("user override (%dms)", override.Milliseconds())
		if clamped > override {
			reason += fmt.Sprintf(", raised to minimum (%dms)", clamped.Milliseconds())
		} else if clamped < override {
			reason += fmt.Sprintf(", lowered to maximum (%dms)", clamped.Milliseconds())
		}
		return clamped, reason
	}

	if !cfg.Adaptive {
		return cfg.BaseTimeout, "base timeout"
	}

	multiplier := 1.0
	var reasons []string

	shape := ShapeOf(query)
	if shape.ExplainAnalyze {
		// Diagnostic call: fixed 3x, shape multipliers do not apply
		multiplier *= 3.0
		reasons = append(reasons, "EXPLAIN ANALYZE (3.0x)")
	} else {
		if shape.HasJoin {
			multiplier *= 1.5
			reasons = append(reasons, "JOIN (1.5x)")
		}
		if shape.HasSubquery {
			multiplier *= 2.0
			reasons = append(reasons, "subquery (2.0x)")
		}
		if shape.TableCount > 1 {
			multiplier *= 1.5
			reasons = append(reasons, "multiple tables (1.5x)")
		}
		if shape.HasAggregation {
			multiplier *= 1.5
			reasons = append(reasons, "aggregation (1.5x)")
		}
	}

	switch health {
	case HealthDegraded:
		multiplier *= 0.5
		reasons = append(reasons, "degraded health (0.5x)")
	case HealthUnhealthy:
		multiplier *= 0.25
		reasons = append(reasons, "unhealthy (0.25x)")
	}

	deadline := time.Duration(float64(cfg.BaseTimeout) * multiplier)
	clamped := clampDuration(deadline, cfg.MinTimeout, cfg.MaxTimeout)
	if clamped != deadline {
		if clamped == cfg.MinTimeout {
			reasons = append(reasons, fmt.Sprintf("clamped to minimum (%dms)", clamped.Milliseconds()))
		} else {
			reasons = append(reasons, fmt.Sprintf("clamped to maximum (%dms)", clamped.Milliseconds()))
		}
	}

	if len(reasons) == 0 {
		return clamped, "base timeout"
	}
	return clamped, strings.Join(reasons, ", ")
}

func clampDuration(d, min, max time.Duration) time.Duration {
	if d < min {
		return min
	}
	if d > max {
		return max
	}
	return d
}
