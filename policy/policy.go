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

package policy

import (
	"fmt"
	"regexp"
	"strings"
)

// Rule is one compiled denylist pattern.
type Rule struct {
	ID          string
	Pattern     *regexp.Regexp
	Description string
}

// Verdict is the result of the pre-flight evaluation. When RewrittenSQL is
// non-empty the caller must execute it instead of the original statement.
type Verdict struct {
	Allowed        bool
	Reason         string
	RewrittenSQL   string
	TriggeredRules []string
}

// Engine evaluates SQL against the denylist, the identifier blacklist, the
// WHERE-clause requirement, and the auto-LIMIT rewrite, in that order. It
// runs before the guard; rejections never reach the database.
type Engine struct {
	denyRules        []Rule
	blacklistTables  map[string]bool
	blacklistColumns map[string]bool
	defaultRowLimit  int
}

// Statement shape probes. These are regex approximations, not a SQL parse;
// the WHERE detector guards the top-level UPDATE/DELETE only.
var (
	updateDeleteRe = regexp.MustCompile(`(?is)^\s*(?:UPDATE|DELETE)\b`)
	whereRe        = regexp.MustCompile(`(?i)\bWHERE\b`)
	bareSelectRe   = regexp.MustCompile(`(?is)^\s*SELECT\b`)
	limitRe        = regexp.MustCompile(`(?i)\bLIMIT\s+\d+`)
	returningRe    = regexp.MustCompile(`(?is)\bRETURNING\s+(.+?)\s*;?\s*$`)
	identifierRe   = regexp.MustCompile(`[A-Za-z_][A-Za-z0-9_]*`)
	trailingSemiRe = regexp.MustCompile(`;\s*$`)
)

// defaultDenyRules block statements no agent call should ever issue.
var defaultDenyRules = []struct {
	id, pattern, description string
}{
	{"deny_drop", `(?i)\bDROP\s+(TABLE|DATABASE|SCHEMA|INDEX|VIEW|SEQUENCE|ROLE|USER)\b`, "DROP statements are not allowed"},
	{"deny_truncate", `(?i)\bTRUNCATE\b`, "TRUNCATE is not allowed"},
	{"deny_alter_system", `(?i)\bALTER\s+(SYSTEM|DATABASE|ROLE|USER)\b`, "server-level ALTER is not allowed"},
	{"deny_grant_revoke", `(?i)\b(GRANT|REVOKE)\b`, "privilege changes are not allowed"},
	{"deny_multi_statement", `;\s*\S`, "multiple statements per call are not allowed"},
	{"deny_copy_program", `(?i)\bCOPY\b.*\bPROGRAM\b`, "COPY PROGRAM is not allowed"},
	{"deny_catalog_write", `(?i)\b(UPDATE|DELETE|INSERT)\b[^;]*\bpg_(catalog|authid|shadow)\b`, "system catalog writes are not allowed"},
	{"deny_comment_smuggle", `(?i)/\*.*\b(DROP|TRUNCATE|GRANT)\b.*\*/`, "commented-out dangerous statements are not allowed"},
	{"deny_set_role", `(?i)\bSET\s+(ROLE|SESSION\s+AUTHORIZATION)\b`, "role switching is not allowed"},
}

// NewEngine compiles the default denylist and indexes the configured
// blacklists. Identifier matching is case-insensitive.
func NewEngine(blacklistTables, blacklistColumns []string, defaultRowLimit int) *Engine {
	e := &Engine{
		blacklistTables:  make(map[string]bool, len(blacklistTables)),
		blacklistColumns: make(map[string]bool, len(blacklistColumns)),
		defaultRowLimit:  defaultRowLimit,
	}
	for _, r := range defaultDenyRules {
		e.denyRules = append(e.denyRules, Rule{
			ID:          r.id,
			Pattern:     regexp.MustCompile(r.pattern),
			Description: r.description,
		})
	}
	for _, t := range blacklistTables {
		e.blacklistTables[strings.ToLower(t)] = true
	}
	for _, c := range blacklistColumns {
		e.blacklistColumns[strings.ToLower(c)] = true
	}
	return e
}

// CheckQuery evaluates a read statement. Bare SELECTs without a LIMIT get
// one injected; maxRows 0 falls back to the engine default.
func (e *Engine) CheckQuery(sql string, maxRows int) Verdict {
	if v := e.checkCommon(sql); !v.Allowed {
		return v
	}

	rewritten := sql
	if bareSelectRe.MatchString(sql) && !limitRe.MatchString(sql) {
		limit := maxRows
		if limit <= 0 {
			limit = e.defaultRowLimit
		}
		rewritten = injectLimit(sql, limit)
	}

	return Verdict{Allowed: true, RewrittenSQL: rewritten}
}

// CheckExecute evaluates a write statement. UPDATE and DELETE must carry a
// WHERE clause; RETURNING lists are stripped of blacklisted columns.
func (e *Engine) CheckExecute(sql string) Verdict {
	// Filter RETURNING before the blacklist scan so a blacklisted column
	// that only appears there is stripped rather than rejected
	rewritten, stripped := e.filterReturning(sql)

	if v := e.checkCommon(rewritten); !v.Allowed {
		return v
	}

	if updateDeleteRe.MatchString(rewritten) && !whereRe.MatchString(rewritten) {
		return Verdict{
			Allowed:        false,
			Reason:         "UPDATE and DELETE require a WHERE clause",
			TriggeredRules: []string{"require_where"},
		}
	}

	v := Verdict{Allowed: true, RewrittenSQL: rewritten}
	if stripped {
		v.TriggeredRules = append(v.TriggeredRules, "returning_filtered")
	}
	return v
}

// checkCommon runs the denylist and identifier blacklist shared by reads
// and writes.
func (e *Engine) checkCommon(sql string) Verdict {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return Verdict{Allowed: false, Reason: "empty statement"}
	}

	// The multi-statement rule treats a trailing semicolon as harmless
	normalized := trailingSemiRe.ReplaceAllString(trimmed, "")

	for _, rule := range e.denyRules {
		if rule.Pattern.MatchString(normalized) {
			return Verdict{
				Allowed:        false,
				Reason:         rule.Description,
				TriggeredRules: []string{rule.ID},
			}
		}
	}

	for _, ident := range identifierRe.FindAllString(sql, -1) {
		lower := strings.ToLower(ident)
		if e.blacklistTables[lower] {
			return Verdict{
				Allowed:        false,
				Reason:         fmt.Sprintf("table %q is not accessible", ident),
				TriggeredRules: []string{"blacklist_table"},
			}
		}
		if e.blacklistColumns[lower] {
			return Verdict{
				Allowed:        false,
				Reason:         fmt.Sprintf("column %q is not accessible", ident),
				TriggeredRules: []string{"blacklist_column"},
			}
		}
	}

	return Verdict{Allowed: true}
}

// filterReturning removes blacklisted columns from a RETURNING list. When
// every column in the list is blacklisted the whole clause is dropped.
func (e *Engine) filterReturning(sql string) (string, bool) {
	if len(e.blacklistColumns) == 0 {
		return sql, false
	}

	m := returningRe.FindStringSubmatchIndex(sql)
	if m == nil {
		return sql, false
	}

	listStart, listEnd := m[2], m[3]
	list := sql[listStart:listEnd]

	var kept []string
	stripped := false
	for _, col := range strings.Split(list, ",") {
		name := strings.ToLower(strings.TrimSpace(col))
		// strip any qualifier for the blacklist lookup
		if i := strings.LastIndex(name, "."); i >= 0 {
			name = name[i+1:]
		}
		if e.blacklistColumns[name] {
			stripped = true
			continue
		}
		kept = append(kept, strings.TrimSpace(col))
	}
	if !stripped {
		return sql, false
	}

	prefix := strings.TrimRight(sql[:m[0]], " \t\n")
	if len(kept) == 0 {
		// Nothing presentable left: drop the RETURNING clause
		return prefix, true
	}
	return prefix + " RETURNING " + strings.Join(kept, ", "), true
}

// injectLimit appends a LIMIT to a SELECT, before any trailing semicolon.
func injectLimit(sql string, limit int) string {
	trimmed := strings.TrimRight(sql, " \t\n")
	if strings.HasSuffix(trimmed, ";") {
		return fmt.Sprintf("%s LIMIT %d;", strings.TrimRight(trimmed[:len(trimmed)-1], " \t\n"), limit)
	}
	return fmt.Sprintf("%s LIMIT %d", trimmed, limit)
}
