// Package sqlcheck validates candidate SQL before it is shown to a human or
// executed. Validation is pure and deterministic: the same query and schema
// always produce the same verdict, so the regenerate-with-feedback loop in
// the workflow engine is well defined.
package sqlcheck

import (
	"fmt"
	"strings"
)

// Schema maps lowercase table names to their lowercase column names.
type Schema map[string][]string

// Result is the validator's verdict. Reason is set only on rejection.
type Result struct {
	OK     bool
	Reason string
}

func reject(format string, args ...any) Result {
	return Result{OK: false, Reason: fmt.Sprintf(format, args...)}
}

var accepted = Result{OK: true}

// Statement keywords that indicate a write or DDL operation. Matched as
// standalone words after comment and string-literal stripping.
var dangerousKeywords = map[string]bool{
	"INSERT": true, "UPDATE": true, "DELETE": true, "DROP": true,
	"TRUNCATE": true, "ALTER": true, "CREATE": true, "GRANT": true,
	"REVOKE": true, "EXEC": true, "EXECUTE": true, "MERGE": true,
	"REPLACE": true, "LOAD": true, "COPY": true, "IMPORT": true,
	"EXPORT": true,
}

// System catalogs that generated queries must never touch.
var systemSchemas = map[string]bool{
	"PG_CATALOG": true, "INFORMATION_SCHEMA": true, "SQLITE_MASTER": true,
	"SQLITE_TEMP_MASTER": true, "SQLITE_SEQUENCE": true,
}

// Keywords skipped during identifier resolution.
var sqlKeywords = map[string]bool{
	"SELECT": true, "FROM": true, "WHERE": true, "AND": true, "OR": true,
	"NOT": true, "NULL": true, "IS": true, "IN": true, "LIKE": true,
	"ILIKE": true, "BETWEEN": true, "AS": true, "ON": true, "JOIN": true,
	"INNER": true, "LEFT": true, "RIGHT": true, "FULL": true, "OUTER": true,
	"CROSS": true, "GROUP": true, "BY": true, "ORDER": true, "HAVING": true,
	"LIMIT": true, "OFFSET": true, "ASC": true, "DESC": true,
	"DISTINCT": true, "CASE": true, "WHEN": true, "THEN": true, "ELSE": true,
	"END": true, "UNION": true, "ALL": true, "EXISTS": true, "ANY": true,
	"SOME": true, "CAST": true, "INTERVAL": true, "TRUE": true,
	"FALSE": true, "USING": true, "NATURAL": true, "NULLS": true,
	"FIRST": true, "LAST": true, "FILTER": true, "OVER": true,
	"PARTITION": true, "ROWS": true, "RANGE": true, "CURRENT": true, "ROW": true,
	"YEAR": true, "MONTH": true, "DAY": true, "HOUR": true, "MINUTE": true,
	"SECOND": true, "WEEK": true, "QUARTER": true, "EPOCH": true, "DOW": true,
	"CURRENT_DATE": true, "CURRENT_TIMESTAMP": true, "NOW": true,
	"DATE": true, "TIMESTAMP": true,
}

// Validator checks candidate queries against a schema snapshot.
type Validator struct {
	// MaxJoinedTables bounds the number of distinct tables a single query
	// may reference, keeping execution time predictable.
	MaxJoinedTables int
}

// New returns a Validator with the default complexity bound.
func New() *Validator {
	return &Validator{MaxJoinedTables: 4}
}

// Validate applies the rules in order and short-circuits on the first
// failure: write/multi-statement, system catalog access, schema reference
// resolution, then complexity.
func (v *Validator) Validate(sql string, schema Schema) Result {
	cleaned := stripComments(sql)
	cleaned = stripStrings(cleaned)
	cleaned = strings.TrimSpace(cleaned)
	cleaned = strings.TrimSuffix(cleaned, ";")

	if strings.TrimSpace(cleaned) == "" {
		return reject("write operation not permitted")
	}
	if strings.Contains(cleaned, ";") {
		return reject("write operation not permitted")
	}

	toks := tokenize(cleaned)
	if len(toks) == 0 || !strings.EqualFold(toks[0].text, "SELECT") {
		return reject("write operation not permitted")
	}
	for _, t := range toks {
		if t.kind == tokIdent && dangerousKeywords[strings.ToUpper(t.text)] {
			return reject("write operation not permitted")
		}
	}
	for _, t := range toks {
		if t.kind == tokIdent && systemSchemas[strings.ToUpper(t.text)] {
			return reject("system table access not permitted: %s", strings.ToLower(t.text))
		}
	}

	refs := collectTableRefs(toks)
	for _, r := range refs.ordered {
		if _, ok := schema[r]; !ok {
			return reject("unknown schema reference: %s", r)
		}
	}
	if bad, ok := resolveColumns(toks, refs, schema); !ok {
		return reject("unknown schema reference: %s", bad)
	}

	max := v.MaxJoinedTables
	if max <= 0 {
		max = 4
	}
	if len(refs.ordered) > max {
		return reject("query too complex")
	}
	return accepted
}

type tokKind int

const (
	tokIdent tokKind = iota
	tokPunct
)

type token struct {
	kind tokKind
	text string
}

func stripComments(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); {
		if strings.HasPrefix(s[i:], "--") {
			for i < len(s) && s[i] != '\n' {
				i++
			}
			continue
		}
		if strings.HasPrefix(s[i:], "/*") {
			end := strings.Index(s[i+2:], "*/")
			if end < 0 {
				return b.String()
			}
			i += end + 4
			b.WriteByte(' ')
			continue
		}
		b.WriteByte(s[i])
		i++
	}
	return b.String()
}

// stripStrings replaces single-quoted literals with a placeholder so keyword
// and identifier scanning cannot be fooled by literal content.
func stripStrings(s string) string {
	var b strings.Builder
	inStr := false
	for i := 0; i < len(s); i++ {
		c := s[i]
		if inStr {
			if c == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					i++
					continue
				}
				inStr = false
				b.WriteString("''")
			}
			continue
		}
		if c == '\'' {
			inStr = true
			continue
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isIdentByte(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

func tokenize(s string) []token {
	var toks []token
	for i := 0; i < len(s); {
		c := s[i]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			i++
		case isIdentByte(c):
			j := i
			for j < len(s) && isIdentByte(s[j]) {
				j++
			}
			word := s[i:j]
			// numeric literal
			if word[0] >= '0' && word[0] <= '9' {
				toks = append(toks, token{tokPunct, word})
			} else {
				toks = append(toks, token{tokIdent, word})
			}
			i = j
		default:
			toks = append(toks, token{tokPunct, string(c)})
			i++
		}
	}
	return toks
}

type tableRefs struct {
	// ordered lists distinct real table names in first-appearance order.
	ordered []string
	// aliases maps alias (and table name itself) to table name; "*" marks a
	// derived-table alias whose columns cannot be checked.
	aliases map[string]string
}

func isKeyword(s string) bool { return sqlKeywords[strings.ToUpper(s)] }

// collectTableRefs walks FROM and JOIN clauses gathering table names and
// aliases. A FROM inside a non-SELECT parenthesis group (EXTRACT, SUBSTRING)
// is ignored by tracking whether each group has seen a SELECT.
func collectTableRefs(toks []token) tableRefs {
	refs := tableRefs{aliases: map[string]string{}}
	addTable := func(name string) {
		lower := strings.ToLower(name)
		if _, seen := refs.aliases[lower]; !seen {
			refs.ordered = append(refs.ordered, lower)
		}
		refs.aliases[lower] = lower
	}

	selectCtx := []bool{true}
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind == tokPunct {
			switch t.text {
			case "(":
				selectCtx = append(selectCtx, false)
			case ")":
				if len(selectCtx) > 1 {
					selectCtx = selectCtx[:len(selectCtx)-1]
				}
			}
			continue
		}
		upper := strings.ToUpper(t.text)
		if upper == "SELECT" {
			selectCtx[len(selectCtx)-1] = true
			continue
		}
		if upper != "FROM" && upper != "JOIN" {
			continue
		}
		if !selectCtx[len(selectCtx)-1] {
			continue
		}
		// parse: name [AS] [alias] (, name [alias])* for FROM; single
		// name [alias] for JOIN.
		j := i + 1
		for j < len(toks) {
			if toks[j].kind == tokPunct && toks[j].text == "(" {
				// derived table: skip the group, then bind its alias
				depth := 1
				j++
				for j < len(toks) && depth > 0 {
					if toks[j].kind == tokPunct {
						if toks[j].text == "(" {
							depth++
						} else if toks[j].text == ")" {
							depth--
						}
					}
					j++
				}
				j = bindAlias(toks, j, "*", refs.aliases)
			} else if j < len(toks) && toks[j].kind == tokIdent && !isKeyword(toks[j].text) {
				name := toks[j].text
				// skip qualified system refs handled earlier
				addTable(name)
				j++
				j = bindAlias(toks, j, strings.ToLower(name), refs.aliases)
			} else {
				break
			}
			if upper == "FROM" && j < len(toks) && toks[j].kind == tokPunct && toks[j].text == "," {
				j++
				continue
			}
			break
		}
		i = j - 1
	}
	return refs
}

// bindAlias consumes an optional [AS] alias at position j and records it.
func bindAlias(toks []token, j int, table string, aliases map[string]string) int {
	if j < len(toks) && toks[j].kind == tokIdent && strings.EqualFold(toks[j].text, "AS") {
		j++
	}
	if j < len(toks) && toks[j].kind == tokIdent && !isKeyword(toks[j].text) {
		aliases[strings.ToLower(toks[j].text)] = table
		j++
	}
	return j
}

// resolveColumns checks every identifier against the schema. Qualified
// references resolve through the alias map; unqualified identifiers must be
// a column of some referenced table. Returns the first unresolved identifier.
func resolveColumns(toks []token, refs tableRefs, schema Schema) (string, bool) {
	// aliases introduced in the select list (e.g. COUNT(*) AS cnt, or the
	// bare form COUNT(*) cnt) are legal targets for ORDER BY and HAVING.
	// inSelect tracks whether the current token sits between SELECT and
	// FROM at each paren depth, so bare aliases are only collected from
	// the select list itself.
	selectAliases := map[string]bool{}
	inSelect := []bool{false}
	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind == tokPunct {
			switch t.text {
			case "(":
				inSelect = append(inSelect, false)
			case ")":
				if len(inSelect) > 1 {
					inSelect = inSelect[:len(inSelect)-1]
				}
			}
			continue
		}
		if isKeyword(t.text) {
			switch strings.ToUpper(t.text) {
			case "SELECT":
				inSelect[len(inSelect)-1] = true
			case "FROM":
				inSelect[len(inSelect)-1] = false
			}
			continue
		}
		if t.kind != tokIdent || i == 0 {
			continue
		}
		prev := toks[i-1]
		if strings.EqualFold(prev.text, "AS") {
			selectAliases[strings.ToLower(t.text)] = true
			continue
		}
		if !inSelect[len(inSelect)-1] {
			continue
		}
		// bare alias: an identifier closing an expression, itself closing
		// the select item (next token ends the item)
		closesExpr := (prev.kind == tokPunct && prev.text == ")") ||
			(prev.kind == tokIdent && !isKeyword(prev.text))
		endsItem := i+1 >= len(toks) ||
			(toks[i+1].kind == tokPunct && toks[i+1].text == ",") ||
			strings.EqualFold(toks[i+1].text, "FROM")
		if closesExpr && endsItem {
			selectAliases[strings.ToLower(t.text)] = true
		}
	}

	hasColumn := func(table, col string) bool {
		for _, c := range schema[table] {
			if c == col {
				return true
			}
		}
		return false
	}
	anyTableHas := func(col string) bool {
		for _, t := range refs.ordered {
			if hasColumn(t, col) {
				return true
			}
		}
		return false
	}

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind != tokIdent || isKeyword(t.text) {
			continue
		}
		lower := strings.ToLower(t.text)

		// qualified reference: ident . ident|*
		if i+2 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "." {
			table, ok := refs.aliases[lower]
			if !ok {
				return lower, false
			}
			col := strings.ToLower(toks[i+2].text)
			if table != "*" && toks[i+2].text != "*" && !hasColumn(table, col) {
				return lower + "." + col, false
			}
			i += 2
			continue
		}

		// function call
		if i+1 < len(toks) && toks[i+1].kind == tokPunct && toks[i+1].text == "(" {
			continue
		}
		// table name, alias, or select-list alias
		if _, ok := refs.aliases[lower]; ok {
			continue
		}
		if selectAliases[lower] {
			continue
		}
		// identifier following AS is an alias definition, not a reference
		if i > 0 && strings.EqualFold(toks[i-1].text, "AS") {
			continue
		}
		if !anyTableHas(lower) {
			return lower, false
		}
	}
	return "", true
}
