package runbook

import (
	"fmt"
	"strings"
)

// System columns the scheduler maintains in every dynamic table alongside
// the query-returned columns.
const (
	ColumnMemberKey   = "_member_key"
	ColumnBatchTime   = "_batch_time"
	ColumnFirstSeenAt = "_first_seen_at"
	ColumnLastSeenAt  = "_last_seen_at"
	ColumnIsCurrent   = "_is_current"
)

// TableName derives the dynamic table name for a runbook version:
// runbook_<sanitized_name>_v<version>. The name is a deterministic function
// of (name, version) so every component derives the same table without
// coordination.
//
// Examples:
//
//	TableName("Mailbox Cutover", 3)  // "runbook_mailbox_cutover_v3"
//	TableName("eu-west", 1)          // "runbook_eu_west_v1"
func TableName(name string, version int) string {
	return fmt.Sprintf("runbook_%s_v%d", SanitizeName(name), version)
}

// SanitizeName lowercases a runbook name and replaces every character that
// is not a letter or digit with an underscore, yielding a safe SQL
// identifier fragment.
func SanitizeName(name string) string {
	var b strings.Builder

	b.Grow(len(name))

	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}

	return b.String()
}
