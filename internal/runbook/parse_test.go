package runbook

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validYAML = `
name: mailbox-cutover
data_source:
  type: postgres
  connection: SOURCE_DB_URL
  query: SELECT user_id, cutover_date, aliases FROM migrating_users
  primary_key: user_id
  batch_time: column
  batch_time_column: cutover_date
  multi_valued_columns:
    - { name: aliases, format: semicolon_delimited }
init:
  - name: provision-target
    worker_id: provisioner
    function: provision_tenant
    params:
      batch: "{{_batch_id}}"
phases:
  - name: preamble
    offset: T-5d
    steps:
      - name: notify-user
        worker_id: notifier
        function: send_mail
        params:
          user: "{{user_id}}"
        on_failure: skip
  - name: cutover
    offset: T-0
    steps:
      - name: move-mailbox
        worker_id: mover
        function: move_mailbox
        params:
          user: "{{user_id}}"
        on_failure: "rollback:undo-move"
        poll: { interval: 30s, timeout: 5m }
rollbacks:
  undo-move:
    - name: restore-mailbox
      worker_id: mover
      function: restore_mailbox
      params:
        user: "{{user_id}}"
overdue_behavior: rerun
rerun_init: false
`

func TestParse_ValidDocument(t *testing.T) {
	def, err := Parse([]byte(validYAML))

	require.NoError(t, err)
	assert.Equal(t, "mailbox-cutover", def.Name)
	assert.Equal(t, SourceTypePostgres, def.DataSource.Type)
	assert.Equal(t, "user_id", def.DataSource.PrimaryKey)
	assert.Len(t, def.Init, 1)
	assert.Len(t, def.Phases, 2)
	assert.Equal(t, "T-5d", def.Phases[0].Offset)
	assert.Equal(t, OverdueRerun, def.OverdueBehavior)
	assert.False(t, def.RerunInit)

	require.NotNil(t, def.Phases[1].Steps[0].Poll)
	assert.Equal(t, "30s", def.Phases[1].Steps[0].Poll.Interval)
}

func TestParse_UnknownKeysAreIgnored(t *testing.T) {
	doc := `
name: simple
future_field: whatever
data_source:
  type: csv
  connection: MEMBERS_FILE
  primary_key: user_id
  batch_time: immediate
  extra: 7
phases:
  - name: only
    offset: T-0
    steps:
      - { name: s, worker_id: w, function: f }
`

	def, err := Parse([]byte(doc))

	require.NoError(t, err)
	assert.Equal(t, "simple", def.Name)
	assert.Empty(t, Validate(def))
}

func TestParse_MalformedYAML(t *testing.T) {
	_, err := Parse([]byte("phases:\n  - name: [unterminated"))

	assert.ErrorIs(t, err, ErrParse)
}

func TestParse_WrongTypeForField(t *testing.T) {
	_, err := Parse([]byte("name: x\nphases: 12"))

	assert.ErrorIs(t, err, ErrParse)
}

func TestParseAndValidate_JoinsFindings(t *testing.T) {
	doc := `
data_source:
  type: teleport
phases:
  - offset: T+1d
    steps:
      - name: s
`

	_, err := ParseAndValidate([]byte(doc))

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Contains(t, err.Error(), "name is required")
	assert.Contains(t, err.Error(), "not recognized")
}

func TestValidate_ValidDocumentHasNoFindings(t *testing.T) {
	def, err := Parse([]byte(validYAML))
	require.NoError(t, err)

	assert.Empty(t, Validate(def))
}

func TestValidate_MissingRequiredFields(t *testing.T) {
	def := &Definition{}

	errs := Validate(def)

	messages := joinMessages(errs)
	assert.Contains(t, messages, "name is required")
	assert.Contains(t, messages, "data_source.type is required")
	assert.Contains(t, messages, "data_source.primary_key is required")
}

func TestValidate_BatchTimeColumnRequiredForColumnMode(t *testing.T) {
	def := minimalDefinition()
	def.DataSource.BatchTime = BatchTimeByColumn
	def.DataSource.BatchTimeColumn = ""

	errs := Validate(def)

	assert.Contains(t, joinMessages(errs), "batch_time_column is required")
}

func TestValidate_BatchTimeColumnNotRequiredForImmediate(t *testing.T) {
	def := minimalDefinition()
	def.DataSource.BatchTime = BatchTimeImmediate
	def.DataSource.BatchTimeColumn = ""

	assert.Empty(t, Validate(def))
}

func TestValidate_UnrecognizedSourceType(t *testing.T) {
	def := minimalDefinition()
	def.DataSource.Type = "carrier-pigeon"

	errs := Validate(def)

	assert.Contains(t, joinMessages(errs), "is not recognized")
}

func TestValidate_BadOffset(t *testing.T) {
	def := minimalDefinition()
	def.Phases[0].Offset = "T+1d"

	errs := Validate(def)

	assert.Contains(t, joinMessages(errs), "invalid offset")
}

func TestValidate_DuplicatePhaseName(t *testing.T) {
	def := minimalDefinition()
	def.Phases = append(def.Phases, def.Phases[0])

	errs := Validate(def)

	assert.Contains(t, joinMessages(errs), "duplicate phase name")
}

func TestValidate_StepMissingWorkerAndFunction(t *testing.T) {
	def := minimalDefinition()
	def.Phases[0].Steps = []Step{{Name: "s"}}

	errs := Validate(def)

	messages := joinMessages(errs)
	assert.Contains(t, messages, "worker_id is required")
	assert.Contains(t, messages, "function is required")
}

func TestValidate_UndefinedRollbackReference(t *testing.T) {
	def := minimalDefinition()
	def.Phases[0].Steps[0].OnFailure = "rollback:no-such-sequence"

	errs := Validate(def)

	assert.Contains(t, joinMessages(errs), "undefined rollback sequence")
}

func TestValidate_BadMultiValueFormat(t *testing.T) {
	def := minimalDefinition()
	def.DataSource.MultiValuedColumns = []MultiValuedColumn{{Name: "aliases", Format: "pipe_delimited"}}

	errs := Validate(def)

	assert.Contains(t, joinMessages(errs), "format \"pipe_delimited\" is not recognized")
}

func TestValidate_PollRequiresPositiveDurations(t *testing.T) {
	def := minimalDefinition()
	def.Phases[0].Steps[0].Poll = &Poll{Interval: "0s", Timeout: ""}

	errs := Validate(def)

	messages := joinMessages(errs)
	assert.Contains(t, messages, "poll.interval must be positive")
	assert.Contains(t, messages, "poll.timeout must be positive")
}

func TestValidate_BadOverdueBehavior(t *testing.T) {
	def := minimalDefinition()
	def.OverdueBehavior = "panic"

	errs := Validate(def)

	assert.Contains(t, joinMessages(errs), "overdue_behavior")
}

func TestParseOnFailure_Defaults(t *testing.T) {
	directive, err := ParseOnFailure("")

	require.NoError(t, err)
	assert.Equal(t, FailureRetry, directive.Action)
}

func TestParseOnFailure_AllDirectives(t *testing.T) {
	cases := map[string]FailureAction{
		"retry":      FailureRetry,
		"skip":       FailureSkip,
		"fail_phase": FailureFailPhase,
		"fail_batch": FailureFailBatch,
	}

	for input, want := range cases {
		directive, err := ParseOnFailure(input)

		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, directive.Action, "input %q", input)
	}
}

func TestParseOnFailure_Rollback(t *testing.T) {
	directive, err := ParseOnFailure("rollback:undo-move")

	require.NoError(t, err)
	assert.Equal(t, FailureRollback, directive.Action)
	assert.Equal(t, "undo-move", directive.Rollback)
}

func TestParseOnFailure_RollbackWithoutName(t *testing.T) {
	_, err := ParseOnFailure("rollback:")

	assert.ErrorIs(t, err, ErrInvalidOnFailure)
}

func TestParseOnFailure_Unrecognized(t *testing.T) {
	_, err := ParseOnFailure("explode")

	assert.ErrorIs(t, err, ErrInvalidOnFailure)
}

func TestTableName_Derivation(t *testing.T) {
	assert.Equal(t, "runbook_mailbox_cutover_v3", TableName("Mailbox Cutover", 3))
	assert.Equal(t, "runbook_eu_west_1_v1", TableName("eu-west-1", 1))
	assert.Equal(t, "runbook_plain_v2", TableName("plain", 2))
}

func TestTableName_Deterministic(t *testing.T) {
	assert.Equal(t, TableName("A/B", 1), TableName("A/B", 1))
}

func minimalDefinition() *Definition {
	return &Definition{
		Name: "minimal",
		DataSource: DataSource{
			Type:            SourceTypePostgres,
			Connection:      "DB_URL",
			Query:           "SELECT user_id FROM users",
			PrimaryKey:      "user_id",
			BatchTime:       BatchTimeImmediate,
			BatchTimeColumn: "",
		},
		Phases: []Phase{
			{
				Name:   "only",
				Offset: "T-0",
				Steps: []Step{
					{Name: "s", WorkerID: "w", Function: "f"},
				},
			},
		},
	}
}

func joinMessages(errs []error) string {
	joined := ""
	for _, err := range errs {
		joined += err.Error() + "\n"
	}

	return joined
}
