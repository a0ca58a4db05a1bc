package source

import (
	"strings"

	"github.com/denismitr/dram/migration"
	"github.com/denismitr/dram/schema"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"
)

// document is the yaml representation of a single migration file
type document struct {
	Migrate  []stepDoc `yaml:"migrate"`
	Rollback []stepDoc `yaml:"rollback"`
}

// stepDoc holds exactly one of the variants
type stepDoc struct {
	CreateTable  *tableDoc        `yaml:"create_table,omitempty"`
	DropTable    *dropTableDoc    `yaml:"drop_table,omitempty"`
	AddColumn    *addColumnDoc    `yaml:"add_column,omitempty"`
	RemoveColumn *removeColumnDoc `yaml:"remove_column,omitempty"`
	ChangeColumn *changeColumnDoc `yaml:"change_column,omitempty"`
	AddIndex     *indexDoc        `yaml:"add_index,omitempty"`
	RemoveIndex  *indexDoc        `yaml:"remove_index,omitempty"`
	Update       *updateDoc       `yaml:"update,omitempty"`
	Raw          *rawDoc          `yaml:"raw,omitempty"`
}

type tableDoc struct {
	Name    string      `yaml:"name"`
	Columns []columnDoc `yaml:"columns"`
	Indexes []indexDoc  `yaml:"indexes,omitempty"`
}

type dropTableDoc struct {
	Name       string    `yaml:"name"`
	Definition *tableDoc `yaml:"definition,omitempty"`
}

type columnDoc struct {
	Name              string      `yaml:"name"`
	Type              string      `yaml:"type"`
	Length            int         `yaml:"length,omitempty"`
	Values            []string    `yaml:"values,omitempty"`
	Nullable          bool        `yaml:"nullable,omitempty"`
	Primary           bool        `yaml:"primary,omitempty"`
	Default           interface{} `yaml:"default,omitempty"`
	DefaultExpression string      `yaml:"default_expression,omitempty"`
	Comment           string      `yaml:"comment,omitempty"`
	References        *foreignDoc `yaml:"references,omitempty"`
}

type foreignDoc struct {
	Table    string `yaml:"table"`
	Column   string `yaml:"column"`
	OnUpdate string `yaml:"on_update,omitempty"`
	OnDelete string `yaml:"on_delete,omitempty"`
}

type addColumnDoc struct {
	Table  string    `yaml:"table"`
	Column columnDoc `yaml:"column"`
}

type removeColumnDoc struct {
	Table      string     `yaml:"table"`
	Column     string     `yaml:"column"`
	Definition *columnDoc `yaml:"definition,omitempty"`
}

type changeColumnDoc struct {
	Table string     `yaml:"table"`
	From  *columnDoc `yaml:"from,omitempty"`
	To    columnDoc  `yaml:"to"`
}

type indexDoc struct {
	Table   string   `yaml:"table,omitempty"`
	Name    string   `yaml:"name,omitempty"`
	Columns []string `yaml:"columns"`
	Unique  bool     `yaml:"unique,omitempty"`
}

type updateDoc struct {
	Table string          `yaml:"table"`
	Set   []assignmentDoc `yaml:"set"`
	Where []predicateDoc  `yaml:"where,omitempty"`
}

type assignmentDoc struct {
	Column     string      `yaml:"column"`
	Value      interface{} `yaml:"value,omitempty"`
	Expression string      `yaml:"expression,omitempty"`
}

type predicateDoc struct {
	Column string      `yaml:"column"`
	IsNull bool        `yaml:"is_null,omitempty"`
	Equals interface{} `yaml:"equals,omitempty"`
}

type rawDoc struct {
	SQL  string        `yaml:"sql"`
	Args []interface{} `yaml:"args,omitempty"`
}

// decodeSteps parses a yaml migration file, a missing rollback section
// is derived from the migrate steps when every one of them can be inverted
func decodeSteps(contents []byte) (migrate, rollback []migration.Step, err error) {
	var doc document
	if err := yaml.UnmarshalStrict(contents, &doc); err != nil {
		return nil, nil, errors.Wrap(ErrInvalidMigrationFile, err.Error())
	}

	migrate, err = convertSteps(doc.Migrate)
	if err != nil {
		return nil, nil, errors.Wrap(err, "migrate")
	}

	if doc.Rollback == nil && hasRollbackKey(contents) {
		return migrate, nil, nil
	}

	if doc.Rollback == nil {
		return migrate, invert(migrate), nil
	}

	rollback, err = convertSteps(doc.Rollback)
	if err != nil {
		return nil, nil, errors.Wrap(err, "rollback")
	}

	return migrate, rollback, nil
}

// hasRollbackKey tells an explicitly empty rollback section from an omitted one
func hasRollbackKey(contents []byte) bool {
	var keys map[string]interface{}
	if err := yaml.Unmarshal(contents, &keys); err != nil {
		return false
	}

	_, ok := keys["rollback"]
	return ok
}

func invert(steps []migration.Step) []migration.Step {
	result := make([]migration.Step, 0, len(steps))

	for i := len(steps) - 1; i >= 0; i-- {
		inv, ok := steps[i].Inverse()
		if !ok {
			return nil
		}

		result = append(result, inv)
	}

	return result
}

func convertSteps(docs []stepDoc) ([]migration.Step, error) {
	steps := make([]migration.Step, 0, len(docs))

	for i := range docs {
		s, err := docs[i].step()
		if err != nil {
			return nil, errors.Wrapf(err, "step #%d", i+1)
		}

		steps = append(steps, s)
	}

	return steps, nil
}

func (d stepDoc) step() (migration.Step, error) {
	var (
		result migration.Step
		found  int
		err    error
	)

	if d.CreateTable != nil {
		found++
		var t schema.Table
		t, err = d.CreateTable.table()
		result = migration.CreateTable{Table: t}
	}

	if d.DropTable != nil {
		found++
		s := migration.DropTable{Name: d.DropTable.Name}
		if d.DropTable.Definition != nil {
			var t schema.Table
			t, err = d.DropTable.Definition.table()
			s.Definition = &t
		}
		result = s
	}

	if d.AddColumn != nil {
		found++
		var c schema.Column
		c, err = d.AddColumn.Column.column()
		result = migration.AddColumn{Table: d.AddColumn.Table, Column: c}
	}

	if d.RemoveColumn != nil {
		found++
		s := migration.RemoveColumn{Table: d.RemoveColumn.Table, Column: d.RemoveColumn.Column}
		if d.RemoveColumn.Definition != nil {
			var c schema.Column
			c, err = d.RemoveColumn.Definition.column()
			s.Definition = &c
		}
		result = s
	}

	if d.ChangeColumn != nil {
		found++
		s := migration.ChangeColumn{Table: d.ChangeColumn.Table}
		s.To, err = d.ChangeColumn.To.column()
		if err == nil && d.ChangeColumn.From != nil {
			s.From, err = d.ChangeColumn.From.column()
		}
		result = s
	}

	if d.AddIndex != nil {
		found++
		result = migration.AddIndex{Table: d.AddIndex.Table, Index: d.AddIndex.index()}
	}

	if d.RemoveIndex != nil {
		found++
		result = migration.RemoveIndex{Table: d.RemoveIndex.Table, Index: d.RemoveIndex.index()}
	}

	if d.Update != nil {
		found++
		result = migration.Backfill{Update: d.Update.update()}
	}

	if d.Raw != nil {
		found++
		result = migration.Raw{SQL: d.Raw.SQL, Args: d.Raw.Args}
	}

	if found != 1 {
		return nil, errors.Wrapf(ErrInvalidMigrationFile, "expected exactly one step kind, found %d", found)
	}

	if err != nil {
		return nil, err
	}

	return result, nil
}

func (d tableDoc) table() (schema.Table, error) {
	t := schema.Table{Name: d.Name}
	if d.Name == "" {
		return t, errors.Wrap(ErrInvalidMigrationFile, "table name is required")
	}

	for i := range d.Columns {
		c, err := d.Columns[i].column()
		if err != nil {
			return t, err
		}
		t.Columns = append(t.Columns, c)
	}

	for i := range d.Indexes {
		t.Indexes = append(t.Indexes, d.Indexes[i].index())
	}

	return t, nil
}

func (d columnDoc) column() (schema.Column, error) {
	if d.Name == "" {
		return schema.Column{}, errors.Wrap(ErrInvalidMigrationFile, "column name is required")
	}

	typ, err := schema.ParseType(d.Type)
	if err != nil {
		return schema.Column{}, errors.Wrapf(ErrInvalidMigrationFile, "column %s: %s", d.Name, err.Error())
	}

	c := schema.Column{
		Name:     d.Name,
		Type:     typ,
		Length:   d.Length,
		Values:   d.Values,
		Nullable: d.Nullable,
		Default:  d.Default,
		Comment:  d.Comment,
	}

	if typ == schema.StringType && c.Length <= 0 {
		c.Length = schema.DefaultStringLength
	}

	if typ == schema.EnumType && len(c.Values) == 0 {
		return c, errors.Wrapf(ErrInvalidMigrationFile, "enum column %s has no values", d.Name)
	}

	if d.DefaultExpression != "" {
		c.Default = schema.Expression(d.DefaultExpression)
	}

	if d.Primary {
		c = c.PrimaryKey()
	}

	if d.References != nil {
		c = c.References(d.References.Table, d.References.Column).
			OnUpdate(parseAction(d.References.OnUpdate)).
			OnDelete(parseAction(d.References.OnDelete))
	}

	return c, nil
}

func (d indexDoc) index() schema.Index {
	return schema.Index{Name: d.Name, Columns: d.Columns, Unique: d.Unique}
}

func (d updateDoc) update() schema.Update {
	u := schema.Update{Table: d.Table}

	for _, a := range d.Set {
		if a.Expression != "" {
			u.Set = append(u.Set, schema.Set(a.Column, schema.Expression(a.Expression)))
		} else {
			u.Set = append(u.Set, schema.Set(a.Column, a.Value))
		}
	}

	for _, p := range d.Where {
		if p.IsNull {
			u.Where = append(u.Where, schema.IsNull(p.Column))
		} else {
			u.Where = append(u.Where, schema.Equals(p.Column, p.Equals))
		}
	}

	return u
}

func parseAction(s string) schema.Action {
	switch a := schema.Action(strings.ToUpper(strings.TrimSpace(s))); a {
	case schema.Cascade, schema.SetNull, schema.Restrict:
		return a
	default:
		return schema.NoAction
	}
}

const yamlTemplate = `# %s
migrate: []
#  - add_column:
#      table: whiskies
#      column: {name: tasting_notes, type: text, nullable: true}
rollback: []
#  - remove_column: {table: whiskies, column: tasting_notes}
`
