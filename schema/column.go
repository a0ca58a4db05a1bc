package schema

import (
	"bytes"
	"fmt"
	"strings"
)

func String(name string, length int) Column {
	if length <= 0 {
		length = DefaultStringLength
	}
	return Column{Name: name, Type: StringType, Length: length}
}

func UUID(name string) Column {
	return Column{Name: name, Type: UUIDType}
}

func Boolean(name string) Column {
	return Column{Name: name, Type: BooleanType}
}

func Timestamp(name string) Column {
	return Column{Name: name, Type: TimestampType}
}

func Text(name string) Column {
	return Column{Name: name, Type: TextType}
}

func Integer(name string) Column {
	return Column{Name: name, Type: IntegerType}
}

func Enum(name string, values ...string) Column {
	return Column{Name: name, Type: EnumType, Values: values}
}

func (c Column) Null() Column {
	c.Nullable = true
	return c
}

func (c Column) NotNull() Column {
	c.Nullable = false
	return c
}

func (c Column) PrimaryKey() Column {
	c.Primary = true
	c.Nullable = false
	return c
}

func (c Column) WithDefault(v interface{}) Column {
	c.Default = v
	return c
}

func (c Column) WithComment(comment string) Column {
	c.Comment = comment
	return c
}

// References declares a foreign key, referential actions default to NO ACTION
func (c Column) References(table, column string) Column {
	c.Foreign = &ForeignKey{Table: table, Column: column}
	return c
}

func (c Column) OnUpdate(a Action) Column {
	if c.Foreign != nil {
		fk := *c.Foreign
		fk.OnUpdate = a
		c.Foreign = &fk
	}
	return c
}

func (c Column) OnDelete(a Action) Column {
	if c.Foreign != nil {
		fk := *c.Foreign
		fk.OnDelete = a
		c.Foreign = &fk
	}
	return c
}

// AllowsValue checks a value against the enumerated set, non enum columns accept anything
func (c Column) AllowsValue(v interface{}) bool {
	if c.Type != EnumType || v == nil {
		return true
	}

	if _, ok := v.(Expression); ok {
		return true
	}

	for _, allowed := range c.Values {
		if fmt.Sprint(v) == allowed {
			return true
		}
	}

	return false
}

// Describe renders a canonical engine independent description of the definition
func (c Column) Describe() string {
	var buf bytes.Buffer
	buf.WriteString(c.Name)
	buf.WriteString(" ")
	buf.WriteString(c.Type.String())

	switch c.Type {
	case StringType:
		buf.WriteString(fmt.Sprintf("(%d)", c.Length))
	case EnumType:
		buf.WriteString("(" + strings.Join(c.Values, ",") + ")")
	}

	if c.Primary {
		buf.WriteString(" primary")
	}

	if c.Nullable {
		buf.WriteString(" null")
	} else {
		buf.WriteString(" not null")
	}

	if c.Default != nil {
		buf.WriteString(fmt.Sprintf(" default %v", c.Default))
	}

	if c.Foreign != nil {
		buf.WriteString(fmt.Sprintf(" references %s(%s)", c.Foreign.Table, c.Foreign.Column))
		if c.Foreign.OnUpdate != NoAction {
			buf.WriteString(" on update " + strings.ToLower(string(c.Foreign.OnUpdate)))
		}
		if c.Foreign.OnDelete != NoAction {
			buf.WriteString(" on delete " + strings.ToLower(string(c.Foreign.OnDelete)))
		}
	}

	return buf.String()
}
