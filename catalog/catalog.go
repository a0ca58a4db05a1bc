// Package catalog holds the schema history of the whisky catalogue:
// users, distilleries, whiskies, the approval workflow and two factor authentication storage.
package catalog

import (
	"github.com/denismitr/dram/migration"
	"github.com/denismitr/dram/schema"
)

const (
	UsersTable        = "users"
	DistilleriesTable = "distilleries"
	WhiskiesTable     = "whiskies"

	ApprovalPending  = "pending"
	ApprovalApproved = "approved"
	ApprovalRejected = "rejected"
)

// Migrations returns the factories of every catalogue migration in version order
func Migrations() []migration.Factory {
	return []migration.Factory{
		createCatalogTables(),
		addDistilleryIDToWhiskies(),
		addSubmittedByToWhiskies(),
		addApprovalFieldsToWhiskies(),
		addTwoFactorColumnsToUsers(),
	}
}

func Load() (migration.Migrations, error) {
	return migration.NewMigrations(Migrations()...)
}

func timestamps() []schema.Column {
	return []schema.Column{
		schema.Timestamp("created_at").Null(),
		schema.Timestamp("updated_at").Null(),
	}
}

func createCatalogTables() migration.Factory {
	users := schema.Table{
		Name: UsersTable,
		Columns: append([]schema.Column{
			schema.UUID("id").PrimaryKey(),
			schema.String("name", 255),
			schema.String("email", 255),
			schema.String("password", 255),
		}, timestamps()...),
		Indexes: []schema.Index{{Columns: []string{"email"}, Unique: true}},
	}

	distilleries := schema.Table{
		Name: DistilleriesTable,
		Columns: append([]schema.Column{
			schema.UUID("id").PrimaryKey(),
			schema.String("name", 255),
			schema.String("region", 255).Null(),
		}, timestamps()...),
	}

	whiskies := schema.Table{
		Name: WhiskiesTable,
		Columns: append([]schema.Column{
			schema.UUID("id").PrimaryKey(),
			schema.String("name", 255),
			schema.String("distillery", 255),
			schema.Integer("age").Null(),
		}, timestamps()...),
	}

	return migration.New(
		"001",
		"Create catalog tables",
		[]migration.Step{
			migration.CreateTable{Table: users},
			migration.CreateTable{Table: distilleries},
			migration.CreateTable{Table: whiskies},
		},
		[]migration.Step{
			migration.DropTable{Name: WhiskiesTable, Definition: &whiskies},
			migration.DropTable{Name: DistilleriesTable, Definition: &distilleries},
			migration.DropTable{Name: UsersTable, Definition: &users},
		},
	)
}

// the free text distillery column stays for old rows and becomes optional
func addDistilleryIDToWhiskies() migration.Factory {
	distilleryID := schema.UUID("distillery_id").
		Null().
		References(DistilleriesTable, "id").
		OnUpdate(schema.Cascade).
		OnDelete(schema.SetNull)

	distillery := schema.String("distillery", 255)
	byDistillery := schema.Index{Columns: []string{"distillery_id"}}

	return migration.New(
		"002",
		"Add distillery id to whiskies table",
		[]migration.Step{
			migration.AddColumn{Table: WhiskiesTable, Column: distilleryID},
			migration.AddIndex{Table: WhiskiesTable, Index: byDistillery},
			migration.ChangeColumn{Table: WhiskiesTable, From: distillery, To: distillery.Null()},
		},
		[]migration.Step{
			migration.ChangeColumn{Table: WhiskiesTable, From: distillery.Null(), To: distillery},
			migration.RemoveIndex{Table: WhiskiesTable, Index: byDistillery},
			migration.RemoveColumn{Table: WhiskiesTable, Column: "distillery_id"},
		},
	)
}

func addSubmittedByToWhiskies() migration.Factory {
	submittedBy := schema.UUID("submitted_by").
		Null().
		References(UsersTable, "id").
		OnDelete(schema.SetNull)

	bySubmitter := schema.Index{Columns: []string{"submitted_by"}}

	return migration.New(
		"004",
		"Add submitted by to whiskies table",
		[]migration.Step{
			migration.AddColumn{Table: WhiskiesTable, Column: submittedBy},
			migration.AddIndex{Table: WhiskiesTable, Index: bySubmitter},
		},
		[]migration.Step{
			migration.RemoveIndex{Table: WhiskiesTable, Index: bySubmitter},
			migration.RemoveColumn{Table: WhiskiesTable, Column: "submitted_by"},
		},
	)
}

// whiskies entered before the approval workflow existed are treated as approved
func addApprovalFieldsToWhiskies() migration.Factory {
	status := schema.Enum("approval_status", ApprovalPending, ApprovalApproved, ApprovalRejected).
		WithDefault(ApprovalApproved)
	byStatus := schema.Index{Columns: []string{"approval_status"}}

	return migration.New(
		"007",
		"Add approval fields to whiskies table",
		[]migration.Step{
			migration.AddColumn{Table: WhiskiesTable, Column: status},
			migration.AddColumn{Table: WhiskiesTable, Column: schema.Timestamp("approval_date").Null()},
			migration.AddColumn{
				Table:  WhiskiesTable,
				Column: schema.UUID("approved_by").Null().References(UsersTable, "id").OnDelete(schema.SetNull),
			},
			migration.AddIndex{Table: WhiskiesTable, Index: byStatus},
			migration.Backfill{Update: schema.Update{
				Table: WhiskiesTable,
				Set: []schema.Assignment{
					schema.Set("approval_status", ApprovalApproved),
					schema.Set("approval_date", schema.CurrentTimestamp),
				},
				Where: []schema.Predicate{
					schema.IsNull("approval_status"),
					schema.Equals("approval_status", ApprovalPending),
					schema.IsNull("approval_date"),
				},
			}},
		},
		[]migration.Step{
			migration.RemoveIndex{Table: WhiskiesTable, Index: byStatus},
			migration.RemoveColumn{Table: WhiskiesTable, Column: "approved_by"},
			migration.RemoveColumn{Table: WhiskiesTable, Column: "approval_date"},
			migration.RemoveColumn{Table: WhiskiesTable, Column: "approval_status"},
		},
	)
}

// secrets and recovery codes arrive already encrypted, only the storage is reserved here
func addTwoFactorColumnsToUsers() migration.Factory {
	return migration.New(
		"011",
		"Add two factor columns to users table",
		[]migration.Step{
			migration.AddColumn{Table: UsersTable, Column: schema.Boolean("two_factor_enabled").WithDefault(false)},
			migration.AddColumn{
				Table:  UsersTable,
				Column: schema.Text("two_factor_secret").Null().WithComment("contains encrypted secret"),
			},
			migration.AddColumn{
				Table:  UsersTable,
				Column: schema.Text("two_factor_recovery_codes").Null().WithComment("contains encrypted json array of recovery codes"),
			},
			migration.AddColumn{Table: UsersTable, Column: schema.Timestamp("two_factor_confirmed_at").Null()},
		},
		[]migration.Step{
			migration.RemoveColumn{Table: UsersTable, Column: "two_factor_confirmed_at"},
			migration.RemoveColumn{Table: UsersTable, Column: "two_factor_recovery_codes"},
			migration.RemoveColumn{Table: UsersTable, Column: "two_factor_secret"},
			migration.RemoveColumn{Table: UsersTable, Column: "two_factor_enabled"},
		},
	)
}
