package entities

import (
	"strings"

	"github.com/JonMunkholm/ledgerport/internal/core"
)

func init() {
	registerAccountDeactivate()
}

// AccountDeactivate sparse-updates accounts that are inactive in the
// source once every transaction has posted against them.
func registerAccountDeactivate() {
	core.Register(core.EntityDefinition{
		Name:             "AccountDeactivate",
		APIEntity:        "Account",
		Order:            orderDeactivation,
		SourceTable:      "Account",
		LineDependencies: []string{"Account"},
		Build: func(in core.BuildInput) core.BuildResult {
			if !inactive(in.Source) {
				return core.Skipf("no update needed: account active in source")
			}
			targetID, skip := in.RequireRef("Account", in.Record.SourceID, "account")
			if skip != "" {
				return core.Skipf("%s", skip)
			}
			doc := core.Document{
				"Id":        targetID,
				"SyncToken": "0",
				"sparse":    true,
				"Active":    false,
			}
			doc.CopyString("Name", in.Source, "Name")
			return core.Built(doc)
		},
	})
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}
